package transcript

import (
	"reflect"
	"strings"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/room4-2/chatstream/messages"
)

func TestMessageJSON_RoundTrip(t *testing.T) {
	in := []Message{
		{Role: RoleUser, Content: []Content{&Text{SequenceIdx: 0, Text: "build a page"}}},
		{Role: RoleAssistant, Content: []Content{
			&TextChunks{Chunks: []Chunk{{1, "Sure"}, {2, "!"}}},
			&ToolUse{
				SequenceIdx: 3, ToolUseID: "t1", ToolName: "list_files", Status: messages.ToolSuccess,
				Extra: messages.ToolExtra{RequestText: "req", OutputFiles: []messages.OutputFile{{FileID: "f1", FileName: "a.csv"}}},
			},
			&Artifact{Index: 0, Ready: true, Type: ArtifactHTML, Name: "Page", Text: "<p>x</p>"},
		}},
	}

	data, err := sonic.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out []Message
	if err := sonic.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch\n got: %s", data)
	}
}

func TestDecodeSnapshot(t *testing.T) {
	data := []byte(`{
		"id": "s1",
		"exists": true,
		"messages": [
			{"role": "user", "content": [{"kind": "text", "sequenceIdx": 4, "text": "hi"}]},
			{"role": "assistant", "content": [
				{"kind": "text-chunks", "chunks": [{"sequence_idx": 6, "text": "lo"}, {"sequence_idx": 5, "text": "hel"}]},
				{"kind": "tool-use", "sequence_idx": 7, "tool_use_id": "t9", "tool_name": "list_files", "status": "running", "extra": {"request_text": "r"}}
			]}
		],
		"files": [{"checksum": "abc", "file_name": "notes.txt"}]
	}`)

	snap, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ID != "s1" || !snap.Exists {
		t.Errorf("header = %q %v", snap.ID, snap.Exists)
	}
	if len(snap.Files) != 1 || snap.Files[0].FileName != "notes.txt" {
		t.Errorf("files = %+v", snap.Files)
	}

	text := snap.Messages[0].Content[0].(*Text)
	if text.SequenceIdx != 4 || text.Text != "hi" {
		t.Errorf("legacy text = %+v", text)
	}

	_, resolved := snap.Messages[1].Content[0].(*TextChunks).Resolve()
	if resolved != "hello" {
		t.Errorf("chunks resolved to %q", resolved)
	}

	tool := snap.Messages[1].Content[1].(*ToolUse)
	if tool.ToolUseID != "t9" || tool.Status != messages.ToolRunning || tool.Extra.RequestText != "r" {
		t.Errorf("tool = %+v", tool)
	}
}

func TestDecodeSnapshot_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{"id":`, "decode snapshot"},
		{"unknown role", `{"messages":[{"role":"system","content":[]}]}`, "unknown message role"},
		{"unknown kind", `{"messages":[{"role":"user","content":[{"kind":"image"}]}]}`, "unknown content kind"},
		{"tool without id", `{"messages":[{"role":"assistant","content":[{"kind":"tool-use"}]}]}`, "tool_use_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSnapshot([]byte(tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestDecodeSnapshot_MissingSession(t *testing.T) {
	snap, err := DecodeSnapshot([]byte(`{"id":"new","exists":false,"messages":[],"files":[]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Exists || len(snap.Messages) != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}
