package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/room4-2/chatstream/messages"
	"github.com/room4-2/chatstream/transcript"
)

func TestParseFiles(t *testing.T) {
	files, err := parseFiles([]string{"report.pdf:abc123", "notes.txt:ff"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(files) != 2 || files[0].FileName != "report.pdf" || files[0].Checksum != "abc123" {
		t.Errorf("files = %+v", files)
	}

	for _, bad := range []string{"noseparator", ":abc", "name:"} {
		if _, err := parseFiles([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestRender(t *testing.T) {
	msgs := []transcript.Message{
		{Role: transcript.RoleUser, Content: []transcript.Content{&transcript.Text{Text: "make a page"}}},
		{Role: transcript.RoleAssistant, Content: []transcript.Content{
			&transcript.ToolUse{SequenceIdx: 1, ToolUseID: "t1", ToolName: "list_files", Status: messages.ToolSuccess},
			&transcript.Text{SequenceIdx: 2, Text: `Done: <x-artifact type="react" name="Card">export default 1`},
		}},
	}

	var buf bytes.Buffer
	render(&buf, transcript.Normalize(msgs))
	out := buf.String()

	for _, want := range []string{
		"[user]\nmake a page\n",
		"tool list_files (success)",
		`artifact #0 "Card"`,
		"Artifacts:",
		"incomplete",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
