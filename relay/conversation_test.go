package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/genai"

	"github.com/room4-2/chatstream/functions"
	"github.com/room4-2/chatstream/gemini"
	"github.com/room4-2/chatstream/messages"
	"github.com/room4-2/chatstream/store"
)

// step is one scripted model response
type step struct {
	texts []string
	calls []*genai.FunctionCall
	err   error
}

type scriptedGenerator struct {
	mu       sync.Mutex
	steps    []step
	requests []gemini.Request
}

func (g *scriptedGenerator) Generate(_ context.Context, req gemini.Request, onText func(string) error) (*gemini.Result, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	if len(g.steps) == 0 {
		g.mu.Unlock()
		return nil, errors.New("no scripted step")
	}
	s := g.steps[0]
	g.steps = g.steps[1:]
	g.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	content := &genai.Content{Role: string(genai.RoleModel)}
	if len(s.texts) > 0 {
		for _, text := range s.texts {
			if err := onText(text); err != nil {
				return nil, err
			}
		}
		content.Parts = append(content.Parts, &genai.Part{Text: strings.Join(s.texts, "")})
	}
	for _, call := range s.calls {
		content.Parts = append(content.Parts, &genai.Part{FunctionCall: call})
	}
	return &gemini.Result{Content: content, Calls: s.calls}, nil
}

func (g *scriptedGenerator) lastRequest() gemini.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

type emitted struct {
	mu     sync.Mutex
	events []messages.Payload
}

func (e *emitted) emit(p messages.Payload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, p)
	return nil
}

func newTestStore(t *testing.T) *store.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.New(client, time.Hour)
}

func newTestConversation(t *testing.T, gen Generator) (*Conversation, *emitted, *store.RedisStore, *observer.ObservedLogs) {
	t.Helper()
	st := newTestStore(t)
	out := &emitted{}
	core, logs := observer.New(zap.DebugLevel)
	return NewConversation(st, gen, functions.Default(), true, out.emit, zap.New(core)), out, st, logs
}

func assertIncreasing(t *testing.T, events []messages.Payload) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		if events[i].Sequence() <= events[i-1].Sequence() {
			t.Errorf("event %d has sequence %d after %d", i, events[i].Sequence(), events[i-1].Sequence())
		}
	}
}

func TestConversation_TextTurn(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{{texts: []string{"Hello", ", world"}}}}
	conv, out, st, _ := newTestConversation(t, gen)
	ctx := context.Background()

	conv.Handle(ctx, messages.NewConverse("s1", "hi", nil))

	if len(out.events) != 3 {
		t.Fatalf("got %d events: %+v", len(out.events), out.events)
	}
	for i, want := range []string{"Hello", ", world"} {
		chunk, ok := out.events[i].(*messages.TextChunk)
		if !ok || chunk.Text != want {
			t.Errorf("event %d = %+v", i, out.events[i])
		}
	}
	loop, ok := out.events[2].(*messages.Loop)
	if !ok || !loop.Finish {
		t.Errorf("last event = %+v, want LOOP finish", out.events[2])
	}
	assertIncreasing(t, out.events)

	saved, ok, err := st.Load(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if len(saved.Messages) != 2 || saved.Messages[1].Parts[0].Text != "Hello, world" {
		t.Errorf("saved = %+v", saved.Messages)
	}

	sys := gen.lastRequest().System
	if !strings.Contains(sys, "## Artifacts") {
		t.Error("system prompt should describe artifacts")
	}
}

func TestConversation_ToolTurn(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{
		{texts: []string{"Checking."}, calls: []*genai.FunctionCall{{Name: "list_files"}}},
		{texts: []string{"You attached notes.txt."}},
	}}
	conv, out, st, _ := newTestConversation(t, gen)
	ctx := context.Background()
	files := []messages.FileItem{{Checksum: "abc", FileName: "notes.txt"}}

	conv.Handle(ctx, messages.NewConverse("s1", "what did I attach?", files))

	if len(out.events) != 4 {
		t.Fatalf("got %d events: %+v", len(out.events), out.events)
	}
	running, ok := out.events[1].(*messages.ToolUse)
	if !ok || running.Status != messages.ToolRunning || running.ToolName != "list_files" {
		t.Fatalf("event 1 = %+v", out.events[1])
	}
	if running.ToolUseID == "" {
		t.Error("tool use id should be assigned")
	}
	if running.Extra.RequestText == "" {
		t.Error("running tool use should carry the request text")
	}
	done, ok := out.events[2].(*messages.ToolUse)
	if !ok || done.Status != messages.ToolSuccess || done.ToolUseID != running.ToolUseID {
		t.Fatalf("event 2 = %+v", out.events[2])
	}
	if done.Extra.ResponseText != "- notes.txt (abc)" {
		t.Errorf("response text = %q", done.Extra.ResponseText)
	}
	if loop, ok := out.events[3].(*messages.Loop); !ok || loop.Finish {
		t.Fatalf("event 3 = %+v, want LOOP continue", out.events[3])
	}

	stored, err := st.Files(ctx, "s1")
	if err != nil || len(stored) != 1 {
		t.Fatalf("files = %v, err = %v", stored, err)
	}

	// Continuation carries no message; files come from the store.
	conv.Handle(ctx, messages.NewConverse("s1", "", nil))

	if len(out.events) != 6 {
		t.Fatalf("got %d events after continuation", len(out.events))
	}
	if loop, ok := out.events[5].(*messages.Loop); !ok || !loop.Finish {
		t.Errorf("last event = %+v", out.events[5])
	}
	assertIncreasing(t, out.events)

	if sys := gen.lastRequest().System; !strings.Contains(sys, "- notes.txt") {
		t.Errorf("system prompt should list attached files:\n%s", sys)
	}

	saved, _, err := st.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(saved.Messages) != 4 {
		t.Fatalf("saved %d messages, want 4", len(saved.Messages))
	}
	extra, ok := saved.ToolExtra[running.ToolUseID]
	if !ok || extra.ResponseText != done.Extra.ResponseText {
		t.Errorf("tool extra = %+v", saved.ToolExtra)
	}

	snap, err := st.FetchSession(ctx, "s1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !snap.Exists || len(snap.Messages) != 2 {
		t.Errorf("snapshot has %d messages", len(snap.Messages))
	}
}

func TestConversation_Errors(t *testing.T) {
	tests := []struct {
		name string
		gen  *scriptedGenerator
		msg  *messages.ClientMessage
		want string
	}{
		{
			name: "generation failure",
			gen:  &scriptedGenerator{steps: []step{{err: errors.New("quota exceeded")}}},
			msg:  messages.NewConverse("s1", "hi", nil),
			want: "quota exceeded",
		},
		{
			name: "missing session",
			gen:  &scriptedGenerator{},
			msg:  messages.NewConverse("", "hi", nil),
			want: "missing session_id",
		},
		{
			name: "nothing to continue",
			gen:  &scriptedGenerator{},
			msg:  messages.NewConverse("s1", "", nil),
			want: "nothing to continue",
		},
		{
			name: "unknown event",
			gen:  &scriptedGenerator{},
			msg:  &messages.ClientMessage{SessionID: "s1", EventType: "UPLOAD"},
			want: "unknown event type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv, out, st, _ := newTestConversation(t, tt.gen)
			conv.Handle(context.Background(), tt.msg)

			if len(out.events) != 1 {
				t.Fatalf("got %d events", len(out.events))
			}
			e, ok := out.events[0].(*messages.RemoteError)
			if !ok || !strings.Contains(e.Message, tt.want) {
				t.Errorf("event = %+v, want error containing %q", out.events[0], tt.want)
			}

			if _, ok, _ := st.Load(context.Background(), "s1"); ok {
				t.Error("failed turn should not be saved")
			}
		})
	}
}

func TestConversation_Heartbeat(t *testing.T) {
	conv, out, _, _ := newTestConversation(t, &scriptedGenerator{})

	conv.Handle(context.Background(), messages.NewHeartbeat("s1"))
	conv.Handle(context.Background(), messages.NewHeartbeat("s1"))

	if len(out.events) != 2 {
		t.Fatalf("got %d events", len(out.events))
	}
	for _, e := range out.events {
		if e.Type() != messages.EventHeartbeat {
			t.Errorf("event = %+v", e)
		}
	}
	assertIncreasing(t, out.events)
}

func TestConversation_LogsFailures(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{{err: errors.New("boom")}}}
	conv, _, _, logs := newTestConversation(t, gen)

	conv.Handle(context.Background(), messages.NewConverse("s1", "hi", nil))

	entries := logs.FilterMessage("converse failed").All()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries", len(entries))
	}
	if entries[0].ContextMap()["session_id"] != "s1" {
		t.Errorf("fields = %v", entries[0].ContextMap())
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	plain := BuildSystemPrompt(false, nil)
	if strings.Contains(plain, "x-artifact") {
		t.Error("artifact instructions should be omitted when disabled")
	}
	if strings.Contains(plain, "Attached Files") {
		t.Error("no file section without files")
	}

	full := BuildSystemPrompt(true, []messages.FileItem{{FileName: "a.csv"}, {FileName: "b.pdf"}})
	for _, want := range []string{"<x-artifact", "## Attached Files", "- a.csv\n", "- b.pdf\n"} {
		if !strings.Contains(full, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
