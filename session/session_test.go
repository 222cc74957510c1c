package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/chatstream/messages"
	"github.com/room4-2/chatstream/transcript"
)

type staticFetcher struct {
	snap *transcript.Snapshot

	mu     sync.Mutex
	synced [][]messages.FileItem
}

func (f *staticFetcher) FetchSession(_ context.Context, sessionID string) (*transcript.Snapshot, error) {
	snap := *f.snap
	snap.ID = sessionID
	return &snap, nil
}

func (f *staticFetcher) SyncFiles(_ context.Context, _ string, files []messages.FileItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, files)
	return nil
}

// fakeRelay answers CONVERSE with a scripted stream, every payload split
// into small frames.
type fakeRelay struct {
	t      *testing.T
	script []messages.Payload

	mu       sync.Mutex
	received []*messages.ClientMessage
}

func (r *fakeRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := messages.DecodeClientMessage(data)
		if err != nil {
			r.t.Errorf("decode client message: %v", err)
			return
		}
		r.mu.Lock()
		r.received = append(r.received, msg)
		r.mu.Unlock()

		var out []messages.Payload
		switch msg.EventType {
		case messages.ClientHeartbeat:
			out = []messages.Payload{&messages.Heartbeat{}}
		case messages.ClientConverse:
			out = r.script
		}

		for _, p := range out {
			if err := writeFramed(conn, p); err != nil {
				return
			}
		}
	}
}

func (r *fakeRelay) clientMessages() []*messages.ClientMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*messages.ClientMessage(nil), r.received...)
}

func writeFramed(conn *websocket.Conn, p messages.Payload) error {
	data, err := messages.Encode(p)
	if err != nil {
		return err
	}
	frames, err := messages.Split(data, 16)
	if err != nil {
		return err
	}
	// Deliver the last frame first to exercise reordering.
	if len(frames) > 1 {
		frames[0], frames[len(frames)-1] = frames[len(frames)-1], frames[0]
	}
	for _, f := range frames {
		raw, err := sonic.Marshal(&f)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return err
		}
	}
	return nil
}

func connectTest(t *testing.T, relay *fakeRelay, fetcher *staticFetcher) *ClientSession {
	t.Helper()
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs, err := Connect(ctx, "sess-1", fetcher, Options{
		Endpoint:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		MaxBufferSize:   1 << 20,
		PendingFrameTTL: time.Minute,
		KeepAlivePeriod: time.Hour,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func TestClientSession_Turn(t *testing.T) {
	relay := &fakeRelay{t: t, script: []messages.Payload{
		&messages.TextChunk{SequenceIdx: 1, Text: "Here is your page: "},
		&messages.TextChunk{SequenceIdx: 2, Text: `<x-artifact type="html" name="Landing">`},
		&messages.TextChunk{SequenceIdx: 3, Text: "<h1>Hi</h1>"},
		&messages.TextChunk{SequenceIdx: 4, Text: "</x-artifact> Enjoy."},
		&messages.Loop{SequenceIdx: 5, Finish: true},
	}}
	fetcher := &staticFetcher{snap: &transcript.Snapshot{
		Exists: true,
		Messages: []transcript.Message{
			{Role: transcript.RoleUser, Content: []transcript.Content{&transcript.Text{Text: "earlier"}}},
			{Role: transcript.RoleAssistant, Content: []transcript.Content{&transcript.Text{SequenceIdx: 1, Text: "reply"}}},
		},
		Files: []messages.FileItem{{Checksum: "c1", FileName: "brief.txt"}},
	}}

	cs := connectTest(t, relay, fetcher)

	if err := cs.SendMessage("build a landing page"); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := cs.WaitTurn(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state != TurnFinished {
		t.Fatalf("state = %s", state)
	}

	res := cs.Normalize()
	if len(res.Normalized) != 4 {
		t.Fatalf("got %d messages, want 4", len(res.Normalized))
	}
	if len(res.Artifacts) != 1 {
		t.Fatalf("got %d artifacts", len(res.Artifacts))
	}
	a := res.Artifacts[0]
	if !a.Ready || a.Name != "Landing" || a.Type != transcript.ArtifactHTML || a.Text != "<h1>Hi</h1>" {
		t.Errorf("artifact = %+v", a)
	}
	if got := res.Normalized[3].Text(); got != "Here is your page:  Enjoy." {
		t.Errorf("text = %q", got)
	}

	sent := relay.clientMessages()
	if len(sent) < 2 || sent[0].EventType != messages.ClientHeartbeat {
		t.Fatalf("relay received %+v", sent)
	}
	converse := sent[len(sent)-1]
	if converse.Message != "build a landing page" || len(converse.Files) != 1 {
		t.Errorf("converse = %+v", converse)
	}
}

func TestClientSession_Files(t *testing.T) {
	relay := &fakeRelay{t: t}
	fetcher := &staticFetcher{snap: &transcript.Snapshot{
		Files: []messages.FileItem{{Checksum: "c1", FileName: "a.txt"}},
	}}
	cs := connectTest(t, relay, fetcher)
	ctx := context.Background()

	if err := cs.AddFiles(ctx, messages.FileItem{Checksum: "c2", FileName: "a.txt"}, messages.FileItem{Checksum: "c3", FileName: "b.txt"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	files := cs.Files()
	if len(files) != 2 || files[0].Checksum != "c2" || files[1].FileName != "b.txt" {
		t.Errorf("files = %+v", files)
	}

	if err := cs.RemoveFile(ctx, "c2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	files = cs.Files()
	if len(files) != 1 || files[0].Checksum != "c3" {
		t.Errorf("files = %+v", files)
	}

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.synced) != 2 {
		t.Errorf("synced %d times, want 2", len(fetcher.synced))
	}
}

func TestClientSession_CloseEndsWait(t *testing.T) {
	relay := &fakeRelay{t: t}
	cs := connectTest(t, relay, &staticFetcher{snap: &transcript.Snapshot{}})

	if err := cs.SendMessage("never answered"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !cs.TurnState().Busy() {
		t.Fatalf("state = %s", cs.TurnState())
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cs.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cs.WaitTurn(ctx); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}

	select {
	case <-cs.Done():
	default:
		t.Error("Done should be closed")
	}
	if err := cs.Send(messages.NewHeartbeat(cs.ID)); err != ErrClosed {
		t.Errorf("send after close = %v", err)
	}
}
