package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/room4-2/chatstream/logging"
	"github.com/room4-2/chatstream/messages"
	"github.com/room4-2/chatstream/transcript"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	readLimit       = 512 * 1024
)

var (
	// ErrClosed is returned by operations on a closed session
	ErrClosed = errors.New("session closed")
	// ErrWriteQueueFull is returned when outbound messages back up
	ErrWriteQueueFull = errors.New("write queue full")
)

// Options configures a client session
type Options struct {
	Endpoint        string // Relay websocket URL
	MaxBufferSize   int    // Maximum size of one reassembled message, 0 for no limit
	PendingFrameTTL time.Duration
	KeepAlivePeriod time.Duration
	Logger          *zap.Logger
	Dialer          *websocket.Dialer
}

// ClientSession is one live view of a chat session. It owns the websocket
// connection and the frame buffer for it; both are dropped on Close.
type ClientSession struct {
	ID string

	conn    *websocket.Conn
	frames  *FrameBuffer
	builder *transcript.Builder
	interp  *Interpreter
	fetcher Fetcher
	opts    Options
	logger  *zap.Logger

	files []messages.FileItem

	// changed is closed and replaced on every transcript or turn update
	changed chan struct{}

	writeChan  chan *messages.ClientMessage
	writerDone chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
	closeChan chan struct{}
}

// Connect loads the stored transcript, dials the relay and sends the
// initial HEARTBEAT.
func Connect(ctx context.Context, sessionID string, fetcher Fetcher, opts Options) (*ClientSession, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := logging.Session(opts.Logger, sessionID)

	snap, err := fetcher.FetchSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	conn, _, err := opts.Dialer.DialContext(ctx, opts.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Endpoint, err)
	}
	conn.SetReadLimit(readLimit)

	cs := &ClientSession{
		ID:         sessionID,
		conn:       conn,
		frames:     NewFrameBuffer(opts.MaxBufferSize),
		builder:    transcript.NewBuilder(snap.Messages),
		fetcher:    fetcher,
		opts:       opts,
		logger:     logger,
		files:      append([]messages.FileItem(nil), snap.Files...),
		changed:    make(chan struct{}),
		writeChan:  make(chan *messages.ClientMessage, writeBufferSize),
		writerDone: make(chan struct{}),
		closeChan:  make(chan struct{}),
	}
	cs.interp = NewInterpreter(sessionID, cs.builder, cs, cs.currentFiles, logger)

	go cs.writePump()
	go cs.readPump()
	go cs.maintain()

	if err := cs.Send(messages.NewHeartbeat(sessionID)); err != nil {
		cs.Close()
		return nil, err
	}

	logger.Info("session connected",
		zap.String("endpoint", opts.Endpoint),
		zap.Int("messages", len(snap.Messages)),
		zap.Bool("exists", snap.Exists),
	)
	return cs, nil
}

// Send queues an outbound message without blocking
func (cs *ClientSession) Send(msg *messages.ClientMessage) error {
	select {
	case <-cs.closeChan:
		return ErrClosed
	default:
	}

	select {
	case cs.writeChan <- msg:
		return nil
	case <-cs.closeChan:
		return ErrClosed
	default:
		return ErrWriteQueueFull
	}
}

// SendMessage starts a new turn with the user's text
func (cs *ClientSession) SendMessage(text string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	err := cs.interp.StartTurn(text)
	if !errors.Is(err, ErrTurnInProgress) {
		cs.broadcast()
	}
	return err
}

// Transcript returns a copy of the current transcript
func (cs *ClientSession) Transcript() []transcript.Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.builder.Messages()
}

// Normalize resolves a snapshot of the current transcript for display
func (cs *ClientSession) Normalize() transcript.Result {
	return transcript.Normalize(cs.Transcript())
}

// TurnState returns the state of the current turn
func (cs *ClientSession) TurnState() TurnState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.interp.State()
}

// Changed returns a channel that is closed at the next update
func (cs *ClientSession) Changed() <-chan struct{} {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.changed
}

// WaitTurn blocks until no turn is in progress
func (cs *ClientSession) WaitTurn(ctx context.Context) (TurnState, error) {
	for {
		cs.mu.Lock()
		state := cs.interp.State()
		changed := cs.changed
		cs.mu.Unlock()

		if !state.Busy() {
			return state, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		case <-cs.closeChan:
			return state, ErrClosed
		}
	}
}

// Files returns the attached files
func (cs *ClientSession) Files() []messages.FileItem {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]messages.FileItem(nil), cs.files...)
}

func (cs *ClientSession) currentFiles() []messages.FileItem {
	return append([]messages.FileItem(nil), cs.files...)
}

// AddFiles attaches files, replacing any with the same file name
func (cs *ClientSession) AddFiles(ctx context.Context, items ...messages.FileItem) error {
	cs.mu.Lock()
	for _, item := range items {
		replaced := false
		for i := range cs.files {
			if cs.files[i].FileName == item.FileName {
				cs.files[i] = item
				replaced = true
				break
			}
		}
		if !replaced {
			cs.files = append(cs.files, item)
		}
	}
	files := cs.currentFiles()
	cs.mu.Unlock()

	return cs.syncFiles(ctx, files)
}

// RemoveFile detaches the file with the given checksum
func (cs *ClientSession) RemoveFile(ctx context.Context, checksum string) error {
	cs.mu.Lock()
	kept := cs.files[:0]
	for _, f := range cs.files {
		if f.Checksum != checksum {
			kept = append(kept, f)
		}
	}
	cs.files = kept
	files := cs.currentFiles()
	cs.mu.Unlock()

	return cs.syncFiles(ctx, files)
}

func (cs *ClientSession) syncFiles(ctx context.Context, files []messages.FileItem) error {
	syncer, ok := cs.fetcher.(FileSyncer)
	if !ok {
		return nil
	}
	return syncer.SyncFiles(ctx, cs.ID, files)
}

// Done is closed when the session ends
func (cs *ClientSession) Done() <-chan struct{} {
	return cs.closeChan
}

// Close ends the session and releases the connection
func (cs *ClientSession) Close() error {
	cs.closeOnce.Do(func() {
		close(cs.closeChan)

		// Let the writer send the close frame before the socket goes away.
		select {
		case <-cs.writerDone:
		case <-time.After(writeTimeout):
		}

		cs.frames.Clear()
		cs.conn.Close()
		cs.logger.Info("session closed")
	})
	return nil
}

// broadcast wakes everyone waiting on Changed. Callers hold cs.mu.
func (cs *ClientSession) broadcast() {
	close(cs.changed)
	cs.changed = make(chan struct{})
}

// writePump handles all outgoing messages in a single goroutine
func (cs *ClientSession) writePump() {
	defer func() {
		cs.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		cs.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		close(cs.writerDone)
	}()

	for {
		select {
		case <-cs.closeChan:
			return
		case msg := <-cs.writeChan:
			data, err := sonic.Marshal(msg)
			if err != nil {
				cs.logger.Error("failed to encode message", zap.Error(err))
				continue
			}

			cs.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cs.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cs.logger.Warn("write failed", zap.Error(err))
				go cs.Close()
				return
			}
		}
	}
}

// readPump reassembles frames and feeds complete payloads to the interpreter
func (cs *ClientSession) readPump() {
	defer cs.Close()

	for {
		_, data, err := cs.conn.ReadMessage()
		if err != nil {
			select {
			case <-cs.closeChan:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					cs.logger.Warn("read failed", zap.Error(err))
				}
			}
			return
		}

		frame, err := messages.DecodeFrame(data)
		if err != nil {
			cs.logger.Warn("dropping frame", zap.Error(err))
			continue
		}

		payload, err := cs.frames.Absorb(frame)
		if err != nil {
			cs.logger.Warn("dropping message", zap.String("frame_id", frame.FrameID), zap.Error(err))
			continue
		}
		if payload == nil {
			continue
		}

		event, err := messages.Decode(payload)
		if err != nil {
			cs.logger.Warn("dropping payload", zap.String("frame_id", frame.FrameID), zap.Error(err))
			continue
		}

		cs.mu.Lock()
		cs.interp.Handle(event)
		cs.broadcast()
		cs.mu.Unlock()
	}
}

// maintain keeps the connection alive and drops stale partial messages
func (cs *ClientSession) maintain() {
	period := cs.opts.KeepAlivePeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-cs.closeChan:
			return
		case <-ticker.C:
			if err := cs.Send(messages.NewHeartbeat(cs.ID)); err != nil {
				cs.logger.Warn("failed to queue heartbeat", zap.Error(err))
			}
			if cs.opts.PendingFrameTTL > 0 {
				if n := cs.frames.Prune(cs.opts.PendingFrameTTL); n > 0 {
					cs.logger.Warn("pruned incomplete messages", zap.Int("count", n))
				}
			}
		}
	}
}
