package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/room4-2/chatstream/functions"
	"github.com/room4-2/chatstream/messages"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	readLimit       = 512 * 1024
)

// ErrConnectionClosed is returned when emitting on a closed connection
var ErrConnectionClosed = errors.New("connection closed")

// Options configures a relay connection
type Options struct {
	MaxFramePayload  int
	ArtifactsEnabled bool
}

// Connection is one client websocket served by the relay
type Connection struct {
	ID           string
	ClientConn   *websocket.Conn
	CreatedAt    time.Time
	conversation *Conversation
	opts         Options
	logger       *zap.Logger

	lastActivity time.Time

	// Use channels for non-blocking writes
	writeChan  chan []byte
	writerDone chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewConnection wraps an upgraded websocket
func NewConnection(id string, clientConn *websocket.Conn, st Store, gen Generator, tools *functions.Registry, opts Options, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	clientConn.SetReadLimit(readLimit)

	c := &Connection{
		ID:           id,
		ClientConn:   clientConn,
		CreatedAt:    time.Now(),
		opts:         opts,
		logger:       logger.With(zap.String("connection_id", id)),
		lastActivity: time.Now(),
		writeChan:    make(chan []byte, writeBufferSize),
		writerDone:   make(chan struct{}),
		closeChan:    make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	c.conversation = NewConversation(st, gen, tools, opts.ArtifactsEnabled, c.Emit, c.logger)
	return c
}

// Start begins the bidirectional message handling
func (c *Connection) Start() {
	go c.writePump()
	go c.readPump()
}

// Emit encodes an event, splits it into frames and queues them in order
func (c *Connection) Emit(p messages.Payload) error {
	data, err := messages.Encode(p)
	if err != nil {
		return err
	}
	frames, err := messages.Split(data, c.opts.MaxFramePayload)
	if err != nil {
		return err
	}

	for i := range frames {
		raw, err := sonic.Marshal(&frames[i])
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		select {
		case c.writeChan <- raw:
		case <-c.closeChan:
			return ErrConnectionClosed
		}
	}

	c.touch()
	return nil
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the last read or write
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// writePump handles all outgoing frames in a single goroutine
func (c *Connection) writePump() {
	defer func() {
		// Send close message before exiting
		c.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.ClientConn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		close(c.writerDone)
	}()

	for {
		select {
		case <-c.closeChan:
			return
		case raw := <-c.writeChan:
			c.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ClientConn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.logger.Warn("write failed", zap.Error(err))
				go c.Close()
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer c.Close()

	for {
		_, data, err := c.ClientConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.IsClosed() {
				c.logger.Warn("read failed", zap.Error(err))
			}
			return
		}
		c.touch()

		msg, err := messages.DecodeClientMessage(data)
		if err != nil {
			c.conversation.Fail(err)
			continue
		}
		c.conversation.Handle(c.ctx, msg)
	}
}

// Done is closed when the connection ends
func (c *Connection) Done() <-chan struct{} {
	return c.closeChan
}

// IsClosed returns whether the connection is closed
func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close terminates the connection and cancels any running generation
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	// Signal close (stops writePump and blocked emitters)
	close(c.closeChan)

	select {
	case <-c.writerDone:
	case <-time.After(writeTimeout):
	}
	return c.ClientConn.Close()
}
