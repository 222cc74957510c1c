package messages

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// ClientEventType discriminates messages sent by the chat client
type ClientEventType string

// Client event types
const (
	ClientHeartbeat ClientEventType = "HEARTBEAT"
	ClientConverse  ClientEventType = "CONVERSE"
)

// FileItem is a file attached to a chat session
type FileItem struct {
	Checksum string `json:"checksum"`
	FileName string `json:"file_name"`
}

// ClientMessage represents a message from the chat client to the relay
type ClientMessage struct {
	SessionID string          `json:"session_id"`
	EventType ClientEventType `json:"event_type"`
	Message   string          `json:"message,omitempty"` // Omitted on LOOP continuation
	Files     []FileItem      `json:"files"`
}

// NewHeartbeat creates the liveness message sent on connect
func NewHeartbeat(sessionID string) *ClientMessage {
	return &ClientMessage{
		SessionID: sessionID,
		EventType: ClientHeartbeat,
	}
}

// NewConverse creates a message that starts or continues a turn.
// An empty message continues a tool-use loop.
func NewConverse(sessionID, message string, files []FileItem) *ClientMessage {
	return &ClientMessage{
		SessionID: sessionID,
		EventType: ClientConverse,
		Message:   message,
		Files:     append([]FileItem{}, files...),
	}
}

// DecodeClientMessage parses a client message received by the relay
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode client message: %w", err)
	}
	switch msg.EventType {
	case ClientHeartbeat, ClientConverse:
	default:
		return nil, fmt.Errorf("unknown event type: %q", msg.EventType)
	}
	return &msg, nil
}
