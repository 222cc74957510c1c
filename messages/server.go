package messages

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// EventType discriminates payloads pushed by the relay
type EventType string

// Relay event types
const (
	EventHeartbeat EventType = "HEARTBEAT"
	EventError     EventType = "ERROR"
	EventLoop      EventType = "LOOP"
	EventTextChunk EventType = "TEXT_CHUNK"
	EventToolUse   EventType = "TOOL_USE"
)

// ToolStatus is the lifecycle state of a tool invocation
type ToolStatus string

const (
	ToolRunning ToolStatus = "running"
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// OutputFile is a file produced by a tool
type OutputFile struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

// ToolExtra carries the incrementally disclosed details of a tool invocation
type ToolExtra struct {
	RequestText  string       `json:"request_text,omitempty"`
	ResponseText string       `json:"response_text,omitempty"`
	ResponseHTML string       `json:"response_html,omitempty"`
	OutputFiles  []OutputFile `json:"output_files,omitempty"`
}

// Merge fills every unset field of e from other. Fields already populated are kept.
func (e *ToolExtra) Merge(other ToolExtra) {
	if e.RequestText == "" {
		e.RequestText = other.RequestText
	}
	if e.ResponseText == "" {
		e.ResponseText = other.ResponseText
	}
	if e.ResponseHTML == "" {
		e.ResponseHTML = other.ResponseHTML
	}
	if e.OutputFiles == nil && other.OutputFiles != nil {
		e.OutputFiles = append([]OutputFile(nil), other.OutputFiles...)
	}
}

// Clone returns a deep copy
func (e ToolExtra) Clone() ToolExtra {
	if e.OutputFiles != nil {
		e.OutputFiles = append([]OutputFile(nil), e.OutputFiles...)
	}
	return e
}

// Payload is a decoded relay event. The set of implementations is closed:
// *Heartbeat, *RemoteError, *Loop, *TextChunk and *ToolUse.
type Payload interface {
	Type() EventType
	Sequence() int
	isPayload()
}

// Heartbeat confirms liveness
type Heartbeat struct {
	SequenceIdx int
}

// RemoteError reports a failure on the relay
type RemoteError struct {
	SequenceIdx int
	Message     string
}

// Loop ends a generation step. Finish=false asks the client to continue the tool-use loop.
type Loop struct {
	SequenceIdx int
	Finish      bool
}

// TextChunk is a fragment of streamed assistant text
type TextChunk struct {
	SequenceIdx int
	Text        string
}

// ToolUse reports a tool invocation or an update to one
type ToolUse struct {
	SequenceIdx int
	ToolUseID   string
	ToolName    string
	Status      ToolStatus
	Extra       ToolExtra
}

func (*Heartbeat) Type() EventType   { return EventHeartbeat }
func (*RemoteError) Type() EventType { return EventError }
func (*Loop) Type() EventType        { return EventLoop }
func (*TextChunk) Type() EventType   { return EventTextChunk }
func (*ToolUse) Type() EventType     { return EventToolUse }

func (p *Heartbeat) Sequence() int   { return p.SequenceIdx }
func (p *RemoteError) Sequence() int { return p.SequenceIdx }
func (p *Loop) Sequence() int        { return p.SequenceIdx }
func (p *TextChunk) Sequence() int   { return p.SequenceIdx }
func (p *ToolUse) Sequence() int     { return p.SequenceIdx }

func (*Heartbeat) isPayload()   {}
func (*RemoteError) isPayload() {}
func (*Loop) isPayload()        {}
func (*TextChunk) isPayload()   {}
func (*ToolUse) isPayload()     {}

// envelope is the flat wire shape shared by every event type
type envelope struct {
	EventType   EventType  `json:"event_type"`
	SequenceIdx int        `json:"sequence_idx"`
	Error       *string    `json:"error,omitempty"`
	Finish      *bool      `json:"finish,omitempty"`
	Text        *string    `json:"text,omitempty"`
	ToolUseID   string     `json:"tool_use_id,omitempty"`
	ToolName    string     `json:"tool_name,omitempty"`
	Status      ToolStatus `json:"status,omitempty"`
	Extra       *ToolExtra `json:"extra,omitempty"`
}

// DecodeError reports a payload that is not a valid relay event
type DecodeError struct {
	EventType EventType
	Err       error
}

func (e *DecodeError) Error() string {
	if e.EventType == "" {
		return fmt.Sprintf("decode payload: %v", e.Err)
	}
	return fmt.Sprintf("decode %s payload: %v", e.EventType, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var (
	// ErrMissingEventType is wrapped by DecodeError when event_type is absent
	ErrMissingEventType = errors.New("missing event_type")
	// ErrUnknownEventType is wrapped by DecodeError for unrecognized event types
	ErrUnknownEventType = errors.New("unknown event_type")
)

// Decode validates a reassembled payload and returns its typed event
func Decode(data []byte) (Payload, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}

	switch env.EventType {
	case "":
		return nil, &DecodeError{Err: ErrMissingEventType}

	case EventHeartbeat:
		return &Heartbeat{SequenceIdx: env.SequenceIdx}, nil

	case EventError:
		if env.Error == nil {
			return nil, &DecodeError{EventType: env.EventType, Err: errors.New("missing error")}
		}
		return &RemoteError{SequenceIdx: env.SequenceIdx, Message: *env.Error}, nil

	case EventLoop:
		if env.Finish == nil {
			return nil, &DecodeError{EventType: env.EventType, Err: errors.New("missing finish")}
		}
		return &Loop{SequenceIdx: env.SequenceIdx, Finish: *env.Finish}, nil

	case EventTextChunk:
		if env.Text == nil {
			return nil, &DecodeError{EventType: env.EventType, Err: errors.New("missing text")}
		}
		return &TextChunk{SequenceIdx: env.SequenceIdx, Text: *env.Text}, nil

	case EventToolUse:
		if env.ToolUseID == "" {
			return nil, &DecodeError{EventType: env.EventType, Err: errors.New("missing tool_use_id")}
		}
		p := &ToolUse{
			SequenceIdx: env.SequenceIdx,
			ToolUseID:   env.ToolUseID,
			ToolName:    env.ToolName,
			Status:      env.Status,
		}
		if env.Extra != nil {
			p.Extra = *env.Extra
		}
		return p, nil

	default:
		return nil, &DecodeError{EventType: env.EventType, Err: ErrUnknownEventType}
	}
}

// Encode serializes an event in its wire shape
func Encode(p Payload) ([]byte, error) {
	env := envelope{EventType: p.Type(), SequenceIdx: p.Sequence()}

	switch ev := p.(type) {
	case *Heartbeat:
	case *RemoteError:
		env.Error = &ev.Message
	case *Loop:
		env.Finish = &ev.Finish
	case *TextChunk:
		env.Text = &ev.Text
	case *ToolUse:
		extra := ev.Extra
		env.ToolUseID = ev.ToolUseID
		env.ToolName = ev.ToolName
		env.Status = ev.Status
		env.Extra = &extra
	default:
		return nil, fmt.Errorf("encode: unsupported payload %T", p)
	}

	data, err := sonic.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", env.EventType, err)
	}
	return data, nil
}
