package transcript

import (
	"errors"
	"fmt"

	"github.com/room4-2/chatstream/messages"
)

// ErrNoAssistantMessage is returned when an event targets the current
// assistant message but the transcript does not end with one.
var ErrNoAssistantMessage = errors.New("no assistant message in progress")

// Builder owns a transcript and applies streamed events to it.
// It is not safe for concurrent use.
type Builder struct {
	messages []Message
}

// NewBuilder starts from a copy of a persisted transcript
func NewBuilder(initial []Message) *Builder {
	return &Builder{messages: CloneMessages(initial)}
}

// Messages returns a deep copy of the current transcript
func (b *Builder) Messages() []Message {
	return CloneMessages(b.messages)
}

// Len returns the number of messages
func (b *Builder) Len() int {
	return len(b.messages)
}

// HasAssistant reports whether the transcript ends with an assistant message
func (b *Builder) HasAssistant() bool {
	return len(b.messages) > 0 && b.messages[len(b.messages)-1].Role == RoleAssistant
}

// Reset replaces the transcript with a copy of msgs
func (b *Builder) Reset(msgs []Message) {
	b.messages = CloneMessages(msgs)
}

// StartTurn appends the user message and the empty assistant message that
// will receive the streamed answer.
func (b *Builder) StartTurn(userText string) {
	b.messages = append(b.messages,
		Message{
			Role:    RoleUser,
			Content: []Content{&Text{SequenceIdx: 0, Text: userText}},
		},
		Message{
			Role:    RoleAssistant,
			Content: []Content{},
		},
	)
}

// Apply folds a content event into the current assistant message.
// Control events are accepted and leave the transcript unchanged.
func (b *Builder) Apply(p messages.Payload) error {
	switch ev := p.(type) {
	case *messages.TextChunk:
		return b.appendChunk(ev.SequenceIdx, ev.Text)
	case *messages.ToolUse:
		return b.mergeToolUse(ev)
	case *messages.RemoteError:
		b.AppendError(ev.SequenceIdx, ev.Message)
		return nil
	case *messages.Heartbeat, *messages.Loop:
		return nil
	default:
		return fmt.Errorf("apply: unsupported payload %T", p)
	}
}

// AppendError renders a relay error inline as a new text block. An assistant
// message is opened when the transcript does not end with one.
func (b *Builder) AppendError(sequenceIdx int, text string) {
	if !b.HasAssistant() {
		b.messages = append(b.messages, Message{Role: RoleAssistant, Content: []Content{}})
	}
	last := &b.messages[len(b.messages)-1]
	last.Content = append(last.Content, &TextChunks{
		Chunks: []Chunk{{SequenceIdx: sequenceIdx, Text: text}},
	})
}

func (b *Builder) current() (*Message, error) {
	if !b.HasAssistant() {
		return nil, ErrNoAssistantMessage
	}
	return &b.messages[len(b.messages)-1], nil
}

func (b *Builder) appendChunk(sequenceIdx int, text string) error {
	msg, err := b.current()
	if err != nil {
		return err
	}

	chunk := Chunk{SequenceIdx: sequenceIdx, Text: text}
	if n := len(msg.Content); n > 0 {
		if open, ok := msg.Content[n-1].(*TextChunks); ok {
			open.Chunks = append(open.Chunks, chunk)
			return nil
		}
	}
	msg.Content = append(msg.Content, &TextChunks{Chunks: []Chunk{chunk}})
	return nil
}

func (b *Builder) mergeToolUse(ev *messages.ToolUse) error {
	msg, err := b.current()
	if err != nil {
		return err
	}

	for _, c := range msg.Content {
		existing, ok := c.(*ToolUse)
		if !ok || existing.ToolUseID != ev.ToolUseID {
			continue
		}
		if ev.Status != "" {
			existing.Status = ev.Status
		}
		existing.Extra.Merge(ev.Extra)
		return nil
	}

	msg.Content = append(msg.Content, &ToolUse{
		SequenceIdx: ev.SequenceIdx,
		ToolUseID:   ev.ToolUseID,
		ToolName:    ev.ToolName,
		Status:      ev.Status,
		Extra:       ev.Extra.Clone(),
	})
	return nil
}
