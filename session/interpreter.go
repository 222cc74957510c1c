package session

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/room4-2/chatstream/messages"
	"github.com/room4-2/chatstream/transcript"
)

// ErrTurnInProgress is returned when a message is sent before the previous turn finished
var ErrTurnInProgress = errors.New("turn in progress")

// Sender delivers outbound control messages to the relay
type Sender interface {
	Send(msg *messages.ClientMessage) error
}

// ProtocolDesyncError reports an event that does not fit the local turn state.
// It is logged and the event is dropped; it never reaches the caller.
type ProtocolDesyncError struct {
	Event messages.EventType
	State TurnState
	Err   error
}

func (e *ProtocolDesyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol desync: %s while %s: %v", e.Event, e.State, e.Err)
	}
	return fmt.Sprintf("protocol desync: %s while %s", e.Event, e.State)
}

func (e *ProtocolDesyncError) Unwrap() error {
	return e.Err
}

// Interpreter reacts to decoded relay events: it drives the turn state
// machine, forwards content to the transcript builder and answers
// LOOP{finish:false} with a continuation request.
// It is not safe for concurrent use.
type Interpreter struct {
	sessionID string
	builder   *transcript.Builder
	sender    Sender
	files     func() []messages.FileItem
	logger    *zap.Logger
	state     TurnState
}

// NewInterpreter creates an interpreter in the idle state. files supplies the
// attachments echoed on every request.
func NewInterpreter(sessionID string, builder *transcript.Builder, sender Sender, files func() []messages.FileItem, logger *zap.Logger) *Interpreter {
	if files == nil {
		files = func() []messages.FileItem { return nil }
	}
	return &Interpreter{
		sessionID: sessionID,
		builder:   builder,
		sender:    sender,
		files:     files,
		logger:    logger,
		state:     TurnIdle,
	}
}

// State returns the current turn state
func (it *Interpreter) State() TurnState {
	return it.state
}

// StartTurn appends the user message and sends the CONVERSE request.
// A send failure is rendered in the transcript and ends the turn.
func (it *Interpreter) StartTurn(text string) error {
	if it.state.Busy() {
		return ErrTurnInProgress
	}

	it.builder.StartTurn(text)
	it.setState(TurnSent)

	if err := it.sender.Send(messages.NewConverse(it.sessionID, text, it.files())); err != nil {
		it.builder.AppendError(0, err.Error())
		it.setState(TurnFinished)
		return fmt.Errorf("send converse: %w", err)
	}
	return nil
}

// Handle applies one event. Errors are logged, never returned.
func (it *Interpreter) Handle(p messages.Payload) {
	if _, ok := p.(*messages.Heartbeat); ok {
		it.logger.Debug("heartbeat", zap.Int("sequence_idx", p.Sequence()))
		return
	}

	// ERROR renders even outside a turn.
	if ev, ok := p.(*messages.RemoteError); ok {
		it.logger.Info("relay error", zap.String("error", ev.Message))
		it.builder.AppendError(ev.SequenceIdx, ev.Message)
		it.setState(TurnFinished)
		return
	}

	if it.state == TurnIdle && !it.builder.HasAssistant() {
		it.desync(p, nil)
		return
	}

	switch ev := p.(type) {
	case *messages.TextChunk, *messages.ToolUse:
		if err := it.builder.Apply(p); err != nil {
			it.desync(p, err)
			return
		}
		if it.state != TurnFinished {
			it.setState(TurnStreaming)
		}

	case *messages.Loop:
		if ev.Finish {
			it.setState(TurnFinished)
			return
		}
		if it.state == TurnFinished {
			it.desync(p, errors.New("continuation after turn end"))
			return
		}
		it.continueLoop(ev.SequenceIdx)

	default:
		it.logger.Warn("unhandled event", zap.String("event_type", string(p.Type())))
	}
}

func (it *Interpreter) continueLoop(sequenceIdx int) {
	it.setState(TurnSent)
	if err := it.sender.Send(messages.NewConverse(it.sessionID, "", it.files())); err != nil {
		it.logger.Error("failed to send continuation", zap.Error(err))
		it.builder.AppendError(sequenceIdx, err.Error())
		it.setState(TurnFinished)
	}
}

func (it *Interpreter) desync(p messages.Payload, err error) {
	desync := &ProtocolDesyncError{Event: p.Type(), State: it.state, Err: err}
	it.logger.Warn("ignoring event", zap.Error(desync))
}

func (it *Interpreter) setState(s TurnState) {
	if s == it.state {
		return
	}
	it.logger.Debug("turn state",
		zap.Stringer("from", it.state),
		zap.Stringer("to", s),
	)
	it.state = s
}
