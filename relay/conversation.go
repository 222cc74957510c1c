// Package relay is the server side of the chat protocol. It answers client
// requests by streaming model output back as framed events.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/room4-2/chatstream/functions"
	"github.com/room4-2/chatstream/gemini"
	"github.com/room4-2/chatstream/messages"
	"github.com/room4-2/chatstream/store"
)

// Store persists conversation state between turns
type Store interface {
	Load(ctx context.Context, sessionID string) (*store.State, bool, error)
	Save(ctx context.Context, st *store.State) error
	Files(ctx context.Context, sessionID string) ([]messages.FileItem, error)
	SetFiles(ctx context.Context, sessionID string, files []messages.FileItem) error
}

// Generator produces one model step
type Generator interface {
	Generate(ctx context.Context, req gemini.Request, onText func(string) error) (*gemini.Result, error)
}

// Conversation runs the protocol for one connection. Every event it emits
// carries the next connection-scoped sequence index.
// It is not safe for concurrent use.
type Conversation struct {
	store     Store
	gen       Generator
	tools     *functions.Registry
	artifacts bool
	emit      func(messages.Payload) error
	logger    *zap.Logger
	seq       int
}

// NewConversation creates a conversation that sends its events through emit
func NewConversation(st Store, gen Generator, tools *functions.Registry, artifacts bool, emit func(messages.Payload) error, logger *zap.Logger) *Conversation {
	return &Conversation{
		store:     st,
		gen:       gen,
		tools:     tools,
		artifacts: artifacts,
		emit:      emit,
		logger:    logger,
	}
}

func (c *Conversation) next() int {
	c.seq++
	return c.seq
}

// Handle answers one client message
func (c *Conversation) Handle(ctx context.Context, msg *messages.ClientMessage) {
	switch msg.EventType {
	case messages.ClientHeartbeat:
		if err := c.emit(&messages.Heartbeat{SequenceIdx: c.next()}); err != nil {
			c.logger.Debug("heartbeat not sent", zap.Error(err))
		}

	case messages.ClientConverse:
		if err := c.converse(ctx, msg); err != nil {
			c.logger.Error("converse failed",
				zap.String("session_id", msg.SessionID),
				zap.Error(err),
			)
			c.Fail(err)
		}

	default:
		c.Fail(fmt.Errorf("unknown event type: %q", msg.EventType))
	}
}

// Fail reports an error to the client
func (c *Conversation) Fail(err error) {
	if emitErr := c.emit(&messages.RemoteError{SequenceIdx: c.next(), Message: err.Error()}); emitErr != nil {
		c.logger.Debug("error not sent", zap.Error(emitErr))
	}
}

func (c *Conversation) converse(ctx context.Context, msg *messages.ClientMessage) error {
	if msg.SessionID == "" {
		return errors.New("missing session_id")
	}

	st, _, err := c.store.Load(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	if st.ToolExtra == nil {
		st.ToolExtra = map[string]messages.ToolExtra{}
	}

	files := msg.Files
	if len(files) > 0 {
		if err := c.store.SetFiles(ctx, msg.SessionID, files); err != nil {
			return err
		}
	} else if files, err = c.store.Files(ctx, msg.SessionID); err != nil {
		return err
	}

	switch {
	case msg.Message != "":
		st.Messages = append(st.Messages, &genai.Content{
			Role:  string(genai.RoleUser),
			Parts: []*genai.Part{{Text: msg.Message}},
		})
	case len(st.Messages) == 0:
		return errors.New("nothing to continue")
	}

	res, err := c.gen.Generate(ctx, gemini.Request{
		System:  BuildSystemPrompt(c.artifacts, files),
		History: st.Messages,
		Tools:   c.tools.Declarations(),
	}, func(text string) error {
		return c.emit(&messages.TextChunk{SequenceIdx: c.next(), Text: text})
	})
	if err != nil {
		return err
	}

	for _, call := range res.Calls {
		if call.ID == "" {
			call.ID = uuid.New().String()
		}
	}
	if res.Content != nil && len(res.Content.Parts) > 0 {
		st.Messages = append(st.Messages, res.Content)
	}

	if len(res.Calls) == 0 {
		if err := c.store.Save(ctx, st); err != nil {
			return err
		}
		return c.emit(&messages.Loop{SequenceIdx: c.next(), Finish: true})
	}

	responses := make([]*genai.Part, 0, len(res.Calls))
	for _, call := range res.Calls {
		c.logger.Info("function call",
			zap.String("session_id", msg.SessionID),
			zap.String("name", call.Name),
			zap.String("id", call.ID),
		)

		if err := c.emit(&messages.ToolUse{
			SequenceIdx: c.next(),
			ToolUseID:   call.ID,
			ToolName:    call.Name,
			Status:      messages.ToolRunning,
			Extra:       messages.ToolExtra{RequestText: functions.RequestText(call)},
		}); err != nil {
			return err
		}

		out := c.tools.Execute(ctx, call, functions.Call{SessionID: msg.SessionID, Files: files})
		if err := c.emit(&messages.ToolUse{
			SequenceIdx: c.next(),
			ToolUseID:   call.ID,
			ToolName:    call.Name,
			Status:      out.Status,
			Extra:       out.Extra,
		}); err != nil {
			return err
		}

		st.ToolExtra[call.ID] = out.Extra
		responses = append(responses, &genai.Part{FunctionResponse: out.Response})
	}

	st.Messages = append(st.Messages, &genai.Content{Role: string(genai.RoleUser), Parts: responses})
	if err := c.store.Save(ctx, st); err != nil {
		return err
	}
	return c.emit(&messages.Loop{SequenceIdx: c.next(), Finish: false})
}
