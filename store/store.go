// Package store keeps relay session state in redis: the model conversation
// history, the tool details shown to clients, and the attached files.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"google.golang.org/genai"

	"github.com/room4-2/chatstream/messages"
	"github.com/room4-2/chatstream/transcript"
)

// State is everything the relay remembers about a chat session
type State struct {
	SessionID string                        `json:"session_id"`
	Messages  []*genai.Content              `json:"messages"`
	ToolExtra map[string]messages.ToolExtra `json:"tool_extra"`
}

// RedisStore persists session state as JSON blobs
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a store. A zero ttl keeps keys forever.
func New(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func stateKey(sessionID string) string {
	return "chat:" + sessionID + ":state"
}

func filesKey(sessionID string) string {
	return "chat:" + sessionID + ":files"
}

// Load returns the stored state, or an empty one when the session is new.
// The boolean reports whether the session existed.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (*State, bool, error) {
	data, err := s.client.Get(ctx, stateKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &State{SessionID: sessionID, ToolExtra: map[string]messages.ToolExtra{}}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var st State
	if err := sonic.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	st.SessionID = sessionID
	if st.ToolExtra == nil {
		st.ToolExtra = map[string]messages.ToolExtra{}
	}
	return &st, true, nil
}

// Save writes the state and refreshes its expiry
func (s *RedisStore) Save(ctx context.Context, st *State) error {
	if st.SessionID == "" {
		return errors.New("save session: missing session id")
	}
	data, err := sonic.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", st.SessionID, err)
	}
	if err := s.client.Set(ctx, stateKey(st.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", st.SessionID, err)
	}
	return nil
}

// Files returns the attached files of a session
func (s *RedisStore) Files(ctx context.Context, sessionID string) ([]messages.FileItem, error) {
	data, err := s.client.Get(ctx, filesKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []messages.FileItem{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load files %s: %w", sessionID, err)
	}

	var files []messages.FileItem
	if err := sonic.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("decode files %s: %w", sessionID, err)
	}
	if files == nil {
		files = []messages.FileItem{}
	}
	return files, nil
}

// SetFiles replaces the attached files of a session
func (s *RedisStore) SetFiles(ctx context.Context, sessionID string, files []messages.FileItem) error {
	if files == nil {
		files = []messages.FileItem{}
	}
	data, err := sonic.Marshal(files)
	if err != nil {
		return fmt.Errorf("encode files %s: %w", sessionID, err)
	}
	if err := s.client.Set(ctx, filesKey(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save files %s: %w", sessionID, err)
	}
	return nil
}

// FetchSession returns the session in its transcript form
func (s *RedisStore) FetchSession(ctx context.Context, sessionID string) (*transcript.Snapshot, error) {
	st, exists, err := s.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	files, err := s.Files(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &transcript.Snapshot{
		ID:       sessionID,
		Exists:   exists,
		Messages: Transcript(st),
		Files:    files,
	}, nil
}
