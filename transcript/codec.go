package transcript

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/room4-2/chatstream/messages"
)

// Snapshot is a persisted session as returned by the transcript fetch
type Snapshot struct {
	ID       string              `json:"id"`
	Exists   bool                `json:"exists"`
	Messages []Message           `json:"messages"`
	Files    []messages.FileItem `json:"files"`
}

// contentJSON is the persisted shape of every content kind.
// Text entries written by older relays use sequenceIdx instead of sequence_idx.
type contentJSON struct {
	Kind              ContentKind         `json:"kind"`
	SequenceIdx       *int                `json:"sequence_idx,omitempty"`
	LegacySequenceIdx *int                `json:"sequenceIdx,omitempty"`
	Text              *string             `json:"text,omitempty"`
	Chunks            []Chunk             `json:"chunks,omitempty"`
	ToolUseID         string              `json:"tool_use_id,omitempty"`
	ToolName          string              `json:"tool_name,omitempty"`
	Status            messages.ToolStatus `json:"status,omitempty"`
	Extra             *messages.ToolExtra `json:"extra,omitempty"`
	Index             *int                `json:"index,omitempty"`
	Ready             *bool               `json:"ready,omitempty"`
	Type              ArtifactType        `json:"type,omitempty"`
	Name              string              `json:"name,omitempty"`
}

type messageJSON struct {
	Role    Role          `json:"role"`
	Content []contentJSON `json:"content"`
}

// MarshalJSON encodes the message with kind-tagged content
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{Role: m.Role, Content: make([]contentJSON, 0, len(m.Content))}
	for _, c := range m.Content {
		out.Content = append(out.Content, encodeContent(c))
	}
	return sonic.Marshal(&out)
}

// UnmarshalJSON decodes kind-tagged content
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := sonic.Unmarshal(data, &in); err != nil {
		return err
	}

	switch in.Role {
	case RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("unknown message role %q", in.Role)
	}

	content := make([]Content, 0, len(in.Content))
	for i, raw := range in.Content {
		c, err := decodeContent(raw)
		if err != nil {
			return fmt.Errorf("content %d: %w", i, err)
		}
		content = append(content, c)
	}

	m.Role = in.Role
	m.Content = content
	return nil
}

func encodeContent(c Content) contentJSON {
	out := contentJSON{Kind: c.Kind()}

	switch entry := c.(type) {
	case *Text:
		out.SequenceIdx = intPtr(entry.SequenceIdx)
		out.Text = &entry.Text
	case *TextChunks:
		out.Chunks = append([]Chunk{}, entry.Chunks...)
	case *ToolUse:
		extra := entry.Extra
		out.SequenceIdx = intPtr(entry.SequenceIdx)
		out.ToolUseID = entry.ToolUseID
		out.ToolName = entry.ToolName
		out.Status = entry.Status
		out.Extra = &extra
	case *Artifact:
		out.Index = intPtr(entry.Index)
		out.Ready = &entry.Ready
		out.Type = entry.Type
		out.Name = entry.Name
		out.Text = &entry.Text
	}
	return out
}

func decodeContent(in contentJSON) (Content, error) {
	seq := 0
	switch {
	case in.SequenceIdx != nil:
		seq = *in.SequenceIdx
	case in.LegacySequenceIdx != nil:
		seq = *in.LegacySequenceIdx
	}

	switch in.Kind {
	case KindText:
		c := &Text{SequenceIdx: seq}
		if in.Text != nil {
			c.Text = *in.Text
		}
		return c, nil

	case KindTextChunks:
		return &TextChunks{Chunks: append([]Chunk{}, in.Chunks...)}, nil

	case KindToolUse:
		if in.ToolUseID == "" {
			return nil, fmt.Errorf("tool-use without tool_use_id")
		}
		c := &ToolUse{
			SequenceIdx: seq,
			ToolUseID:   in.ToolUseID,
			ToolName:    in.ToolName,
			Status:      in.Status,
		}
		if in.Extra != nil {
			c.Extra = *in.Extra
		}
		return c, nil

	case KindArtifact:
		c := &Artifact{Type: in.Type, Name: in.Name}
		if in.Index != nil {
			c.Index = *in.Index
		}
		if in.Ready != nil {
			c.Ready = *in.Ready
		}
		if in.Text != nil {
			c.Text = *in.Text
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unknown content kind %q", in.Kind)
	}
}

func intPtr(v int) *int {
	return &v
}

// DecodeSnapshot parses a fetched session
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
