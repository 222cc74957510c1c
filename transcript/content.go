// Package transcript holds the chat transcript model, the builder that folds
// streamed relay events into it, and the normalizer that resolves streamed
// text and extracts artifacts for presentation.
package transcript

import (
	"sort"

	"github.com/room4-2/chatstream/messages"
)

// Role is the author of a chat message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentKind discriminates message content entries
type ContentKind string

const (
	KindText       ContentKind = "text"
	KindTextChunks ContentKind = "text-chunks"
	KindToolUse    ContentKind = "tool-use"
	KindArtifact   ContentKind = "artifact"
)

// ArtifactType is the declared type of an artifact block
type ArtifactType string

const (
	ArtifactReact   ArtifactType = "react"
	ArtifactHTML    ArtifactType = "html"
	ArtifactUnknown ArtifactType = "unknown"
)

// Content is one entry of a message. Implementations are *Text, *TextChunks,
// *ToolUse and *Artifact.
type Content interface {
	Kind() ContentKind
	clone() Content
}

// Text is a resolved run of text
type Text struct {
	SequenceIdx int
	Text        string
}

// Chunk is one streamed text fragment
type Chunk struct {
	SequenceIdx int    `json:"sequence_idx"`
	Text        string `json:"text"`
}

// TextChunks accumulates streamed fragments in arrival order
type TextChunks struct {
	Chunks []Chunk
}

// ToolUse is a tool invocation and everything disclosed about it so far
type ToolUse struct {
	SequenceIdx int
	ToolUseID   string
	ToolName    string
	Status      messages.ToolStatus
	Extra       messages.ToolExtra
}

// Artifact is a tagged block extracted from assistant text. It is only
// produced by Normalize.
type Artifact struct {
	Index int
	Ready bool
	Type  ArtifactType
	Name  string
	Text  string
}

func (*Text) Kind() ContentKind       { return KindText }
func (*TextChunks) Kind() ContentKind { return KindTextChunks }
func (*ToolUse) Kind() ContentKind    { return KindToolUse }
func (*Artifact) Kind() ContentKind   { return KindArtifact }

func (c *Text) clone() Content {
	cp := *c
	return &cp
}

func (c *TextChunks) clone() Content {
	return &TextChunks{Chunks: append([]Chunk(nil), c.Chunks...)}
}

func (c *ToolUse) clone() Content {
	cp := *c
	cp.Extra = c.Extra.Clone()
	return &cp
}

func (c *Artifact) clone() Content {
	cp := *c
	return &cp
}

// Resolve orders the chunks by sequence index and joins them. The returned
// index is the smallest chunk index.
func (c *TextChunks) Resolve() (int, string) {
	if len(c.Chunks) == 0 {
		return 0, ""
	}

	sorted := append([]Chunk(nil), c.Chunks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SequenceIdx < sorted[j].SequenceIdx
	})

	size := 0
	for _, ch := range sorted {
		size += len(ch.Text)
	}
	buf := make([]byte, 0, size)
	for _, ch := range sorted {
		buf = append(buf, ch.Text...)
	}
	return sorted[0].SequenceIdx, string(buf)
}

// Message is one transcript entry
type Message struct {
	Role    Role
	Content []Content
}

// Clone returns a deep copy of the message
func (m Message) Clone() Message {
	out := Message{Role: m.Role, Content: make([]Content, len(m.Content))}
	for i, c := range m.Content {
		out.Content[i] = c.clone()
	}
	return out
}

// CloneMessages deep-copies a transcript
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
