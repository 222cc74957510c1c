package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/room4-2/chatstream/messages"
)

// ErrBufferFull is returned when a logical message exceeds the maximum size
var ErrBufferFull = errors.New("frame buffer full")

// FrameErrorKind classifies reassembly errors
type FrameErrorKind int

const (
	// FrameErrorDecode indicates the concatenated fragments are not valid JSON
	FrameErrorDecode FrameErrorKind = iota
	// FrameErrorTooLarge indicates a logical message exceeding the buffer limit
	FrameErrorTooLarge
)

// FrameError reports a logical message that could not be reassembled.
// Only the bucket for FrameID is dropped; other messages are unaffected.
type FrameError struct {
	Kind    FrameErrorKind
	FrameID string
	Msg     string
	Err     error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame %s: %s: %v", e.FrameID, e.Msg, e.Err)
	}
	return fmt.Sprintf("frame %s: %s", e.FrameID, e.Msg)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFrameError returns true if err is a reassembly error
func IsFrameError(err error) bool {
	var frameErr *FrameError
	return errors.As(err, &frameErr)
}

// bucket holds the fragments received so far for one frame id
type bucket struct {
	fragments map[int]string
	size      int
	numFrames int
	sawLast   bool
	createdAt time.Time
}

func (b *bucket) complete() bool {
	if !b.sawLast {
		return false
	}
	if b.numFrames <= 0 {
		return true
	}
	return len(b.fragments) >= b.numFrames
}

func (b *bucket) join() []byte {
	idx := make([]int, 0, len(b.fragments))
	for i := range b.fragments {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	var sb strings.Builder
	sb.Grow(b.size)
	for _, i := range idx {
		sb.WriteString(b.fragments[i])
	}
	return []byte(sb.String())
}

// FrameBuffer reassembles fragmented payloads keyed by frame id.
// One buffer belongs to one connection and is dropped with it.
type FrameBuffer struct {
	pending map[string]*bucket
	maxSize int
	now     func() time.Time
	mu      sync.Mutex
}

// NewFrameBuffer creates a buffer that rejects logical messages larger than
// maxSize bytes. A maxSize of zero disables the limit.
func NewFrameBuffer(maxSize int) *FrameBuffer {
	return &FrameBuffer{
		pending: make(map[string]*bucket),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Absorb adds a frame to its bucket. It returns the reassembled JSON payload
// once the message is complete, and nil while fragments are still missing.
//
// A message is complete when its last frame has arrived and, if the sender
// announced num_frames, every index has been seen. A repeated frame_idx
// replaces the earlier fragment.
func (fb *FrameBuffer) Absorb(f messages.Frame) ([]byte, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	b, ok := fb.pending[f.FrameID]
	if !ok {
		b = &bucket{
			fragments: make(map[int]string),
			createdAt: fb.now(),
		}
		fb.pending[f.FrameID] = b
	}

	if prev, dup := b.fragments[f.FrameIdx]; dup {
		b.size -= len(prev)
	}
	b.fragments[f.FrameIdx] = f.Data
	b.size += len(f.Data)
	if f.NumFrames > b.numFrames {
		b.numFrames = f.NumFrames
	}
	if f.Last {
		b.sawLast = true
	}

	if fb.maxSize > 0 && b.size > fb.maxSize {
		delete(fb.pending, f.FrameID)
		return nil, &FrameError{
			Kind:    FrameErrorTooLarge,
			FrameID: f.FrameID,
			Msg:     fmt.Sprintf("%d bytes buffered, limit %d", b.size, fb.maxSize),
			Err:     ErrBufferFull,
		}
	}

	if !b.complete() {
		return nil, nil
	}

	delete(fb.pending, f.FrameID)
	data := b.join()
	if !sonic.ConfigDefault.Valid(data) {
		return nil, &FrameError{
			Kind:    FrameErrorDecode,
			FrameID: f.FrameID,
			Msg:     fmt.Sprintf("invalid JSON in %d fragments", len(b.fragments)),
		}
	}
	return data, nil
}

// Pending returns the number of incomplete messages
func (fb *FrameBuffer) Pending() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.pending)
}

// Prune drops incomplete messages older than ttl and returns how many were dropped
func (fb *FrameBuffer) Prune(ttl time.Duration) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	cutoff := fb.now().Add(-ttl)
	dropped := 0
	for id, b := range fb.pending {
		if b.createdAt.Before(cutoff) {
			delete(fb.pending, id)
			dropped++
		}
	}
	return dropped
}

// Clear drops every incomplete message
func (fb *FrameBuffer) Clear() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.pending = make(map[string]*bucket)
}
