package messages

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Frame is one transport fragment of a logical payload.
// Fragments sharing FrameID, concatenated in FrameIdx order, form a JSON payload.
type Frame struct {
	FrameID   string `json:"frame_id"`
	NumFrames int    `json:"num_frames"`
	FrameIdx  int    `json:"frame_idx"`
	Last      bool   `json:"last"`
	Data      string `json:"data"`
}

// DecodeFrame parses a single wire frame
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.FrameID == "" {
		return Frame{}, errors.New("decode frame: missing frame_id")
	}
	return f, nil
}

// Split fragments an encoded payload into frames of at most maxPayload data
// bytes. Frame indexes start at 1 and a cut never falls inside a UTF-8 sequence.
func Split(payload []byte, maxPayload int) ([]Frame, error) {
	if maxPayload < utf8.UTFMax {
		return nil, fmt.Errorf("max payload %d is below %d bytes", maxPayload, utf8.UTFMax)
	}

	var parts []string
	for start := 0; start < len(payload); {
		end := start + maxPayload
		if end >= len(payload) {
			end = len(payload)
		} else {
			for end > start && !utf8.RuneStart(payload[end]) {
				end--
			}
		}
		parts = append(parts, string(payload[start:end]))
		start = end
	}
	if len(parts) == 0 {
		parts = []string{""}
	}

	frameID := uuid.New().String()
	frames := make([]Frame, len(parts))
	for i, part := range parts {
		frames[i] = Frame{
			FrameID:   frameID,
			NumFrames: len(parts),
			FrameIdx:  i + 1,
			Last:      i == len(parts)-1,
			Data:      part,
		}
	}
	return frames, nil
}
