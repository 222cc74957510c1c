package store

import (
	"google.golang.org/genai"

	"github.com/room4-2/chatstream/messages"
	"github.com/room4-2/chatstream/transcript"
)

// Transcript converts the model history into chat messages.
//
// Consecutive contents of the same role share one message and every part
// takes the next sequence index. Function calls become running tool uses
// carrying their stored details; function responses only update the status
// of the matching tool use.
func Transcript(st *State) []transcript.Message {
	out := []transcript.Message{}
	tools := map[string]*transcript.ToolUse{}
	seq := 0

	appendContent := func(role transcript.Role, c transcript.Content) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, c)
			return
		}
		out = append(out, transcript.Message{Role: role, Content: []transcript.Content{c}})
	}

	for _, content := range st.Messages {
		if content == nil {
			continue
		}
		role := transcript.RoleUser
		if content.Role == string(genai.RoleModel) {
			role = transcript.RoleAssistant
		}

		for _, part := range content.Parts {
			if part == nil {
				continue
			}
			seq++

			switch {
			case part.FunctionResponse != nil:
				if tool, ok := tools[part.FunctionResponse.ID]; ok {
					tool.Status = responseStatus(part.FunctionResponse)
				}

			case part.FunctionCall != nil:
				call := part.FunctionCall
				tool := &transcript.ToolUse{
					SequenceIdx: seq,
					ToolUseID:   call.ID,
					ToolName:    call.Name,
					Status:      messages.ToolRunning,
					Extra:       st.ToolExtra[call.ID].Clone(),
				}
				tools[call.ID] = tool
				appendContent(transcript.RoleAssistant, tool)

			case part.Thought:
				// model reasoning is not shown

			case part.Text != "":
				appendContent(role, &transcript.Text{SequenceIdx: seq, Text: part.Text})
			}
		}
	}

	return out
}

func responseStatus(r *genai.FunctionResponse) messages.ToolStatus {
	if _, failed := r.Response["error"]; failed {
		return messages.ToolError
	}
	return messages.ToolSuccess
}
