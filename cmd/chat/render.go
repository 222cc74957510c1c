package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/room4-2/chatstream/transcript"
)

// render prints a normalized transcript followed by its artifact list
func render(w io.Writer, res transcript.Result) {
	for _, msg := range res.Normalized {
		fmt.Fprintf(w, "[%s]\n", msg.Role)
		for _, c := range msg.Content {
			switch entry := c.(type) {
			case *transcript.Text:
				fmt.Fprintln(w, strings.TrimSpace(entry.Text))
			case *transcript.ToolUse:
				fmt.Fprintf(w, "  tool %s (%s)\n", entry.ToolName, entry.Status)
			case *transcript.Artifact:
				fmt.Fprintf(w, "  artifact #%d %q\n", entry.Index, entry.Name)
			}
		}
		fmt.Fprintln(w)
	}

	if len(res.Artifacts) == 0 {
		return
	}
	fmt.Fprintln(w, "Artifacts:")
	for _, a := range res.Artifacts {
		state := "ready"
		if !a.Ready {
			state = "incomplete"
		}
		fmt.Fprintf(w, "  #%d %-24s %-7s %s\n", a.Index, a.Name, a.Type, state)
	}
}
