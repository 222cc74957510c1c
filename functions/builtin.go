package functions

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// ListFiles returns the tool that lists the files attached to the session
func ListFiles() Tool {
	return Tool{
		Declaration: &genai.FunctionDeclaration{
			Name:        "list_files",
			Description: "List the files the user attached to this chat session",
		},
		Run: func(_ context.Context, call Call) (Output, error) {
			names := make([]string, 0, len(call.Files))
			var sb strings.Builder
			for _, f := range call.Files {
				names = append(names, f.FileName)
				fmt.Fprintf(&sb, "- %s (%s)\n", f.FileName, f.Checksum)
			}
			if len(names) == 0 {
				sb.WriteString("No files attached.")
			}
			return Output{
				Response: map[string]any{"files": names},
				Text:     strings.TrimSuffix(sb.String(), "\n"),
			}, nil
		},
	}
}

const artifactGuide = `Artifacts are self-contained documents shown next to the chat.
Wrap each one in <x-artifact type="TYPE" name="NAME"> ... </x-artifact>.
TYPE is "html" for a complete HTML page or "react" for a single React component.
Reuse the same NAME to publish a new version of an existing artifact.`

// ArtifactGuide returns the tool that explains the artifact tag syntax
func ArtifactGuide() Tool {
	return Tool{
		Declaration: &genai.FunctionDeclaration{
			Name:        "artifact_guide",
			Description: "Get the rules for publishing artifacts such as HTML pages or React components",
		},
		Run: func(_ context.Context, _ Call) (Output, error) {
			return Output{
				Response: map[string]any{"output": artifactGuide},
				Text:     artifactGuide,
			}, nil
		},
	}
}
