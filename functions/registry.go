// Package functions holds the tools the model can call during a turn.
package functions

import (
	"context"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
	"google.golang.org/genai"

	"github.com/room4-2/chatstream/messages"
)

// Call is one invocation requested by the model
type Call struct {
	SessionID string
	Files     []messages.FileItem
	Args      map[string]any
}

// Output is what a tool returns to the model and to the client
type Output struct {
	Response map[string]any // Sent back to the model
	Text     string         // Shown to the client as response_text
	HTML     string         // Shown to the client as response_html
	Files    []messages.OutputFile
}

// Tool is a function the model may call
type Tool struct {
	Declaration *genai.FunctionDeclaration
	Run         func(ctx context.Context, call Call) (Output, error)
}

// Result is the outcome of executing a function call
type Result struct {
	Response *genai.FunctionResponse
	Status   messages.ToolStatus
	Extra    messages.ToolExtra
}

// Registry dispatches function calls by name
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a registry with the given tools
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Declaration.Name] = t
	}
	return r
}

// Default returns the built-in tools
func Default() *Registry {
	return NewRegistry(ListFiles(), ArtifactGuide())
}

// Declarations returns the tool list passed to the model, sorted by name
func (r *Registry) Declarations() []*genai.Tool {
	if len(r.tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	decls := make([]*genai.FunctionDeclaration, 0, len(names))
	for _, name := range names {
		decls = append(decls, r.tools[name].Declaration)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// Execute runs a function call. Failures are reported in the result so the
// model can see them; they are not returned as errors.
func (r *Registry) Execute(ctx context.Context, fc *genai.FunctionCall, call Call) Result {
	res := Result{
		Response: &genai.FunctionResponse{ID: fc.ID, Name: fc.Name},
		Extra:    messages.ToolExtra{RequestText: RequestText(fc)},
	}

	tool, ok := r.tools[fc.Name]
	if !ok {
		msg := fmt.Sprintf("Unknown function: %s", fc.Name)
		res.Response.Response = map[string]any{"error": msg}
		res.Status = messages.ToolError
		res.Extra.ResponseText = msg
		return res
	}

	call.Args = fc.Args
	out, err := tool.Run(ctx, call)
	if err != nil {
		res.Response.Response = map[string]any{"error": err.Error()}
		res.Status = messages.ToolError
		res.Extra.ResponseText = err.Error()
		return res
	}

	res.Response.Response = out.Response
	res.Status = messages.ToolSuccess
	res.Extra.ResponseText = out.Text
	res.Extra.ResponseHTML = out.HTML
	res.Extra.OutputFiles = out.Files
	return res
}

// RequestText renders the call arguments for display as a JSON code block
func RequestText(fc *genai.FunctionCall) string {
	args := fc.Args
	if args == nil {
		args = map[string]any{}
	}
	data, err := sonic.ConfigStd.MarshalIndent(args, "", "  ")
	if err != nil {
		return fc.Name
	}
	return "```json\n" + string(data) + "\n```"
}
