// Package gemini streams model turns from the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const maxOutputTokens = 4096

// Request is one generation step
type Request struct {
	System  string
	History []*genai.Content
	Tools   []*genai.Tool
}

// Result is the complete model turn produced by a step
type Result struct {
	Content *genai.Content        // Model content to append to the history
	Calls   []*genai.FunctionCall // Function calls requested by the model, in order
}

// Generator streams text from the Gemini API using the official SDK
type Generator struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGenerator creates a client for the given model
func NewGenerator(ctx context.Context, apiKey, model string, logger *zap.Logger) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Generator{
		client: client,
		model:  model,
		logger: logger,
	}, nil
}

// Generate runs one step, calling onText for every text delta as it arrives
func (g *Generator) Generate(ctx context.Context, req Request, onText func(string) error) (*Result, error) {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.5),
		MaxOutputTokens: maxOutputTokens,
		Tools:           req.Tools,
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	acc := &accumulator{}
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, req.History, config) {
		if err != nil {
			return nil, fmt.Errorf("generate: %w", err)
		}
		for _, delta := range acc.add(resp) {
			if err := onText(delta); err != nil {
				return nil, err
			}
		}
	}

	res := acc.result()
	g.logger.Debug("generation finished",
		zap.String("model", g.model),
		zap.Int("parts", len(res.Content.Parts)),
		zap.Int("calls", len(res.Calls)),
	)
	return res, nil
}

// accumulator folds streamed responses into one model turn
type accumulator struct {
	parts []*genai.Part
	calls []*genai.FunctionCall
	text  strings.Builder
}

// add records a streamed response and returns its text deltas
func (a *accumulator) add(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return nil
	}

	var deltas []string
	for _, part := range cand.Content.Parts {
		switch {
		case part == nil || part.Thought:
		case part.FunctionCall != nil:
			a.flushText()
			a.parts = append(a.parts, &genai.Part{
				FunctionCall:     part.FunctionCall,
				ThoughtSignature: part.ThoughtSignature,
			})
			a.calls = append(a.calls, part.FunctionCall)
		case part.Text != "":
			a.text.WriteString(part.Text)
			deltas = append(deltas, part.Text)
		}
	}
	return deltas
}

func (a *accumulator) flushText() {
	if a.text.Len() == 0 {
		return
	}
	a.parts = append(a.parts, &genai.Part{Text: a.text.String()})
	a.text.Reset()
}

func (a *accumulator) result() *Result {
	a.flushText()
	return &Result{
		Content: &genai.Content{Role: string(genai.RoleModel), Parts: a.parts},
		Calls:   a.calls,
	}
}
