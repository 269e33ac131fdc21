package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/lexiqai/voice-agent/internal/observability"
)

const geminiService = "gemini"

// Gemini implements Completer using the Gemini API
type Gemini struct {
	client *genai.Client
	model  string
}

// GeminiOption configures a Gemini completer
type GeminiOption func(*genai.ClientConfig)

// WithGeminiBaseURL points the client at a different API host
func WithGeminiBaseURL(url string) GeminiOption {
	return func(c *genai.ClientConfig) {
		c.HTTPOptions.BaseURL = url
	}
}

// NewGemini creates a Gemini completer for model
func NewGemini(ctx context.Context, apiKey, model string, opts ...GeminiOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, o := range opts {
		o(cc)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Complete sends prompt as a single user content and returns the text reply
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	started := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		err = fmt.Errorf("gemini: generate content: %w", err)
		observability.ObserveUpstream(geminiService, started, err)
		return "", err
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		err = errors.New("gemini: empty response")
	}
	observability.ObserveUpstream(geminiService, started, err)
	return text, err
}
