package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/lexiqai/voice-agent/internal/observability"
)

const openAIService = "openai"

// OpenAI implements Completer using the chat completions API
type OpenAI struct {
	client oai.Client
	model  string
}

// NewOpenAI constructs an OpenAI completer. Extra request options such as
// option.WithBaseURL are passed through to the client.
func NewOpenAI(apiKey, model string, opts ...option.RequestOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAI{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Complete sends prompt as one user message and returns the first choice
func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	started := time.Now()
	text, err := o.complete(ctx, prompt)
	observability.ObserveUpstream(openAIService, started, err)
	return text, err
}

func (o *OpenAI) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty choices in response")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("openai: empty response")
	}
	return text, nil
}
