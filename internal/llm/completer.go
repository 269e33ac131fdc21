// Package llm holds the conversation history and the completion providers.
package llm

import "context"

// Completer turns a rendered prompt into a single text reply
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}
