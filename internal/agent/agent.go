// Package agent runs one conversational step: record the user turn, ask the
// completion model, record what the assistant said.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

// Agent produces replies from a history-bearing prompt
type Agent struct {
	completer llm.Completer
	guard     *resilience.Guard
	fallback  string
	logger    zerolog.Logger
}

// New creates an Agent. guard may be nil to call the completer directly.
func New(completer llm.Completer, guard *resilience.Guard, fallback string) *Agent {
	return &Agent{
		completer: completer,
		guard:     guard,
		fallback:  fallback,
		logger:    observability.Component("agent"),
	}
}

// Reply appends text as a user turn, completes over the rendered history and
// appends the answer as an assistant turn. When the completion fails the
// fallback reply is recorded and returned together with the error, so callers
// always have something to say.
func (a *Agent) Reply(ctx context.Context, text string, history *llm.History) (string, error) {
	history.Append(llm.RoleUser, text)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	reply, err := a.complete(ctx, history.Render())
	if err != nil {
		a.logger.Warn().Err(err).Msg("Completion failed, using fallback reply")
		observability.RecordError("completion", "agent")
		history.Append(llm.RoleAssistant, a.fallback)
		return a.fallback, fmt.Errorf("complete: %w", err)
	}

	history.Append(llm.RoleAssistant, reply)
	return reply, nil
}

// Fallback returns the reply used when completion fails
func (a *Agent) Fallback() string {
	return a.fallback
}

func (a *Agent) complete(ctx context.Context, prompt string) (string, error) {
	var reply string
	call := func(ctx context.Context) error {
		r, err := a.completer.Complete(ctx, prompt)
		if err != nil {
			return err
		}
		reply = strings.TrimSpace(r)
		if reply == "" {
			return fmt.Errorf("empty completion")
		}
		return nil
	}

	if a.guard == nil {
		return reply, call(ctx)
	}
	return reply, a.guard.Do(ctx, call)
}
