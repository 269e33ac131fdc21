package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/agent"
	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/tts"
)

// Generation is the result of answering one accepted turn
type Generation struct {
	// Reply is what the assistant says, the fallback text if completion failed
	Reply string

	// Fallback is set when Reply is the fallback text
	Fallback bool

	// Audio yields synthesized chunks in order and is always closed eventually.
	// It is empty when synthesis failed.
	Audio <-chan []byte
}

// Generator turns accepted user text into a spoken reply
type Generator struct {
	agent *agent.Agent
	synth tts.Synthesizer
}

// NewGenerator creates a Generator
func NewGenerator(a *agent.Agent, synth tts.Synthesizer) *Generator {
	return &Generator{agent: a, synth: synth}
}

// Generate completes over history (which it extends with the user and
// assistant turns) and starts synthesis of the reply. It only fails when ctx
// ends before the completion call; provider failures degrade to the fallback
// reply or to silence. The logger attached to ctx, if any, is used.
func (g *Generator) Generate(ctx context.Context, text string, history *llm.History) (*Generation, error) {
	logger := zerolog.Ctx(ctx)

	reply, err := g.agent.Reply(ctx, text, history)
	if reply == "" && err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	gen := &Generation{Reply: reply, Fallback: err != nil}
	if err != nil {
		logger.Warn().Err(err).Msg("Completion failed, speaking fallback reply")
	}

	started := time.Now()
	audio, err := g.synth.SynthesizeStream(ctx, reply)
	if err != nil {
		logger.Error().Err(err).Msg("Synthesis failed, reply will be silent")
		observability.RecordError("synthesis", "generator")
		empty := make(chan []byte)
		close(empty)
		gen.Audio = empty
		return gen, nil
	}
	logger.Debug().Dur("synthesis_start", time.Since(started)).Msg("Synthesis started")

	gen.Audio = audio
	return gen, nil
}
