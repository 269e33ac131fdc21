package main

import (
	"context"
	"fmt"

	"github.com/lexiqai/voice-agent/internal/agent"
	"github.com/lexiqai/voice-agent/internal/api"
	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/realtime"
	"github.com/lexiqai/voice-agent/internal/resilience"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/tts"
)

// providers holds the upstream clients selected by configuration. A field is
// nil when its credential is missing.
type providers struct {
	streamer    stt.Streamer
	transcriber stt.FileTranscriber
	completer   llm.Completer
	synth       tts.Synthesizer
	murf        *tts.MurfClient
	llmName     string
}

func buildProviders(ctx context.Context, cfg *config.Config) (*providers, error) {
	p := &providers{}

	switch cfg.STTProvider {
	case config.ProviderDeepgram:
		if cfg.DeepgramAPIKey != "" {
			p.streamer = stt.NewDeepgramStreamer(cfg)
		}
	default:
		if cfg.AssemblyAIAPIKey != "" {
			p.streamer = stt.NewAssemblyAIStreamer(cfg)
		}
	}
	if cfg.AssemblyAIAPIKey != "" {
		p.transcriber = stt.NewAssemblyAIBatch(cfg)
	}

	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		p.llmName = "OpenAI"
		if cfg.OpenAIAPIKey != "" {
			client, err := llm.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel)
			if err != nil {
				return nil, fmt.Errorf("openai client: %w", err)
			}
			p.completer = client
		}
	default:
		p.llmName = "Gemini"
		if cfg.GeminiAPIKey != "" {
			var opts []llm.GeminiOption
			if cfg.GeminiURL != "" {
				opts = append(opts, llm.WithGeminiBaseURL(cfg.GeminiURL))
			}
			client, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, opts...)
			if err != nil {
				return nil, fmt.Errorf("gemini client: %w", err)
			}
			p.completer = client
		}
	}

	switch cfg.TTSProvider {
	case config.ProviderCartesia:
		if cfg.CartesiaAPIKey != "" {
			p.synth = tts.NewCartesiaClient(cfg)
		}
	default:
		if cfg.MurfAPIKey != "" {
			p.synth = tts.NewMurfStreamer(cfg)
		}
	}
	if cfg.MurfAPIKey != "" {
		p.murf = tts.NewMurfClient(cfg)
	}

	return p, nil
}

func (p *providers) agent(cfg *config.Config) *agent.Agent {
	if p.completer == nil {
		return nil
	}
	return agent.New(p.completer, resilience.NewGuardFromConfig("llm", cfg), cfg.FallbackReply)
}

func (p *providers) realtimeHandler(cfg *config.Config, a *agent.Agent) *realtime.Handler {
	var generator *realtime.Generator
	if a != nil && p.synth != nil {
		generator = realtime.NewGenerator(a, p.synth)
	}
	return realtime.NewHandler(cfg, p.streamer, generator)
}

func (p *providers) apiServer(cfg *config.Config, a *agent.Agent) *api.Server {
	deps := api.Deps{
		Transcriber:      p.transcriber,
		Agent:            a,
		LLMName:          p.llmName,
		FallbackAudioURL: cfg.FallbackAudioURL,
		HistoryMaxChars:  cfg.HistoryMaxChars,
	}
	if p.murf != nil {
		deps.Speech = p.murf
		deps.Voices = p.murf
	}
	return api.NewServer(deps)
}

// credentialChecks reports one readiness check per selected provider.
func credentialChecks(cfg *config.Config) []observability.DependencyCheck {
	configured := func(name string, ok bool) observability.DependencyCheck {
		return observability.DependencyCheck{
			Name: name,
			Check: func(ctx context.Context) (bool, error) {
				if !ok {
					return false, fmt.Errorf("%s API key not configured", name)
				}
				return true, nil
			},
		}
	}

	sttName, sttOK := "assemblyai", cfg.AssemblyAIAPIKey != ""
	if cfg.STTProvider == config.ProviderDeepgram {
		sttName, sttOK = "deepgram", cfg.DeepgramAPIKey != ""
	}
	llmName, llmOK := "gemini", cfg.GeminiAPIKey != ""
	if cfg.LLMProvider == config.ProviderOpenAI {
		llmName, llmOK = "openai", cfg.OpenAIAPIKey != ""
	}
	ttsName, ttsOK := "murf", cfg.MurfAPIKey != ""
	if cfg.TTSProvider == config.ProviderCartesia {
		ttsName, ttsOK = "cartesia", cfg.CartesiaAPIKey != ""
	}

	return []observability.DependencyCheck{
		configured(sttName, sttOK),
		configured(llmName, llmOK),
		configured(ttsName, ttsOK),
	}
}
