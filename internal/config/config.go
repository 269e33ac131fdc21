package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Provider names accepted by STT_PROVIDER, LLM_PROVIDER and TTS_PROVIDER
const (
	ProviderAssemblyAI = "assemblyai"
	ProviderDeepgram   = "deepgram"
	ProviderGemini     = "gemini"
	ProviderOpenAI     = "openai"
	ProviderMurf       = "murf"
	ProviderCartesia   = "cartesia"
)

// Config holds all configuration for the voice agent service
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8000"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""` // empty disables the gRPC health server

	// Provider selection
	STTProvider string `envconfig:"STT_PROVIDER" default:"assemblyai"` // assemblyai, deepgram
	LLMProvider string `envconfig:"LLM_PROVIDER" default:"gemini"`     // gemini, openai
	TTSProvider string `envconfig:"TTS_PROVIDER" default:"murf"`       // murf, cartesia

	// AssemblyAI STT (streaming v3 and batch v2)
	AssemblyAIAPIKey       string `envconfig:"ASSEMBLYAI_API_KEY"`
	AssemblyAIStreamingURL string `envconfig:"ASSEMBLYAI_STREAMING_URL" default:"wss://streaming.assemblyai.com/v3/ws"`
	AssemblyAIAPIURL       string `envconfig:"ASSEMBLYAI_API_URL" default:"https://api.assemblyai.com/v2"`

	// Deepgram STT
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Completion providers
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`
	GeminiModel  string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
	GeminiURL    string `envconfig:"GEMINI_BASE_URL"` // empty uses the SDK default host
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel  string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`

	// Murf TTS
	MurfAPIKey    string `envconfig:"MURF_API_KEY"`
	MurfAPIURL    string `envconfig:"MURF_API_URL" default:"https://api.murf.ai/v1"`
	MurfStreamURL string `envconfig:"MURF_STREAM_URL" default:"wss://api.murf.ai/v1/speech/stream-input"`
	MurfVoiceID   string `envconfig:"MURF_VOICE_ID" default:"en-US-natalie"`
	MurfStyle     string `envconfig:"MURF_STYLE" default:"Conversational"`

	// Cartesia TTS
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY"`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`

	// Audio
	SampleRate    int    `envconfig:"SAMPLE_RATE" default:"16000"`     // Inbound PCM16 mono sample rate
	TTSSampleRate int    `envconfig:"TTS_SAMPLE_RATE" default:"44100"` // Synthesized audio sample rate
	CaptureDir    string `envconfig:"CAPTURE_DIR" default:"uploads"`

	// Turn handling
	HistoryMaxChars        int  `envconfig:"HISTORY_MAX_CHARS" default:"2900"`
	TurnMinChars           int  `envconfig:"TURN_MIN_CHARS" default:"3"`
	TurnCooldownMs         int  `envconfig:"TURN_COOLDOWN_MS" default:"2000"`
	TurnDedupWindowMs      int  `envconfig:"TURN_DEDUP_WINDOW_MS" default:"0"` // 0 keeps seen turns for the whole session
	MaxInflightGenerations int  `envconfig:"MAX_INFLIGHT_GENERATIONS" default:"1"`
	OutboundPollMs         int  `envconfig:"OUTBOUND_POLL_MS" default:"100"`
	DrainTimeout           int  `envconfig:"DRAIN_TIMEOUT" default:"30"`      // seconds
	GenerationTimeout      int  `envconfig:"GENERATION_TIMEOUT" default:"30"` // seconds
	WriteTimeout           int  `envconfig:"WRITE_TIMEOUT" default:"10"`      // seconds, per client frame
	ForwardPartials        bool `envconfig:"FORWARD_PARTIALS" default:"true"`

	// Fallbacks
	FallbackReply    string `envconfig:"FALLBACK_REPLY" default:"I'm having trouble responding right now."`
	FallbackAudioURL string `envconfig:"FALLBACK_AUDIO_URL" default:"/static/fallback.mp3"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"500"`            // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if one exists, then reads the environment.
// Provider credentials are not required here: sessions report missing keys to the
// client instead of the process refusing to start.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks provider names and numeric bounds.
func (c *Config) Validate() error {
	c.STTProvider = strings.ToLower(c.STTProvider)
	c.LLMProvider = strings.ToLower(c.LLMProvider)
	c.TTSProvider = strings.ToLower(c.TTSProvider)

	switch c.STTProvider {
	case ProviderAssemblyAI, ProviderDeepgram:
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider)
	}
	switch c.LLMProvider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	switch c.TTSProvider {
	case ProviderMurf, ProviderCartesia:
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider)
	}

	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.TTSSampleRate <= 0 {
		return fmt.Errorf("TTS_SAMPLE_RATE must be positive, got %d", c.TTSSampleRate)
	}
	if c.HistoryMaxChars <= 0 {
		return fmt.Errorf("HISTORY_MAX_CHARS must be positive, got %d", c.HistoryMaxChars)
	}
	if c.MaxInflightGenerations < 1 {
		c.MaxInflightGenerations = 1
	}
	if c.OutboundPollMs <= 0 {
		c.OutboundPollMs = 100
	}
	return nil
}

// MissingCredentials returns the human-readable names of the API keys the selected
// providers need but that are not configured. The realtime pipeline needs all three.
func (c *Config) MissingCredentials() []string {
	var missing []string
	if name := c.missingSTT(); name != "" {
		missing = append(missing, name)
	}
	if name := c.missingLLM(); name != "" {
		missing = append(missing, name)
	}
	if name := c.missingTTS(); name != "" {
		missing = append(missing, name)
	}
	return missing
}

func (c *Config) missingSTT() string {
	switch c.STTProvider {
	case ProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return "Deepgram"
		}
	default:
		if c.AssemblyAIAPIKey == "" {
			return "AssemblyAI"
		}
	}
	return ""
}

func (c *Config) missingLLM() string {
	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return "OpenAI"
		}
	default:
		if c.GeminiAPIKey == "" {
			return "Gemini"
		}
	}
	return ""
}

func (c *Config) missingTTS() string {
	switch c.TTSProvider {
	case ProviderCartesia:
		if c.CartesiaAPIKey == "" {
			return "Cartesia"
		}
	default:
		if c.MurfAPIKey == "" {
			return "Murf"
		}
	}
	return ""
}

// TurnCooldown returns the minimum spacing between accepted turns.
func (c *Config) TurnCooldown() time.Duration {
	return time.Duration(c.TurnCooldownMs) * time.Millisecond
}

// TurnDedupWindow returns how long a normalized transcript stays in the seen-set.
// Zero means forever.
func (c *Config) TurnDedupWindow() time.Duration {
	return time.Duration(c.TurnDedupWindowMs) * time.Millisecond
}

// OutboundPoll returns the poll timeout used by the outbound consumer loops.
func (c *Config) OutboundPoll() time.Duration {
	return time.Duration(c.OutboundPollMs) * time.Millisecond
}
