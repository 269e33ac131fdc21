package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

const (
	cartesiaService    = "cartesia"
	cartesiaAPIURL     = "https://api.cartesia.ai/tts/bytes"
	cartesiaAPIVersion = "2024-06-10"

	// cartesiaChunkBytes is the PCM payload per emitted WAV chunk (even, so
	// no sample is split).
	cartesiaChunkBytes = 16384
)

// cartesiaRates are the raw PCM sample rates the bytes endpoint accepts
var cartesiaRates = []int{8000, 16000, 22050, 24000, 44100, 48000}

// cartesiaNativeRate picks the rate to request for output at want: want itself
// when supported, else the nearest supported rate above it, else the highest.
func cartesiaNativeRate(want int) int {
	for _, rate := range cartesiaRates {
		if rate >= want {
			return rate
		}
	}
	return cartesiaRates[len(cartesiaRates)-1]
}

// CartesiaClient implements Synthesizer using Cartesia's bytes endpoint
type CartesiaClient struct {
	apiKey     string
	apiURL     string
	voiceID    string
	modelID    string
	sampleRate int // emitted WAV rate
	nativeRate int // rate requested from Cartesia
	httpClient *http.Client
	guard      *resilience.Guard
	logger     zerolog.Logger
}

// CartesiaRequest represents the request payload for Cartesia TTS API
type CartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	return &CartesiaClient{
		apiKey:     cfg.CartesiaAPIKey,
		apiURL:     cartesiaAPIURL,
		voiceID:    cfg.CartesiaVoiceID,
		modelID:    cfg.CartesiaModelID,
		sampleRate: cfg.TTSSampleRate,
		nativeRate: cartesiaNativeRate(cfg.TTSSampleRate),
		httpClient: &http.Client{},
		guard:      resilience.NewGuardFromConfig(cartesiaService, cfg),
		logger:     observability.Component("tts.cartesia"),
	}
}

// SynthesizeStream requests raw PCM and emits it as a series of WAV chunks
// while the response body is still arriving.
func (c *CartesiaClient) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("cartesia: text must not be empty")
	}

	jsonData, err := json.Marshal(CartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.voiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.nativeRate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	started := time.Now()
	var resp *http.Response
	err = c.guard.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("Cartesia-Version", cartesiaAPIVersion)

		r, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to make request: %w", err)
		}
		if r.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(r.Body, 512))
			r.Body.Close()
			return resilience.NewStatusError(cartesiaService, r.StatusCode, string(msg))
		}
		resp = r
		return nil
	})
	if err != nil {
		observability.ObserveUpstream(cartesiaService, started, err)
		return nil, err
	}

	chunks := make(chan []byte, 8)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		buf := make([]byte, cartesiaChunkBytes)
		var total int
		for {
			n, err := io.ReadFull(resp.Body, buf)
			n -= n % 2
			if n > 0 {
				total += n
				pcm, rerr := audio.ResamplePCM(append([]byte(nil), buf[:n]...), c.nativeRate, c.sampleRate)
				if rerr != nil {
					c.logger.Error().Err(rerr).Msg("Failed to resample Cartesia audio")
					return
				}
				select {
				case chunks <- audio.WrapWAV(pcm, c.sampleRate, 1):
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			if err != nil {
				observability.ObserveUpstream(cartesiaService, started, err)
				c.logger.Error().Err(err).Msg("Error reading Cartesia audio response")
				return
			}
		}

		observability.ObserveUpstream(cartesiaService, started, nil)
		if total == 0 {
			c.logger.Warn().Msg("Cartesia returned empty audio data")
		}
	}()

	return chunks, nil
}
