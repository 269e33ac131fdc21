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

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

const murfService = "murf"

// MurfClient talks to the Murf REST API
type MurfClient struct {
	apiKey     string
	apiURL     string
	voiceID    string
	style      string
	httpClient *http.Client
	guard      *resilience.Guard
}

// murfGenerateRequest represents the request payload for speech/generate
type murfGenerateRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
	Style   string `json:"style,omitempty"`
	Format  string `json:"format"`
}

type murfGenerateResponse struct {
	AudioFile string `json:"audioFile"`
}

// NewMurfClient creates a new Murf REST client
func NewMurfClient(cfg *config.Config) *MurfClient {
	return &MurfClient{
		apiKey:     cfg.MurfAPIKey,
		apiURL:     strings.TrimRight(cfg.MurfAPIURL, "/"),
		voiceID:    cfg.MurfVoiceID,
		style:      cfg.MurfStyle,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		guard:      resilience.NewGuardFromConfig(murfService, cfg),
	}
}

// Synthesize renders text and returns the URL of the generated audio file.
// An empty voiceID selects the configured default voice.
func (m *MurfClient) Synthesize(ctx context.Context, text, voiceID string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("murf: text must not be empty")
	}
	if voiceID == "" {
		voiceID = m.voiceID
	}

	body, err := json.Marshal(murfGenerateRequest{Text: text, VoiceID: voiceID, Style: m.style, Format: "MP3"})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	started := time.Now()
	var out murfGenerateResponse
	err = m.guard.Do(ctx, func(ctx context.Context) error {
		return m.do(ctx, http.MethodPost, "/speech/generate", body, &out)
	})
	if err == nil && out.AudioFile == "" {
		err = errors.New("murf: response has no audioFile")
	}
	observability.ObserveUpstream(murfService, started, err)
	if err != nil {
		return "", err
	}
	return out.AudioFile, nil
}

// ListVoices fetches the Murf voice catalogue
func (m *MurfClient) ListVoices(ctx context.Context) ([]Voice, error) {
	started := time.Now()
	var voices []Voice
	err := m.guard.Do(ctx, func(ctx context.Context) error {
		return m.do(ctx, http.MethodGet, "/speech/voices", nil, &voices)
	})
	observability.ObserveUpstream(murfService, started, err)
	if err != nil {
		return nil, err
	}
	return voices, nil
}

func (m *MurfClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.apiURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("api-key", m.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resilience.NewStatusError(murfService, resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode murf response: %w", err)
	}
	return nil
}
