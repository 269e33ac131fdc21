package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

// Transcript statuses reported by the AssemblyAI v2 API
const (
	transcriptCompleted = "completed"
	transcriptError     = "error"
)

type transcriptResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

// AssemblyAIBatch implements FileTranscriber using upload + transcript polling
type AssemblyAIBatch struct {
	apiKey       string
	apiURL       string
	httpClient   *http.Client
	guard        *resilience.Guard
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewAssemblyAIBatch creates a batch transcriber from the service configuration
func NewAssemblyAIBatch(cfg *config.Config) *AssemblyAIBatch {
	return &AssemblyAIBatch{
		apiKey:       cfg.AssemblyAIAPIKey,
		apiURL:       strings.TrimRight(cfg.AssemblyAIAPIURL, "/"),
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		guard:        resilience.NewGuardFromConfig(assemblyAIService+"-batch", cfg),
		pollInterval: time.Second,
		logger:       observability.Component("stt.batch"),
	}
}

// TranscribeFile uploads audio, requests a transcript and polls until it completes
func (b *AssemblyAIBatch) TranscribeFile(ctx context.Context, audio io.Reader) (string, error) {
	started := time.Now()
	text, err := b.transcribe(ctx, audio)
	observability.ObserveUpstream(assemblyAIService+"-batch", started, err)
	return text, err
}

func (b *AssemblyAIBatch) transcribe(ctx context.Context, audio io.Reader) (string, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}

	var upload struct {
		UploadURL string `json:"upload_url"`
	}
	err = b.guard.Do(ctx, func(ctx context.Context) error {
		return b.do(ctx, http.MethodPost, "/upload", "application/octet-stream", data, &upload)
	})
	if err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}

	body, _ := json.Marshal(map[string]string{"audio_url": upload.UploadURL})
	var transcript transcriptResponse
	err = b.guard.Do(ctx, func(ctx context.Context) error {
		return b.do(ctx, http.MethodPost, "/transcript", "application/json", body, &transcript)
	})
	if err != nil {
		return "", fmt.Errorf("request transcript: %w", err)
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		switch transcript.Status {
		case transcriptCompleted:
			return transcript.Text, nil
		case transcriptError:
			return "", fmt.Errorf("assemblyai transcription failed: %s", transcript.Error)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		id := transcript.ID
		err = b.guard.Do(ctx, func(ctx context.Context) error {
			return b.do(ctx, http.MethodGet, "/transcript/"+id, "", nil, &transcript)
		})
		if err != nil {
			return "", fmt.Errorf("poll transcript %s: %w", id, err)
		}
		b.logger.Debug().Str("transcript_id", id).Str("status", transcript.Status).Msg("Polled transcript")
	}
}

func (b *AssemblyAIBatch) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.apiURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", b.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resilience.NewStatusError(assemblyAIService, resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
