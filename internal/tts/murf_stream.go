package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

type murfVoiceConfig struct {
	VoiceConfig struct {
		VoiceID string `json:"voiceId"`
		Style   string `json:"style,omitempty"`
	} `json:"voice_config"`
}

type murfTextMessage struct {
	Text string `json:"text"`
	End  bool   `json:"end"`
}

type murfAudioMessage struct {
	Audio string `json:"audio"`
	Final bool   `json:"final"`
	Error string `json:"error"`
}

// MurfStreamer implements Synthesizer over Murf's stream-input WebSocket
type MurfStreamer struct {
	apiKey     string
	streamURL  string
	voiceID    string
	style      string
	sampleRate int
	dialer     *websocket.Dialer
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// NewMurfStreamer creates a streaming synthesizer
func NewMurfStreamer(cfg *config.Config) *MurfStreamer {
	return &MurfStreamer{
		apiKey:     cfg.MurfAPIKey,
		streamURL:  cfg.MurfStreamURL,
		voiceID:    cfg.MurfVoiceID,
		style:      cfg.MurfStyle,
		sampleRate: cfg.TTSSampleRate,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		breaker: resilience.NewCircuitBreaker(
			murfService+"-stream",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: observability.Component("tts.murf"),
	}
}

func (m *MurfStreamer) url() (string, error) {
	u, err := url.Parse(m.streamURL)
	if err != nil {
		return "", fmt.Errorf("invalid murf stream url %q: %w", m.streamURL, err)
	}
	q := u.Query()
	q.Set("api-key", m.apiKey)
	q.Set("sample_rate", strconv.Itoa(m.sampleRate))
	q.Set("channel_type", "MONO")
	q.Set("format", "WAV")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SynthesizeStream sends text on a fresh stream-input connection and relays
// each decoded audio chunk until Murf marks the final one.
func (m *MurfStreamer) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("murf: text must not be empty")
	}
	target, err := m.url()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	var conn *websocket.Conn
	err = m.breaker.Call(func() error {
		c, resp, err := m.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("murf handshake: %w", resilience.NewStatusError(murfService, resp.StatusCode, ""))
			}
			return fmt.Errorf("murf handshake: %w", err)
		}

		var vc murfVoiceConfig
		vc.VoiceConfig.VoiceID = m.voiceID
		vc.VoiceConfig.Style = m.style
		if err := c.WriteJSON(vc); err != nil {
			c.Close()
			return fmt.Errorf("murf send voice config: %w", err)
		}
		if err := c.WriteJSON(murfTextMessage{Text: text, End: true}); err != nil {
			c.Close()
			return fmt.Errorf("murf send text: %w", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		observability.ObserveUpstream(murfService+"-stream", started, err)
		return nil, err
	}

	chunks := make(chan []byte, 16)
	go func() {
		defer close(chunks)
		defer conn.Close()

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		var count int
		var readErr error
		for {
			var msg murfAudioMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					readErr = fmt.Errorf("murf read: %w", err)
				}
				break
			}
			if msg.Error != "" {
				readErr = fmt.Errorf("murf: %s", msg.Error)
				break
			}
			if msg.Audio != "" {
				data, err := base64.StdEncoding.DecodeString(msg.Audio)
				if err != nil {
					m.logger.Warn().Err(err).Msg("Dropping undecodable Murf chunk")
				} else {
					select {
					case chunks <- data:
						count++
					case <-ctx.Done():
						return
					}
				}
			}
			if msg.Final {
				break
			}
		}

		observability.ObserveUpstream(murfService+"-stream", started, readErr)
		if readErr != nil {
			m.logger.Error().Err(readErr).Int("chunks", count).Msg("Murf stream ended with error")
			return
		}
		m.logger.Debug().Int("chunks", count).Dur("elapsed", time.Since(started)).Msg("Murf stream complete")
	}()

	return chunks, nil
}
