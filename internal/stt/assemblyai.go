package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

const assemblyAIService = "assemblyai"

// AssemblyAI message types on the v3 streaming socket
const (
	aaiMessageBegin       = "Begin"
	aaiMessageTurn        = "Turn"
	aaiMessageTermination = "Termination"
)

type aaiMessage struct {
	Type                 string  `json:"type"`
	ID                   string  `json:"id"`
	Transcript           string  `json:"transcript"`
	EndOfTurn            bool    `json:"end_of_turn"`
	TurnIsFormatted      bool    `json:"turn_is_formatted"`
	AudioDurationSeconds float64 `json:"audio_duration_seconds"`
	Error                string  `json:"error"`
}

// AssemblyAIStreamer implements Streamer against the AssemblyAI v3 streaming API
type AssemblyAIStreamer struct {
	apiKey    string
	baseURL   string
	dialer    *websocket.Dialer
	reconnect *resilience.ReconnectConfig
	logger    zerolog.Logger
}

// NewAssemblyAIStreamer creates a streamer from the service configuration
func NewAssemblyAIStreamer(cfg *config.Config) *AssemblyAIStreamer {
	return &AssemblyAIStreamer{
		apiKey:  cfg.AssemblyAIAPIKey,
		baseURL: cfg.AssemblyAIStreamingURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  5 * time.Second,
		},
		logger: observability.Component("stt.assemblyai"),
	}
}

func (a *AssemblyAIStreamer) streamURL(cfg StreamConfig) (string, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid streaming url %q: %w", a.baseURL, err)
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = DefaultEncoding
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("format_turns", "true")
	q.Set("encoding", encoding)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the streaming endpoint, retrying the handshake with backoff,
// and starts delivering events to sink.
func (a *AssemblyAIStreamer) Connect(ctx context.Context, cfg StreamConfig, sink EventSink) (Stream, error) {
	target, err := a.streamURL(cfg)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", a.apiKey)

	var conn *websocket.Conn
	started := time.Now()
	err = resilience.Reconnect(ctx, assemblyAIService, func(ctx context.Context) error {
		c, resp, err := a.dialer.DialContext(ctx, target, header)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("assemblyai handshake: %w", resilience.NewStatusError(assemblyAIService, resp.StatusCode, ""))
			}
			return fmt.Errorf("assemblyai handshake: %w", err)
		}
		conn = c
		return nil
	}, a.reconnect)
	observability.ObserveUpstream(assemblyAIService, started, err)
	if err != nil {
		return nil, err
	}

	s := &assemblyAIStream{
		conn:   conn,
		sink:   sink,
		logger: a.logger,
		done:   make(chan struct{}),
	}
	go s.readLoop()

	a.logger.Debug().Int("sample_rate", cfg.SampleRate).Msg("AssemblyAI stream connected")
	return s, nil
}

type assemblyAIStream struct {
	conn   *websocket.Conn
	sink   EventSink
	logger zerolog.Logger

	writeMu sync.Mutex
	closed  bool
	once    sync.Once
	done    chan struct{}
}

func (s *assemblyAIStream) readLoop() {
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.sink.OnError(fmt.Errorf("assemblyai read: %w", err))
			return
		}

		var msg aaiMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Ignoring malformed AssemblyAI message")
			continue
		}
		if s.dispatch(msg) {
			return
		}
	}
}

// dispatch forwards one message to the sink and reports whether the session ended.
func (s *assemblyAIStream) dispatch(msg aaiMessage) bool {
	if msg.Error != "" {
		s.sink.OnError(fmt.Errorf("assemblyai: %s", msg.Error))
		return false
	}

	switch msg.Type {
	case aaiMessageBegin:
		s.sink.OnBegin(msg.ID)
	case aaiMessageTurn:
		// format_turns=true sends each finished turn twice; only the formatted
		// copy closes the turn.
		final := msg.EndOfTurn && msg.TurnIsFormatted
		s.sink.OnTurn(TurnEvent{
			Text:      msg.Transcript,
			IsFinal:   final,
			EndOfTurn: final,
			Timestamp: time.Now(),
		})
	case aaiMessageTermination:
		s.sink.OnTerminated(time.Duration(msg.AudioDurationSeconds * float64(time.Second)))
		return true
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("Unhandled AssemblyAI message")
	}
	return false
}

func (s *assemblyAIStream) isClosed() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.closed
}

func (s *assemblyAIStream) Feed(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return errors.New("assemblyai stream is closed")
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("assemblyai send audio: %w", err)
	}
	return nil
}

func (s *assemblyAIStream) Disconnect(terminate bool) error {
	var err error
	s.once.Do(func() {
		if terminate {
			s.writeMu.Lock()
			werr := s.conn.WriteJSON(map[string]string{"type": "Terminate"})
			s.writeMu.Unlock()

			if werr == nil {
				// Wait for the Termination message so late turns reach the sink.
				select {
				case <-s.done:
				case <-time.After(5 * time.Second):
					s.logger.Warn().Msg("Timed out waiting for AssemblyAI termination")
				}
			}
		}

		s.writeMu.Lock()
		s.closed = true
		s.writeMu.Unlock()
		err = s.conn.Close()
		<-s.done
	})
	return err
}
