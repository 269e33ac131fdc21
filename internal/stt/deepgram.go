package stt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

const deepgramService = "deepgram"

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	stream                                 *deepgramStream
}

// Message overrides the default handler to forward transcripts to the sink
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.stream.handleMessage(message)
	return nil
}

// UtteranceEnd closes the current turn when Deepgram detects trailing silence
func (m *messageCallbackHandler) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	m.stream.flushTurn()
	return nil
}

// Error overrides the default handler to use our custom error handling
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.stream.breaker.RecordResult(false)

	if !m.stream.isClosed() {
		m.stream.sink.OnError(fmt.Errorf("deepgram: %+v", errorResponse))
	}
	return nil
}

// DeepgramStreamer implements Streamer using Deepgram's live transcription API
type DeepgramStreamer struct {
	config  *config.Config
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewDeepgramStreamer creates a new Deepgram streaming client
func NewDeepgramStreamer(cfg *config.Config) *DeepgramStreamer {
	return &DeepgramStreamer{
		config: cfg,
		breaker: resilience.NewCircuitBreaker(
			deepgramService,
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: observability.Component("stt.deepgram"),
	}
}

// Connect opens a Deepgram live session for PCM16 audio
func (d *DeepgramStreamer) Connect(ctx context.Context, cfg StreamConfig, sink EventSink) (Stream, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000", // End utterance after 1 second of silence (string in v3)
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     cfg.SampleRate,
	}

	s := &deepgramStream{
		sink:       sink,
		breaker:    d.breaker,
		sampleRate: cfg.SampleRate,
		logger:     d.logger,
	}
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 s,
	}

	started := time.Now()
	err := d.breaker.Call(func() error {
		client, err := listenClient.NewWSUsingCallback(ctx, d.config.DeepgramAPIKey, nil, tOptions, callback)
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return errors.New("deepgram: websocket connect failed")
		}
		s.client = client
		return nil
	})
	observability.ObserveUpstream(deepgramService, started, err)
	if err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Msg("Deepgram streaming client started")

	// Deepgram has no session-begin message with an id; synthesize one.
	sink.OnBegin("deepgram-" + strconv.FormatInt(started.UnixNano(), 36))
	return s, nil
}

type deepgramStream struct {
	client     *listenClient.WSCallback
	sink       EventSink
	breaker    *resilience.CircuitBreaker
	sampleRate int
	logger     zerolog.Logger

	mu      sync.Mutex
	pending []string // finalized segments of the current turn
	fed     int64
	closed  bool
}

// handleMessage processes transcription results from Deepgram
func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	transcript := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)

	if !msg.IsFinal {
		if transcript == "" {
			return
		}
		s.mu.Lock()
		text := strings.Join(append(append([]string{}, s.pending...), transcript), " ")
		s.mu.Unlock()
		s.sink.OnTurn(TurnEvent{Text: text, Timestamp: time.Now()})
		return
	}

	if transcript != "" {
		s.mu.Lock()
		s.pending = append(s.pending, transcript)
		s.mu.Unlock()
	}
	if msg.SpeechFinal {
		s.flushTurn()
	}
}

// flushTurn emits the accumulated final segments as one completed turn.
func (s *deepgramStream) flushTurn() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	text := strings.Join(s.pending, " ")
	s.pending = nil
	s.mu.Unlock()

	s.sink.OnTurn(TurnEvent{Text: text, IsFinal: true, EndOfTurn: true, Timestamp: time.Now()})
}

func (s *deepgramStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Feed sends an audio chunk to Deepgram
func (s *deepgramStream) Feed(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("deepgram stream is closed")
	}
	s.fed += int64(len(frame))
	s.mu.Unlock()

	// WSCallback uses Write method for sending audio (returns bytes written and error)
	if _, err := s.client.Write(frame); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// Disconnect finishes the Deepgram session
func (s *deepgramStream) Disconnect(terminate bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fed := s.fed
	s.mu.Unlock()

	if terminate {
		s.flushTurn()
	}
	// WSCallback Finish() doesn't return an error
	s.client.Finish()

	if terminate {
		seconds := audio.Duration(fed, s.sampleRate)
		s.sink.OnTerminated(time.Duration(seconds * float64(time.Second)))
	}
	s.logger.Info().Msg("Deepgram streaming client stopped")
	return nil
}
