package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/stt"
)

// Conn is the client WebSocket as used by a session. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// teardownGrace bounds how long teardown waits for an in-flight client write
// before closing the socket under it.
const teardownGrace = time.Second

// Options tune one session
type Options struct {
	SampleRate        int
	CaptureDir        string
	HistoryMaxChars   int
	TurnMinChars      int
	TurnCooldown      time.Duration
	TurnDedupWindow   time.Duration
	MaxInflight       int
	PollTimeout       time.Duration
	DrainTimeout      time.Duration
	GenerationTimeout time.Duration
	WriteTimeout      time.Duration
	ForwardPartials   bool

	// MissingCredentials names provider keys that are not configured
	MissingCredentials []string
}

// OptionsFromConfig maps service configuration onto session options
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		SampleRate:         cfg.SampleRate,
		CaptureDir:         cfg.CaptureDir,
		HistoryMaxChars:    cfg.HistoryMaxChars,
		TurnMinChars:       cfg.TurnMinChars,
		TurnCooldown:       cfg.TurnCooldown(),
		TurnDedupWindow:    cfg.TurnDedupWindow(),
		MaxInflight:        cfg.MaxInflightGenerations,
		PollTimeout:        cfg.OutboundPoll(),
		DrainTimeout:       time.Duration(cfg.DrainTimeout) * time.Second,
		GenerationTimeout:  time.Duration(cfg.GenerationTimeout) * time.Second,
		WriteTimeout:       time.Duration(cfg.WriteTimeout) * time.Second,
		ForwardPartials:    cfg.ForwardPartials,
		MissingCredentials: cfg.MissingCredentials(),
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return opts
}

// Session outcomes recorded in metrics
const (
	outcomeCompleted    = "completed"
	outcomeDisconnected = "client_disconnected"
	outcomePrecondition = "precondition"
	outcomeUpstream     = "upstream_error"
	outcomeTransport    = "transport_error"
	outcomeCancelled    = "cancelled"
	outcomeDrainTimeout = "drain_timeout"
)

type loopEventKind int

const (
	eventFrame loopEventKind = iota
	eventEOF
	eventClientGone
	eventBegin
	eventTurn
	eventTerminated
	eventUpstreamError
	eventGenerationDone
	eventDrained
)

type loopEvent struct {
	kind     loopEventKind
	frame    []byte
	id       string
	turn     stt.TurnEvent
	duration time.Duration
	err      error
	gen      *generationDone
}

type pendingTurn struct {
	text string
	sent chan struct{}
}

type generationDone struct {
	text   string
	reply  string
	chunks int
}

// Session runs the voice pipeline for one client connection. A single control
// loop owns the history, the turn filter and the dispatch bookkeeping; the
// socket reader, transcription callbacks and generation goroutines only post
// events to it.
type Session struct {
	id        string
	conn      Conn
	opts      Options
	streamer  stt.Streamer
	generator *Generator
	logger    zerolog.Logger
	metrics   *observability.SessionMetrics

	eventQ  *Queue[Message]
	audioQ  *Queue[Message]
	writeMu sync.Mutex
	dropped atomic.Bool // client socket closed without a close frame

	loopCh chan loopEvent

	// owned by the control loop
	history     *llm.History
	filter      *TurnFilter
	pending     []pendingTurn
	inflight    int
	draining    bool
	joining     bool
	feedFailing bool
	outcome     string

	sem      *semaphore.Weighted
	stream   stt.Stream
	recorder *audio.Recorder
	vad      *audio.VADDetector

	ctx           context.Context
	cancel        context.CancelFunc
	consumersDone chan struct{}
	consumerErr   chan error

	stateMu sync.Mutex
	state   State

	started     atomic.Bool
	closeOnce   sync.Once
	closed      chan struct{}
	closeReason string
}

// NewSession creates a session for conn. streamer and generator may be nil
// only when opts reports missing credentials.
func NewSession(conn Conn, streamer stt.Streamer, generator *Generator, opts Options) *Session {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	logger := observability.SessionLogger(id)

	maxInflight := opts.MaxInflight
	if maxInflight < 1 {
		maxInflight = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:          id,
		conn:        conn,
		opts:        opts,
		streamer:    streamer,
		generator:   generator,
		logger:      logger,
		metrics:     observability.NewSessionMetrics(id),
		eventQ:      NewQueue[Message](),
		audioQ:      NewQueue[Message](),
		loopCh:      make(chan loopEvent, 64),
		history:     llm.NewHistory(opts.HistoryMaxChars),
		filter:      NewTurnFilter(opts.TurnMinChars, opts.TurnCooldown, opts.TurnDedupWindow),
		sem:         semaphore.NewWeighted(int64(maxInflight)),
		vad:         audio.NewVADDetector(nil, opts.SampleRate),
		ctx:         logger.WithContext(ctx),
		cancel:      cancel,
		consumerErr: make(chan error, 1),
		closed:      make(chan struct{}),
		state:       StateConnecting,
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state.terminal() {
		return
	}
	s.logger.Debug().Str("from", s.state.String()).Str("to", next.String()).Msg("Session state change")
	s.state = next
}

// Run drives the session until the client finishes, disconnects or a fatal
// error occurs. Teardown has always completed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started or closed")
	}
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	err := s.run()
	s.teardown()
	return err
}

// Close stops the session and waits for teardown. It is safe to call more
// than once and concurrently with Run.
func (s *Session) Close() {
	s.cancel()
	if s.started.CompareAndSwap(false, true) {
		s.teardown()
		return
	}
	<-s.closed
}

func (s *Session) run() error {
	if len(s.opts.MissingCredentials) > 0 || s.streamer == nil || s.generator == nil {
		msg := "voice pipeline is not configured"
		if len(s.opts.MissingCredentials) > 0 {
			msg = fmt.Sprintf("%s API key(s) not configured", strings.Join(s.opts.MissingCredentials, ", "))
		}
		s.logger.Warn().Str("reason", msg).Msg("Rejecting session")
		if err := s.write(errorMessage(msg)); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to report missing credentials")
		}
		s.closeReason = msg
		s.outcome = outcomePrecondition
		return fmt.Errorf("%w: %s", ErrPrecondition, msg)
	}

	recorder, err := audio.NewRecorder(s.opts.CaptureDir, s.id)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Audio capture disabled")
	} else {
		s.recorder = recorder
	}

	stream, err := s.streamer.Connect(s.ctx, stt.StreamConfig{
		SampleRate: s.opts.SampleRate,
		Encoding:   stt.DefaultEncoding,
	}, s)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to connect transcription service")
		s.metrics.RecordError("connect", "stt")
		_ = s.write(errorMessage(fmt.Sprintf("Transcription service unavailable: %v", err)))
		s.setState(StateError)
		s.outcome = outcomeUpstream
		return fmt.Errorf("%w: %w", ErrUpstreamTranscription, err)
	}
	s.stream = stream

	s.startConsumers()
	s.eventQ.Push(statusMessage(statusConnected))
	s.setState(StateActive)
	s.logger.Info().Msg("Session active")

	go s.readLoop()
	return s.loop()
}

func (s *Session) loop() error {
	var drainDeadline <-chan time.Time

	for {
		select {
		case <-s.ctx.Done():
			s.outcome = outcomeCancelled
			return nil

		case err := <-s.consumerErr:
			s.logger.Warn().Err(err).Msg("Client write failed")
			s.outcome = outcomeTransport
			return err

		case <-drainDeadline:
			s.logger.Warn().
				Int("inflight", s.inflight).
				Int("pending", len(s.pending)).
				Int("queued_audio", s.audioQ.Len()).
				Msg("Drain timed out")
			s.outcome = outcomeDrainTimeout
			return nil

		case ev := <-s.loopCh:
			done := s.handle(ev)
			if s.draining && drainDeadline == nil && s.opts.DrainTimeout > 0 {
				drainDeadline = time.After(s.opts.DrainTimeout)
			}
			if done {
				return nil
			}
		}
	}
}

// handle applies one event and reports whether the session is finished.
func (s *Session) handle(ev loopEvent) bool {
	switch ev.kind {
	case eventFrame:
		s.ingest(ev.frame)

	case eventEOF:
		if s.draining {
			return false
		}
		s.draining = true
		s.setState(StateDraining)
		s.logger.Info().Int("inflight", s.inflight).Int("pending", len(s.pending)).Msg("End of stream, draining")
		s.checkDrained()

	case eventClientGone:
		if websocket.IsUnexpectedCloseError(ev.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.logger.Info().Err(ev.err).Msg("Client disconnected")
		} else {
			s.logger.Info().Msg("Client disconnected")
		}
		s.outcome = outcomeDisconnected
		return true

	case eventBegin:
		s.logger.Info().Str("upstream_session", ev.id).Msg("Transcription session started")

	case eventTurn:
		s.handleTurn(ev.turn)

	case eventTerminated:
		s.logger.Info().Dur("audio_duration", ev.duration).Msg("Transcription session ended")

	case eventUpstreamError:
		s.logger.Warn().Err(ev.err).Msg("Transcription error")
		s.metrics.RecordError("upstream", "stt")
		s.eventQ.Push(errorMessage(ev.err.Error()))

	case eventGenerationDone:
		s.inflight--
		if ev.gen.reply != "" {
			s.history.Append(llm.RoleUser, ev.gen.text)
			s.history.Append(llm.RoleAssistant, ev.gen.reply)
		}
		s.logger.Debug().Int("chunks", ev.gen.chunks).Int("history_chars", s.history.Size()).Msg("Generation finished")
		s.dispatch()
		s.checkDrained()

	case eventDrained:
		s.logger.Info().Msg("Drain complete")
		s.outcome = outcomeCompleted
		return true
	}
	return false
}

func (s *Session) ingest(frame []byte) {
	if s.draining {
		return
	}

	if s.recorder != nil {
		if _, err := s.recorder.Write(frame); err != nil {
			s.logger.Warn().Err(err).Msg("Capture write failed")
			s.metrics.RecordError("capture", "audio")
		}
	}
	s.metrics.RecordAudioBytes("in", int64(len(frame)))
	for _, ev := range s.vad.Write(frame) {
		s.logger.Debug().Stringer("event", ev).Msg("Voice activity")
		if ev == audio.SpeechStarted {
			s.metrics.RecordSpeechSegment()
		}
	}

	if err := s.stream.Feed(frame); err != nil {
		if !s.feedFailing {
			s.feedFailing = true
			s.logger.Warn().Err(err).Msg("Failed to forward audio")
			s.metrics.RecordError("feed", "stt")
			s.eventQ.Push(errorMessage(fmt.Sprintf("%v: %v", ErrUpstreamTranscription, err)))
		}
		return
	}
	s.feedFailing = false
}

func (s *Session) handleTurn(ev stt.TurnEvent) {
	if s.draining {
		// Late turns are still shown but no longer answered.
		if text := strings.TrimSpace(ev.Text); ev.EndOfTurn && text != "" {
			s.metrics.RecordTurn(observability.TurnIgnoredDrained)
			s.eventQ.Push(transcriptionMessage(text, true, true))
		}
		return
	}

	text, outcome := s.filter.Classify(ev)
	s.metrics.RecordTurn(outcome)

	switch outcome {
	case observability.TurnAccepted:
		s.logger.Info().Str("text", text).Msg("User turn")
		s.eventQ.Push(transcriptionMessage(text, true, true))
		end := turnEndMessage()
		s.eventQ.Push(end)
		s.pending = append(s.pending, pendingTurn{text: text, sent: end.sent})
		s.dispatch()

	case observability.TurnNotFinal:
		if text := strings.TrimSpace(ev.Text); s.opts.ForwardPartials && text != "" {
			s.eventQ.Push(transcriptionMessage(text, ev.IsFinal, false))
		}

	default:
		s.logger.Debug().Str("outcome", outcome).Str("text", ev.Text).Msg("Turn ignored")
	}
}

// dispatch starts generations for pending turns while slots are free
func (s *Session) dispatch() {
	for len(s.pending) > 0 && s.sem.TryAcquire(1) {
		turn := s.pending[0]
		s.pending = s.pending[1:]
		s.inflight++
		go s.generate(turn, s.history.Clone())
	}
}

// checkDrained starts the final queue join once no generation remains
func (s *Session) checkDrained() {
	if !s.draining || s.joining || s.inflight > 0 || len(s.pending) > 0 {
		return
	}
	s.joining = true
	go func() {
		if err := s.eventQ.Join(s.ctx); err != nil {
			return
		}
		if err := s.audioQ.Join(s.ctx); err != nil {
			return
		}
		s.post(loopEvent{kind: eventDrained})
	}()
}

func (s *Session) generate(turn pendingTurn, history *llm.History) {
	started := time.Now()
	done := &generationDone{text: turn.text}

	if s.ctx.Err() == nil {
		done.reply, done.chunks = s.runGeneration(turn, history)
		s.metrics.RecordGeneration(started)
	}

	s.sem.Release(1)
	s.post(loopEvent{kind: eventGenerationDone, gen: done})
}

func (s *Session) runGeneration(turn pendingTurn, history *llm.History) (string, int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.opts.GenerationTimeout)
	defer cancel()

	gen, err := s.generator.Generate(ctx, turn.text, history)
	if err != nil {
		s.logger.Error().Err(err).Msg("Generation failed")
		s.metrics.RecordError("generation", "realtime")
		return "", 0
	}
	s.logger.Info().Str("reply", gen.Reply).Bool("fallback", gen.Fallback).Msg("Assistant reply")

	// The turn_end frame goes out before any audio of its reply.
	select {
	case <-turn.sent:
	case <-s.ctx.Done():
		return gen.Reply, 0
	}

	chunks := 0
	for chunk := range gen.Audio {
		if s.ctx.Err() != nil {
			break
		}
		if s.audioQ.Push(audioMessage(chunk)) {
			chunks++
			s.metrics.RecordAudioBytes("out", int64(len(chunk)))
		}
	}
	return gen.Reply, chunks
}

func (s *Session) post(ev loopEvent) {
	select {
	case s.loopCh <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.post(loopEvent{kind: eventClientGone, err: err})
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.post(loopEvent{kind: eventFrame, frame: data})
		case websocket.TextMessage:
			if strings.TrimSpace(string(data)) == "EOF" {
				s.post(loopEvent{kind: eventEOF})
			} else {
				s.logger.Debug().Str("text", string(data)).Msg("Ignoring text frame")
			}
		}
	}
}

func (s *Session) startConsumers() {
	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.consume(gctx, s.eventQ) })
	g.Go(func() error { return s.consume(gctx, s.audioQ) })

	s.consumersDone = make(chan struct{})
	go func() {
		defer close(s.consumersDone)
		if err := g.Wait(); err != nil {
			s.consumerErr <- err
		}
	}()
}

func (s *Session) consume(ctx context.Context, q *Queue[Message]) error {
	for {
		msg, err := q.Pop(ctx, s.opts.PollTimeout)
		if errors.Is(err, ErrQueueEmpty) {
			continue
		}
		if err != nil {
			return nil
		}

		werr := s.write(msg)
		if msg.sent != nil {
			close(msg.sent)
		}
		q.TaskDone()
		if werr != nil {
			return fmt.Errorf("%w: %w", ErrTransport, werr)
		}
	}
}

func (s *Session) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout())); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) writeTimeout() time.Duration {
	if s.opts.WriteTimeout > 0 {
		return s.opts.WriteTimeout
	}
	return 10 * time.Second
}

// OnBegin implements stt.EventSink
func (s *Session) OnBegin(id string) {
	s.post(loopEvent{kind: eventBegin, id: id})
}

// OnTurn implements stt.EventSink
func (s *Session) OnTurn(ev stt.TurnEvent) {
	s.post(loopEvent{kind: eventTurn, turn: ev})
}

// OnTerminated implements stt.EventSink
func (s *Session) OnTerminated(d time.Duration) {
	s.post(loopEvent{kind: eventTerminated, duration: d})
}

// OnError implements stt.EventSink
func (s *Session) OnError(err error) {
	s.post(loopEvent{kind: eventUpstreamError, err: err})
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.consumersDone != nil {
			select {
			case <-s.consumersDone:
			case <-time.After(teardownGrace):
				// A consumer is blocked on a client that stopped reading
				s.logger.Warn().Msg("Client write stalled, dropping connection")
				s.dropConn()
				<-s.consumersDone
			}
		}
		s.eventQ.Close()
		s.audioQ.Close()

		if s.stream != nil {
			if err := s.stream.Disconnect(true); err != nil {
				s.logger.Warn().Err(err).Msg("Error disconnecting transcription service")
			}
		}

		s.closeConn()

		if s.recorder != nil {
			if err := s.recorder.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("Error closing capture file")
			}
			s.logger.Debug().Str("path", s.recorder.Path()).Int64("bytes", s.recorder.Written()).Msg("Capture saved")
		}

		s.setState(StateClosed)
		outcome := s.outcome
		if outcome == "" {
			outcome = outcomeCancelled
		}
		s.metrics.RecordSessionEnd(outcome)
		s.logger.Info().Str("outcome", outcome).Str("state", s.State().String()).Msg("Session closed")
		close(s.closed)
	})
}

// dropConn closes the socket without taking writeMu, failing any blocked write
func (s *Session) dropConn() {
	if s.dropped.CompareAndSwap(false, true) {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing client connection")
		}
	}
}

func (s *Session) closeConn() {
	if s.dropped.Load() {
		return
	}
	reason := s.closeReason
	if len(reason) > 120 {
		reason = reason[:120]
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	s.dropped.Store(true)
	if err := s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Error closing client connection")
	}
}
