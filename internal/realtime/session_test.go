package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-agent/internal/agent"
	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/stt"
)

type fakeStream struct {
	mu          sync.Mutex
	frames      [][]byte
	disconnects int
	terminated  bool
	feedErr     error
}

func (f *fakeStream) Feed(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return f.feedErr
}

func (f *fakeStream) Disconnect(terminate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.terminated = terminate
	return nil
}

func (f *fakeStream) stats() (int, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames), f.disconnects, f.terminated
}

type fakeStreamer struct {
	stream *fakeStream
	sinks  chan stt.EventSink
	err    error
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{stream: &fakeStream{}, sinks: make(chan stt.EventSink, 1)}
}

func (f *fakeStreamer) Connect(ctx context.Context, cfg stt.StreamConfig, sink stt.EventSink) (stt.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sinks <- sink
	return f.stream, nil
}

type echoCompleter struct{}

func (echoCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	lines := strings.Split(prompt, "\n")
	return "You said: " + strings.TrimPrefix(lines[len(lines)-1], "User: "), nil
}

// fakeSynth emits chunks "<n>:<i>" for each call, pausing between chunks
type fakeSynth struct {
	chunks int
	delay  time.Duration

	mu    sync.Mutex
	calls int
}

func (f *fakeSynth) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for i := 0; i < f.chunks; i++ {
			time.Sleep(f.delay)
			select {
			case ch <- []byte(strings.Repeat("x", call) + string(rune('a'+i))):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		AssemblyAIAPIKey:       "aai",
		GeminiAPIKey:           "gem",
		MurfAPIKey:             "murf",
		SampleRate:             16000,
		CaptureDir:             t.TempDir(),
		HistoryMaxChars:        2900,
		TurnMinChars:           3,
		TurnCooldownMs:         2000,
		MaxInflightGenerations: 1,
		OutboundPollMs:         10,
		DrainTimeout:           5,
		GenerationTimeout:      5,
		FallbackReply:          "I'm having trouble responding right now.",
	}
}

type harness struct {
	t        *testing.T
	handler  *Handler
	server   *httptest.Server
	streamer *fakeStreamer
	conn     *websocket.Conn
}

func startHarness(t *testing.T, cfg *config.Config, synth *fakeSynth) *harness {
	t.Helper()
	streamer := newFakeStreamer()
	gen := NewGenerator(agent.New(echoCompleter{}, nil, cfg.FallbackReply), synth)
	handler := NewHandler(cfg, streamer, gen)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &harness{t: t, handler: handler, server: server, streamer: streamer, conn: conn}
}

func (h *harness) sink() stt.EventSink {
	h.t.Helper()
	select {
	case s := <-h.streamer.sinks:
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatal("Session never connected upstream")
		return nil
	}
}

// read returns the next message, or nil once the server closed the socket.
func (h *harness) read() *Message {
	h.t.Helper()
	_ = h.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg Message
	if err := h.conn.ReadJSON(&msg); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil
		}
		h.t.Fatalf("Read failed: %v", err)
	}
	return &msg
}

// readUntilClosed collects every message until the server closes.
func (h *harness) readUntilClosed() []Message {
	h.t.Helper()
	var out []Message
	for {
		msg := h.read()
		if msg == nil {
			return out
		}
		out = append(out, *msg)
	}
}

func TestSession_TurnFlow(t *testing.T) {
	cfg := testConfig(t)
	h := startHarness(t, cfg, &fakeSynth{chunks: 2})
	sink := h.sink()

	if msg := h.read(); msg == nil || msg.Type != TypeStatus || msg.Message != statusConnected {
		t.Fatalf("Expected status message first, got %+v", msg)
	}

	frame := []byte{1, 2, 3, 4}
	if err := h.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("Write frame failed: %v", err)
	}

	sink.OnTurn(stt.TurnEvent{Text: "What is the weather?", IsFinal: true, EndOfTurn: true, Timestamp: time.Now()})

	var got []Message
	audioSeen := 0
	for audioSeen < 2 {
		msg := h.read()
		if msg == nil {
			t.Fatal("Socket closed before audio arrived")
		}
		got = append(got, *msg)
		if msg.Type == TypeAudio {
			audioSeen++
		}
	}

	if got[0].Type != TypeTranscription || got[0].Text != "What is the weather?" ||
		got[0].IsFinal == nil || !*got[0].IsFinal || got[0].EndOfTurn == nil || !*got[0].EndOfTurn {
		t.Errorf("Expected final transcription first, got %+v", got[0])
	}
	if got[1].Type != TypeTurnEnd || got[1].Message != turnEndText {
		t.Errorf("Expected turn_end before audio, got %+v", got[1])
	}
	data, err := base64.StdEncoding.DecodeString(got[2].Data)
	if err != nil || string(data) != "xa" {
		t.Errorf("Expected first audio chunk 'xa', got %q (%v)", data, err)
	}

	if err := h.conn.WriteMessage(websocket.TextMessage, []byte("EOF")); err != nil {
		t.Fatalf("Write EOF failed: %v", err)
	}
	if rest := h.readUntilClosed(); len(rest) != 0 {
		t.Errorf("Expected no further messages, got %+v", rest)
	}

	frames, disconnects, terminated := h.streamer.stream.stats()
	if frames != 1 {
		t.Errorf("Expected 1 frame forwarded, got %d", frames)
	}
	if disconnects != 1 || !terminated {
		t.Errorf("Expected one terminating disconnect, got %d (terminate=%v)", disconnects, terminated)
	}

	captures, _ := filepath.Glob(filepath.Join(cfg.CaptureDir, "streamed_*.pcm"))
	if len(captures) != 1 {
		t.Fatalf("Expected one capture file, got %v", captures)
	}
	if data, _ := os.ReadFile(captures[0]); string(data) != string(frame) {
		t.Errorf("Expected capture to hold the frame, got %v", data)
	}
}

func TestSession_DrainWaitsForAllGenerations(t *testing.T) {
	cfg := testConfig(t)
	h := startHarness(t, cfg, &fakeSynth{chunks: 2, delay: 30 * time.Millisecond})
	sink := h.sink()

	if msg := h.read(); msg == nil || msg.Type != TypeStatus {
		t.Fatalf("Expected status message, got %+v", msg)
	}

	now := time.Now()
	sink.OnTurn(stt.TurnEvent{Text: "first question here", EndOfTurn: true, IsFinal: true, Timestamp: now})
	sink.OnTurn(stt.TurnEvent{Text: "second question here", EndOfTurn: true, IsFinal: true, Timestamp: now.Add(3 * time.Second)})
	sink.OnTurn(stt.TurnEvent{Text: "third question here", EndOfTurn: true, IsFinal: true, Timestamp: now.Add(6 * time.Second)})

	if err := h.conn.WriteMessage(websocket.TextMessage, []byte("EOF")); err != nil {
		t.Fatalf("Write EOF failed: %v", err)
	}

	msgs := h.readUntilClosed()
	var audioChunks []string
	turnEnds := 0
	for _, m := range msgs {
		switch m.Type {
		case TypeAudio:
			data, _ := base64.StdEncoding.DecodeString(m.Data)
			audioChunks = append(audioChunks, string(data))
		case TypeTurnEnd:
			turnEnds++
		}
	}

	if turnEnds != 3 {
		t.Errorf("Expected 3 turn_end messages, got %d", turnEnds)
	}
	want := []string{"xa", "xb", "xxa", "xxb", "xxxa", "xxxb"}
	if len(audioChunks) != len(want) {
		t.Fatalf("Expected %d audio chunks before close, got %d: %v", len(want), len(audioChunks), audioChunks)
	}
	for i := range want {
		if audioChunks[i] != want[i] {
			t.Errorf("Chunk %d: expected %q, got %q", i, want[i], audioChunks[i])
		}
	}
}

func TestSession_DuplicateTurnIsNotAnswered(t *testing.T) {
	cfg := testConfig(t)
	synth := &fakeSynth{chunks: 1}
	h := startHarness(t, cfg, synth)
	sink := h.sink()
	h.read() // status

	now := time.Now()
	sink.OnTurn(stt.TurnEvent{Text: "Hello world", EndOfTurn: true, IsFinal: true, Timestamp: now})
	sink.OnTurn(stt.TurnEvent{Text: "hello  WORLD", EndOfTurn: true, IsFinal: true, Timestamp: now.Add(3 * time.Second)})
	sink.OnTurn(stt.TurnEvent{Text: "Goodbye now", EndOfTurn: true, IsFinal: true, Timestamp: now.Add(6 * time.Second)})

	if err := h.conn.WriteMessage(websocket.TextMessage, []byte("EOF")); err != nil {
		t.Fatalf("Write EOF failed: %v", err)
	}

	var transcripts []string
	for _, m := range h.readUntilClosed() {
		if m.Type == TypeTranscription {
			transcripts = append(transcripts, m.Text)
		}
	}
	if len(transcripts) != 2 || transcripts[0] != "Hello world" || transcripts[1] != "Goodbye now" {
		t.Errorf("Expected two accepted transcripts, got %v", transcripts)
	}

	synth.mu.Lock()
	defer synth.mu.Unlock()
	if synth.calls != 2 {
		t.Errorf("Expected 2 syntheses, got %d", synth.calls)
	}
}

func TestSession_UpstreamErrorIsReportedAndSessionContinues(t *testing.T) {
	cfg := testConfig(t)
	cfg.ForwardPartials = true
	h := startHarness(t, cfg, &fakeSynth{})
	sink := h.sink()
	h.read() // status

	sink.OnError(errors.New("upstream hiccup"))
	if msg := h.read(); msg == nil || msg.Type != TypeError || msg.Message != "upstream hiccup" {
		t.Fatalf("Expected error message, got %+v", msg)
	}

	sink.OnTurn(stt.TurnEvent{Text: "still listening", Timestamp: time.Now()})
	msg := h.read()
	if msg == nil || msg.Type != TypeTranscription || msg.Text != "still listening" {
		t.Fatalf("Expected partial transcription, got %+v", msg)
	}
	if msg.EndOfTurn == nil || *msg.EndOfTurn {
		t.Error("Expected partial to have end_of_turn false")
	}
}

func TestSession_MissingCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.MurfAPIKey = ""
	cfg.GeminiAPIKey = ""
	h := startHarness(t, cfg, &fakeSynth{})

	msgs := h.readUntilClosed()
	if len(msgs) != 1 {
		t.Fatalf("Expected exactly one message, got %+v", msgs)
	}
	if msgs[0].Type != TypeError || msgs[0].Message != "Gemini, Murf API key(s) not configured" {
		t.Errorf("Unexpected error message %+v", msgs[0])
	}

	select {
	case <-h.streamer.sinks:
		t.Error("Expected no upstream connection")
	default:
	}
}

func TestSession_UpstreamConnectFailure(t *testing.T) {
	cfg := testConfig(t)
	streamer := newFakeStreamer()
	streamer.err = errors.New("handshake refused")

	server := httptest.NewServer(NewHandler(cfg, streamer, NewGenerator(agent.New(echoCompleter{}, nil, "x"), &fakeSynth{})))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.Type != TypeError || !strings.Contains(msg.Message, "handshake refused") {
		t.Errorf("Expected upstream error message, got %+v", msg)
	}
}

func TestHandler_ShutdownClosesSessions(t *testing.T) {
	cfg := testConfig(t)
	h := startHarness(t, cfg, &fakeSynth{})
	h.sink()
	h.read() // status

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.handler.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if rest := h.readUntilClosed(); len(rest) != 0 {
		t.Errorf("Expected no messages after shutdown, got %+v", rest)
	}
	if _, disconnects, _ := h.streamer.stream.stats(); disconnects != 1 {
		t.Errorf("Expected upstream disconnected once, got %d", disconnects)
	}
}

// memConn is an in-memory Conn whose reads block until Close.
type memConn struct {
	mu     sync.Mutex
	writes [][]byte
	closes int
	done   chan struct{}
}

func newMemConn() *memConn {
	return &memConn{done: make(chan struct{})}
}

func (c *memConn) ReadMessage() (int, []byte, error) {
	<-c.done
	return 0, nil, errors.New("closed")
}

func (c *memConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *memConn) WriteControl(int, []byte, time.Time) error {
	return nil
}

func (c *memConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		close(c.done)
	}
	return nil
}

func TestSession_TeardownIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	streamer := newFakeStreamer()
	gen := NewGenerator(agent.New(echoCompleter{}, nil, "x"), &fakeSynth{})
	conn := newMemConn()

	session := NewSession(conn, streamer, gen, OptionsFromConfig(cfg))
	if session.State() != StateConnecting {
		t.Fatalf("Expected connecting state, got %s", session.State())
	}

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(context.Background()) }()
	<-streamer.sinks

	deadline := time.Now().Add(2 * time.Second)
	for session.State() != StateActive && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	session.Close()
	session.Close()

	if err := <-runErr; err != nil {
		t.Errorf("Expected clean Run return, got %v", err)
	}
	if session.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", session.State())
	}
	if _, disconnects, _ := streamer.stream.stats(); disconnects != 1 {
		t.Errorf("Expected exactly one upstream disconnect, got %d", disconnects)
	}
	if err := session.Run(context.Background()); err == nil {
		t.Error("Expected Run after Close to fail")
	}
}

// blockingConn accepts no writes: WriteMessage blocks until Close, like a
// client that stopped reading with a full TCP window.
type blockingConn struct {
	*memConn
	attempted chan struct{}
	once      sync.Once
}

func newBlockingConn() *blockingConn {
	return &blockingConn{memConn: newMemConn(), attempted: make(chan struct{})}
}

func (c *blockingConn) WriteMessage(int, []byte) error {
	c.once.Do(func() { close(c.attempted) })
	<-c.done
	return errors.New("use of closed connection")
}

func TestSession_TeardownWithStalledClient(t *testing.T) {
	cfg := testConfig(t)
	streamer := newFakeStreamer()
	gen := NewGenerator(agent.New(echoCompleter{}, nil, "x"), &fakeSynth{})
	conn := newBlockingConn()

	session := NewSession(conn, streamer, gen, OptionsFromConfig(cfg))
	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(context.Background()) }()

	select {
	case <-conn.attempted:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the status message write to start")
	}

	closed := make(chan struct{})
	go func() {
		session.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(teardownGrace + 3*time.Second):
		t.Fatalf("Close blocked on a stalled client write; state=%s", session.State())
	}

	select {
	case <-runErr:
	case <-time.After(time.Second):
		t.Fatal("Expected Run to return after Close")
	}
	if session.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", session.State())
	}
	if _, disconnects, _ := streamer.stream.stats(); disconnects != 1 {
		t.Errorf("Expected upstream disconnect, got %d", disconnects)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closes != 1 {
		t.Errorf("Expected connection closed once, got %d", conn.closes)
	}
}

func TestOptionsFromConfig_WriteTimeoutDefault(t *testing.T) {
	cfg := testConfig(t)
	if got := OptionsFromConfig(cfg).WriteTimeout; got != 10*time.Second {
		t.Errorf("Expected default write timeout 10s, got %v", got)
	}
	cfg.WriteTimeout = 3
	if got := OptionsFromConfig(cfg).WriteTimeout; got != 3*time.Second {
		t.Errorf("Expected write timeout 3s, got %v", got)
	}
}

func TestSession_CloseBeforeRun(t *testing.T) {
	cfg := testConfig(t)
	conn := newMemConn()
	session := NewSession(conn, newFakeStreamer(), nil, OptionsFromConfig(cfg))

	session.Close()
	session.Close()

	if session.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", session.State())
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closes != 1 {
		t.Errorf("Expected connection closed once, got %d", conn.closes)
	}
}

func TestSession_PreconditionNeverActivates(t *testing.T) {
	cfg := testConfig(t)
	cfg.AssemblyAIAPIKey = ""
	conn := newMemConn()

	session := NewSession(conn, nil, nil, OptionsFromConfig(cfg))
	err := session.Run(context.Background())
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("Expected ErrPrecondition, got %v", err)
	}
	if session.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", session.State())
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.writes) != 1 || !strings.Contains(string(conn.writes[0]), "AssemblyAI API key(s) not configured") {
		t.Errorf("Expected a single error frame, got %q", conn.writes)
	}
}
