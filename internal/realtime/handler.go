package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/stt"
)

// Handler upgrades /ws requests and runs one Session per connection
type Handler struct {
	cfg       *config.Config
	streamer  stt.Streamer
	generator *Generator
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	base     context.Context
	shutdown context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewHandler creates the realtime endpoint. streamer and generator may be nil
// when credentials are missing; sessions then report the missing keys.
func NewHandler(cfg *config.Config, streamer stt.Streamer, generator *Generator) *Handler {
	base, cancel := context.WithCancel(context.Background())
	return &Handler{
		cfg:       cfg,
		streamer:  streamer,
		generator: generator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:   observability.Component("realtime"),
		base:     base,
		shutdown: cancel,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		observability.RecordError("upgrade", "realtime")
		return
	}

	session := NewSession(conn, h.streamer, h.generator, OptionsFromConfig(h.cfg))
	h.logger.Info().Str("session_id", session.ID()).Str("remote", r.RemoteAddr).Msg("Session opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()

	if err := session.Run(ctx); err != nil && !errors.Is(err, ErrPrecondition) {
		h.logger.Warn().Err(err).Str("session_id", session.ID()).Msg("Session ended with error")
	}
}

// Shutdown stops accepting sessions, cancels the running ones and waits for
// their teardown or ctx expiry.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.shutdown()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
