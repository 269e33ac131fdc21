package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/observability"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("stt_provider", cfg.STTProvider).
		Str("llm_provider", cfg.LLMProvider).
		Str("tts_provider", cfg.TTSProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Agent Service starting")

	if missing := cfg.MissingCredentials(); len(missing) > 0 {
		logger.Warn().Strs("missing", missing).Msg("API keys not configured, sessions will be refused")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildProviders(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create providers")
	}
	a := p.agent(cfg)
	realtimeHandler := p.realtimeHandler(cfg, a)

	mux := http.NewServeMux()

	// Realtime voice pipeline
	mux.Handle("/ws", realtimeHandler)

	// Request/response API
	p.apiServer(cfg, a).Register(mux)

	checks := credentialChecks(cfg)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// gRPC health for orchestrators that probe over gRPC
	grpcDone := make(chan struct{})
	if cfg.GRPCHealthPort != "" {
		grpcHealth := observability.NewGRPCHealth(15*time.Second, checks...)
		go func() {
			defer close(grpcDone)
			if err := grpcHealth.Serve(ctx, ":"+cfg.GRPCHealthPort); err != nil {
				logger.Error().Err(err).Msg("gRPC health server failed")
			}
		}()
		logger.Info().Str("port", cfg.GRPCHealthPort).Msg("gRPC health enabled")
	} else {
		close(grpcDone)
	}

	// WriteTimeout stays unset: /ws connections are long-lived
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by server.Shutdown
	if err := realtimeHandler.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Sessions did not finish before shutdown deadline")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	<-grpcDone

	logger.Info().Msg("Server exited gracefully")
}
