package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes recorded by the turn filter
const (
	TurnAccepted       = "accepted"
	TurnNotFinal       = "not_final"
	TurnTooShort       = "too_short"
	TurnDuplicate      = "duplicate"
	TurnCooldown       = "cooldown"
	TurnIgnoredDrained = "draining"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_agent_active_sessions",
		Help: "Number of open realtime voice sessions",
	})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_sessions_total",
		Help: "Total number of realtime sessions by final outcome",
	}, []string{"outcome"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_session_duration_seconds",
		Help:    "Duration of realtime sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_turns_total",
		Help: "Transcript events seen by the turn filter, by outcome",
	}, []string{"outcome"})

	speechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_speech_segments_total",
		Help: "Inbound speech segments detected by energy VAD",
	})

	generationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_generation_latency_seconds",
		Help:    "Time from accepted turn to last synthesized chunk",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// Upstream metrics
	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_upstream_requests_total",
		Help: "Total number of upstream provider requests",
	}, []string{"service", "status"})

	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_agent_upstream_latency_seconds",
		Help:    "Upstream provider latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"service"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_agent_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// SessionMetrics tracks metrics for a single realtime session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	endOnce   sync.Once
}

// NewSessionMetrics creates a metrics tracker and counts the session as active
func NewSessionMetrics(sessionID string) *SessionMetrics {
	activeSessions.Inc()
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionEnd records the end of a session. Later calls are ignored.
func (m *SessionMetrics) RecordSessionEnd(outcome string) {
	m.endOnce.Do(func() {
		activeSessions.Dec()
		totalSessions.WithLabelValues(outcome).Inc()
		sessionDuration.Observe(time.Since(m.startTime).Seconds())
	})
}

// RecordTurn records a turn filter decision
func (m *SessionMetrics) RecordTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

// RecordSpeechSegment counts the start of an inbound speech segment
func (m *SessionMetrics) RecordSpeechSegment() {
	speechSegments.Inc()
}

// RecordGeneration records the latency of one generation unit
func (m *SessionMetrics) RecordGeneration(started time.Time) {
	generationLatency.Observe(time.Since(started).Seconds())
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordError records an error outside a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// ObserveUpstream records one upstream call and its latency
func ObserveUpstream(service string, started time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	upstreamRequests.WithLabelValues(service, status).Inc()
	upstreamLatency.WithLabelValues(service).Observe(time.Since(started).Seconds())
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
