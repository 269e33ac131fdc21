package resilience

import (
	"context"
	"time"

	"github.com/lexiqai/voice-agent/internal/config"
)

// Guard combines a circuit breaker with retry for one upstream service.
type Guard struct {
	breaker *CircuitBreaker
	retry   *RetryConfig
}

// NewGuard builds a Guard from explicit settings.
func NewGuard(name string, breaker *CircuitBreaker, retry *RetryConfig) *Guard {
	if breaker == nil {
		breaker = NewCircuitBreaker(name, 5, 30*time.Second)
	}
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	return &Guard{breaker: breaker, retry: retry}
}

// NewGuardFromConfig builds a Guard using the resilience section of cfg.
func NewGuardFromConfig(name string, cfg *config.Config) *Guard {
	breaker := NewCircuitBreaker(
		name,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	retry := &RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	return NewGuard(name, breaker, retry)
}

// Do runs fn through the breaker, retrying retryable network errors.
func (g *Guard) Do(ctx context.Context, fn RetryableFunc) error {
	return g.breaker.Call(func() error {
		return Retry(ctx, fn, g.retry, IsRetryableNetworkError)
	})
}
