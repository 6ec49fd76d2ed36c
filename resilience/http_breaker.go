package resilience

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/willibrandon/nugettrust/observability"
)

// HTTPCircuitBreaker keeps one circuit breaker per host and publishes each
// breaker's state as the circuit breaker gauge.
type HTTPCircuitBreaker struct {
	config   CircuitBreakerConfig
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewHTTPCircuitBreaker creates a new HTTP circuit breaker.
func NewHTTPCircuitBreaker(config CircuitBreakerConfig) *HTTPCircuitBreaker {
	return &HTTPCircuitBreaker{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// NewHTTPCircuitBreakerWithDefaults creates a circuit breaker with default config.
func NewHTTPCircuitBreakerWithDefaults() *HTTPCircuitBreaker {
	return NewHTTPCircuitBreaker(DefaultCircuitBreakerConfig())
}

// breaker gets or creates the circuit breaker for host.
func (hcb *HTTPCircuitBreaker) breaker(host string) *CircuitBreaker {
	hcb.mu.RLock()
	b, ok := hcb.breakers[host]
	hcb.mu.RUnlock()
	if ok {
		return b
	}

	hcb.mu.Lock()
	defer hcb.mu.Unlock()
	if b, ok = hcb.breakers[host]; ok {
		return b
	}

	cfg := hcb.config
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(from, to CircuitState) {
		observability.CircuitBreakerState.WithLabelValues(host).Set(float64(to))
		if userHook != nil {
			userHook(from, to)
		}
	}
	b = NewCircuitBreaker(cfg)
	hcb.breakers[host] = b
	observability.CircuitBreakerState.WithLabelValues(host).Set(float64(StateClosed))
	return b
}

// HTTPOperation is a function that performs an HTTP operation.
type HTTPOperation func(ctx context.Context) (*http.Response, error)

// Execute runs op under the breaker for host. Transport errors and 5xx
// responses count as failures; a 5xx response is still returned to the
// caller. Cancellation by the caller is not held against the host.
func (hcb *HTTPCircuitBreaker) Execute(ctx context.Context, host string, op HTTPOperation) (*http.Response, error) {
	b := hcb.breaker(host)

	if err := b.CanExecute(); err != nil {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", host, err)
	}

	resp, err := op(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
		b.RecordSuccess()
		return nil, err
	case err != nil:
		b.RecordFailure()
		observability.CircuitBreakerFailures.WithLabelValues(host).Inc()
		return nil, err
	case resp.StatusCode >= 500:
		b.RecordFailure()
		observability.CircuitBreakerFailures.WithLabelValues(host).Inc()
		return resp, nil
	default:
		b.RecordSuccess()
		return resp, nil
	}
}

// Reset resets the circuit breaker for a specific host.
func (hcb *HTTPCircuitBreaker) Reset(host string) {
	hcb.mu.RLock()
	b, ok := hcb.breakers[host]
	hcb.mu.RUnlock()

	if ok {
		b.Reset()
	}
}

// GetState returns the state of the circuit breaker for a host.
func (hcb *HTTPCircuitBreaker) GetState(host string) CircuitState {
	hcb.mu.RLock()
	b, ok := hcb.breakers[host]
	hcb.mu.RUnlock()

	if !ok {
		return StateClosed
	}
	return b.State()
}

// GetAllStats returns statistics for all circuit breakers.
func (hcb *HTTPCircuitBreaker) GetAllStats() map[string]CircuitBreakerStats {
	hcb.mu.RLock()
	defer hcb.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats, len(hcb.breakers))
	for host, b := range hcb.breakers {
		stats[host] = b.Stats()
	}
	return stats
}
