// Package resilience isolates failing network dependencies (timestamp
// authorities, OCSP responders, CRL distribution points) behind per-host
// circuit breakers so a dead responder fails fast instead of stalling every
// signing or verification call for its full timeout.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Failing, reject requests
	StateHalfOpen                     // Testing if service recovered
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

var (
	// ErrCircuitOpen is returned when circuit breaker is in Open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening circuit.
	MaxFailures uint

	// Timeout is how long to wait in Open state before trying Half-Open.
	Timeout time.Duration

	// MaxHalfOpenRequests is max concurrent requests in Half-Open state.
	MaxHalfOpenRequests uint

	// OnStateChange, when set, is called after every transition. It runs
	// with the breaker lock released.
	OnStateChange func(from, to CircuitState)

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             60 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        uint
	lastFailureTime time.Time
	halfOpenActive  uint
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		config: config,
		now:    now,
		state:  StateClosed,
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition changes state under the lock and returns a notification to
// run once the lock is released.
func (cb *CircuitBreaker) transition(to CircuitState) func() {
	from := cb.state
	cb.state = to
	if from == to || cb.config.OnStateChange == nil {
		return func() {}
	}
	hook := cb.config.OnStateChange
	return func() { hook(from, to) }
}

// CanExecute checks if a request can proceed. A nil return in Half-Open
// reserves one probe slot that RecordSuccess or RecordFailure releases.
func (cb *CircuitBreaker) CanExecute() error {
	cb.mu.Lock()
	notify := func() {}
	defer func() {
		cb.mu.Unlock()
		notify()
	}()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		notify = cb.transition(StateHalfOpen)
		cb.halfOpenActive = 0
	}

	if cb.halfOpenActive >= cb.config.MaxHalfOpenRequests {
		return ErrCircuitOpen
	}
	cb.halfOpenActive++
	return nil
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	notify := func() {}
	defer func() {
		cb.mu.Unlock()
		notify()
	}()

	if cb.state == StateHalfOpen && cb.halfOpenActive > 0 {
		cb.halfOpenActive--
	}
	cb.failures = 0
	notify = cb.transition(StateClosed)
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	notify := func() {}
	defer func() {
		cb.mu.Unlock()
		notify()
	}()

	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.MaxFailures {
			notify = cb.transition(StateOpen)
		}
	case StateHalfOpen:
		if cb.halfOpenActive > 0 {
			cb.halfOpenActive--
		}
		notify = cb.transition(StateOpen)
	}
}

// Reset manually resets the circuit breaker to Closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transition(StateClosed)
	cb.failures = 0
	cb.halfOpenActive = 0
	cb.mu.Unlock()
	notify()
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		State:           cb.state,
		Failures:        cb.failures,
		LastFailureTime: cb.lastFailureTime,
		HalfOpenActive:  cb.halfOpenActive,
	}
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	State           CircuitState
	Failures        uint
	LastFailureTime time.Time
	HalfOpenActive  uint
}
