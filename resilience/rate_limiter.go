package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig bounds the request rate to a single host. Public timestamp
// authorities throttle clients that exceed a few requests per second, which
// parallel signing or verification reaches easily.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Zero or less disables limiting.
	RequestsPerSecond float64

	// Burst is how many requests may go out back to back; at least 1.
	Burst int
}

// DefaultRateLimitConfig allows 10 requests per second per host with a burst
// of 10.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 10, Burst: 10}
}

// tokenBucket refills continuously at rate tokens per second up to burst.
type tokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

// reserve takes one token and returns how long the caller must wait before
// using it. The token is owed even if the caller later gives up.
func (b *tokenBucket) reserve(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = min(b.burst, b.tokens+now.Sub(b.last).Seconds()*b.rate)
	b.last = now
	b.tokens--
	if b.tokens >= 0 {
		return 0
	}
	return time.Duration(-b.tokens / b.rate * float64(time.Second))
}

// HostLimiter keeps one token bucket per host.
type HostLimiter struct {
	config RateLimitConfig
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewHostLimiter returns a limiter applying config to every host
// independently. A config with no rate yields a limiter that never waits.
func NewHostLimiter(config RateLimitConfig) *HostLimiter {
	config.Burst = max(config.Burst, 1)
	return &HostLimiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

// Wait blocks until a request to host may be sent or ctx is done.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l.config.RequestsPerSecond <= 0 {
		return ctx.Err()
	}
	delay := l.bucket(host).reserve(l.now())
	if delay == 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *HostLimiter) bucket(host string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[host]
	if !ok {
		b = &tokenBucket{
			rate:   l.config.RequestsPerSecond,
			burst:  float64(l.config.Burst),
			tokens: float64(l.config.Burst),
			last:   l.now(),
		}
		l.buckets[host] = b
	}
	return b
}
