package http

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultJitterFactor   = 0.1

	// DefaultRetryAfterCap bounds how long a server may ask us to wait.
	DefaultRetryAfterCap = 5 * time.Minute
)

// RetryConfig controls how DoWithRetry spaces its attempts. Timestamp
// authorities and OCSP responders are rate limited, so a Retry-After sent by
// the server takes precedence over the computed backoff.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	JitterFactor   float64

	// RetryAfterCap limits server-requested delays; zero means
	// DefaultRetryAfterCap.
	RetryAfterCap time.Duration
}

// DefaultRetryConfig returns the retry settings used by DefaultConfig.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		BackoffFactor:  DefaultBackoffFactor,
		JitterFactor:   DefaultJitterFactor,
		RetryAfterCap:  DefaultRetryAfterCap,
	}
}

// IsTransientError reports whether a failed round trip is worth repeating.
// Cancellation by the caller never is.
func IsTransientError(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsTransientStatus reports whether a response status signals a temporary
// condition on the server side.
func IsTransientStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// Delay returns how long to wait before attempt+1. A Retry-After header on
// resp wins; otherwise the delay grows by BackoffFactor per attempt up to
// MaxBackoff, spread by JitterFactor in both directions.
func (rc *RetryConfig) Delay(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if d, ok := rc.retryAfter(resp.Header.Get("Retry-After")); ok {
			return d
		}
	}
	return rc.Backoff(attempt)
}

// Backoff returns the exponential delay for attempt (zero based).
func (rc *RetryConfig) Backoff(attempt int) time.Duration {
	d := float64(rc.InitialBackoff)
	for range max(attempt, 0) {
		d *= rc.BackoffFactor
		if d >= float64(rc.MaxBackoff) {
			break
		}
	}
	d = min(d, float64(rc.MaxBackoff))

	if rc.JitterFactor > 0 {
		d += d * rc.JitterFactor * (2*rand.Float64() - 1)
	}
	if d <= 0 {
		return rc.InitialBackoff
	}
	return time.Duration(d)
}

// retryAfter interprets a Retry-After value given either as delay-seconds or
// as an HTTP date. Past dates and negative values mean retry immediately.
func (rc *RetryConfig) retryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	var d time.Duration
	if seconds, err := strconv.Atoi(value); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = time.Until(at)
	} else {
		return 0, false
	}

	limit := rc.RetryAfterCap
	if limit <= 0 {
		limit = DefaultRetryAfterCap
	}
	return max(min(d, limit), 0), true
}
