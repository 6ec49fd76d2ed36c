// Package http provides the outbound HTTP client used to reach timestamp
// authorities, OCSP responders and CRL distribution points.
//
// It wraps the standard http.Client with bounded retries, per-host circuit
// breakers, request metrics and optional OpenTelemetry tracing.
package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/willibrandon/nugettrust/observability"
	"github.com/willibrandon/nugettrust/resilience"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "nugettrust/0.1.0"
)

// Client wraps http.Client with retry and circuit breaker support
type Client struct {
	httpClient     *http.Client
	userAgent      string
	timeout        time.Duration
	retryConfig    *RetryConfig
	logger         observability.Logger
	circuitBreaker *resilience.HTTPCircuitBreaker // nil disables
	limiter        *resilience.HostLimiter        // nil disables
}

// Config holds HTTP client configuration
type Config struct {
	Timeout              time.Duration
	UserAgent            string
	TLSConfig            *tls.Config
	Transport            TransportConfig
	RetryConfig          *RetryConfig
	Logger               observability.Logger             // nil uses NullLogger
	EnableTracing        bool                             // OpenTelemetry HTTP tracing
	CircuitBreakerConfig *resilience.CircuitBreakerConfig // nil disables
	RateLimit            *resilience.RateLimitConfig      // nil disables

	// RoundTripper replaces the configured transport (tests, custom proxies).
	RoundTripper http.RoundTripper
}

// DefaultConfig returns a client configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Timeout:     DefaultTimeout,
		UserAgent:   DefaultUserAgent,
		Transport:   DefaultTransportConfig(),
		RetryConfig: DefaultRetryConfig(),
	}
}

// NewClient creates a new HTTP client with the given configuration
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RetryConfig == nil {
		cfg.RetryConfig = DefaultRetryConfig()
	}

	transport := cfg.RoundTripper
	if transport == nil {
		tc := cfg.Transport
		tc.TLSConfig = cfg.TLSConfig
		transport = NewTransport(tc)
	}
	if cfg.EnableTracing {
		transport = observability.NewHTTPTracingTransport(transport, observability.TracerName+"/http")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNullLogger()
	}

	client := &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		userAgent:   cfg.UserAgent,
		timeout:     cfg.Timeout,
		retryConfig: cfg.RetryConfig,
		logger:      logger,
	}

	if cfg.CircuitBreakerConfig != nil {
		client.circuitBreaker = resilience.NewHTTPCircuitBreaker(*cfg.CircuitBreakerConfig)
	}
	if cfg.RateLimit != nil {
		client.limiter = resilience.NewHostLimiter(*cfg.RateLimit)
	}

	return client
}

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Do executes a single HTTP request with context and user agent
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	if c.circuitBreaker != nil {
		return c.circuitBreaker.Execute(ctx, req.URL.Host, func(ctx context.Context) (*http.Response, error) {
			return c.send(ctx, req)
		})
	}
	return c.send(ctx, req)
}

// send performs one round trip and records metrics.
func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, req.URL.Host); err != nil {
			return nil, err
		}
	}
	c.logger.DebugContext(ctx, "HTTP {Method} {URL}", req.Method, req.URL.String())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.WarnContext(ctx, "HTTP {Method} {URL} failed after {Duration}ms: {Error}",
			req.Method, req.URL.String(), duration.Milliseconds(), err)
		observability.HTTPRequestsTotal.WithLabelValues(req.Method, "error", req.URL.Host).Inc()
		return nil, err
	}

	c.logger.DebugContext(ctx, "HTTP {Method} {URL} → {StatusCode} over {Protocol} ({Duration}ms)",
		req.Method, req.URL.String(), resp.StatusCode, ProtocolVersion(resp), duration.Milliseconds())
	observability.HTTPRequestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode), req.URL.Host).Inc()
	observability.HTTPRequestDuration.WithLabelValues(req.Method, req.URL.Host).Observe(duration.Seconds())
	return resp, nil
}

// Get performs a GET request with retries.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.DoWithRetry(ctx, req)
}

// Post performs a POST request with retries. The body is replayed on every
// attempt.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.DoWithRetry(ctx, req)
}

// SetUserAgent updates the client's user agent string
func (c *Client) SetUserAgent(ua string) {
	c.userAgent = ua
}

// DoWithRetry executes an HTTP request with retry logic. Transport errors
// that IsTransientError accepts and statuses that IsTransientStatus accepts are
// retried with exponential backoff (or the server's Retry-After). The
// circuit breaker wraps the whole sequence.
func (c *Client) DoWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		data, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	c.logger.DebugContext(ctx, "HTTP {Method} {URL} with retry (max={MaxRetries})",
		req.Method, req.URL.String(), c.retryConfig.MaxRetries)

	executeWithRetry := func(ctx context.Context) (*http.Response, error) {
		var lastErr error
		var resp *http.Response

		for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
			attemptReq := req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				attemptReq.Body = body
			}
			if attemptReq.Header.Get("User-Agent") == "" {
				attemptReq.Header.Set("User-Agent", c.userAgent)
			}

			resp, lastErr = c.send(ctx, attemptReq)

			if lastErr == nil && !IsTransientStatus(resp.StatusCode) {
				if attempt > 0 {
					c.logger.InfoContext(ctx, "HTTP {Method} {URL} succeeded after {Attempt} retries",
						req.Method, req.URL.String(), attempt)
				}
				return resp, nil
			}

			if lastErr != nil && (ctx.Err() != nil || !IsTransientError(lastErr)) {
				return nil, lastErr
			}

			if attempt == c.retryConfig.MaxRetries {
				break
			}

			backoff := c.retryConfig.Delay(attempt, resp)
			if resp != nil {
				_ = resp.Body.Close()
			}
			if lastErr != nil {
				observability.RecordRetry(ctx, attempt+1, lastErr)
			} else {
				observability.RecordRetry(ctx, attempt+1, fmt.Errorf("status %d", resp.StatusCode))
			}

			c.logger.DebugContext(ctx, "HTTP {Method} {URL} retry {Attempt}/{MaxRetries} after {Backoff}ms",
				req.Method, req.URL.String(), attempt+1, c.retryConfig.MaxRetries, backoff.Milliseconds())

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		if lastErr != nil {
			c.logger.ErrorContext(ctx, "HTTP {Method} {URL} failed after {MaxRetries} retries: {Error}",
				req.Method, req.URL.String(), c.retryConfig.MaxRetries, lastErr)
			return nil, fmt.Errorf("after %d retries: %w", c.retryConfig.MaxRetries, lastErr)
		}
		return resp, nil
	}

	if c.circuitBreaker != nil {
		return c.circuitBreaker.Execute(ctx, req.URL.Host, executeWithRetry)
	}
	return executeWithRetry(ctx)
}

// Option is a functional option for configuring the client
type Option func(*Config)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.Timeout = timeout
	}
}

// WithUserAgent sets the user agent string
func WithUserAgent(ua string) Option {
	return func(cfg *Config) {
		cfg.UserAgent = ua
	}
}

// WithTLSConfig sets custom TLS configuration
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(cfg *Config) {
		cfg.TLSConfig = tlsCfg
	}
}

// WithRetryConfig sets custom retry configuration
func WithRetryConfig(retryCfg *RetryConfig) Option {
	return func(cfg *Config) {
		cfg.RetryConfig = retryCfg
	}
}

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(n int) Option {
	return func(cfg *Config) {
		if cfg.RetryConfig == nil {
			cfg.RetryConfig = DefaultRetryConfig()
		}
		cfg.RetryConfig.MaxRetries = n
	}
}

// WithLogger sets the logger
func WithLogger(logger observability.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithTracing enables the OpenTelemetry tracing transport
func WithTracing() Option {
	return func(cfg *Config) {
		cfg.EnableTracing = true
	}
}

// WithHTTP3 enables the experimental HTTP/3 transport with HTTP/2 fallback
func WithHTTP3() Option {
	return func(cfg *Config) {
		cfg.Transport.EnableHTTP3 = true
	}
}

// WithCircuitBreaker enables per-host circuit breakers
func WithCircuitBreaker(cbCfg resilience.CircuitBreakerConfig) Option {
	return func(cfg *Config) {
		cfg.CircuitBreakerConfig = &cbCfg
	}
}

// WithRateLimit caps the request rate to each host
func WithRateLimit(rl resilience.RateLimitConfig) Option {
	return func(cfg *Config) {
		cfg.RateLimit = &rl
	}
}

// WithRoundTripper replaces the underlying transport
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(cfg *Config) {
		cfg.RoundTripper = rt
	}
}

// NewClientWithOptions creates a client with functional options
func NewClientWithOptions(opts ...Option) *Client {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return NewClient(cfg)
}
