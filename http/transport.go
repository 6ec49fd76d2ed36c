package http

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
)

// TransportConfig tunes the connection layer shared by every request the
// client makes.
type TransportConfig struct {
	// TLSConfig is used for HTTPS endpoints; nil means system defaults.
	TLSConfig *tls.Config

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int // 0 is unlimited

	// EnableHTTP2 negotiates h2 through ALPN.
	EnableHTTP2 bool

	// EnableHTTP3 tries QUIC first for https URLs and falls back to TCP.
	EnableHTTP3 bool
}

// DefaultTransportConfig returns the connection settings used by
// DefaultConfig.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		EnableHTTP2:           true,
	}
}

// NewTransport builds the round tripper described by config.
func NewTransport(config TransportConfig) http.RoundTripper {
	dialer := &net.Dialer{Timeout: config.DialTimeout, KeepAlive: 30 * time.Second}
	tcp := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       config.TLSConfig,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       config.IdleConnTimeout,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
	}
	if config.EnableHTTP2 {
		// on error the transport stays HTTP/1.1
		_ = http2.ConfigureTransport(tcp)
	}
	if !config.EnableHTTP3 {
		return tcp
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.TLSConfig != nil {
		tlsConfig = config.TLSConfig.Clone()
	}
	return &quicFallbackTransport{
		tcp: tcp,
		// 0-RTT stays off: timestamp and OCSP requests are not replay-safe
		quic: &http3.Transport{TLSClientConfig: tlsConfig, QUICConfig: &quic.Config{}},
	}
}

// quicFallbackTransport sends https requests over HTTP/3 and retries them
// over TCP when QUIC fails. Hosts that failed once stay on TCP.
type quicFallbackTransport struct {
	tcp     http.RoundTripper
	quic    *http3.Transport
	tcpOnly sync.Map // host -> struct{}
}

// RoundTrip implements http.RoundTripper.
func (t *quicFallbackTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.useQUIC(req) {
		return t.tcp.RoundTrip(req)
	}

	resp, err := t.quic.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	t.tcpOnly.Store(req.URL.Host, struct{}{})

	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, bodyErr
		}
		req = req.Clone(req.Context())
		req.Body = body
	}
	return t.tcp.RoundTrip(req)
}

// useQUIC reports whether req may go over HTTP/3. A body that cannot be
// rewound would be lost on fallback.
func (t *quicFallbackTransport) useQUIC(req *http.Request) bool {
	if req.URL.Scheme != "https" {
		return false
	}
	if _, failed := t.tcpOnly.Load(req.URL.Host); failed {
		return false
	}
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// Close releases the QUIC connections.
func (t *quicFallbackTransport) Close() error {
	return t.quic.Close()
}

// ProtocolVersion names the HTTP version a response arrived over.
func ProtocolVersion(resp *http.Response) string {
	switch resp.ProtoMajor {
	case 3:
		return "HTTP/3"
	case 2:
		return "HTTP/2"
	}
	return "HTTP/1.1"
}
