package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestPurpose(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		contentType string
		accept      string
		want        string
	}{
		{"timestamp", "https://tsa.test/", "application/timestamp-query", "", PurposeTimestamp},
		{"ocsp post", "http://ocsp.test/", "application/ocsp-request", "", PurposeOCSP},
		{"ocsp accept", "http://ocsp.test/MEow", "", "application/ocsp-response", PurposeOCSP},
		{"crl path", "http://crl.test/Intermediate.CRL", "", "", PurposeCRL},
		{"service index", "https://api.nuget.org/v3/index.json", "", "application/json", PurposeServiceIndex},
		{"other", "https://feed.test/v3/sigs.json", "", "application/json", PurposeOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, tt.url, nil)
			require.NoError(t, err)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			assert.Equal(t, tt.want, RequestPurpose(req))
		})
	}
}

func TestHTTPTracingTransport(t *testing.T) {
	ctx := context.Background()
	var spans bytes.Buffer
	tp, err := SetupTracing(ctx, TracerConfig{ServiceName: "nugettrust-test", ExporterType: ExporterStdout, StdoutWriter: &spans, SamplingRate: 1})
	require.NoError(t, err)

	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		if r.URL.Path == "/missing.crl" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	defer server.Close()

	client := &http.Client{Transport: NewHTTPTracingTransport(nil, "nugettrust-test")}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/?token=secret", strings.NewReader("q"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/timestamp-query")
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, traceparent, "trace context is propagated")
	assert.Empty(t, req.Header.Get("traceparent"), "caller's request is not modified")

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/missing.crl", nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, ShutdownTracing(ctx, tp))
	out := spans.String()
	assert.Contains(t, out, "HTTP POST timestamp")
	assert.Contains(t, out, "HTTP GET crl")
	assert.NotContains(t, out, "secret")
}

func TestHTTPTracingTransport_Error(t *testing.T) {
	client := &http.Client{Transport: NewHTTPTracingTransport(nil, "nugettrust-test")}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://invalid.local.test:99999", nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	assert.Error(t, err)
}

func TestNewHTTPTracingTransport_NilBase(t *testing.T) {
	transport := NewHTTPTracingTransport(nil, "test")
	assert.Equal(t, http.DefaultTransport, transport.base)
	assert.Equal(t, "test", transport.tracerName)
}
