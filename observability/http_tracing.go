package observability

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// AttrRequestPurpose names what an outbound request is for.
const AttrRequestPurpose = attribute.Key("nuget.http.purpose")

// Request purposes reported by RequestPurpose.
const (
	PurposeTimestamp    = "timestamp"
	PurposeOCSP         = "ocsp"
	PurposeCRL          = "crl"
	PurposeServiceIndex = "service-index"
	PurposeOther        = "http"
)

// RequestPurpose classifies an outbound request from its media types and path.
func RequestPurpose(req *http.Request) string {
	contentType := req.Header.Get("Content-Type")
	accept := req.Header.Get("Accept")
	switch {
	case strings.HasPrefix(contentType, "application/timestamp-query"):
		return PurposeTimestamp
	case strings.HasPrefix(contentType, "application/ocsp-request"),
		strings.HasPrefix(accept, "application/ocsp-response"):
		return PurposeOCSP
	case strings.HasSuffix(strings.ToLower(req.URL.Path), ".crl"),
		strings.HasPrefix(accept, "application/pkix-crl"):
		return PurposeCRL
	case strings.HasSuffix(req.URL.Path, "/index.json"):
		return PurposeServiceIndex
	}
	return PurposeOther
}

// HTTPTracingTransport starts a client span per request and propagates the
// W3C trace context to the server.
type HTTPTracingTransport struct {
	base       http.RoundTripper
	tracerName string
}

// NewHTTPTracingTransport wraps base; nil means http.DefaultTransport.
func NewHTTPTracingTransport(base http.RoundTripper, tracerName string) *HTTPTracingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &HTTPTracingTransport{base: base, tracerName: tracerName}
}

// RoundTrip implements http.RoundTripper.
func (t *HTTPTracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	purpose := RequestPurpose(req)
	ctx, span := Tracer(t.tracerName).Start(req.Context(), "HTTP "+req.Method+" "+purpose,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(requestAttributes(req, purpose)...),
	)
	defer span.End()

	// RoundTrippers must not modify the caller's request
	out := req.Clone(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(semconv.HTTPStatusCode(resp.StatusCode))
	if resp.ContentLength >= 0 {
		span.SetAttributes(attribute.Int64("http.response_content_length", resp.ContentLength))
	}
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
	}
	return resp, nil
}

func requestAttributes(req *http.Request, purpose string) []attribute.KeyValue {
	// query strings may carry credentials
	u := *req.URL
	u.RawQuery = ""
	u.User = nil
	return []attribute.KeyValue{
		semconv.HTTPMethod(req.Method),
		semconv.HTTPURL(u.String()),
		semconv.NetPeerName(req.URL.Hostname()),
		AttrRequestPurpose.String(purpose),
	}
}
