package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs a span recorder as the global tracer provider for
// the duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOperationSpans(t *testing.T) {
	recorder := recordSpans(t)
	ctx := context.Background()

	_, span := StartSignSpan(ctx, "Author", "SHA256")
	span.End()
	_, span = StartVerifySpan(ctx, "TestPackage", "1.0.0", "session-1")
	span.End()
	_, span = StartSignatureVerifySpan(ctx, "Repository")
	span.End()
	_, span = StartTimestampSpan(ctx, "http://timestamp.test/tsa")
	span.End()
	_, span = StartChainBuildSpan(ctx, "Test Signer")
	span.End()
	_, span = StartRevocationSpan(ctx, "Test Signer", "Online")
	span.End()

	ended := recorder.Ended()
	want := []struct {
		name  string
		key   attribute.Key
		value string
	}{
		{"signing.sign", AttrSignatureType, "Author"},
		{"signing.verify", AttrSessionID, "session-1"},
		{"signing.verify.signature", AttrSignatureType, "Repository"},
		{"signing.timestamp", AttrTimestampURL, "http://timestamp.test/tsa"},
		{"signing.chain.build", AttrCertificate, "Test Signer"},
		{"signing.revocation.check", AttrRevocationMode, "Online"},
	}
	if len(ended) != len(want) {
		t.Fatalf("ended spans = %d, want %d", len(ended), len(want))
	}
	for i, w := range want {
		if ended[i].Name() != w.name {
			t.Errorf("span[%d] name = %q, want %q", i, ended[i].Name(), w.name)
		}
		v, ok := attrValue(ended[i].Attributes(), w.key)
		if !ok || v.AsString() != w.value {
			t.Errorf("span %s attribute %s = %q, want %q", w.name, w.key, v.AsString(), w.value)
		}
	}
}

func TestEndSpanWithError(t *testing.T) {
	recorder := recordSpans(t)

	_, failed := StartSpan(context.Background(), TracerName, "failing")
	EndSpanWithError(failed, errors.New("boom"))
	_, ok := StartSpan(context.Background(), TracerName, "succeeding")
	EndSpanWithError(ok, nil)

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("failing span status = %v, want Error", ended[0].Status().Code)
	}
	if len(ended[0].Events()) == 0 {
		t.Error("failing span should record the error event")
	}
	if ended[1].Status().Code != codes.Ok {
		t.Errorf("succeeding span status = %v, want Ok", ended[1].Status().Code)
	}
}

func TestRecordRetryAndCacheHit(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := StartSpan(context.Background(), TracerName, "with-retry")
	RecordRetry(ctx, 2, errors.New("connection reset"))
	RecordCacheHit(ctx, true)
	span.End()

	ended := recorder.Ended()[0]
	if len(ended.Events()) != 1 || ended.Events()[0].Name != "retry" {
		t.Errorf("events = %v, want one retry event", ended.Events())
	}
	v, ok := attrValue(ended.Attributes(), AttrCacheHit)
	if !ok || !v.AsBool() {
		t.Error("cache hit attribute not recorded")
	}
}

func TestTracerName(t *testing.T) {
	if TracerName != "github.com/willibrandon/nugettrust" {
		t.Errorf("TracerName = %q", TracerName)
	}
}
