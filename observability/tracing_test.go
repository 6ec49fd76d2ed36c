package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSetupTracing_Stdout(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	config := TracerConfig{
		ServiceName:    "nugettrust-test",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		ExporterType:   ExporterStdout,
		StdoutWriter:   &buf,
		SamplingRate:   1.0,
	}

	tp, err := SetupTracing(ctx, config)
	if err != nil {
		t.Fatalf("SetupTracing() failed: %v", err)
	}

	_, span := StartVerifySpan(ctx, "Test.Package", "1.0.0", "session-1")
	span.SetAttributes(AttrTrustLevel.String("Trusted"))
	span.End()

	if err := ShutdownTracing(ctx, tp); err != nil {
		t.Errorf("ShutdownTracing() failed: %v", err)
	}
	if !strings.Contains(buf.String(), "signing.verify") {
		t.Errorf("exported spans missing signing.verify: %s", buf.String())
	}
}

func TestSetupTracing_None(t *testing.T) {
	ctx := context.Background()
	tp, err := SetupTracing(ctx, TracerConfig{ServiceName: "nugettrust-test", ExporterType: ExporterNone})
	if err != nil {
		t.Fatalf("SetupTracing() failed: %v", err)
	}
	if err := ShutdownTracing(ctx, tp); err != nil {
		t.Errorf("ShutdownTracing() failed: %v", err)
	}
	if err := ShutdownTracing(ctx, nil); err != nil {
		t.Errorf("ShutdownTracing(nil) = %v", err)
	}
}

func TestSetupTracing_Rejects(t *testing.T) {
	tests := map[string]TracerConfig{
		"invalid exporter": {ServiceName: "nugettrust-test", ExporterType: "invalid"},
		"sampling rate":    {ServiceName: "nugettrust-test", ExporterType: ExporterNone, SamplingRate: 1.5},
	}
	for name, config := range tests {
		if _, err := SetupTracing(context.Background(), config); err == nil {
			t.Errorf("%s: SetupTracing should return error", name)
		}
	}
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	tp, err := SetupTracing(ctx, TracerConfig{ServiceName: "nugettrust-test", ExporterType: ExporterNone, SamplingRate: 1})
	if err != nil {
		t.Fatalf("SetupTracing() failed: %v", err)
	}
	defer func() { _ = ShutdownTracing(ctx, tp) }()

	ctx, span := StartSpan(ctx, TracerName, "test-span")
	defer span.End()

	SetAttributes(ctx, attribute.Int("request.count", 42))

	retrieved := SpanFromContext(ctx)
	if !retrieved.SpanContext().IsValid() {
		t.Error("SpanFromContext should return a valid span")
	}
	if retrieved.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Error("SpanFromContext should return span with same TraceID")
	}
}

func TestDefaultTracerConfig(t *testing.T) {
	config := DefaultTracerConfig()

	if config.ServiceName != "nugettrust" {
		t.Errorf("ServiceName = %q, want nugettrust", config.ServiceName)
	}
	if config.ExporterType != ExporterStdout {
		t.Errorf("ExporterType = %q, want stdout", config.ExporterType)
	}
	if config.SamplingRate != 1.0 {
		t.Errorf("SamplingRate = %f, want 1.0", config.SamplingRate)
	}
}
