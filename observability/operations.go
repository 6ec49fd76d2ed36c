package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the tracer name for nugettrust operations
	TracerName = "github.com/willibrandon/nugettrust"
)

// Common attribute keys
const (
	AttrPackageID        = attribute.Key("nuget.package.id")
	AttrPackageVersion   = attribute.Key("nuget.package.version")
	AttrSignatureType    = attribute.Key("nuget.signature.type")
	AttrHashAlgorithm    = attribute.Key("nuget.signature.hash_algorithm")
	AttrTrustLevel       = attribute.Key("nuget.trust.level")
	AttrSessionID        = attribute.Key("nuget.verify.session_id")
	AttrCertificate      = attribute.Key("nuget.certificate.subject")
	AttrChainLength      = attribute.Key("nuget.chain.length")
	AttrChainStatus      = attribute.Key("nuget.chain.status")
	AttrTimestampURL     = attribute.Key("nuget.timestamp.url")
	AttrRevocationMode   = attribute.Key("nuget.revocation.mode")
	AttrRevocationStatus = attribute.Key("nuget.revocation.status")
	AttrRevocationSource = attribute.Key("nuget.revocation.source")
	AttrOperation        = attribute.Key("nuget.operation")
	AttrCacheHit         = attribute.Key("nuget.cache.hit")
	AttrRetryCount       = attribute.Key("nuget.retry.count")
)

// StartSignSpan starts a span for creating a primary or repository signature.
func StartSignSpan(ctx context.Context, signatureType, hashAlgorithm string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "signing.sign",
		trace.WithAttributes(
			AttrSignatureType.String(signatureType),
			AttrHashAlgorithm.String(hashAlgorithm),
			AttrOperation.String("sign"),
		),
	)
}

// StartVerifySpan starts a span for a package verification session.
func StartVerifySpan(ctx context.Context, packageID, version, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "signing.verify",
		trace.WithAttributes(
			AttrPackageID.String(packageID),
			AttrPackageVersion.String(version),
			AttrSessionID.String(sessionID),
			AttrOperation.String("verify"),
		),
	)
}

// StartSignatureVerifySpan starts a child span for one signature inside a
// verification session.
func StartSignatureVerifySpan(ctx context.Context, signatureType string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "signing.verify.signature",
		trace.WithAttributes(
			AttrSignatureType.String(signatureType),
		),
	)
}

// StartTimestampSpan starts a span for a timestamp authority request.
func StartTimestampSpan(ctx context.Context, authorityURL string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "signing.timestamp",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrTimestampURL.String(authorityURL),
			AttrOperation.String("timestamp"),
		),
	)
}

// StartChainBuildSpan starts a span for certificate chain building.
func StartChainBuildSpan(ctx context.Context, subject string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "signing.chain.build",
		trace.WithAttributes(
			AttrCertificate.String(subject),
		),
	)
}

// StartRevocationSpan starts a span for a single revocation query.
func StartRevocationSpan(ctx context.Context, subject, mode string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "signing.revocation.check",
		trace.WithAttributes(
			AttrCertificate.String(subject),
			AttrRevocationMode.String(mode),
		),
	)
}

// RecordCacheHit records cache hit/miss on the current span
func RecordCacheHit(ctx context.Context, hit bool) {
	SetAttributes(ctx, AttrCacheHit.Bool(hit))
}

// RecordRetry records a retry attempt on the current span
func RecordRetry(ctx context.Context, attempt int, err error) {
	span := SpanFromContext(ctx)
	span.AddEvent("retry",
		trace.WithAttributes(
			attribute.Int("retry.attempt", attempt),
			attribute.String("retry.error", err.Error()),
		),
	)
}

// EndSpanWithError ends a span with an error status
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
