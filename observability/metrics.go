package observability

import (
	"net/http"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts outbound HTTP requests (timestamp authorities,
	// OCSP responders, CRL distribution points) by method, status and host
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nugettrust_http_requests_total",
			Help: "Total number of HTTP requests by method and status",
		},
		[]string{"method", "status_code", "source"},
	)

	// HTTPRequestDuration tracks HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nugettrust_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
		},
		[]string{"method", "source"},
	)

	// SignaturesCreatedTotal counts signing operations by signature type and result
	SignaturesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nugettrust_signatures_created_total",
			Help: "Total number of signatures created by type and result",
		},
		[]string{"type", "result"}, // result: success, failure
	)

	// SigningDuration tracks signature creation time including timestamping
	SigningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nugettrust_signing_duration_seconds",
			Help:    "Signature creation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"type"},
	)

	// VerificationsTotal counts verification sessions by final trust level
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nugettrust_verifications_total",
			Help: "Total number of package verifications by trust level",
		},
		[]string{"trust_level"},
	)

	// VerificationDuration tracks verification session duration in seconds
	VerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nugettrust_verification_duration_seconds",
			Help:    "Package verification duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	// VerificationIssuesTotal counts reported issues by code and severity
	VerificationIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nugettrust_verification_issues_total",
			Help: "Total number of verification issues by code and severity",
		},
		[]string{"code", "severity"},
	)

	// TimestampRequestsTotal counts timestamp authority requests by result
	TimestampRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nugettrust_timestamp_requests_total",
			Help: "Total number of timestamp requests by result",
		},
		[]string{"result"}, // success, rejected, failed
	)

	// RevocationChecksTotal counts revocation queries by source and status
	RevocationChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nugettrust_revocation_checks_total",
			Help: "Total number of revocation checks by source and status",
		},
		[]string{"source", "status"}, // source: ocsp, crl, cache, local
	)

	// CacheHitsTotal counts revocation cache hits by cache tier
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nugettrust_cache_hits_total",
			Help: "Total number of cache hits by cache tier",
		},
		[]string{"tier"}, // memory, disk
	)

	// CacheMissesTotal counts revocation cache misses by cache tier
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nugettrust_cache_misses_total",
			Help: "Total number of cache misses by cache tier",
		},
		[]string{"tier"},
	)

	// CircuitBreakerState tracks circuit breaker state by host
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nugettrust_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"host"},
	)

	// CircuitBreakerFailures counts circuit breaker failures
	CircuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nugettrust_circuit_breaker_failures_total",
			Help: "Total number of circuit breaker failures",
		},
		[]string{"host"},
	)
)

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts an HTTP server exposing Prometheus metrics
func StartMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	return http.ListenAndServe(addr, mux)
}

// GetCounterValue retrieves the current value of a counter metric with the given labels
// This is primarily intended for testing
func GetCounterValue(counter *prometheus.CounterVec, labels ...string) (float64, error) {
	metric, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0, err
	}

	var pb dto.Metric
	if err := metric.Write(&pb); err != nil {
		return 0, err
	}

	if pb.Counter != nil {
		return pb.Counter.GetValue(), nil
	}

	return 0, nil
}
