// Package observe provides application-wide observability primitives for
// transvox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all transvox metrics.
const meterName = "github.com/opendictate/transvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks the client's reported speech-to-text transcription
	// latency and the transient recovery recognizer's own stream latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency for grammar correction and
	// translation calls.
	LLMDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live dictation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of connected participants across
	// all sessions.
	ActiveParticipants metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Transcript assembly engine ---

	// CommitLatency tracks the time from a fragment's arrival to its commit
	// emission (the at-most-once commit path). Use with
	// attribute.Bool("forced", ...).
	CommitLatency metric.Float64Histogram

	// RateLimitWaitDuration tracks time spent sleeping on a rate limiter Wait
	// outcome before a gated LLM call proceeds.
	RateLimitWaitDuration metric.Float64Histogram

	// QueueDepth tracks the number of items currently enqueued in the
	// request queue, across all sessions.
	QueueDepth metric.Int64UpDownCounter

	// ForcedCommitRecoveryDuration tracks the time a recovery attempt
	// takes from BeginRecovery to its result, whether it resolved normally
	// or via the hard recovery timeout. Use with
	// attribute.Bool("timed_out", ...).
	ForcedCommitRecoveryDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("transvox.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("transvox.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("transvox.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("transvox.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("transvox.active_sessions",
		metric.WithDescription("Number of live dictation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("transvox.active_participants",
		metric.WithDescription("Number of connected participants across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("transvox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Transcript assembly engine.
	if met.CommitLatency, err = m.Float64Histogram("transvox.transcript.commit.latency",
		metric.WithDescription("Time from fragment arrival to commit emission."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RateLimitWaitDuration, err = m.Float64Histogram("transvox.transcript.rate_limit.wait_duration",
		metric.WithDescription("Time spent sleeping on a rate limiter Wait outcome before a gated call proceeds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("transvox.transcript.queue.depth",
		metric.WithDescription("Number of items currently enqueued in the request queue."),
	); err != nil {
		return nil, err
	}
	if met.ForcedCommitRecoveryDuration, err = m.Float64Histogram("transvox.transcript.forced_commit.recovery_duration",
		metric.WithDescription("Time a forced-commit recovery attempt takes from begin to result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCommitLatency is a convenience method that records commit latency
// in seconds, tagged by whether the commit was forced.
func (m *Metrics) RecordCommitLatency(ctx context.Context, seconds float64, forced bool) {
	m.CommitLatency.Record(ctx, seconds,
		metric.WithAttributes(attribute.Bool("forced", forced)),
	)
}

// RecordRateLimitWait is a convenience method that records time spent
// sleeping on a rate limiter Wait outcome.
func (m *Metrics) RecordRateLimitWait(ctx context.Context, seconds float64) {
	m.RateLimitWaitDuration.Record(ctx, seconds)
}

// RecordForcedCommitRecovery is a convenience method that records a forced
// commit recovery attempt's duration, tagged by whether it hit the hard
// recovery timeout.
func (m *Metrics) RecordForcedCommitRecovery(ctx context.Context, seconds float64, timedOut bool) {
	m.ForcedCommitRecoveryDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.Bool("timed_out", timedOut)),
	)
}
