// Package observe provides application-wide observability primitives for
// Talaria: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Talaria metrics.
const meterName = "github.com/talaria-ai/talaria"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// TurnDuration tracks end-to-end turn latency from accepted input to
	// completed response. Use with attribute.String("mode", "text"|"voice").
	TurnDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// RetrievalDuration tracks knowledge-base retrieval latency.
	RetrievalDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// GuardDuration tracks guardrail evaluation latency.
	GuardDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	Turns metric.Int64Counter

	// CacheEvents counts response-cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheEvents metric.Int64Counter

	// GuardFindings counts guardrail findings. Use with attributes:
	//   attribute.String("category", ...), attribute.String("severity", ...)
	GuardFindings metric.Int64Counter

	// RetrievalDegraded counts turns where retrieval missed its soft
	// deadline and the turn proceeded without context.
	RetrievalDegraded metric.Int64Counter

	// TokensUsed counts estimated tokens. Use with attribute:
	//   attribute.String("kind", "prompt"|"completion")
	TokensUsed metric.Int64Counter

	// RateLimited counts requests rejected by admission control. Use with
	// attribute.String("window", "minute"|"day"|"sessions").
	RateLimited metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveTurns tracks the number of turns currently in flight.
	ActiveTurns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
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
	if met.TurnDuration, err = m.Float64Histogram("talaria.turn.duration",
		metric.WithDescription("End-to-end turn latency by mode."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("talaria.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("talaria.retrieval.duration",
		metric.WithDescription("Latency of knowledge-base retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("talaria.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("talaria.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GuardDuration, err = m.Float64Histogram("talaria.guard.duration",
		metric.WithDescription("Latency of guardrail evaluation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("talaria.turns",
		metric.WithDescription("Total completed turns by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvents, err = m.Int64Counter("talaria.cache.events",
		metric.WithDescription("Response-cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.GuardFindings, err = m.Int64Counter("talaria.guard.findings",
		metric.WithDescription("Guardrail findings by category and severity."),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDegraded, err = m.Int64Counter("talaria.retrieval.degraded",
		metric.WithDescription("Turns that proceeded without retrieval context after the soft deadline."),
	); err != nil {
		return nil, err
	}
	if met.TokensUsed, err = m.Int64Counter("talaria.tokens.used",
		metric.WithDescription("Estimated tokens by kind."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("talaria.rate_limited",
		metric.WithDescription("Requests rejected by admission control, by window."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("talaria.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("talaria.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("talaria.active_turns",
		metric.WithDescription("Number of turns currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("talaria.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordCacheEvent records a response-cache lookup result ("hit" or "miss").
func (m *Metrics) RecordCacheEvent(ctx context.Context, result string) {
	m.CacheEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordGuardFinding records a single guardrail finding.
func (m *Metrics) RecordGuardFinding(ctx context.Context, category, severity string) {
	m.GuardFindings.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("category", category),
			attribute.String("severity", severity),
		),
	)
}

// RecordTurn records a completed turn with its end-to-end latency.
func (m *Metrics) RecordTurn(ctx context.Context, mode, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordRateLimited records an admission rejection for the given window
// ("minute", "day", or "sessions").
func (m *Metrics) RecordRateLimited(ctx context.Context, window string) {
	m.RateLimited.Add(ctx, 1,
		metric.WithAttributes(attribute.String("window", window)),
	)
}

// RecordTokens records estimated token usage by kind ("prompt"/"completion").
func (m *Metrics) RecordTokens(ctx context.Context, kind string, n int64) {
	m.TokensUsed.Add(ctx, n,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
