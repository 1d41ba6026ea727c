// Package observe provides the observability primitives of the live caption
// server: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to Prometheus so they can be scraped at /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/hallveticapro/live-translation"

// Provider kinds used as the "kind" attribute.
const (
	KindSTT       = "stt"
	KindTranslate = "translate"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// ── Latency ─────────────────────────────────────────────────────────────

	// STTDuration tracks transcription latency per segment.
	STTDuration metric.Float64Histogram

	// TranslateDuration tracks translation latency. Use with attribute:
	//   attribute.String("lang", ...)
	TranslateDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// ── Counters ────────────────────────────────────────────────────────────

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SegmentsReceived counts audio segments by outcome. Use with attribute:
	//   attribute.String("outcome", ...)
	SegmentsReceived metric.Int64Counter

	// CaptionsPublished counts captions handed to the broadcaster. Use with attribute:
	//   attribute.String("lang", ...)
	CaptionsPublished metric.Int64Counter

	// CaptionsDelivered counts caption frames enqueued to listener sessions.
	CaptionsDelivered metric.Int64Counter

	// CaptionsDropped counts captions that could not be handed to the
	// dispatcher or a session. Use with attribute:
	//   attribute.String("reason", ...)
	CaptionsDropped metric.Int64Counter

	// ListenerEvictions counts sessions removed because a send failed.
	ListenerEvictions metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// ── Gauges ──────────────────────────────────────────────────────────────

	// ActiveListeners tracks connected listener sessions.
	ActiveListeners metric.Int64UpDownCounter

	// InflightFanouts tracks translation fan-outs still running.
	InflightFanouts metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// upstream calls that usually take a few hundred milliseconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTDuration, err = m.Float64Histogram("livecaption.stt.duration",
		metric.WithDescription("Latency of audio segment transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("livecaption.translate.duration",
		metric.WithDescription("Latency of caption translation by target language."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("livecaption.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("livecaption.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("livecaption.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsReceived, err = m.Int64Counter("livecaption.segments",
		metric.WithDescription("Audio segments received by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CaptionsPublished, err = m.Int64Counter("livecaption.captions.published",
		metric.WithDescription("Captions published to the broadcaster by language."),
	); err != nil {
		return nil, err
	}
	if met.CaptionsDelivered, err = m.Int64Counter("livecaption.captions.delivered",
		metric.WithDescription("Caption frames enqueued to listener sessions."),
	); err != nil {
		return nil, err
	}
	if met.CaptionsDropped, err = m.Int64Counter("livecaption.captions.dropped",
		metric.WithDescription("Captions dropped before reaching a listener, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ListenerEvictions, err = m.Int64Counter("livecaption.listener.evictions",
		metric.WithDescription("Listener sessions evicted after a failed send."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("livecaption.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by provider and target state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveListeners, err = m.Int64UpDownCounter("livecaption.active_listeners",
		metric.WithDescription("Number of connected listener sessions."),
	); err != nil {
		return nil, err
	}
	if met.InflightFanouts, err = m.Int64UpDownCounter("livecaption.inflight_fanouts",
		metric.WithDescription("Translation fan-outs still running."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSegment records one received audio segment with its outcome
// ("ok", "empty", "no_speech", "upstream_error", "too_large", "rate_limited").
func (m *Metrics) RecordSegment(ctx context.Context, outcome string) {
	m.SegmentsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCaptionPublished records one caption handed to the broadcaster.
func (m *Metrics) RecordCaptionPublished(ctx context.Context, lang string) {
	m.CaptionsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("lang", lang)))
}

// RecordCaptionDropped records one caption dropped for reason.
func (m *Metrics) RecordCaptionDropped(ctx context.Context, reason string) {
	m.CaptionsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition records a circuit breaker state change. Its
// signature matches resilience.CircuitBreakerConfig.OnStateChange once the
// states are rendered as strings.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("to", to),
		),
	)
}
