// Package observe provides application-wide observability primitives for
// binsentry: OpenTelemetry metrics, tracing, and HTTP middleware that ties
// them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all binsentry metrics.
const meterName = "github.com/binsentry/binsentry"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// DecisionDuration tracks end-to-end decision fan-out latency.
	DecisionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// DecisionsHandled counts decisions dispatched. Use with attributes:
	//   attribute.String("outcome", "accepted"|"rejected"),
	//   attribute.Bool("silent", ...)
	DecisionsHandled metric.Int64Counter

	// DuplicateDecisions counts decisions dropped by call-id dedup.
	DuplicateDecisions metric.Int64Counter

	// FramesGated counts change-detector verdicts. Use with attribute:
	//   attribute.String("result", "sent"|"skipped")
	FramesGated metric.Int64Counter

	// AudioChunksDropped counts inbound audio chunks not forwarded. Use with
	// attribute: attribute.String("reason", "half_duplex"|"no_upstream")
	AudioChunksDropped metric.Int64Counter

	// WatchdogRecoveries counts speech turns force-ended by the watchdog.
	WatchdogRecoveries metric.Int64Counter

	// UpstreamReconnects counts upstream connection re-establishments.
	UpstreamReconnects metric.Int64Counter

	// --- Error counters ---

	// SinkErrors counts failed decision-record writes.
	SinkErrors metric.Int64Counter

	// ActuatorErrors counts failed chute motions.
	ActuatorErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveClients tracks connected downstream clients. Use with attribute:
	//   attribute.String("role", ...)
	ActiveClients metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// decision fan-out latencies.
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
	if met.DecisionDuration, err = m.Float64Histogram("binsentry.decision.duration",
		metric.WithDescription("End-to-end decision fan-out latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("binsentry.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.DecisionsHandled, err = m.Int64Counter("binsentry.decisions.handled",
		metric.WithDescription("Total decisions dispatched by outcome and silence."),
	); err != nil {
		return nil, err
	}
	if met.DuplicateDecisions, err = m.Int64Counter("binsentry.decisions.duplicates",
		metric.WithDescription("Total decisions dropped by call-id deduplication."),
	); err != nil {
		return nil, err
	}
	if met.FramesGated, err = m.Int64Counter("binsentry.frames.gated",
		metric.WithDescription("Total change-detector verdicts by result."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksDropped, err = m.Int64Counter("binsentry.audio.dropped",
		metric.WithDescription("Total inbound audio chunks not forwarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.WatchdogRecoveries, err = m.Int64Counter("binsentry.watchdog.recoveries",
		metric.WithDescription("Total speech turns force-ended by the watchdog."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamReconnects, err = m.Int64Counter("binsentry.upstream.reconnects",
		metric.WithDescription("Total upstream connection re-establishments."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SinkErrors, err = m.Int64Counter("binsentry.sink.errors",
		metric.WithDescription("Total failed decision-record writes."),
	); err != nil {
		return nil, err
	}
	if met.ActuatorErrors, err = m.Int64Counter("binsentry.actuator.errors",
		metric.WithDescription("Total failed chute motions."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveClients, err = m.Int64UpDownCounter("binsentry.active_clients",
		metric.WithDescription("Number of connected downstream clients by role."),
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

// RecordDecision records one dispatched decision with the standard attribute
// set.
func (m *Metrics) RecordDecision(ctx context.Context, accepted, silent bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.DecisionsHandled.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.Bool("silent", silent),
		),
	)
}

// RecordFrameGated records one change-detector verdict.
func (m *Metrics) RecordFrameGated(ctx context.Context, sent bool) {
	result := "skipped"
	if sent {
		result = "sent"
	}
	m.FramesGated.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordAudioDropped records one inbound audio chunk that was not forwarded.
func (m *Metrics) RecordAudioDropped(ctx context.Context, reason string) {
	m.AudioChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
