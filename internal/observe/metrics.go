// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parleyvoice/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// StageDuration tracks per-stage pipeline latency. Use with attribute:
	//   attribute.String("stage", "transcribe"|"reason"|"synthesize")
	StageDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency (utterance end to the
	// synthesised reply being handed to the transport).
	TurnDuration metric.Float64Histogram

	// Interrupts counts barge-in events across all sessions.
	Interrupts metric.Int64Counter

	// PipelineErrors counts turn-local service failures. Use with attribute:
	//   attribute.String("kind", ...)
	PipelineErrors metric.Int64Counter

	// DroppedFrames counts inbound audio frames discarded under backpressure.
	DroppedFrames metric.Int64Counter

	// TurnsCompleted counts cleanly completed turns.
	TurnsCompleted metric.Int64Counter

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks control-surface request processing time.
	// Use with attributes:
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

	if met.StageDuration, err = m.Float64Histogram("parley.stage.duration",
		metric.WithDescription("Latency of one pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("parley.turn.duration",
		metric.WithDescription("End-to-end turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("parley.interrupts",
		metric.WithDescription("Total barge-in events."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("parley.pipeline.errors",
		metric.WithDescription("Total turn-local service failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("parley.dropped_frames",
		metric.WithDescription("Inbound audio frames dropped under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("parley.turns.completed",
		metric.WithDescription("Cleanly completed conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("Control-surface HTTP request latency."),
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
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// ---- nil-safe recording helpers ---------------------------------------------

// RecordStage records one pipeline stage duration.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTurn records one completed turn.
func (m *Metrics) RecordTurn(ctx context.Context, latency time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.Record(ctx, latency.Seconds())
	m.TurnsCompleted.Add(ctx, 1)
}

// RecordInterrupt records one barge-in.
func (m *Metrics) RecordInterrupt(ctx context.Context) {
	if m == nil {
		return
	}
	m.Interrupts.Add(ctx, 1)
}

// RecordPipelineError records one turn-local failure.
func (m *Metrics) RecordPipelineError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDroppedFrames records n frames dropped under backpressure.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DroppedFrames.Add(ctx, int64(n))
}

// SessionOpened increments the live-session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed decrements the live-session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
