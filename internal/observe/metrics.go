// Package observe provides application-wide observability primitives for
// meetcap: OpenTelemetry metrics, lifecycle tracing, and the Prometheus
// exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all meetcap metrics.
const meterName = "github.com/MrWong99/meetcap"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// WindowsEmitted counts aligned windows produced by the synchronizing
	// buffer.
	WindowsEmitted metric.Int64Counter

	// DroppedSamples counts samples evicted from a source backlog. Use
	// with attribute.String("source", ...).
	DroppedSamples metric.Int64Counter

	// CaptureStalls counts windows in which a source had to be
	// silence-padded. Use with attribute.String("source", ...).
	CaptureStalls metric.Int64Counter

	// SpeechSegments counts segments emitted to the transcription path.
	SpeechSegments metric.Int64Counter

	// SegmentsDropped counts segments evicted from the transcription
	// outlet under overload.
	SegmentsDropped metric.Int64Counter

	// ConsumerDisconnects counts sink paths declared disconnected. Use
	// with attribute.String("path", "recording"|"transcription").
	ConsumerDisconnects metric.Int64Counter

	// --- Histograms ---

	// WindowLatency tracks the time from popping a window to completing
	// its fan-out.
	WindowLatency metric.Float64Histogram

	// BufferOccupancy tracks per-source backlog depth in milliseconds at
	// window emission. Use with attribute.String("source", ...).
	BufferOccupancy metric.Float64Histogram

	// --- Gauges ---

	// ActivePipelines tracks the number of running pipeline instances.
	ActivePipelines metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// a 50 ms window loop.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// occupancyBuckets defines backlog-depth bucket boundaries in milliseconds.
var occupancyBuckets = []float64{
	5, 10, 25, 50, 100, 150, 200, 400,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.WindowsEmitted, err = m.Int64Counter("meetcap.windows.emitted",
		metric.WithDescription("Total aligned windows emitted by the synchronizing buffer."),
	); err != nil {
		return nil, err
	}
	if met.DroppedSamples, err = m.Int64Counter("meetcap.buffer.dropped_samples",
		metric.WithDescription("Total samples evicted from source backlogs, by source."),
	); err != nil {
		return nil, err
	}
	if met.CaptureStalls, err = m.Int64Counter("meetcap.capture.stalls",
		metric.WithDescription("Total windows in which a source was silence-padded, by source."),
	); err != nil {
		return nil, err
	}
	if met.SpeechSegments, err = m.Int64Counter("meetcap.vad.segments",
		metric.WithDescription("Total speech segments emitted to the transcription path."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("meetcap.vad.segments_dropped",
		metric.WithDescription("Total speech segments dropped from the transcription outlet under overload."),
	); err != nil {
		return nil, err
	}
	if met.ConsumerDisconnects, err = m.Int64Counter("meetcap.sink.disconnects",
		metric.WithDescription("Total sink paths declared disconnected, by path."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.WindowLatency, err = m.Float64Histogram("meetcap.window.latency",
		metric.WithDescription("Time from popping a window to completing its fan-out."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BufferOccupancy, err = m.Float64Histogram("meetcap.buffer.occupancy",
		metric.WithDescription("Per-source backlog depth at window emission, by source."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(occupancyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActivePipelines, err = m.Int64UpDownCounter("meetcap.active_pipelines",
		metric.WithDescription("Number of running pipeline instances."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// SourceAttr returns the attribute set for a capture source label.
func SourceAttr(source string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("source", source))
}

// PathAttr returns the attribute set for a sink path label.
func PathAttr(path string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("path", path))
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance backed by the
// globally registered meter provider. Instruments are created on first call.
// If creation fails the instruments are left nil; the Add/Record helpers
// below tolerate that, so callers never need to nil-check.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		met, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			met = &Metrics{}
		}
		defaultMetrics = met
	})
	return defaultMetrics
}

// Add increments a counter, tolerating nil instruments.
func Add(ctx context.Context, c metric.Int64Counter, n int64, opts ...metric.AddOption) {
	if c != nil {
		c.Add(ctx, n, opts...)
	}
}

// AddUpDown adjusts an up/down counter, tolerating nil instruments.
func AddUpDown(ctx context.Context, c metric.Int64UpDownCounter, n int64, opts ...metric.AddOption) {
	if c != nil {
		c.Add(ctx, n, opts...)
	}
}

// Record records a histogram sample, tolerating nil instruments.
func Record(ctx context.Context, h metric.Float64Histogram, v float64, opts ...metric.RecordOption) {
	if h != nil {
		h.Record(ctx, v, opts...)
	}
}
