package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records checkpoint and sampler metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records a pointer swap.
	RecordPublish(ctx context.Context, name string, force bool, duration time.Duration)

	// RecordCleanup records a cleanup pass and how many slots it deleted.
	RecordCleanup(ctx context.Context, name string, deleted int, duration time.Duration)

	// RecordPhase records one phase of a checkpoint cycle.
	RecordPhase(ctx context.Context, phase string, duration time.Duration, err error)

	// RecordSamplerAdvance records consumed progress units (samples or batches).
	RecordSamplerAdvance(ctx context.Context, unit string, n int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes      metric.Int64Counter
	publishLatency metric.Float64Histogram
	slotsDeleted   metric.Int64Counter
	cleanupLatency metric.Float64Histogram
	phaseLatency   metric.Float64Histogram
	phaseErrors    metric.Int64Counter
	samplerAdvance metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("cycling")

	publishes, err := meter.Int64Counter("cycling.checkpoint.publishes",
		metric.WithDescription("Number of published checkpoints"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("cycling.checkpoint.publish_latency_ms",
		metric.WithDescription("Pointer swap latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	slotsDeleted, err := meter.Int64Counter("cycling.checkpoint.slots_deleted",
		metric.WithDescription("Number of checkpoint slots deleted by cleanup"),
	)
	if err != nil {
		return nil, err
	}

	cleanupLatency, err := meter.Float64Histogram("cycling.checkpoint.cleanup_latency_ms",
		metric.WithDescription("Cleanup pass latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	phaseLatency, err := meter.Float64Histogram("cycling.cycle.phase_latency_ms",
		metric.WithDescription("Checkpoint cycle phase latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	phaseErrors, err := meter.Int64Counter("cycling.cycle.phase_errors",
		metric.WithDescription("Number of failed checkpoint cycle phases"),
	)
	if err != nil {
		return nil, err
	}

	samplerAdvance, err := meter.Int64Counter("cycling.sampler.advanced",
		metric.WithDescription("Progress units consumed from samplers"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		publishes:      publishes,
		publishLatency: publishLatency,
		slotsDeleted:   slotsDeleted,
		cleanupLatency: cleanupLatency,
		phaseLatency:   phaseLatency,
		phaseErrors:    phaseErrors,
		samplerAdvance: samplerAdvance,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records a pointer swap.
func (m *otelMetrics) RecordPublish(ctx context.Context, name string, force bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("checkpoint", name),
		attribute.Bool("force", force),
	)
	m.publishes.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, Milliseconds(duration), attrs)
}

// RecordCleanup records a cleanup pass.
func (m *otelMetrics) RecordCleanup(ctx context.Context, name string, deleted int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("checkpoint", name))
	m.slotsDeleted.Add(ctx, int64(deleted), attrs)
	m.cleanupLatency.Record(ctx, Milliseconds(duration), attrs)
}

// RecordPhase records a cycle phase.
func (m *otelMetrics) RecordPhase(ctx context.Context, phase string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("phase", phase))
	m.phaseLatency.Record(ctx, Milliseconds(duration), attrs)
	if err != nil {
		m.phaseErrors.Add(ctx, 1, attrs)
	}
}

// RecordSamplerAdvance records consumed progress.
func (m *otelMetrics) RecordSamplerAdvance(ctx context.Context, unit string, n int) {
	m.samplerAdvance.Add(ctx, int64(n), metric.WithAttributes(attribute.String("unit", unit)))
}
