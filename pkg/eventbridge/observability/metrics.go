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

// MetricsRecorder records dispatch loop metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusMetrics for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordDispatch records a handler invocation with its duration and error status.
	RecordDispatch(ctx context.Context, eventName string, duration time.Duration, err error)

	// RecordSkipped records a payload rejected with the given reason.
	RecordSkipped(ctx context.Context, eventName, reason string)

	// RecordRun records a dispatch loop exit with its terminal status.
	RecordRun(ctx context.Context, eventName, status string, duration time.Duration)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	dispatchErrors  metric.Int64Counter
	skipped         metric.Int64Counter
	runs            metric.Int64Counter
	runDuration     metric.Float64Histogram
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

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventbridge")

	dispatches, err := meter.Int64Counter("eventbridge.dispatch.count",
		metric.WithDescription("Number of handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("eventbridge.dispatch.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	dispatchErrors, err := meter.Int64Counter("eventbridge.dispatch.errors",
		metric.WithDescription("Number of handler errors"),
	)
	if err != nil {
		return nil, err
	}

	skipped, err := meter.Int64Counter("eventbridge.payload.skipped",
		metric.WithDescription("Number of payloads skipped as malformed"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("eventbridge.run.count",
		metric.WithDescription("Number of dispatch loop exits"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("eventbridge.run.duration_ms",
		metric.WithDescription("Dispatch loop run duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		dispatches:      dispatches,
		dispatchLatency: dispatchLatency,
		dispatchErrors:  dispatchErrors,
		skipped:         skipped,
		runs:            runs,
		runDuration:     runDuration,
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

// RecordDispatch records a handler invocation.
func (m *otelMetrics) RecordDispatch(ctx context.Context, eventName string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("event_name", eventName))

	m.dispatches.Add(ctx, 1, attrs)
	m.dispatchLatency.Record(ctx, float64(duration.Milliseconds()), attrs)

	if err != nil {
		m.dispatchErrors.Add(ctx, 1, attrs)
	}
}

// RecordSkipped records a skipped payload.
func (m *otelMetrics) RecordSkipped(ctx context.Context, eventName, reason string) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_name", eventName),
		attribute.String("reason", reason),
	))
}

// RecordRun records a dispatch loop exit.
func (m *otelMetrics) RecordRun(ctx context.Context, eventName, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_name", eventName),
		attribute.String("status", status),
	)
	m.runs.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// multiRecorder fans out to several recorders.
type multiRecorder []MetricsRecorder

// Combine returns a MetricsRecorder that records to every non-nil recorder.
func Combine(recorders ...MetricsRecorder) MetricsRecorder {
	var out multiRecorder
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return NoopMetrics{}
	case 1:
		return out[0]
	}
	return out
}

func (m multiRecorder) RecordDispatch(ctx context.Context, eventName string, duration time.Duration, err error) {
	for _, r := range m {
		r.RecordDispatch(ctx, eventName, duration, err)
	}
}

func (m multiRecorder) RecordSkipped(ctx context.Context, eventName, reason string) {
	for _, r := range m {
		r.RecordSkipped(ctx, eventName, reason)
	}
}

func (m multiRecorder) RecordRun(ctx context.Context, eventName, status string, duration time.Duration) {
	for _, r := range m {
		r.RecordRun(ctx, eventName, status, duration)
	}
}
