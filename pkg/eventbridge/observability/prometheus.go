package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements MetricsRecorder with Prometheus collectors.
type PrometheusMetrics struct {
	Dispatches       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	Skipped          *prometheus.CounterVec
	Runs             *prometheus.CounterVec
}

var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the eventbridge collectors with reg.
// Pass prometheus.DefaultRegisterer to expose them through promhttp.Handler().
// Registering twice on the same registry panics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbridge_dispatches_total",
				Help: "The total number of handler invocations",
			},
			[]string{"event_name", "status"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventbridge_dispatch_duration_seconds",
				Help:    "The duration of handler invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_name"},
		),
		Skipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbridge_payloads_skipped_total",
				Help: "The total number of payloads skipped as malformed",
			},
			[]string{"event_name", "reason"},
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbridge_runs_total",
				Help: "The total number of dispatch loop exits",
			},
			[]string{"event_name", "status"},
		),
	}
}

// RecordDispatch records a handler invocation.
func (p *PrometheusMetrics) RecordDispatch(_ context.Context, eventName string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.Dispatches.WithLabelValues(eventName, status).Inc()
	p.DispatchDuration.WithLabelValues(eventName).Observe(duration.Seconds())
}

// RecordSkipped records a skipped payload.
func (p *PrometheusMetrics) RecordSkipped(_ context.Context, eventName, reason string) {
	p.Skipped.WithLabelValues(eventName, reason).Inc()
}

// RecordRun records a dispatch loop exit.
func (p *PrometheusMetrics) RecordRun(_ context.Context, eventName, status string, _ time.Duration) {
	p.Runs.WithLabelValues(eventName, status).Inc()
}
