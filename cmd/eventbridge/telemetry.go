package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge/config"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/observability"
)

// telemetry holds the metrics and tracing wiring of one run.
type telemetry struct {
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	shutdown []func(context.Context) error
}

// setupTelemetry builds the recorders selected by cfg. Exporters that need
// a network endpoint are created lazily by the OTel SDK, so this only fails
// on invalid settings.
func setupTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*telemetry, error) {
	t := &telemetry{
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.Tracing.ServiceName))

	if cfg.Metrics.Enabled {
		switch cfg.Metrics.Exporter {
		case config.ExporterPrometheus:
			t.metrics = observability.NewPrometheusMetrics(prometheus.DefaultRegisterer)
			t.shutdown = append(t.shutdown, serveMetrics(cfg.Metrics.Address, logger))

		case config.ExporterOTel:
			opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Tracing.Endpoint)}
			if cfg.Tracing.Insecure {
				opts = append(opts, otlpmetricgrpc.WithInsecure())
			}
			exp, err := otlpmetricgrpc.New(ctx, opts...)
			if err != nil {
				return nil, fmt.Errorf("creating metric exporter: %w", err)
			}
			mp := sdkmetric.NewMeterProvider(
				sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
				sdkmetric.WithResource(res),
			)
			otel.SetMeterProvider(mp)
			t.metrics = observability.NewMetricsRecorder()
			t.shutdown = append(t.shutdown, mp.Shutdown)
		}
	}

	if cfg.Tracing.Enabled {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Tracing.Endpoint)}
		if cfg.Tracing.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("creating trace exporter: %w", err), t.close(ctx))
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		t.spans = observability.NewSpanManager()
		t.shutdown = append(t.shutdown, tp.Shutdown)
	}

	return t, nil
}

// close flushes exporters and stops the metrics server, in reverse order.
func (t *telemetry) close(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

// serveMetrics exposes the default Prometheus registry on addr.
func serveMetrics(addr string, logger *slog.Logger) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return srv.Shutdown
}
