package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartRunSpan starts a span covering an entire dispatch loop run.
	StartRunSpan(ctx context.Context, eventName, runID string) (context.Context, trace.Span)

	// StartDispatchSpan starts a span for one handler invocation.
	// It should be a child of the run span.
	StartDispatchSpan(ctx context.Context, workOrderID string, sequence uint64) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager that uses the global OTel tracer
// provider. Configure the provider before calling this function:
//
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{tracer: otel.Tracer("eventbridge")}
}

// StartRunSpan starts a span for the whole run.
func (m *otelSpanManager) StartRunSpan(ctx context.Context, eventName, runID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventbridge.run",
		trace.WithAttributes(
			attribute.String("event.name", eventName),
			attribute.String("run.id", runID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartDispatchSpan starts a span for a handler invocation.
func (m *otelSpanManager) StartDispatchSpan(ctx context.Context, workOrderID string, sequence uint64) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventbridge.dispatch",
		trace.WithAttributes(
			attribute.String("work_order.id", workOrderID),
			attribute.Int64("event.sequence", int64(sequence)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
