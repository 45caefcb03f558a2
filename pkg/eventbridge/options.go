package eventbridge

import (
	"log/slog"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge/deadletter"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/observability"
)

// loopConfig holds configuration for a dispatch loop.
type loopConfig struct {
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	sink        Sink
	deadLetters deadletter.Store
	payloadPath []string
	runID       string
}

// defaultLoopConfig returns the default loop configuration.
func defaultLoopConfig() loopConfig {
	return loopConfig{
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
}

// LoopOption configures a DispatchLoop.
type LoopOption func(*loopConfig)

// WithLogger sets the logger for lifecycle and dispatch logging.
// When no sink is configured, skip and termination reports are logged here too.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(c *loopConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder. A nil recorder disables metrics.
func WithMetrics(m observability.MetricsRecorder) LoopOption {
	return func(c *loopConfig) {
		if m == nil {
			m = observability.NoopMetrics{}
		}
		c.metrics = m
	}
}

// WithTracing sets the span manager. A nil manager disables tracing.
//
// Example:
//
//	loop := eventbridge.NewDispatchLoop(eventbridge.WithTracing(observability.NewSpanManager()))
func WithTracing(spans observability.SpanManager) LoopOption {
	return func(c *loopConfig) {
		if spans == nil {
			spans = observability.NoopSpanManager{}
		}
		c.spans = spans
	}
}

// WithSink sets the structured sink that receives skip counts and terminal reasons.
func WithSink(s Sink) LoopOption {
	return func(c *loopConfig) {
		c.sink = s
	}
}

// WithDeadLetter records every skipped payload in store.
// Store failures are logged and never stop the loop.
func WithDeadLetter(store deadletter.Store) LoopOption {
	return func(c *loopConfig) {
		c.deadLetters = store
	}
}

// WithPayloadPath treats each event payload as a JSON envelope and reads the
// work order request string found at path. The extracted string is what the
// handler receives as rawParams.
//
// Example:
//
//	// {"args":{"workOrderRequest":"{\"workOrderId\":...}"}}
//	eventbridge.WithPayloadPath("args", "workOrderRequest")
func WithPayloadPath(path ...string) LoopOption {
	return func(c *loopConfig) {
		c.payloadPath = append([]string(nil), path...)
	}
}

// WithRunID sets the run identifier. Default: a random UUID.
func WithRunID(id string) LoopOption {
	return func(c *loopConfig) {
		c.runID = id
	}
}
