package eventbridge

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge/observability"
)

// SkipReason classifies a rejected payload.
type SkipReason string

const (
	// SkipMalformed marks payloads that are not a JSON object, or carry a
	// required field of the wrong type.
	SkipMalformed SkipReason = "malformed_payload"

	// SkipMissingField marks payloads lacking a required field.
	SkipMissingField SkipReason = "missing_field"
)

// SkipReport describes one skipped payload.
type SkipReport struct {
	RunID     string
	EventName string
	Sequence  uint64
	Reason    SkipReason
	// Field is the offending field, empty for decode failures.
	Field string
	Err   error
	// Total is the number of payloads skipped so far in this run, including this one.
	Total int64
}

// Sink receives structured reports from a dispatch loop.
// Calls happen on the loop goroutine and should return quickly.
type Sink interface {
	// PayloadSkipped is called once for every rejected payload.
	PayloadSkipped(ctx context.Context, report SkipReport)

	// RunTerminated is called once per run, when Start returns.
	RunTerminated(ctx context.Context, result RunResult)
}

// NopSink discards every report.
type NopSink struct{}

var _ Sink = NopSink{}

// PayloadSkipped does nothing.
func (NopSink) PayloadSkipped(context.Context, SkipReport) {}

// RunTerminated does nothing.
func (NopSink) RunTerminated(context.Context, RunResult) {}

// LogSink writes reports to a slog.Logger. A nil logger discards them.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a Sink that logs through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// PayloadSkipped logs the skipped payload at warn level.
func (s *LogSink) PayloadSkipped(_ context.Context, r SkipReport) {
	observability.LogPayloadSkipped(s.logger, r.Sequence, string(r.Reason), r.Field, r.Err, r.Total)
}

// RunTerminated logs the run outcome.
func (s *LogSink) RunTerminated(_ context.Context, r RunResult) {
	durationMs := float64(r.Duration.Milliseconds())
	if r.Status == RunFailed {
		observability.LogRunFailed(s.logger, r.RunID, r.Err, r.Category.String(), durationMs, r.Dispatched, r.Skipped)
		return
	}
	observability.LogRunStopped(s.logger, r.RunID, r.Reason, durationMs, r.Dispatched, r.Skipped)
}

// MultiSink forwards every report to each sink in order.
type MultiSink []Sink

// PayloadSkipped implements Sink.
func (m MultiSink) PayloadSkipped(ctx context.Context, r SkipReport) {
	for _, s := range m {
		if s != nil {
			s.PayloadSkipped(ctx, r)
		}
	}
}

// RunTerminated implements Sink.
func (m MultiSink) RunTerminated(ctx context.Context, r RunResult) {
	for _, s := range m {
		if s != nil {
			s.RunTerminated(ctx, r)
		}
	}
}
