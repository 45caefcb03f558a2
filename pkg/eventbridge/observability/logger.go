// Package observability provides structured logging, metrics, and tracing
// for eventbridge dispatch loops.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds a slog.Logger writing to w.
// format is "json" (default) or "text"; level is debug, info, warn or error.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnrichLogger adds run context to a logger.
// Returns a new logger with run_id and event_name fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "run-123", "workOrderSubmitted")
//	enriched.Info("doing work") // includes run_id, event_name
func EnrichLogger(logger *slog.Logger, runID, eventName string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("event_name", eventName),
	)
}

// LogRunStart logs the start of a dispatch run.
func LogRunStart(logger *slog.Logger, runID, eventName string) {
	if logger == nil {
		return
	}
	logger.Info("dispatch loop starting",
		slog.String("run_id", runID),
		slog.String("event_name", eventName),
	)
}

// LogRunStopped logs a clean dispatch loop exit.
func LogRunStopped(logger *slog.Logger, runID, reason string, durationMs float64, dispatched, skipped int64) {
	if logger == nil {
		return
	}
	logger.Info("dispatch loop stopped",
		slog.String("run_id", runID),
		slog.String("reason", reason),
		slog.Float64("duration_ms", durationMs),
		slog.Int64("dispatched", dispatched),
		slog.Int64("skipped", skipped),
	)
}

// LogRunFailed logs a dispatch loop failure.
func LogRunFailed(logger *slog.Logger, runID string, err error, category string, durationMs float64, dispatched, skipped int64) {
	if logger == nil {
		return
	}
	logger.Error("dispatch loop failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.String("category", category),
		slog.Float64("duration_ms", durationMs),
		slog.Int64("dispatched", dispatched),
		slog.Int64("skipped", skipped),
	)
}

// LogDispatch logs a successful handler invocation.
func LogDispatch(logger *slog.Logger, workOrderID string, sequence uint64, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("work order dispatched",
		slog.String("work_order_id", workOrderID),
		slog.Uint64("sequence", sequence),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDispatchError logs a handler failure.
func LogDispatchError(logger *slog.Logger, workOrderID string, sequence uint64, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("work_order_id", workOrderID),
		slog.Uint64("sequence", sequence),
		slog.String("error", err.Error()),
	)
}

// LogPayloadSkipped logs a payload that was rejected and skipped.
func LogPayloadSkipped(logger *slog.Logger, sequence uint64, reason, field string, err error, total int64) {
	if logger == nil {
		return
	}
	logger.Warn("payload skipped",
		slog.Uint64("sequence", sequence),
		slog.String("reason", reason),
		slog.String("field", field),
		slog.String("error", err.Error()),
		slog.Int64("skipped_total", total),
	)
}

// LogEventDiscarded logs an event received after stop was requested.
func LogEventDiscarded(logger *slog.Logger, sequence uint64) {
	if logger == nil {
		return
	}
	logger.Debug("event discarded after stop request",
		slog.Uint64("sequence", sequence),
	)
}

// LogDeadLetterError logs a dead-letter write failure (non-fatal).
func LogDeadLetterError(logger *slog.Logger, sequence uint64, err error) {
	if logger == nil {
		return
	}
	logger.Warn("dead letter write failed",
		slog.Uint64("sequence", sequence),
		slog.String("error", err.Error()),
	)
}

// LogCloseError logs a subscription close failure (non-fatal).
func LogCloseError(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Warn("subscription close failed",
		slog.String("error", err.Error()),
	)
}
