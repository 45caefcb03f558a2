package eventbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge/deadletter"
	bridgeerrors "github.com/randalmurphal/eventbridge/pkg/eventbridge/errors"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/observability"
)

// State is the lifecycle state of a DispatchLoop.
type State int32

const (
	// StateIdle is a constructed loop that has not started.
	StateIdle State = iota
	// StateRunning is a loop pulling and dispatching events.
	StateRunning
	// StateStopping is a loop that has been asked to stop but has not exited.
	StateStopping
	// StateStopped is the terminal state after a clean exit.
	StateStopped
	// StateFailed is the terminal state after an unrecoverable error.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RunStatus is the terminal outcome of Start.
type RunStatus int

const (
	// RunStopped is a clean exit: stop requested, context cancelled or end of stream.
	RunStopped RunStatus = iota
	// RunFailed is an exit that needs caller intervention.
	RunFailed
)

// String returns the status name.
func (s RunStatus) String() string {
	if s == RunFailed {
		return "failed"
	}
	return "stopped"
}

// Reasons reported for clean exits.
const (
	ReasonStopRequested = "stop requested"
	ReasonEndOfStream   = "end of stream"
)

// RunResult describes how a dispatch run ended. Reason is never empty.
type RunResult struct {
	RunID     string
	EventName string
	Status    RunStatus
	Reason    string
	// Err is the terminal error. Nil when Status is RunStopped.
	Err error
	// Category classifies Err. Meaningful only when Status is RunFailed.
	Category   bridgeerrors.Category
	Dispatched int64
	Skipped    int64
	Duration   time.Duration
}

// Stats is a point-in-time snapshot of a loop.
type Stats struct {
	State      State
	Dispatched int64
	Skipped    int64
}

// DispatchLoop pulls events from one subscription, decodes them and invokes a
// handler for every valid work order, strictly in arrival order.
//
// A DispatchLoop runs once. Stop may be called from any goroutine, any
// number of times, before or during Start.
type DispatchLoop struct {
	cfg   loopConfig
	runID string

	state         atomic.Int32
	stopRequested atomic.Bool
	stopCh        chan struct{}
	stopOnce      sync.Once

	dispatched atomic.Int64
	skipped    atomic.Int64
}

// NewDispatchLoop creates an idle loop.
func NewDispatchLoop(opts ...LoopOption) *DispatchLoop {
	cfg := defaultLoopConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sink == nil {
		cfg.sink = NewLogSink(cfg.logger)
	}
	return &DispatchLoop{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (l *DispatchLoop) State() State {
	return State(l.state.Load())
}

// Stats returns a snapshot of the loop's counters.
func (l *DispatchLoop) Stats() Stats {
	return Stats{
		State:      l.State(),
		Dispatched: l.dispatched.Load(),
		Skipped:    l.skipped.Load(),
	}
}

// Stop requests cancellation. The request is level-triggered: a Stop issued
// before Start makes Start return immediately. After Stop, the handler is
// not invoked for any event received from a Next call that was pending when
// the request was observed; a handler invocation already in progress is
// allowed to finish.
func (l *DispatchLoop) Stop() {
	l.stopRequested.Store(true)
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
}

// Start runs the loop until it is stopped, the subscription ends, the
// subscription fails, or the handler fails. It blocks the calling goroutine
// and always closes sub before returning.
//
// Cancelling ctx is treated like Stop. The handler's context is derived from
// ctx, not from Stop, so an in-flight invocation is never interrupted by Stop.
//
// Execution flow:
//  1. Check for a stop request
//  2. Pull the next event
//  3. Discard it if stop was requested meanwhile
//  4. Decode and validate the payload, skipping it on failure
//  5. Invoke the handler
//  6. Repeat
func (l *DispatchLoop) Start(ctx context.Context, sub Subscription, h Handler) (result RunResult) {
	if ctx == nil {
		ctx = context.Background()
	}

	result.RunID = l.cfg.runID
	if result.RunID == "" {
		result.RunID = uuid.NewString()
	}
	if sub != nil {
		result.EventName = sub.EventName()
	}

	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		closeSubscription(sub, l.cfg.logger)
		result.Status = RunFailed
		result.Err = ErrLoopStarted
		result.Reason = ErrLoopStarted.Error()
		result.Category = bridgeerrors.CategoryPermanent
		return result
	}

	l.runID = result.RunID
	start := time.Now()
	logger := observability.EnrichLogger(l.cfg.logger, result.RunID, result.EventName)
	observability.LogRunStart(logger, result.RunID, result.EventName)

	spanCtx, runSpan := l.cfg.spans.StartRunSpan(ctx, result.EventName, result.RunID)
	defer func() {
		l.cfg.spans.EndSpanWithError(runSpan, result.Err)
	}()

	defer func() {
		result.Dispatched = l.dispatched.Load()
		result.Skipped = l.skipped.Load()
		result.Duration = time.Since(start)
		l.cfg.metrics.RecordRun(spanCtx, result.EventName, result.Status.String(), result.Duration)
		l.cfg.sink.RunTerminated(context.WithoutCancel(spanCtx), result)
	}()

	switch {
	case sub == nil:
		return l.fail(result, nil, logger, ErrNilSubscription)
	case h == nil:
		return l.fail(result, sub, logger, ErrNilHandler)
	}

	// Next is bounded by Stop and by ctx; the handler only by ctx.
	nextCtx, cancel := context.WithCancel(spanCtx)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-nextCtx.Done():
		}
	}()

	for {
		if l.stopRequested.Load() {
			return l.stop(result, sub, logger, ReasonStopRequested)
		}

		evt, err := sub.Next(nextCtx)

		if l.stopRequested.Load() {
			if err == nil {
				observability.LogEventDiscarded(logger, evt.Sequence)
			}
			return l.stop(result, sub, logger, ReasonStopRequested)
		}

		if err != nil {
			switch {
			case errors.Is(err, ErrEndOfStream):
				return l.stop(result, sub, logger, ReasonEndOfStream)
			case ctx.Err() != nil:
				return l.stop(result, sub, logger, fmt.Sprintf("context done: %v", ctx.Err()))
			default:
				return l.fail(result, sub, logger, fmt.Errorf("next event: %w", err))
			}
		}

		if err := l.process(spanCtx, logger, evt, h); err != nil {
			return l.fail(result, sub, logger, err)
		}
	}
}

// process decodes one event and dispatches it. Only handler failures are
// returned; payload failures are reported and swallowed.
func (l *DispatchLoop) process(ctx context.Context, logger *slog.Logger, evt Event, h Handler) error {
	payload, err := ExtractPayload(evt.Payload, l.cfg.payloadPath)
	if err != nil {
		l.skip(ctx, logger, evt, payload, err)
		return nil
	}

	req, err := DecodeWorkOrder(payload)
	if err != nil {
		l.skip(ctx, logger, evt, payload, err)
		return nil
	}

	dispatchCtx, span := l.cfg.spans.StartDispatchSpan(ctx, req.WorkOrderID, evt.Sequence)
	start := time.Now()

	err = invoke(dispatchCtx, h, req)

	elapsed := time.Since(start)
	l.cfg.metrics.RecordDispatch(dispatchCtx, evt.Name, elapsed, err)
	l.cfg.spans.EndSpanWithError(span, err)

	if err != nil {
		observability.LogDispatchError(logger, req.WorkOrderID, evt.Sequence, err)
		return &HandlerError{WorkOrderID: req.WorkOrderID, Sequence: evt.Sequence, Err: err}
	}

	l.dispatched.Add(1)
	observability.LogDispatch(logger, req.WorkOrderID, evt.Sequence, float64(elapsed.Milliseconds()))
	return nil
}

// skip records a rejected payload. payload is the extracted inner payload
// when extraction succeeded, otherwise the full event payload.
func (l *DispatchLoop) skip(ctx context.Context, logger *slog.Logger, evt Event, payload string, err error) {
	if payload == "" {
		payload = evt.Payload
	}

	var pe *PayloadError
	if errors.As(err, &pe) {
		pe.EventName = evt.Name
		pe.Sequence = evt.Sequence
	}

	reason := SkipMalformed
	if errors.Is(err, ErrMissingField) {
		reason = SkipMissingField
	}
	field := ""
	if pe != nil {
		field = pe.Field
	}

	total := l.skipped.Add(1)
	l.cfg.metrics.RecordSkipped(ctx, evt.Name, string(reason))
	l.cfg.spans.AddSpanEvent(ctx, "payload.skipped")

	if l.cfg.deadLetters != nil {
		entry := deadletter.NewEntry(evt.Name, evt.Sequence, payload, string(reason), field, err)
		if _, dlErr := l.cfg.deadLetters.Add(ctx, entry); dlErr != nil {
			observability.LogDeadLetterError(logger, evt.Sequence, dlErr)
		}
	}

	l.cfg.sink.PayloadSkipped(ctx, SkipReport{
		RunID:     l.runID,
		EventName: evt.Name,
		Sequence:  evt.Sequence,
		Reason:    reason,
		Field:     field,
		Err:       err,
		Total:     total,
	})
}

func (l *DispatchLoop) stop(result RunResult, sub Subscription, logger *slog.Logger, reason string) RunResult {
	l.state.Store(int32(StateStopping))
	closeSubscription(sub, logger)
	l.state.Store(int32(StateStopped))

	result.Status = RunStopped
	result.Reason = reason
	return result
}

func (l *DispatchLoop) fail(result RunResult, sub Subscription, logger *slog.Logger, err error) RunResult {
	closeSubscription(sub, logger)
	l.state.Store(int32(StateFailed))

	result.Status = RunFailed
	result.Err = err
	result.Reason = err.Error()
	result.Category = categorize(err)
	return result
}

func closeSubscription(sub Subscription, logger *slog.Logger) {
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		observability.LogCloseError(logger, err)
	}
}

// invoke calls the handler with panic recovery.
func invoke(ctx context.Context, h Handler, req WorkOrderRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{
				Value: r,
				Stack: string(debug.Stack()),
			}
		}
	}()
	return h.HandleWorkOrder(ctx, req.WorkOrderID, req.WorkerID, req.RequesterID, req.Raw)
}

// categorize adds source unavailability to the generic categorization.
func categorize(err error) bridgeerrors.Category {
	if errors.Is(err, ErrSourceUnavailable) {
		return bridgeerrors.CategoryTransient
	}
	return bridgeerrors.Categorize(err)
}
