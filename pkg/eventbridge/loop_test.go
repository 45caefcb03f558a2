package eventbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge/deadletter"
	bridgeerrors "github.com/randalmurphal/eventbridge/pkg/eventbridge/errors"
)

// TestStart_DispatchesValidPayload tests the handler receives the extracted fields.
func TestStart_DispatchesValidPayload(t *testing.T) {
	raw := `{"workOrderId":"wo-1","workerId":"k-9","requesterId":"r-3","priority":5}`
	sub := newScriptedSub(raw)
	h := &recorder{}

	result := NewDispatchLoop().Start(testCtx(t), sub, h)

	assert.Equal(t, RunStopped, result.Status)
	assert.Equal(t, ReasonEndOfStream, result.Reason)
	assert.Equal(t, int64(1), result.Dispatched)
	require.Len(t, h.calls, 1)
	assert.Equal(t, WorkOrderRequest{WorkOrderID: "wo-1", WorkerID: "k-9", RequesterID: "r-3", Raw: raw}, h.calls[0])
}

// TestStart_SkipsMalformedPayloads tests bad payloads never reach the handler
// and never end the run.
func TestStart_SkipsMalformedPayloads(t *testing.T) {
	sub := newScriptedSub(
		workOrder("a"),
		"not json",
		`["array"]`,
		"null",
		`{"workOrderId":"b","workerId":"k"}`,
		`{"workOrderId":7,"workerId":"k","requesterId":"r"}`,
		`{"workOrderId":null,"workerId":"k","requesterId":"r"}`,
		workOrder("c"),
	)
	h := &recorder{}
	sink := &captureSink{}

	result := NewDispatchLoop(WithSink(sink)).Start(testCtx(t), sub, h)

	assert.Equal(t, RunStopped, result.Status)
	assert.Equal(t, []string{"a", "c"}, h.ids())
	assert.Equal(t, int64(2), result.Dispatched)
	assert.Equal(t, int64(6), result.Skipped)

	require.Len(t, sink.skips, 6)
	reasons := make([]SkipReason, len(sink.skips))
	for i, s := range sink.skips {
		reasons[i] = s.Reason
		assert.Equal(t, int64(i+1), s.Total)
		assert.Equal(t, testEvent, s.EventName)
	}
	assert.Equal(t, []SkipReason{
		SkipMalformed, SkipMalformed, SkipMalformed,
		SkipMissingField, SkipMalformed, SkipMissingField,
	}, reasons)
	assert.Equal(t, FieldRequesterID, sink.skips[3].Field)
	assert.Equal(t, uint64(5), sink.skips[3].Sequence)
	assert.ErrorIs(t, sink.skips[0].Err, ErrMalformedPayload)
}

// TestStart_DispatchesEmptyFields tests empty and blank strings count as
// present values.
func TestStart_DispatchesEmptyFields(t *testing.T) {
	empty := `{"workOrderId":"","workerId":"wk-1","requesterId":"req-1"}`
	blank := `{"workOrderId":"  ","workerId":"wk-1","requesterId":""}`
	h := &recorder{}

	result := NewDispatchLoop().Start(testCtx(t), newScriptedSub(empty, blank), h)

	assert.Equal(t, RunStopped, result.Status)
	assert.Equal(t, int64(2), result.Dispatched)
	assert.Zero(t, result.Skipped)
	require.Len(t, h.calls, 2)
	assert.Equal(t, WorkOrderRequest{WorkerID: "wk-1", RequesterID: "req-1", Raw: empty}, h.calls[0])
	assert.Equal(t, WorkOrderRequest{WorkOrderID: "  ", WorkerID: "wk-1", Raw: blank}, h.calls[1])
}

// TestStart_PreservesOrder tests events are dispatched in arrival order.
func TestStart_PreservesOrder(t *testing.T) {
	var payloads []string
	var want []string
	for i := range 50 {
		id := fmt.Sprintf("wo-%02d", i)
		payloads = append(payloads, workOrder(id))
		want = append(want, id)
	}
	h := &recorder{}

	result := NewDispatchLoop().Start(testCtx(t), newScriptedSub(payloads...), h)

	assert.Equal(t, RunStopped, result.Status)
	assert.Equal(t, want, h.ids())
}

// TestStart_HandlerErrorFails tests a handler error ends the run as failed.
func TestStart_HandlerErrorFails(t *testing.T) {
	boom := errors.New("downstream rejected")
	sub := newScriptedSub(workOrder("a"), workOrder("b"), workOrder("c"))
	h := &recorder{fn: func(req WorkOrderRequest) error {
		if req.WorkOrderID == "b" {
			return boom
		}
		return nil
	}}

	loop := NewDispatchLoop()
	result := loop.Start(testCtx(t), sub, h)

	assert.Equal(t, RunFailed, result.Status)
	assert.Equal(t, StateFailed, loop.State())
	assert.Equal(t, []string{"a", "b"}, h.ids())
	assert.Equal(t, int64(1), result.Dispatched)
	assert.ErrorIs(t, result.Err, boom)
	assert.NotEmpty(t, result.Reason)

	var he *HandlerError
	require.ErrorAs(t, result.Err, &he)
	assert.Equal(t, "b", he.WorkOrderID)
	assert.Equal(t, uint64(2), he.Sequence)
	assert.Equal(t, int32(1), sub.closes.Load())
}

// TestStart_HandlerErrorCategory tests categorized handler errors surface on the result.
func TestStart_HandlerErrorCategory(t *testing.T) {
	h := HandlerFunc(func(context.Context, string, string, string, string) error {
		return bridgeerrors.Transient(errors.New("503"), "post")
	})

	result := NewDispatchLoop().Start(testCtx(t), newScriptedSub(workOrder("a")), h)

	assert.Equal(t, RunFailed, result.Status)
	assert.Equal(t, bridgeerrors.CategoryTransient, result.Category)
}

// TestStart_HandlerPanicFails tests a panicking handler is recovered and fails the run.
func TestStart_HandlerPanicFails(t *testing.T) {
	h := HandlerFunc(func(context.Context, string, string, string, string) error {
		panic("handler exploded")
	})

	result := NewDispatchLoop().Start(testCtx(t), newScriptedSub(workOrder("a")), h)

	assert.Equal(t, RunFailed, result.Status)
	var pe *PanicError
	require.ErrorAs(t, result.Err, &pe)
	assert.Equal(t, "handler exploded", pe.Value)
	assert.Contains(t, pe.Stack, "goroutine")
}

// TestStart_NextErrorFails tests a transport error ends the run as failed and transient.
func TestStart_NextErrorFails(t *testing.T) {
	sub := newScriptedSub(workOrder("a"))
	sub.steps = append(sub.steps, step{err: fmt.Errorf("%w: connection reset", ErrSourceUnavailable)})
	h := &recorder{}

	result := NewDispatchLoop().Start(testCtx(t), sub, h)

	assert.Equal(t, RunFailed, result.Status)
	assert.ErrorIs(t, result.Err, ErrSourceUnavailable)
	assert.Equal(t, bridgeerrors.CategoryTransient, result.Category)
	assert.Equal(t, []string{"a"}, h.ids())
}

// TestStop_BeforeStart tests a stop request issued before Start is honoured.
func TestStop_BeforeStart(t *testing.T) {
	sub := newScriptedSub(workOrder("a"))
	h := &recorder{}

	loop := NewDispatchLoop()
	loop.Stop()
	result := loop.Start(testCtx(t), sub, h)

	assert.Equal(t, RunStopped, result.Status)
	assert.Equal(t, ReasonStopRequested, result.Reason)
	assert.Empty(t, h.calls)
	assert.Equal(t, StateStopped, loop.State())
	assert.Equal(t, int32(1), sub.closes.Load())
}

// TestStop_Idempotent tests repeated and concurrent Stop calls.
func TestStop_Idempotent(t *testing.T) {
	sub := newScriptedSub()
	sub.block = true
	loop := NewDispatchLoop()

	done := make(chan RunResult, 1)
	go func() { done <- loop.Start(testCtx(t), sub, &recorder{}) }()

	require.Eventually(t, func() bool { return loop.State() == StateRunning }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Stop()
		}()
	}
	wg.Wait()

	select {
	case result := <-done:
		assert.Equal(t, RunStopped, result.Status)
		assert.Equal(t, ReasonStopRequested, result.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}

	loop.Stop()
	assert.Equal(t, StateStopped, loop.State())
}

// TestStop_FromHandler tests stopping inside the handler finishes that call
// and dispatches nothing further.
func TestStop_FromHandler(t *testing.T) {
	sub := newScriptedSub(workOrder("a"), workOrder("b"), workOrder("c"))
	loop := NewDispatchLoop()
	h := &recorder{}
	h.fn = func(req WorkOrderRequest) error {
		if req.WorkOrderID == "a" {
			loop.Stop()
			assert.Equal(t, StateStopping, loop.State())
		}
		return nil
	}

	result := loop.Start(testCtx(t), sub, h)

	assert.Equal(t, RunStopped, result.Status)
	assert.Equal(t, []string{"a"}, h.ids())
	assert.Equal(t, int64(1), result.Dispatched)
}

// TestStop_DiscardsEventFromPendingNext tests an event delivered after stop
// was requested is not dispatched.
func TestStop_DiscardsEventFromPendingNext(t *testing.T) {
	sub := newScriptedSub(workOrder("a"), workOrder("b"))
	loop := NewDispatchLoop()
	sub.onNext = func(n int) {
		if n == 2 {
			loop.Stop()
		}
	}
	h := &recorder{}

	result := loop.Start(testCtx(t), sub, h)

	assert.Equal(t, RunStopped, result.Status)
	assert.Equal(t, []string{"a"}, h.ids())
}

// TestStop_DoesNotCancelHandler tests an in-flight handler keeps a live context.
func TestStop_DoesNotCancelHandler(t *testing.T) {
	loop := NewDispatchLoop()
	var handlerCtxErr error
	h := HandlerFunc(func(ctx context.Context, _, _, _, _ string) error {
		loop.Stop()
		handlerCtxErr = ctx.Err()
		return nil
	})

	result := loop.Start(testCtx(t), newScriptedSub(workOrder("a")), h)

	assert.Equal(t, RunStopped, result.Status)
	assert.NoError(t, handlerCtxErr)
}

// TestStart_ContextCancelStops tests cancelling ctx is a clean stop.
func TestStart_ContextCancelStops(t *testing.T) {
	sub := newScriptedSub()
	sub.block = true
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan RunResult, 1)
	go func() { done <- NewDispatchLoop().Start(ctx, sub, &recorder{}) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case result := <-done:
		assert.Equal(t, RunStopped, result.Status)
		assert.Contains(t, result.Reason, "context")
		assert.NoError(t, result.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

// TestStart_OnlyOnce tests a loop cannot be started twice and that the
// rejected subscription is still closed.
func TestStart_OnlyOnce(t *testing.T) {
	loop := NewDispatchLoop()
	first := loop.Start(testCtx(t), newScriptedSub(), &recorder{})
	require.Equal(t, RunStopped, first.Status)

	sub := newScriptedSub(workOrder("a"))
	h := &recorder{}
	second := loop.Start(testCtx(t), sub, h)
	assert.Equal(t, RunFailed, second.Status)
	assert.ErrorIs(t, second.Err, ErrLoopStarted)
	assert.Equal(t, int32(1), sub.closes.Load())
	assert.Empty(t, h.calls)
	assert.Equal(t, StateStopped, loop.State())
}

// TestStart_NilArguments tests nil subscription and handler are rejected.
func TestStart_NilArguments(t *testing.T) {
	result := NewDispatchLoop().Start(testCtx(t), nil, &recorder{})
	assert.Equal(t, RunFailed, result.Status)
	assert.ErrorIs(t, result.Err, ErrNilSubscription)

	sub := newScriptedSub(workOrder("a"))
	result = NewDispatchLoop().Start(testCtx(t), sub, nil)
	assert.Equal(t, RunFailed, result.Status)
	assert.ErrorIs(t, result.Err, ErrNilHandler)
	assert.Equal(t, bridgeerrors.CategoryPermanent, result.Category)
	assert.Equal(t, int32(1), sub.closes.Load())
}

// TestStart_PayloadPath tests envelope extraction.
func TestStart_PayloadPath(t *testing.T) {
	inner := workOrder("wrapped")
	envelope := fmt.Sprintf(`{"args":{"workOrderRequest":%q}}`, inner)
	sub := newScriptedSub(envelope, `{"args":{}}`)
	h := &recorder{}
	sink := &captureSink{}

	loop := NewDispatchLoop(WithPayloadPath("args", "workOrderRequest"), WithSink(sink))
	result := loop.Start(testCtx(t), sub, h)

	assert.Equal(t, RunStopped, result.Status)
	require.Len(t, h.calls, 1)
	assert.Equal(t, inner, h.calls[0].Raw)
	require.Len(t, sink.skips, 1)
	assert.Equal(t, SkipMissingField, sink.skips[0].Reason)
	assert.Equal(t, "args.workOrderRequest", sink.skips[0].Field)
}

// TestStart_DeadLetters tests skipped payloads land in the dead-letter store.
func TestStart_DeadLetters(t *testing.T) {
	store := deadletter.NewMemoryStore()
	sub := newScriptedSub("not json", workOrder("a"), "not json", `{"workOrderId":"x"}`)

	result := NewDispatchLoop(WithDeadLetter(store), WithSink(NopSink{})).Start(testCtx(t), sub, &recorder{})
	assert.Equal(t, int64(3), result.Skipped)

	entries, err := store.List(context.Background(), testEvent, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "not json", entries[0].Payload)
	assert.Equal(t, 2, entries[0].Hits)
	assert.Equal(t, string(SkipMalformed), entries[0].Reason)
	assert.Equal(t, string(SkipMissingField), entries[1].Reason)
	assert.Equal(t, FieldWorkerID, entries[1].Field)
}

// TestStart_SinkReceivesTermination tests the sink gets one terminal report.
func TestStart_SinkReceivesTermination(t *testing.T) {
	sink := &captureSink{}
	result := NewDispatchLoop(WithSink(sink), WithRunID("run-42")).
		Start(testCtx(t), newScriptedSub(workOrder("a"), "bad"), &recorder{})

	require.Len(t, sink.results, 1)
	got := sink.results[0]
	assert.Equal(t, "run-42", got.RunID)
	assert.Equal(t, result.RunID, got.RunID)
	assert.Equal(t, RunStopped, got.Status)
	assert.Equal(t, ReasonEndOfStream, got.Reason)
	assert.Equal(t, int64(1), got.Dispatched)
	assert.Equal(t, int64(1), got.Skipped)
	assert.Equal(t, testEvent, got.EventName)
}

// TestStats tests counters are visible while running.
func TestStats(t *testing.T) {
	loop := NewDispatchLoop(WithSink(NopSink{}))
	assert.Equal(t, Stats{State: StateIdle}, loop.Stats())

	var mid Stats
	sub := newScriptedSub(workOrder("a"), "bad", workOrder("b"))
	h := &recorder{fn: func(req WorkOrderRequest) error {
		if req.WorkOrderID == "b" {
			mid = loop.Stats()
		}
		return nil
	}}
	loop.Start(testCtx(t), sub, h)

	assert.Equal(t, Stats{State: StateRunning, Dispatched: 1, Skipped: 1}, mid)
	assert.Equal(t, Stats{State: StateStopped, Dispatched: 2, Skipped: 1}, loop.Stats())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.Equal(t, "failed", RunFailed.String())
	assert.Equal(t, "stopped", RunStopped.String())
}
