package eventbridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Test fixtures shared across tests.

const testEvent = "workOrderSubmitted"

func workOrder(id string) string {
	return fmt.Sprintf(`{"workOrderId":%q,"workerId":"worker-1","requesterId":"req-1"}`, id)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// step is one scripted Next result.
type step struct {
	payload string
	err     error
}

// scriptedSub replays steps in order. Once the script runs out it returns
// ErrEndOfStream, or blocks until ctx is done when block is set.
type scriptedSub struct {
	name  string
	block bool

	mu     sync.Mutex
	steps  []step
	seq    uint64
	closes atomic.Int32

	// onNext runs before each Next returns.
	onNext func(n int)
	nexts  int
}

var _ Subscription = (*scriptedSub)(nil)

func newScriptedSub(payloads ...string) *scriptedSub {
	s := &scriptedSub{name: testEvent}
	for _, p := range payloads {
		s.steps = append(s.steps, step{payload: p})
	}
	return s
}

func (s *scriptedSub) EventName() string { return s.name }

func (s *scriptedSub) Next(ctx context.Context) (Event, error) {
	s.mu.Lock()
	s.nexts++
	n := s.nexts
	if s.closes.Load() > 0 {
		s.mu.Unlock()
		return Event{}, ErrSubscriptionClosed
	}
	if len(s.steps) == 0 {
		s.mu.Unlock()
		if s.block {
			<-ctx.Done()
			return Event{}, ctx.Err()
		}
		return Event{}, ErrEndOfStream
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	s.seq++
	seq := s.seq
	hook := s.onNext
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if st.err != nil {
		return Event{}, st.err
	}
	return Event{Name: s.name, Payload: st.payload, Sequence: seq, ReceivedAt: time.Now()}, nil
}

func (s *scriptedSub) Close() error {
	s.closes.Add(1)
	return nil
}

// recorder is a Handler that records every call.
type recorder struct {
	mu    sync.Mutex
	calls []WorkOrderRequest
	fn    func(req WorkOrderRequest) error
}

func (r *recorder) HandleWorkOrder(_ context.Context, workOrderID, workerID, requesterID, raw string) error {
	req := WorkOrderRequest{WorkOrderID: workOrderID, WorkerID: workerID, RequesterID: requesterID, Raw: raw}
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(req)
	}
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.calls))
	for i, c := range r.calls {
		ids[i] = c.WorkOrderID
	}
	return ids
}

// captureSink records every report it receives.
type captureSink struct {
	mu      sync.Mutex
	skips   []SkipReport
	results []RunResult
}

func (c *captureSink) PayloadSkipped(_ context.Context, r SkipReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skips = append(c.skips, r)
}

func (c *captureSink) RunTerminated(_ context.Context, r RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}
