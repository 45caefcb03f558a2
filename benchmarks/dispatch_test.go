package benchmarks

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/deadletter"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/observability"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/source/memory"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/source/sqllog"
)

const eventName = "workOrderSubmitted"

var nopHandler = eventbridge.HandlerFunc(func(context.Context, string, string, string, string) error {
	return nil
})

func payload(i int) string {
	return fmt.Sprintf(`{"workOrderId":"wo-%d","workerId":"w","requesterId":"r","params":{"n":%d}}`, i, i)
}

// runMemory publishes n events and dispatches them all through one loop.
func runMemory(b *testing.B, n int, gen func(int) string, opts ...eventbridge.LoopOption) {
	b.Helper()
	ctx := context.Background()
	bus := memory.NewBus(memory.Config{BufferSize: n})
	sub, err := eventbridge.Subscribe(ctx, bus, eventName)
	if err != nil {
		b.Fatal(err)
	}
	for i := range n {
		if _, err := bus.Publish(ctx, eventName, gen(i)); err != nil {
			b.Fatal(err)
		}
	}
	bus.Close()

	result := eventbridge.NewDispatchLoop(opts...).Start(ctx, sub, nopHandler)
	if result.Status != eventbridge.RunStopped {
		b.Fatalf("run failed: %v", result.Err)
	}
}

// BenchmarkDecodeWorkOrder decodes one valid payload.
func BenchmarkDecodeWorkOrder(b *testing.B) {
	p := payload(1)
	b.ReportAllocs()
	for b.Loop() {
		if _, err := eventbridge.DecodeWorkOrder(p); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkExtractPayload unwraps an envelope.
func BenchmarkExtractPayload(b *testing.B) {
	envelope := fmt.Sprintf(`{"args":{"workOrderRequest":%q}}`, payload(1))
	path := []string{"args", "workOrderRequest"}
	b.ReportAllocs()
	for b.Loop() {
		if _, err := eventbridge.ExtractPayload(envelope, path); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDispatch_Memory_1000 dispatches 1000 valid events per iteration.
func BenchmarkDispatch_Memory_1000(b *testing.B) {
	for b.Loop() {
		runMemory(b, 1000, payload, eventbridge.WithSink(eventbridge.NopSink{}))
	}
}

// BenchmarkDispatch_Memory_Skips measures the skip path with a dead-letter store.
func BenchmarkDispatch_Memory_Skips(b *testing.B) {
	gen := func(i int) string {
		if i%2 == 0 {
			return payload(i)
		}
		return fmt.Sprintf(`{"workOrderId":"bad-%d"}`, i)
	}
	for b.Loop() {
		runMemory(b, 1000, gen,
			eventbridge.WithSink(eventbridge.NopSink{}),
			eventbridge.WithDeadLetter(deadletter.NewMemoryStore()),
		)
	}
}

// BenchmarkDispatch_Memory_Prometheus includes metrics recording.
func BenchmarkDispatch_Memory_Prometheus(b *testing.B) {
	metrics := observability.NewPrometheusMetrics(prometheus.NewRegistry())
	for b.Loop() {
		runMemory(b, 1000, payload,
			eventbridge.WithSink(eventbridge.NopSink{}),
			eventbridge.WithMetrics(metrics),
		)
	}
}

// BenchmarkDispatch_SQLLog_Replay replays a 1000-event SQLite log.
func BenchmarkDispatch_SQLLog_Replay(b *testing.B) {
	ctx := context.Background()
	dsn := filepath.Join(b.TempDir(), "events.db")
	seed, err := sqllog.Open("sqlite", dsn)
	if err != nil {
		b.Fatal(err)
	}
	for i := range 1000 {
		if _, err := seed.Append(ctx, eventName, payload(i)); err != nil {
			b.Fatal(err)
		}
	}
	seed.Close()

	b.ResetTimer()
	for b.Loop() {
		log, err := sqllog.Open("sqlite", dsn, sqllog.FromBeginning(), sqllog.StopAtEnd(), sqllog.WithBatchSize(250))
		if err != nil {
			b.Fatal(err)
		}
		sub, err := eventbridge.Subscribe(ctx, log, eventName)
		if err != nil {
			b.Fatal(err)
		}
		result := eventbridge.NewDispatchLoop(eventbridge.WithSink(eventbridge.NopSink{})).Start(ctx, sub, nopHandler)
		if result.Dispatched != 1000 {
			b.Fatalf("dispatched %d, want 1000", result.Dispatched)
		}
		log.Close()
	}
}
