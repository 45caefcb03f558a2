/*
Package eventbridge subscribes to one named event on an append-only event
source and forwards each valid work order request to a handler.

# Overview

The package has two parts:

  - A Subscription is a pull-based, ordered view of one event name on a
    Source. Adapters for concrete transports live under source/.
  - A DispatchLoop drives one Subscription: it pulls events, decodes the JSON
    payload, extracts workOrderId, workerId and requesterId, and calls the
    Handler synchronously.

# Basic Usage

	bus := memory.NewBus(memory.DefaultConfig)
	sub, err := eventbridge.Subscribe(ctx, bus, "workOrderSubmitted")
	if err != nil {
	    return err
	}

	loop := eventbridge.NewDispatchLoop(eventbridge.WithLogger(logger))
	go func() {
	    <-shutdown
	    loop.Stop()
	}()

	result := loop.Start(ctx, sub, eventbridge.HandlerFunc(
	    func(ctx context.Context, workOrderID, workerID, requesterID, raw string) error {
	        return submit(ctx, workOrderID, workerID, requesterID, raw)
	    }))
	if result.Status == eventbridge.RunFailed {
	    // resubscribe or exit; result.Category says whether retrying can help
	}

# Payload Handling

A payload that is not a JSON object, or that lacks one of the three required
string fields, is skipped: the loop counts it, reports it to the Sink,
optionally stores it with WithDeadLetter, and moves on. A single bad event
never ends a run.

When the source wraps the request in a larger record, WithPayloadPath names
the field holding the request string:

	eventbridge.WithPayloadPath("args", "workOrderRequest")

# Lifecycle

	Idle -> Running -> Stopping -> Stopped
	               \-> Failed

Start returns a RunResult when the loop reaches a terminal state:

  - Stopped: Stop was called, ctx was cancelled, or the source reported
    ErrEndOfStream.
  - Failed: Next returned any other error, or the handler returned an error
    or panicked (*HandlerError).

Stop is level-triggered and idempotent. An event returned by a Next call
that was pending when Stop was observed is discarded, not dispatched.

# Observability

WithLogger, WithMetrics and WithTracing attach slog, OpenTelemetry or
Prometheus metrics, and OpenTelemetry spans. All are optional; the defaults
do nothing.
*/
package eventbridge
