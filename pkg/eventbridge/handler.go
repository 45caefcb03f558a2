package eventbridge

import "context"

// Handler receives one validated work order per event.
//
// rawParams is the payload string exactly as delivered, for callers that
// need fields beyond the three extracted ones. A returned error ends the
// dispatch run as failed; handlers that want the loop to continue past a
// failure must contain it themselves.
type Handler interface {
	HandleWorkOrder(ctx context.Context, workOrderID, workerID, requesterID, rawParams string) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, workOrderID, workerID, requesterID, rawParams string) error

// HandleWorkOrder implements Handler.
func (f HandlerFunc) HandleWorkOrder(ctx context.Context, workOrderID, workerID, requesterID, rawParams string) error {
	return f(ctx, workOrderID, workerID, requesterID, rawParams)
}
