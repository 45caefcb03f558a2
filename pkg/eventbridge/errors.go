package eventbridge

import (
	"errors"
	"fmt"
)

// Sentinel errors for subscriptions and event sources.
var (
	// ErrSourceUnavailable indicates the event source could not be reached.
	ErrSourceUnavailable = errors.New("event source unavailable")

	// ErrInvalidEventName indicates the event name was rejected.
	ErrInvalidEventName = errors.New("invalid event name")

	// ErrSubscriptionClosed indicates a subscription was used after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrEndOfStream indicates the source will deliver no further events.
	ErrEndOfStream = errors.New("end of stream")
)

// Sentinel errors for payload decoding.
var (
	// ErrMalformedPayload indicates the payload is not a JSON object.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrMissingField indicates a required payload field is absent or empty.
	ErrMissingField = errors.New("missing required field")
)

// Sentinel errors for the dispatch loop lifecycle.
var (
	// ErrLoopStarted indicates Start was called on a loop that already ran.
	ErrLoopStarted = errors.New("dispatch loop already started")

	// ErrNilHandler indicates Start was called without a handler.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrNilSubscription indicates Start was called without a subscription.
	ErrNilSubscription = errors.New("subscription cannot be nil")
)

// SubscribeError wraps a failed subscribe call with the requested event name.
type SubscribeError struct {
	// EventName is the name that was requested.
	EventName string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %q: %v", e.EventName, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SubscribeError) Unwrap() error {
	return e.Err
}

// PayloadError describes why an event payload was rejected.
type PayloadError struct {
	// EventName is the event the payload belonged to.
	EventName string
	// Sequence is the source-assigned position of the event.
	Sequence uint64
	// Field is the offending field, empty for decode failures.
	Field string
	// Err is ErrMalformedPayload or ErrMissingField, possibly wrapping a decoder error.
	Err error
}

// Error implements the error interface.
func (e *PayloadError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("event %s #%d: field %s: %v", e.EventName, e.Sequence, e.Field, e.Err)
	}
	return fmt.Sprintf("event %s #%d: %v", e.EventName, e.Sequence, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PayloadError) Unwrap() error {
	return e.Err
}

// HandlerError wraps an error returned by the dispatch handler.
type HandlerError struct {
	// WorkOrderID is the work order being dispatched when the handler failed.
	WorkOrderID string
	// Sequence is the source-assigned position of the event.
	Sequence uint64
	// Err is the handler's error.
	Err error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed for work order %s: %v", e.WorkOrderID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic raised by the dispatch handler.
// It includes the stack trace for debugging.
type PanicError struct {
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
