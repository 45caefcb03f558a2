package eventbridge

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"
)

// MaxEventNameLength bounds event names accepted by ValidateEventName.
const MaxEventNameLength = 255

// Event is a raw record delivered by an event source.
// Payload is the undecoded JSON string; it is passed to handlers unmodified.
type Event struct {
	// Name is the event kind the record was delivered under.
	Name string
	// Payload is the JSON-encoded work order request.
	Payload string
	// Sequence is the source-assigned position (offset, row id, counter).
	// Zero when the source has no notion of position.
	Sequence uint64
	// ReceivedAt is when the adapter received the record.
	ReceivedAt time.Time
	// Metadata carries transport headers when the source provides them.
	Metadata map[string]string
}

// Source is a handle to an append-only event source.
type Source interface {
	// Subscribe registers interest in events named eventName.
	// Each call yields an independent Subscription.
	Subscribe(ctx context.Context, eventName string) (Subscription, error)
}

// Subscription is a pull-based, ordered sequence of events for one event name.
//
// A Subscription is owned by a single consumer; Next and Close must not be
// called concurrently with each other except that Close may interrupt a
// blocked Next.
type Subscription interface {
	// EventName returns the event name this subscription was created for.
	EventName() string

	// Next blocks until the next matching event arrives.
	// It returns ErrEndOfStream when the source has finished,
	// ErrSubscriptionClosed after Close, and ctx.Err() on cancellation.
	Next(ctx context.Context) (Event, error)

	// Close releases transport resources. It is safe to call more than once.
	Close() error
}

// Subscribe validates eventName and registers it with src.
//
// Errors are returned as *SubscribeError wrapping ErrInvalidEventName or
// ErrSourceUnavailable. Adapter errors that carry neither sentinel are treated
// as ErrSourceUnavailable.
func Subscribe(ctx context.Context, src Source, eventName string) (Subscription, error) {
	if err := ValidateEventName(eventName); err != nil {
		return nil, &SubscribeError{EventName: eventName, Err: err}
	}
	if src == nil {
		return nil, &SubscribeError{
			EventName: eventName,
			Err:       fmt.Errorf("%w: nil source", ErrSourceUnavailable),
		}
	}

	sub, err := src.Subscribe(ctx, eventName)
	if err != nil {
		if !errors.Is(err, ErrInvalidEventName) && !errors.Is(err, ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return nil, &SubscribeError{EventName: eventName, Err: err}
	}
	return sub, nil
}

// ValidateEventName checks the rules every source shares: the name is
// non-empty valid UTF-8 of at most MaxEventNameLength bytes with no
// whitespace or control characters. Adapters may apply stricter rules.
func ValidateEventName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEventName)
	}
	if len(name) > MaxEventNameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidEventName, MaxEventNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidEventName)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidEventName, name)
		}
	}
	return nil
}
