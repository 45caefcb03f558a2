// Package memory provides an in-process event source.
//
// It is useful for tests and for embedding the dispatch loop in a process
// that produces its own events.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
)

// Config configures bus behavior.
type Config struct {
	// BufferSize is the channel buffer size per subscription.
	// Default: 256
	BufferSize int

	// NonBlocking makes Publish drop events for subscribers whose buffer is
	// full instead of waiting. Default: false (blocking)
	NonBlocking bool

	// OnDrop is called when an event is dropped (non-blocking mode).
	OnDrop func(evt eventbridge.Event)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	BufferSize: 256,
}

// Bus is an in-memory, append-only event source with per-name fan-out.
type Bus struct {
	config Config

	mu     sync.RWMutex
	byName map[string]map[uint64]*subscription

	// pubMu serializes Publish so sequence order equals delivery order.
	pubMu    sync.Mutex
	sequence uint64

	nextID  atomic.Uint64
	closed  atomic.Bool
	closeCh chan struct{}
}

var _ eventbridge.Source = (*Bus)(nil)

// NewBus creates a new in-memory bus.
func NewBus(config Config) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig.BufferSize
	}
	return &Bus{
		config:  config,
		byName:  make(map[string]map[uint64]*subscription),
		closeCh: make(chan struct{}),
	}
}

// Publish appends an event and delivers it to every current subscriber of
// name. It returns the sequence number assigned to the event.
func (b *Bus) Publish(ctx context.Context, name, payload string) (uint64, error) {
	if b.closed.Load() {
		return 0, fmt.Errorf("%w: bus is closed", eventbridge.ErrSourceUnavailable)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.sequence++
	evt := eventbridge.Event{
		Name:       name,
		Payload:    payload,
		Sequence:   b.sequence,
		ReceivedAt: time.Now(),
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.byName[name]))
	for _, sub := range b.byName[name] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if b.config.NonBlocking {
			select {
			case sub.events <- evt:
			default:
				if b.config.OnDrop != nil {
					b.config.OnDrop(evt)
				}
			}
			continue
		}

		select {
		case sub.events <- evt:
		case <-sub.done:
			// Subscriber went away while we waited.
		case <-ctx.Done():
			return evt.Sequence, ctx.Err()
		case <-b.closeCh:
			return evt.Sequence, fmt.Errorf("%w: bus closed during publish", eventbridge.ErrSourceUnavailable)
		}
	}

	return evt.Sequence, nil
}

// Subscribe implements eventbridge.Source.
// Only events published after Subscribe returns are delivered.
func (b *Bus) Subscribe(_ context.Context, eventName string) (eventbridge.Subscription, error) {
	if err := eventbridge.ValidateEventName(eventName); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, fmt.Errorf("%w: bus is closed", eventbridge.ErrSourceUnavailable)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:     b.nextID.Add(1),
		name:   eventName,
		events: make(chan eventbridge.Event, b.config.BufferSize),
		done:   make(chan struct{}),
		bus:    b,
	}
	if b.byName[eventName] == nil {
		b.byName[eventName] = make(map[uint64]*subscription)
	}
	b.byName[eventName][sub.id] = sub

	return sub, nil
}

// Subscribers returns the number of active subscriptions for name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byName[name])
}

// Close shuts down the bus. Subscribers receive any buffered events and then
// eventbridge.ErrEndOfStream.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	close(b.closeCh)
	return nil
}

// subscription is the Bus implementation of eventbridge.Subscription.
type subscription struct {
	id        uint64
	name      string
	events    chan eventbridge.Event
	done      chan struct{}
	closeOnce sync.Once
	bus       *Bus
}

// EventName implements eventbridge.Subscription.
func (s *subscription) EventName() string {
	return s.name
}

// Next implements eventbridge.Subscription.
func (s *subscription) Next(ctx context.Context) (eventbridge.Event, error) {
	select {
	case <-s.done:
		return eventbridge.Event{}, eventbridge.ErrSubscriptionClosed
	default:
	}

	select {
	case evt := <-s.events:
		return evt, nil
	case <-s.done:
		return eventbridge.Event{}, eventbridge.ErrSubscriptionClosed
	case <-ctx.Done():
		return eventbridge.Event{}, ctx.Err()
	case <-s.bus.closeCh:
		// Drain what was delivered before the bus closed.
		select {
		case evt := <-s.events:
			return evt, nil
		default:
			return eventbridge.Event{}, eventbridge.ErrEndOfStream
		}
	}
}

// Close implements eventbridge.Subscription.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.byName[s.name]; ok {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(s.bus.byName, s.name)
			}
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}
