package sqllog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
)

type subscription struct {
	log  *Log
	name string
	last int64
	buf  []eventbridge.Event

	done      chan struct{}
	closeOnce sync.Once
}

// EventName implements eventbridge.Subscription.
func (s *subscription) EventName() string {
	return s.name
}

// Next implements eventbridge.Subscription.
func (s *subscription) Next(ctx context.Context) (eventbridge.Event, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-s.done:
			return eventbridge.Event{}, eventbridge.ErrSubscriptionClosed
		default:
		}

		if len(s.buf) > 0 {
			evt := s.buf[0]
			s.buf = s.buf[1:]
			s.last = int64(evt.Sequence)
			return evt, nil
		}

		events, err := s.log.fetch(ctx, s.name, s.last)
		switch {
		case errors.Is(err, eventbridge.ErrEndOfStream):
			return eventbridge.Event{}, err
		case err != nil && ctx.Err() != nil:
			return eventbridge.Event{}, ctx.Err()
		case err != nil:
			return eventbridge.Event{}, fmt.Errorf("%w: poll events: %v", eventbridge.ErrSourceUnavailable, err)
		}
		if len(events) > 0 {
			s.buf = events
			continue
		}

		if s.log.opts.stopAtEnd {
			return eventbridge.Event{}, eventbridge.ErrEndOfStream
		}

		if timer == nil {
			timer = time.NewTimer(s.log.opts.pollInterval)
		} else {
			timer.Reset(s.log.opts.pollInterval)
		}

		select {
		case <-timer.C:
		case <-s.done:
			return eventbridge.Event{}, eventbridge.ErrSubscriptionClosed
		case <-s.log.closeCh:
			return eventbridge.Event{}, eventbridge.ErrEndOfStream
		case <-ctx.Done():
			return eventbridge.Event{}, ctx.Err()
		}
	}
}

// Close implements eventbridge.Subscription.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
