package sqllog

import "time"

type options struct {
	batchSize     int
	pollInterval  time.Duration
	fromBeginning bool
	stopAtEnd     bool
}

func defaultOptions() options {
	return options{
		batchSize:    100,
		pollInterval: 500 * time.Millisecond,
	}
}

// Option configures a Log.
type Option func(*options)

// WithBatchSize sets how many rows one poll reads. Default: 100
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithPollInterval sets the wait between polls that find nothing.
// Default: 500ms
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// FromBeginning makes new subscriptions start at the oldest event instead of
// after the newest.
func FromBeginning() Option {
	return func(o *options) {
		o.fromBeginning = true
	}
}

// StopAtEnd makes Next return eventbridge.ErrEndOfStream once a subscription
// has caught up, instead of polling for more. Useful for replays.
func StopAtEnd() Option {
	return func(o *options) {
		o.stopAtEnd = true
	}
}
