package errors

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is the wait schedule between delivery attempts.
type Backoff struct {
	// Initial is the wait before the first retry.
	Initial time.Duration
	// Max caps every wait, including server-requested ones. Zero means no cap.
	Max time.Duration
	// Multiplier grows the wait after each retry. Values below 1 keep it flat.
	Multiplier float64
	// Jitter spreads each wait by up to this fraction in either direction.
	Jitter float64
}

// DefaultBackoff is used by handlers that do not set their own schedule.
var DefaultBackoff = Backoff{
	Initial:    500 * time.Millisecond,
	Max:        10 * time.Second,
	Multiplier: 2,
	Jitter:     0.1,
}

// Delay returns the wait before retry n (1-based) after err. An *HTTPError
// carrying RetryAfter overrides the schedule and is not jittered.
func (b Backoff) Delay(n int, err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return b.clamp(httpErr.RetryAfter)
	}

	mult := max(b.Multiplier, 1)
	wait := float64(b.Initial) * math.Pow(mult, float64(max(n-1, 0)))
	if b.Max > 0 {
		wait = min(wait, float64(b.Max))
	}
	if b.Jitter > 0 {
		wait += wait * b.Jitter * (rand.Float64()*2 - 1)
	}
	return b.clamp(time.Duration(wait))
}

func (b Backoff) clamp(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Attempt describes a failed try that is about to be retried.
type Attempt struct {
	Number int
	Err    error
	Wait   time.Duration
}

// Retry calls fn until it succeeds, returns an error that is not retryable,
// has been called maxAttempts times, or ctx is done. It returns the number of
// calls made. Failures come back as *CategorizedError; onRetry may be nil.
func Retry(ctx context.Context, maxAttempts int, b Backoff, onRetry func(Attempt), fn func(context.Context) error) (int, error) {
	maxAttempts = max(maxAttempts, 1)

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return n - 1, &CategorizedError{Err: err, Category: CategoryPermanent, Retries: n - 1, Context: "context done"}
		}

		err := fn(ctx)
		if err == nil {
			return n, nil
		}
		if !IsRetryable(err) {
			return n, &CategorizedError{Err: err, Category: Categorize(err), Retries: n}
		}
		if n == maxAttempts {
			return n, &CategorizedError{Err: err, Category: Categorize(err), Retries: n, Context: "attempts exhausted"}
		}

		wait := b.Delay(n, err)
		if onRetry != nil {
			onRetry(Attempt{Number: n, Err: err, Wait: wait})
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return n, &CategorizedError{Err: ctx.Err(), Category: CategoryPermanent, Retries: n, Context: "context done during backoff"}
		case <-timer.C:
		}
	}
}
