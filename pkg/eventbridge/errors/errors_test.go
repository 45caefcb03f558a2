package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

var _ net.Error = timeoutNetErr{}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryPermanent},
		{"plain", errBoom, CategoryPermanent},
		{"explicit transient", Transient(errBoom, "x"), CategoryTransient},
		{"wrapped transient", fmt.Errorf("outer: %w", Transient(errBoom, "x")), CategoryTransient},
		{"explicit permanent", Permanent(errBoom, "x"), CategoryPermanent},
		{"http 429", &HTTPError{StatusCode: 429}, CategoryTransient},
		{"http 503", &HTTPError{StatusCode: 503}, CategoryTransient},
		{"http 404", &HTTPError{StatusCode: 404}, CategoryPermanent},
		{"timeout", &TimeoutError{Operation: "POST", Duration: "1s"}, CategoryTransient},
		{"deadline", context.DeadlineExceeded, CategoryTransient},
		{"canceled", context.Canceled, CategoryPermanent},
		{"net timeout", timeoutNetErr{}, CategoryTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
			assert.Equal(t, tt.want == CategoryTransient, IsRetryable(tt.err))
		})
	}
}

func TestCategorizedError(t *testing.T) {
	err := Transient(errBoom, "send")
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, "send: boom (category: transient, attempts: 0)", err.Error())

	bare := &CategorizedError{Err: errBoom, Category: CategoryPermanent, Retries: 2}
	assert.Equal(t, "boom (category: permanent, attempts: 2)", bare.Error())

	assert.Equal(t, "unknown", Category(9).String())
}

func TestErrorTypes(t *testing.T) {
	assert.Equal(t, "HTTP 502 at http://x: bad gateway", (&HTTPError{StatusCode: 502, Message: "bad gateway", Endpoint: "http://x"}).Error())
	assert.Equal(t, "HTTP 400: nope", (&HTTPError{StatusCode: 400, Message: "nope"}).Error())
	assert.Equal(t, "timeout after 2s: POST /x", (&TimeoutError{Operation: "POST /x", Duration: "2s"}).Error())
}

var fast = Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	var retried []int
	n, err := Retry(context.Background(), 3, fast, func(a Attempt) {
		retried = append(retried, a.Number)
		assert.ErrorIs(t, a.Err, errBoom)
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errBoom, "try")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	n, err := Retry(context.Background(), 3, fast, nil, func(context.Context) error {
		calls++
		return &HTTPError{StatusCode: 400}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, n)

	var ce *CategorizedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CategoryPermanent, ce.Category)
	var he *HTTPError
	assert.ErrorAs(t, err, &he)
}

func TestRetry_Exhausted(t *testing.T) {
	n, err := Retry(context.Background(), 3, fast, nil, func(context.Context) error {
		return &HTTPError{StatusCode: 503}
	})

	assert.Equal(t, 3, n)
	var ce *CategorizedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CategoryTransient, ce.Category)
	assert.Equal(t, "attempts exhausted", ce.Context)
}

func TestRetry_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	n, err := Retry(ctx, 3, fast, nil, func(context.Context) error {
		calls++
		return nil
	})
	assert.Zero(t, calls)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithCancel(context.Background())
	n, err = Retry(ctx, 5, Backoff{Initial: time.Hour}, nil, func(context.Context) error {
		cancel()
		return Transient(errBoom, "x")
	})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	n, err := Retry(context.Background(), 0, Backoff{}, nil, func(context.Context) error {
		calls++
		return Transient(errBoom, "x")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, n)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, b.Delay(1, errBoom))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2, errBoom))
	assert.Equal(t, 800*time.Millisecond, b.Delay(4, errBoom))
	assert.Equal(t, time.Second, b.Delay(10, errBoom))

	flat := Backoff{Initial: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, flat.Delay(5, errBoom))

	jittered := Backoff{Initial: time.Second, Jitter: 0.5}
	for range 100 {
		got := jittered.Delay(1, errBoom)
		assert.GreaterOrEqual(t, got, 500*time.Millisecond)
		assert.LessOrEqual(t, got, 1500*time.Millisecond)
	}
}

func TestBackoff_DelayHonorsRetryAfter(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Max: 5 * time.Second, Jitter: 0.5}
	hinted := fmt.Errorf("post: %w", &HTTPError{StatusCode: 429, RetryAfter: 3 * time.Second})
	assert.Equal(t, 3*time.Second, b.Delay(1, hinted))

	capped := &HTTPError{StatusCode: 503, RetryAfter: time.Minute}
	assert.Equal(t, 5*time.Second, b.Delay(1, capped))
}
