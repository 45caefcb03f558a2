package eventbridge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sourceFunc func(ctx context.Context, name string) (Subscription, error)

func (f sourceFunc) Subscribe(ctx context.Context, name string) (Subscription, error) {
	return f(ctx, name)
}

func TestValidateEventName(t *testing.T) {
	valid := []string{"workOrderSubmitted", "orders.v1", "a", "ワーク", strings.Repeat("x", MaxEventNameLength)}
	for _, name := range valid {
		assert.NoError(t, ValidateEventName(name), name)
	}

	invalid := []string{"", " ", "has space", "tab\tname", "line\nbreak", "nul\x00", "\xff\xfe", strings.Repeat("x", MaxEventNameLength+1)}
	for _, name := range invalid {
		err := ValidateEventName(name)
		assert.ErrorIs(t, err, ErrInvalidEventName, "%q", name)
	}
}

func TestSubscribe(t *testing.T) {
	want := newScriptedSub()
	var gotName string
	src := sourceFunc(func(_ context.Context, name string) (Subscription, error) {
		gotName = name
		return want, nil
	})

	sub, err := Subscribe(context.Background(), src, testEvent)
	require.NoError(t, err)
	assert.Same(t, want, sub)
	assert.Equal(t, testEvent, gotName)
}

func TestSubscribe_InvalidName(t *testing.T) {
	called := false
	src := sourceFunc(func(context.Context, string) (Subscription, error) {
		called = true
		return nil, nil
	})

	_, err := Subscribe(context.Background(), src, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEventName)
	assert.False(t, called)

	var se *SubscribeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "", se.EventName)
}

func TestSubscribe_SourceErrors(t *testing.T) {
	_, err := Subscribe(context.Background(), nil, testEvent)
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	// Adapter errors without a sentinel are reported as unavailability.
	src := sourceFunc(func(context.Context, string) (Subscription, error) {
		return nil, errors.New("dial tcp: refused")
	})
	_, err = Subscribe(context.Background(), src, testEvent)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "dial tcp: refused")
	assert.Contains(t, err.Error(), testEvent)

	// Adapter-specific name rules keep their sentinel.
	src = sourceFunc(func(context.Context, string) (Subscription, error) {
		return nil, ErrInvalidEventName
	})
	_, err = Subscribe(context.Background(), src, testEvent)
	assert.ErrorIs(t, err, ErrInvalidEventName)
	assert.NotErrorIs(t, err, ErrSourceUnavailable)
}
