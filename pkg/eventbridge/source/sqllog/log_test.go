package sqllog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/source/sqllog"
)

func openTestLog(t *testing.T, opts ...sqllog.Option) *sqllog.Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	log, err := sqllog.Open("sqlite", path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestLog_FromBeginningStopAtEnd(t *testing.T) {
	ctx := context.Background()
	log := openTestLog(t, sqllog.FromBeginning(), sqllog.StopAtEnd(), sqllog.WithBatchSize(2))

	var ids []int64
	for _, p := range []string{"a", "b", "c"} {
		id, err := log.Append(ctx, "workOrderSubmitted", p)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := log.Append(ctx, "other", "x")
	require.NoError(t, err)

	sub, err := log.Subscribe(ctx, "workOrderSubmitted")
	require.NoError(t, err)
	defer sub.Close()

	for i, want := range []string{"a", "b", "c"} {
		evt, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, evt.Payload)
		assert.Equal(t, uint64(ids[i]), evt.Sequence)
		assert.Equal(t, "workOrderSubmitted", evt.Name)
	}

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, eventbridge.ErrEndOfStream)
}

func TestLog_SubscribeStartsAfterHead(t *testing.T) {
	ctx := context.Background()
	log := openTestLog(t, sqllog.WithPollInterval(5*time.Millisecond))

	_, err := log.Append(ctx, "e", "old")
	require.NoError(t, err)

	sub, err := log.Subscribe(ctx, "e")
	require.NoError(t, err)
	defer sub.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = log.Append(context.Background(), "e", "new")
	}()

	nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	evt, err := sub.Next(nextCtx)
	require.NoError(t, err)
	assert.Equal(t, "new", evt.Payload)
}

func TestLog_NextHonorsContext(t *testing.T) {
	log := openTestLog(t, sqllog.WithPollInterval(time.Hour))

	sub, err := log.Subscribe(context.Background(), "e")
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLog_SubscriptionClose(t *testing.T) {
	log := openTestLog(t, sqllog.WithPollInterval(time.Hour))

	sub, err := log.Subscribe(context.Background(), "e")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, eventbridge.ErrSubscriptionClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestLog_Close(t *testing.T) {
	ctx := context.Background()
	log := openTestLog(t, sqllog.WithPollInterval(time.Hour))

	sub, err := log.Subscribe(ctx, "e")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, log.Close())
	require.NoError(t, log.Close())

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, eventbridge.ErrEndOfStream)

	_, err = log.Append(ctx, "e", "{}")
	assert.ErrorIs(t, err, sqllog.ErrLogClosed)

	_, err = log.Subscribe(ctx, "e")
	assert.ErrorIs(t, err, eventbridge.ErrSourceUnavailable)
}

func TestLog_InvalidEventName(t *testing.T) {
	log := openTestLog(t)

	_, err := log.Subscribe(context.Background(), "bad name")
	assert.ErrorIs(t, err, eventbridge.ErrInvalidEventName)

	_, err = log.Append(context.Background(), "", "{}")
	assert.ErrorIs(t, err, eventbridge.ErrInvalidEventName)
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		dsn    string
	}{
		{name: "unknown driver", driver: "oracle", dsn: "x"},
		{name: "bad mysql dsn", driver: "mysql", dsn: "not a dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sqllog.Open(tt.driver, tt.dsn)
			assert.Error(t, err)
		})
	}
}

func TestLog_DispatchLoopReplay(t *testing.T) {
	ctx := context.Background()
	log := openTestLog(t, sqllog.FromBeginning(), sqllog.StopAtEnd())

	for _, p := range []string{
		`{"workOrderId":"w1","workerId":"k","requesterId":"r"}`,
		`not json`,
		`{"workOrderId":"w2","workerId":"k","requesterId":"r"}`,
	} {
		_, err := log.Append(ctx, "workOrderSubmitted", p)
		require.NoError(t, err)
	}

	sub, err := eventbridge.Subscribe(ctx, log, "workOrderSubmitted")
	require.NoError(t, err)

	var got []string
	loop := eventbridge.NewDispatchLoop()
	result := loop.Start(ctx, sub, eventbridge.HandlerFunc(
		func(_ context.Context, workOrderID, _, _, _ string) error {
			got = append(got, workOrderID)
			return nil
		}))

	assert.Equal(t, eventbridge.RunStopped, result.Status)
	assert.Equal(t, eventbridge.ReasonEndOfStream, result.Reason)
	assert.Equal(t, []string{"w1", "w2"}, got)
	assert.Equal(t, int64(1), result.Skipped)
}
