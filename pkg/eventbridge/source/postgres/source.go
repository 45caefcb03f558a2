// Package postgres provides a PostgreSQL LISTEN/NOTIFY event source.
//
// Each event name maps to the notification channel ChannelPrefix + name.
// Every subscription holds one pooled connection for as long as it is open.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
)

// MaxChannelLength is the longest identifier PostgreSQL accepts.
const MaxChannelLength = 63

// Config holds Postgres source configuration.
type Config struct {
	// DSN is a libpq-style connection string or postgres:// URL.
	DSN string

	// ChannelPrefix is prepended to every event name.
	ChannelPrefix string

	// MaxConns caps the pool, and so the number of open subscriptions.
	// Default: pgxpool's default
	MaxConns int32

	// Tracing attaches an OpenTelemetry query tracer to every connection.
	Tracing bool

	// ConnectTimeout bounds the initial ping.
	// Default: 5s
	ConnectTimeout time.Duration
}

// Source implements eventbridge.Source on a pgx pool.
type Source struct {
	pool    *pgxpool.Pool
	prefix  string
	owns    bool
	closeCh chan struct{}

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed atomic.Bool
}

var _ eventbridge.Source = (*Source)(nil)

// Connect creates a pool for cfg.DSN and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*Source, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.Tracing {
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: create pool: %v", eventbridge.ErrSourceUnavailable, err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", eventbridge.ErrSourceUnavailable, err)
	}

	s := New(pool, cfg.ChannelPrefix)
	s.owns = true
	return s, nil
}

// New wraps an existing pool. The caller keeps ownership of pool.
func New(pool *pgxpool.Pool, channelPrefix string) *Source {
	return &Source{
		pool:    pool,
		prefix:  channelPrefix,
		closeCh: make(chan struct{}),
		subs:    make(map[*subscription]struct{}),
	}
}

// Channel returns the notification channel used for eventName.
func (s *Source) Channel(eventName string) string {
	return s.prefix + eventName
}

// ValidateChannel applies the shared event name rules plus PostgreSQL's
// identifier length limit.
func ValidateChannel(channel string) error {
	if err := eventbridge.ValidateEventName(channel); err != nil {
		return err
	}
	if len(channel) > MaxChannelLength {
		return fmt.Errorf("%w: channel %q is longer than %d bytes", eventbridge.ErrInvalidEventName, channel, MaxChannelLength)
	}
	return nil
}

// Subscribe implements eventbridge.Source. It acquires a connection and
// issues LISTEN before returning.
func (s *Source) Subscribe(ctx context.Context, eventName string) (eventbridge.Subscription, error) {
	channel := s.Channel(eventName)
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: source closed", eventbridge.ErrSourceUnavailable)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire connection: %v", eventbridge.ErrSourceUnavailable, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: listen %s: %v", eventbridge.ErrSourceUnavailable, channel, err)
	}

	sub := &subscription{
		source: s,
		name:   eventName,
		conn:   conn,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub, nil
}

// Publish sends payload as a notification on the channel for name.
// PostgreSQL limits payloads to 8000 bytes.
func (s *Source) Publish(ctx context.Context, name, payload string) error {
	channel := s.Channel(name)
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

// Close ends every active subscription with eventbridge.ErrEndOfStream and
// closes the pool if Connect created it.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.closeCh)

	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}

	if s.owns {
		s.pool.Close()
	}
	return nil
}

func (s *Source) forget(sub *subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

type subscription struct {
	source *Source
	name   string
	seq    uint64

	// mu guards conn; Next holds it while waiting.
	mu   sync.Mutex
	conn *pgxpool.Conn

	done       chan struct{}
	userClosed atomic.Bool
	closeOnce  sync.Once
}

// EventName implements eventbridge.Subscription.
func (s *subscription) EventName() string {
	return s.name
}

// Next implements eventbridge.Subscription. Sequence counts deliveries on
// this subscription; Metadata carries the channel and sender pid.
func (s *subscription) Next(ctx context.Context) (eventbridge.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return eventbridge.Event{}, s.terminal()
	default:
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-s.source.closeCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	n, err := s.conn.Conn().WaitForNotification(waitCtx)
	if err != nil {
		select {
		case <-s.done:
			return eventbridge.Event{}, s.terminal()
		default:
		}
		switch {
		case s.source.closed.Load():
			return eventbridge.Event{}, eventbridge.ErrEndOfStream
		case ctx.Err() != nil:
			return eventbridge.Event{}, ctx.Err()
		default:
			return eventbridge.Event{}, fmt.Errorf("%w: wait for notification: %v", eventbridge.ErrSourceUnavailable, err)
		}
	}

	s.seq++
	return eventbridge.Event{
		Name:       s.name,
		Payload:    n.Payload,
		Sequence:   s.seq,
		ReceivedAt: time.Now(),
		Metadata: map[string]string{
			"channel": n.Channel,
			"pid":     strconv.FormatUint(uint64(n.PID), 10),
		},
	}, nil
}

func (s *subscription) terminal() error {
	if !s.userClosed.Load() && s.source.closed.Load() {
		return eventbridge.ErrEndOfStream
	}
	return eventbridge.ErrSubscriptionClosed
}

// Close implements eventbridge.Subscription.
func (s *subscription) Close() error {
	s.userClosed.Store(true)
	s.shutdown()
	return nil
}

// shutdown stops a pending Next, unlistens and returns the connection.
func (s *subscription) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		defer s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.conn.Exec(ctx, "UNLISTEN *"); err != nil {
			// Do not hand a connection with live LISTENs back to the pool.
			_ = s.conn.Conn().Close(ctx)
		}
		s.conn.Release()
		s.source.forget(s)
	})
}
