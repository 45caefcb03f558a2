// Package redis provides a Redis pub/sub event source.
//
// Each event name maps to the channel ChannelPrefix + name. Redis pub/sub has
// no history: a subscription sees only events published after it is
// confirmed by the server.
package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
)

// Config holds Redis source configuration.
type Config struct {
	// URL is a redis:// or rediss:// URL.
	URL string

	// ChannelPrefix is prepended to every event name.
	ChannelPrefix string

	// ChannelSize is the per-subscription receive buffer.
	// Default: 100
	ChannelSize int

	// ConnectTimeout bounds the initial ping.
	// Default: 5s
	ConnectTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:            "redis://localhost:6379/0",
		ChannelSize:    100,
		ConnectTimeout: 5 * time.Second,
	}
}

// Source implements eventbridge.Source on a Redis client.
type Source struct {
	client      *redis.Client
	prefix      string
	channelSize int
	owns        bool

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed atomic.Bool
}

var _ eventbridge.Source = (*Source)(nil)

// Connect creates a client from cfg.URL and verifies it with PING.
func Connect(ctx context.Context, cfg Config) (*Source, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis connection failed: %v", eventbridge.ErrSourceUnavailable, err)
	}

	s := New(client, cfg.ChannelPrefix)
	if cfg.ChannelSize > 0 {
		s.channelSize = cfg.ChannelSize
	}
	s.owns = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *redis.Client, channelPrefix string) *Source {
	return &Source{
		client:      client,
		prefix:      channelPrefix,
		channelSize: DefaultConfig().ChannelSize,
		subs:        make(map[*subscription]struct{}),
	}
}

// Channel returns the Redis channel used for eventName.
func (s *Source) Channel(eventName string) string {
	return s.prefix + eventName
}

// Subscribe implements eventbridge.Source. It returns once the server has
// confirmed the subscription.
func (s *Source) Subscribe(ctx context.Context, eventName string) (eventbridge.Subscription, error) {
	if err := eventbridge.ValidateEventName(eventName); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: source closed", eventbridge.ErrSourceUnavailable)
	}

	channel := s.Channel(eventName)
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", eventbridge.ErrSourceUnavailable, channel, err)
	}

	sub := &subscription{
		source: s,
		name:   eventName,
		pubsub: ps,
		ch:     ps.Channel(redis.WithChannelSize(s.channelSize)),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub, nil
}

// Publish sends payload on the channel for name.
func (s *Source) Publish(ctx context.Context, name, payload string) error {
	return s.client.Publish(ctx, s.Channel(name), payload).Err()
}

// Close ends every active subscription with eventbridge.ErrEndOfStream and
// closes the client if Connect created it.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[*subscription]struct{})
	s.mu.Unlock()

	for sub := range subs {
		_ = sub.pubsub.Close()
	}

	if s.owns {
		return s.client.Close()
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
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
	seq    uint64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// EventName implements eventbridge.Subscription.
func (s *subscription) EventName() string {
	return s.name
}

// Next implements eventbridge.Subscription. Sequence counts deliveries on
// this subscription.
func (s *subscription) Next(ctx context.Context) (eventbridge.Event, error) {
	select {
	case <-s.done:
		return eventbridge.Event{}, eventbridge.ErrSubscriptionClosed
	default:
	}

	select {
	case msg, ok := <-s.ch:
		if !ok {
			return eventbridge.Event{}, s.channelClosed()
		}
		s.seq++
		return eventbridge.Event{
			Name:       s.name,
			Payload:    msg.Payload,
			Sequence:   s.seq,
			ReceivedAt: time.Now(),
			Metadata:   map[string]string{"channel": msg.Channel},
		}, nil
	case <-s.done:
		return eventbridge.Event{}, eventbridge.ErrSubscriptionClosed
	case <-ctx.Done():
		return eventbridge.Event{}, ctx.Err()
	}
}

func (s *subscription) channelClosed() error {
	select {
	case <-s.done:
		return eventbridge.ErrSubscriptionClosed
	default:
	}
	if s.source.closed.Load() {
		return eventbridge.ErrEndOfStream
	}
	return fmt.Errorf("%w: pubsub channel closed", eventbridge.ErrSourceUnavailable)
}

// Close implements eventbridge.Subscription.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.source.forget(s)
		if err := s.pubsub.Close(); err != nil && err != redis.ErrClosed {
			s.closeErr = err
		}
	})
	return s.closeErr
}
