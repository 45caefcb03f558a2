// Package nats provides a NATS core event source.
//
// Each event name maps to the subject SubjectPrefix + name. Subscriptions are
// synchronous, so events are pulled in the order the server delivers them.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
)

// Config holds NATS source configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for connection identification.
	Name string

	// SubjectPrefix is prepended to every event name.
	SubjectPrefix string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for infinite reconnects.
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// Timeout is the connection timeout.
	Timeout time.Duration

	// Username for authentication (optional).
	Username string

	// Password for authentication (optional).
	Password string

	// Token for token-based authentication (optional).
	Token string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "eventbridge",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Source implements eventbridge.Source on a NATS connection.
type Source struct {
	conn   *nats.Conn
	prefix string
	owns   bool
	closed atomic.Bool
}

var _ eventbridge.Source = (*Source)(nil)

// Connect dials the server described by cfg.
func Connect(cfg Config) (*Source, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to NATS: %v", eventbridge.ErrSourceUnavailable, err)
	}

	s := New(conn, cfg.SubjectPrefix)
	s.owns = true
	return s, nil
}

// New wraps an existing connection. The caller keeps ownership of conn.
func New(conn *nats.Conn, subjectPrefix string) *Source {
	return &Source{conn: conn, prefix: subjectPrefix}
}

// Subject returns the subject used for eventName.
func (s *Source) Subject(eventName string) string {
	return s.prefix + eventName
}

// Subscribe implements eventbridge.Source.
func (s *Source) Subscribe(_ context.Context, eventName string) (eventbridge.Subscription, error) {
	subject := s.Subject(eventName)
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if s.closed.Load() || s.conn.IsClosed() {
		return nil, fmt.Errorf("%w: connection closed", eventbridge.ErrSourceUnavailable)
	}

	natsSub, err := s.conn.SubscribeSync(subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", eventbridge.ErrSourceUnavailable, subject, err)
	}

	return &subscription{
		source:  s,
		name:    eventName,
		natsSub: natsSub,
	}, nil
}

// Publish sends payload on the subject for name.
func (s *Source) Publish(ctx context.Context, name, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := s.Subject(name)
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	return s.conn.Publish(subject, []byte(payload))
}

// Close closes the connection if Connect created it. Active subscriptions
// then return eventbridge.ErrEndOfStream.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.owns {
		s.conn.Close()
	}
	return nil
}

// ValidateSubject applies NATS subject rules on top of the shared event name
// rules: no wildcards and no empty tokens.
func ValidateSubject(subject string) error {
	if err := eventbridge.ValidateEventName(subject); err != nil {
		return err
	}
	if strings.ContainsAny(subject, "*>") {
		return fmt.Errorf("%w: %q contains a wildcard", eventbridge.ErrInvalidEventName, subject)
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return fmt.Errorf("%w: %q has an empty token", eventbridge.ErrInvalidEventName, subject)
		}
	}
	return nil
}

type subscription struct {
	source  *Source
	name    string
	natsSub *nats.Subscription
	seq     uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// EventName implements eventbridge.Subscription.
func (s *subscription) EventName() string {
	return s.name
}

// Next implements eventbridge.Subscription. Core NATS has no stream position,
// so Sequence counts deliveries on this subscription.
func (s *subscription) Next(ctx context.Context) (eventbridge.Event, error) {
	if s.closed.Load() {
		return eventbridge.Event{}, eventbridge.ErrSubscriptionClosed
	}

	msg, err := s.natsSub.NextMsgWithContext(ctx)
	if err != nil {
		return eventbridge.Event{}, s.mapError(ctx, err)
	}

	s.seq++
	evt := eventbridge.Event{
		Name:       s.name,
		Payload:    string(msg.Data),
		Sequence:   s.seq,
		ReceivedAt: time.Now(),
	}
	if len(msg.Header) > 0 {
		evt.Metadata = make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			evt.Metadata[k] = msg.Header.Get(k)
		}
	}
	return evt, nil
}

func (s *subscription) mapError(ctx context.Context, err error) error {
	switch {
	case s.closed.Load():
		return eventbridge.ErrSubscriptionClosed
	case ctx.Err() != nil:
		return ctx.Err()
	case s.source.closed.Load():
		return eventbridge.ErrEndOfStream
	case errors.Is(err, nats.ErrSlowConsumer):
		return fmt.Errorf("%w: messages dropped: %v", eventbridge.ErrSourceUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", eventbridge.ErrSourceUnavailable, err)
	}
}

// Close implements eventbridge.Subscription.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err := s.natsSub.Unsubscribe()
		if err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
