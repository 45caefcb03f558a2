// Package kafka provides a Kafka event source built on sarama.
//
// Each event name maps to the topic TopicPrefix + name. A subscription reads
// one partition, so events arrive in offset order.
package kafka

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
)

var topicPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,249}$`)

// Config holds Kafka source configuration.
type Config struct {
	Brokers     []string
	ClientID    string
	TopicPrefix string

	// Partition is the partition every subscription reads.
	// Default: 0
	Partition int32

	// InitialOffset is "oldest" or "newest".
	// Default: "newest"
	InitialOffset string

	// Version is the broker protocol version, e.g. "2.8.0".
	Version string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:       []string{"localhost:9092"},
		ClientID:      "eventbridge",
		InitialOffset: "newest",
		Version:       "2.8.0",
	}
}

// Source implements eventbridge.Source on a sarama consumer.
type Source struct {
	consumer      sarama.Consumer
	prefix        string
	partition     int32
	initialOffset int64
	owns          bool

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed atomic.Bool
}

var _ eventbridge.Source = (*Source)(nil)

// Connect creates a consumer for cfg.Brokers.
func Connect(cfg Config) (*Source, error) {
	offset, err := ParseOffset(cfg.InitialOffset)
	if err != nil {
		return nil, err
	}

	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	config.Consumer.Return.Errors = true
	config.Version = sarama.V2_8_0_0
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("parse kafka version: %w", err)
		}
		config.Version = v
	}

	consumer, err := sarama.NewConsumer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("%w: creating kafka consumer: %v", eventbridge.ErrSourceUnavailable, err)
	}

	s := New(consumer, cfg.TopicPrefix, cfg.Partition, offset)
	s.owns = true
	return s, nil
}

// New wraps an existing consumer. The caller keeps ownership of consumer.
func New(consumer sarama.Consumer, topicPrefix string, partition int32, initialOffset int64) *Source {
	return &Source{
		consumer:      consumer,
		prefix:        topicPrefix,
		partition:     partition,
		initialOffset: initialOffset,
		subs:          make(map[*subscription]struct{}),
	}
}

// ParseOffset maps "oldest" and "newest" to sarama offsets. Empty means newest.
func ParseOffset(s string) (int64, error) {
	switch strings.ToLower(s) {
	case "", "newest":
		return sarama.OffsetNewest, nil
	case "oldest":
		return sarama.OffsetOldest, nil
	default:
		return 0, fmt.Errorf("invalid initial offset %q: want oldest or newest", s)
	}
}

// Topic returns the topic used for eventName.
func (s *Source) Topic(eventName string) string {
	return s.prefix + eventName
}

// ValidateTopic checks Kafka's topic naming rules.
func ValidateTopic(topic string) error {
	if err := eventbridge.ValidateEventName(topic); err != nil {
		return err
	}
	if !topicPattern.MatchString(topic) || topic == "." || topic == ".." {
		return fmt.Errorf("%w: %q is not a legal kafka topic", eventbridge.ErrInvalidEventName, topic)
	}
	return nil
}

// Subscribe implements eventbridge.Source.
func (s *Source) Subscribe(_ context.Context, eventName string) (eventbridge.Subscription, error) {
	topic := s.Topic(eventName)
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: source closed", eventbridge.ErrSourceUnavailable)
	}

	pc, err := s.consumer.ConsumePartition(topic, s.partition, s.initialOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: consume %s/%d: %v", eventbridge.ErrSourceUnavailable, topic, s.partition, err)
	}

	sub := &subscription{
		source: s,
		name:   eventName,
		pc:     pc,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub, nil
}

// Close stops every partition consumer this source started, so their
// subscriptions return eventbridge.ErrEndOfStream, and closes the consumer if
// Connect created it.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	for sub := range s.subs {
		sub.pc.AsyncClose()
	}
	s.subs = make(map[*subscription]struct{})
	s.mu.Unlock()

	if s.owns {
		return s.consumer.Close()
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
	pc     sarama.PartitionConsumer

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// EventName implements eventbridge.Subscription.
func (s *subscription) EventName() string {
	return s.name
}

// Next implements eventbridge.Subscription. Sequence is the message offset
// and Metadata holds the record headers.
func (s *subscription) Next(ctx context.Context) (eventbridge.Event, error) {
	select {
	case <-s.done:
		return eventbridge.Event{}, eventbridge.ErrSubscriptionClosed
	default:
	}

	// Drain ready messages before looking at errors.
	select {
	case msg, ok := <-s.pc.Messages():
		return s.deliver(msg, ok)
	default:
	}

	select {
	case msg, ok := <-s.pc.Messages():
		return s.deliver(msg, ok)
	case cerr, ok := <-s.pc.Errors():
		if !ok {
			return s.deliver(nil, false)
		}
		return eventbridge.Event{}, fmt.Errorf("%w: %v", eventbridge.ErrSourceUnavailable, cerr)
	case <-s.done:
		return eventbridge.Event{}, eventbridge.ErrSubscriptionClosed
	case <-ctx.Done():
		return eventbridge.Event{}, ctx.Err()
	}
}

func (s *subscription) deliver(msg *sarama.ConsumerMessage, ok bool) (eventbridge.Event, error) {
	if !ok {
		select {
		case <-s.done:
			return eventbridge.Event{}, eventbridge.ErrSubscriptionClosed
		default:
			return eventbridge.Event{}, eventbridge.ErrEndOfStream
		}
	}

	evt := eventbridge.Event{
		Name:       s.name,
		Payload:    string(msg.Value),
		Sequence:   uint64(msg.Offset),
		ReceivedAt: time.Now(),
	}
	if len(msg.Headers) > 0 {
		evt.Metadata = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			if h != nil {
				evt.Metadata[string(h.Key)] = string(h.Value)
			}
		}
	}
	return evt, nil
}

// Close implements eventbridge.Subscription.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.source.forget(s)
		s.closeErr = s.pc.Close()
	})
	return s.closeErr
}
