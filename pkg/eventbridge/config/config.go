package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
)

// Source kinds.
const (
	SourceSQLLog   = "sqllog"
	SourceNATS     = "nats"
	SourceRedis    = "redis"
	SourceKafka    = "kafka"
	SourcePostgres = "postgres"
)

// Handler kinds.
const (
	HandlerLog     = "log"
	HandlerWebhook = "webhook"
)

// Metrics exporters.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTel       = "otel"
)

// DefaultEventName is the event the bridge listens for unless configured otherwise.
const DefaultEventName = "workOrderSubmitted"

// Config is the runtime configuration of the eventbridge binary.
type Config struct {
	EventName       string           `yaml:"event_name" mapstructure:"event_name"`
	PayloadPath     []string         `yaml:"payload_path" mapstructure:"payload_path"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Source          SourceConfig     `yaml:"source" mapstructure:"source"`
	Handler         HandlerConfig    `yaml:"handler" mapstructure:"handler"`
	DeadLetter      DeadLetterConfig `yaml:"dead_letter" mapstructure:"dead_letter"`
	Logging         LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Metrics         MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Tracing         TracingConfig    `yaml:"tracing" mapstructure:"tracing"`
}

// SourceConfig selects and configures the event source.
type SourceConfig struct {
	Kind     string         `yaml:"kind" mapstructure:"kind"`
	SQLLog   SQLLogConfig   `yaml:"sqllog" mapstructure:"sqllog"`
	NATS     NATSConfig     `yaml:"nats" mapstructure:"nats"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka" mapstructure:"kafka"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// SQLLogConfig captures SQL event log settings.
type SQLLogConfig struct {
	Driver        string        `yaml:"driver" mapstructure:"driver"` // sqlite or mysql
	DSN           string        `yaml:"dsn" mapstructure:"dsn"`
	FromBeginning bool          `yaml:"from_beginning" mapstructure:"from_beginning"`
	StopAtEnd     bool          `yaml:"stop_at_end" mapstructure:"stop_at_end"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// NATSConfig captures NATS connection settings.
type NATSConfig struct {
	URL           string        `yaml:"url" mapstructure:"url"`
	Name          string        `yaml:"name" mapstructure:"name"`
	SubjectPrefix string        `yaml:"subject_prefix" mapstructure:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects" mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
	Username      string        `yaml:"username" mapstructure:"username"`
	Password      string        `yaml:"password" mapstructure:"password"`
	Token         string        `yaml:"token" mapstructure:"token"`
}

// RedisConfig captures Redis pub/sub settings.
type RedisConfig struct {
	URL           string `yaml:"url" mapstructure:"url"`
	ChannelPrefix string `yaml:"channel_prefix" mapstructure:"channel_prefix"`
	ChannelSize   int    `yaml:"channel_size" mapstructure:"channel_size"`
}

// KafkaConfig captures Kafka consumer settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers" mapstructure:"brokers"`
	ClientID      string   `yaml:"client_id" mapstructure:"client_id"`
	TopicPrefix   string   `yaml:"topic_prefix" mapstructure:"topic_prefix"`
	Partition     int32    `yaml:"partition" mapstructure:"partition"`
	InitialOffset string   `yaml:"initial_offset" mapstructure:"initial_offset"` // oldest or newest
	Version       string   `yaml:"version" mapstructure:"version"`
}

// PostgresConfig captures LISTEN/NOTIFY settings.
type PostgresConfig struct {
	DSN           string `yaml:"dsn" mapstructure:"dsn"`
	ChannelPrefix string `yaml:"channel_prefix" mapstructure:"channel_prefix"`
	MaxConns      int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// HandlerConfig selects what happens to each work order.
type HandlerConfig struct {
	Kind    string        `yaml:"kind" mapstructure:"kind"`
	Webhook WebhookConfig `yaml:"webhook" mapstructure:"webhook"`
}

// WebhookConfig captures webhook handler settings.
type WebhookConfig struct {
	URL         string            `yaml:"url" mapstructure:"url"`
	Timeout     time.Duration     `yaml:"timeout" mapstructure:"timeout"`
	Headers     map[string]string `yaml:"headers" mapstructure:"headers"`
	MaxAttempts int               `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// DeadLetterConfig captures dead-letter store settings.
type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig captures logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or text
}

// MetricsConfig captures metrics settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Address  string `yaml:"address" mapstructure:"address"`
	Exporter string `yaml:"exporter" mapstructure:"exporter"` // prometheus or otel
}

// TracingConfig captures OpenTelemetry settings. Endpoint and Insecure also
// apply to the otel metrics exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"` // OTLP gRPC host:port
	Insecure    bool   `yaml:"insecure" mapstructure:"insecure"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		EventName:       DefaultEventName,
		ShutdownTimeout: 30 * time.Second,
		Source: SourceConfig{
			Kind: SourceSQLLog,
			SQLLog: SQLLogConfig{
				Driver:       "sqlite",
				DSN:          "eventbridge.db",
				BatchSize:    100,
				PollInterval: 500 * time.Millisecond,
			},
			NATS: NATSConfig{
				URL:           "nats://localhost:4222",
				Name:          "eventbridge",
				MaxReconnects: -1,
				ReconnectWait: 2 * time.Second,
			},
			Redis: RedisConfig{
				URL:         "redis://localhost:6379/0",
				ChannelSize: 100,
			},
			Kafka: KafkaConfig{
				Brokers:       []string{"localhost:9092"},
				ClientID:      "eventbridge",
				InitialOffset: "newest",
				Version:       "2.8.0",
			},
		},
		Handler: HandlerConfig{
			Kind: HandlerLog,
			Webhook: WebhookConfig{
				Timeout:     10 * time.Second,
				MaxAttempts: 3,
			},
		},
		DeadLetter: DeadLetterConfig{
			Path: "deadletters.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Address:  ":9090",
			Exporter: ExporterPrometheus,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "eventbridge",
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := eventbridge.ValidateEventName(c.EventName); err != nil {
		add("event_name: %w", err)
	}
	for i, p := range c.PayloadPath {
		if p == "" {
			add("payload_path[%d]: empty segment", i)
		}
	}
	if c.ShutdownTimeout <= 0 {
		add("shutdown_timeout: must be positive")
	}

	switch c.Source.Kind {
	case SourceSQLLog:
		s := c.Source.SQLLog
		if s.Driver != "sqlite" && s.Driver != "mysql" {
			add("source.sqllog.driver: %q is not sqlite or mysql", s.Driver)
		}
		if s.DSN == "" {
			add("source.sqllog.dsn: required")
		}
	case SourceNATS:
		if c.Source.NATS.URL == "" {
			add("source.nats.url: required")
		}
	case SourceRedis:
		if c.Source.Redis.URL == "" {
			add("source.redis.url: required")
		}
	case SourceKafka:
		k := c.Source.Kafka
		if len(k.Brokers) == 0 {
			add("source.kafka.brokers: required")
		}
		switch strings.ToLower(k.InitialOffset) {
		case "", "oldest", "newest":
		default:
			add("source.kafka.initial_offset: %q is not oldest or newest", k.InitialOffset)
		}
	case SourcePostgres:
		if c.Source.Postgres.DSN == "" {
			add("source.postgres.dsn: required")
		}
	default:
		add("source.kind: unknown kind %q", c.Source.Kind)
	}

	switch c.Handler.Kind {
	case HandlerLog:
	case HandlerWebhook:
		w := c.Handler.Webhook
		if u, err := url.Parse(w.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("handler.webhook.url: %q is not an http(s) URL", w.URL)
		}
		if w.MaxAttempts < 1 {
			add("handler.webhook.max_attempts: must be at least 1")
		}
		if w.Timeout <= 0 {
			add("handler.webhook.timeout: must be positive")
		}
	default:
		add("handler.kind: unknown kind %q", c.Handler.Kind)
	}

	if c.DeadLetter.Enabled && c.DeadLetter.Path == "" {
		add("dead_letter.path: required when enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format: %q is not json or text", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		switch c.Metrics.Exporter {
		case ExporterPrometheus:
			if c.Metrics.Address == "" {
				add("metrics.address: required for the prometheus exporter")
			}
		case ExporterOTel:
			if c.Tracing.Endpoint == "" {
				add("tracing.endpoint: required for the otel exporter")
			}
		default:
			add("metrics.exporter: %q is not prometheus or otel", c.Metrics.Exporter)
		}
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		add("tracing.endpoint: required when enabled")
	}

	return errors.Join(errs...)
}
