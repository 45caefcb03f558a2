package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. EVENTBRIDGE_SOURCE_KIND.
const EnvPrefix = "EVENTBRIDGE"

// Load reads configuration from the provided path and environment variables.
// With an empty path it looks for eventbridge.yaml in the working directory
// and /etc/eventbridge; a missing file leaves the defaults in place.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("eventbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/eventbridge")
	}

	// Environment variables override
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("event_name", d.EventName)
	v.SetDefault("payload_path", d.PayloadPath)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)

	v.SetDefault("source.kind", d.Source.Kind)

	v.SetDefault("source.sqllog.driver", d.Source.SQLLog.Driver)
	v.SetDefault("source.sqllog.dsn", d.Source.SQLLog.DSN)
	v.SetDefault("source.sqllog.from_beginning", d.Source.SQLLog.FromBeginning)
	v.SetDefault("source.sqllog.stop_at_end", d.Source.SQLLog.StopAtEnd)
	v.SetDefault("source.sqllog.batch_size", d.Source.SQLLog.BatchSize)
	v.SetDefault("source.sqllog.poll_interval", d.Source.SQLLog.PollInterval)

	v.SetDefault("source.nats.url", d.Source.NATS.URL)
	v.SetDefault("source.nats.name", d.Source.NATS.Name)
	v.SetDefault("source.nats.subject_prefix", d.Source.NATS.SubjectPrefix)
	v.SetDefault("source.nats.max_reconnects", d.Source.NATS.MaxReconnects) // Infinite reconnects
	v.SetDefault("source.nats.reconnect_wait", d.Source.NATS.ReconnectWait)
	v.SetDefault("source.nats.username", "")
	v.SetDefault("source.nats.password", "")
	v.SetDefault("source.nats.token", "")

	v.SetDefault("source.redis.url", d.Source.Redis.URL)
	v.SetDefault("source.redis.channel_prefix", d.Source.Redis.ChannelPrefix)
	v.SetDefault("source.redis.channel_size", d.Source.Redis.ChannelSize)

	v.SetDefault("source.kafka.brokers", d.Source.Kafka.Brokers)
	v.SetDefault("source.kafka.client_id", d.Source.Kafka.ClientID)
	v.SetDefault("source.kafka.topic_prefix", d.Source.Kafka.TopicPrefix)
	v.SetDefault("source.kafka.partition", d.Source.Kafka.Partition)
	v.SetDefault("source.kafka.initial_offset", d.Source.Kafka.InitialOffset)
	v.SetDefault("source.kafka.version", d.Source.Kafka.Version)

	v.SetDefault("source.postgres.dsn", d.Source.Postgres.DSN)
	v.SetDefault("source.postgres.channel_prefix", d.Source.Postgres.ChannelPrefix)
	v.SetDefault("source.postgres.max_conns", d.Source.Postgres.MaxConns)

	v.SetDefault("handler.kind", d.Handler.Kind)
	v.SetDefault("handler.webhook.url", d.Handler.Webhook.URL)
	v.SetDefault("handler.webhook.timeout", d.Handler.Webhook.Timeout)
	v.SetDefault("handler.webhook.max_attempts", d.Handler.Webhook.MaxAttempts)

	v.SetDefault("dead_letter.enabled", d.DeadLetter.Enabled)
	v.SetDefault("dead_letter.path", d.DeadLetter.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("metrics.exporter", d.Metrics.Exporter)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// FromFile reads a YAML (or JSON) file on top of Default.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return FromYAML(data)
}

// FromYAML parses YAML data on top of Default. Keys that are absent keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}
