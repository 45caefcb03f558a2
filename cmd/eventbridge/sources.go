package main

import (
	"context"
	"fmt"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/config"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/source/kafka"
	natssource "github.com/randalmurphal/eventbridge/pkg/eventbridge/source/nats"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/source/postgres"
	redissource "github.com/randalmurphal/eventbridge/pkg/eventbridge/source/redis"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/source/sqllog"
)

// closableSource is an event source the binary owns.
type closableSource interface {
	eventbridge.Source
	Close() error
}

// openSource connects the source selected by cfg.Source.Kind.
func openSource(ctx context.Context, cfg *config.Config) (closableSource, error) {
	sc := cfg.Source
	switch sc.Kind {
	case config.SourceSQLLog:
		return openSQLLog(cfg)

	case config.SourceNATS:
		nc := natssource.DefaultConfig()
		nc.URL = sc.NATS.URL
		nc.Name = sc.NATS.Name
		nc.SubjectPrefix = sc.NATS.SubjectPrefix
		nc.MaxReconnects = sc.NATS.MaxReconnects
		nc.ReconnectWait = sc.NATS.ReconnectWait
		nc.Username = sc.NATS.Username
		nc.Password = sc.NATS.Password
		nc.Token = sc.NATS.Token
		return natssource.Connect(nc)

	case config.SourceRedis:
		rc := redissource.DefaultConfig()
		rc.URL = sc.Redis.URL
		rc.ChannelPrefix = sc.Redis.ChannelPrefix
		if sc.Redis.ChannelSize > 0 {
			rc.ChannelSize = sc.Redis.ChannelSize
		}
		return redissource.Connect(ctx, rc)

	case config.SourceKafka:
		return kafka.Connect(kafka.Config{
			Brokers:       sc.Kafka.Brokers,
			ClientID:      sc.Kafka.ClientID,
			TopicPrefix:   sc.Kafka.TopicPrefix,
			Partition:     sc.Kafka.Partition,
			InitialOffset: sc.Kafka.InitialOffset,
			Version:       sc.Kafka.Version,
		})

	case config.SourcePostgres:
		return postgres.Connect(ctx, postgres.Config{
			DSN:           sc.Postgres.DSN,
			ChannelPrefix: sc.Postgres.ChannelPrefix,
			MaxConns:      sc.Postgres.MaxConns,
			Tracing:       cfg.Tracing.Enabled,
		})

	default:
		return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
	}
}

func openSQLLog(cfg *config.Config) (*sqllog.Log, error) {
	sc := cfg.Source.SQLLog
	opts := []sqllog.Option{
		sqllog.WithBatchSize(sc.BatchSize),
		sqllog.WithPollInterval(sc.PollInterval),
	}
	if sc.FromBeginning {
		opts = append(opts, sqllog.FromBeginning())
	}
	if sc.StopAtEnd {
		opts = append(opts, sqllog.StopAtEnd())
	}
	log, err := sqllog.Open(sc.Driver, sc.DSN, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eventbridge.ErrSourceUnavailable, err)
	}
	return log, nil
}
