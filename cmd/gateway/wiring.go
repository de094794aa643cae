package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/internal/adapters/binance"
	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/infra/config"
	"github.com/coachpo/meltica-realtime/internal/infra/persistence"
	"github.com/coachpo/meltica-realtime/internal/infra/persistence/migrations"
	"github.com/coachpo/meltica-realtime/internal/infra/persistence/postgres"
	"github.com/coachpo/meltica-realtime/internal/infra/persistence/redisstore"
	"github.com/coachpo/meltica-realtime/internal/infra/sink"
	"github.com/coachpo/meltica-realtime/internal/session"
	"github.com/coachpo/meltica-realtime/internal/state"
	"github.com/coachpo/meltica-realtime/internal/subscription"
	"github.com/coachpo/meltica-realtime/internal/throttle"
)

const startupConsumer = "config"

func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (persistence.Store, error) {
	switch cfg.Driver {
	case config.StorageRedis:
		store, err := redisstore.Dial(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		logger.Info("storage initialised", zap.String("driver", "redis"), zap.String("addr", cfg.Redis.Addr))
		return store, nil
	case config.StoragePostgres:
		if cfg.Postgres.RunMigrations {
			if err := migrations.Apply(ctx, cfg.Postgres.DSN, cfg.Postgres.MigrationsDir, logger.Named("migrations")); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		store, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info("storage initialised", zap.String("driver", "postgres"))
		return store, nil
	default:
		logger.Info("storage initialised", zap.String("driver", "memory"))
		return persistence.NewMemoryStore(), nil
	}
}

func openSink(cfg config.SinkConfig, logger *zap.Logger) (sink.Sink, error) {
	if cfg.Kind != config.SinkKafka {
		return sink.NewLog(logger.Named("sink")), nil
	}
	kafka, err := sink.NewKafka(sink.KafkaConfig{
		Brokers:      cfg.Kafka.Brokers,
		TopicPrefix:  cfg.Kafka.TopicPrefix,
		FlushTimeout: cfg.Kafka.FlushTimeout,
	}, logger.Named("sink"))
	if err != nil {
		return nil, fmt.Errorf("open kafka sink: %w", err)
	}
	return kafka, nil
}

type sessionDeps struct {
	store  persistence.Store
	sink   sink.Sink
	logger *zap.Logger
	// dialer defaults to the websocket dialer.
	dialer session.Dialer
	// rest overrides the adapter's HTTP client.
	rest binance.REST
}

func buildSession(sc config.SessionConfig, deps sessionDeps) (*session.Session, error) {
	logger := deps.logger.With(
		zap.String("exchange", sc.Exchange),
		zap.String("account", sc.Account),
		zap.String("schema", string(sc.Schema)))

	id := uuid.NewString()
	registry := subscription.NewRegistry()
	cache := state.New(state.Options{
		Exchange: sc.Exchange,
		Account:  sc.Account,
		Schema:   sc.Schema,
		Origin:   id,
		Store:    deps.store,
		Logger:   logger.Named("state"),
	})

	adapter, err := binance.New(binance.Options{
		Config: binance.Config{
			Schema:            sc.Schema,
			APIKey:            sc.APIKey,
			RESTBaseURL:       sc.RESTBaseURL,
			WebsocketURL:      sc.WebsocketURL,
			DepthLimit:        sc.DepthLimit,
			ReferenceCurrency: sc.ReferenceCurrency,
		},
		Cache: cache,
		REST:  deps.rest,
		Active: func(ch schema.Channel) bool {
			return len(registry.Symbols(ch)) > 0
		},
		Logger: logger.Named("binance"),
	})
	if err != nil {
		return nil, fmt.Errorf("binance adapter: %w", err)
	}

	dialer := deps.dialer
	if dialer == nil {
		dialer = session.WebsocketDialer{}
	}
	return session.New(session.Options{
		Config:   sessionConfig(id, sc.Timing),
		Adapter:  adapter,
		Dialer:   dialer,
		Throttle: throttle.New(sc.Key(), sc.Throttle.PerSecond, sc.Throttle.Burst, sc.Throttle.MaxWait),
		Registry: registry,
		Sink:     deps.sink,
		Store:    deps.store,
		Logger:   logger.Named("session"),
		Metrics:  session.NewMetrics(nil, sc.Exchange, string(sc.Schema)),
	})
}

func sessionConfig(id string, timing config.TimingConfig) session.Config {
	return session.Config{
		ID:                id,
		PingInterval:      timing.PingInterval,
		WatchInterval:     timing.WatchInterval,
		PollInterval:      timing.PollInterval,
		RefreshInterval:   timing.RefreshInterval,
		PriceInterval:     timing.PriceInterval,
		KeepAliveInterval: timing.KeepAliveInterval,
		BootstrapTimeout:  timing.BootstrapTimeout,
		ReconnectMax:      timing.ReconnectMax,
	}
}

// subscribeConfigured registers the startup subscriptions. A failing
// subscription is logged and skipped so the remaining ones still open.
func subscribeConfigured(ctx context.Context, sess *session.Session, sc config.SessionConfig, logger *zap.Logger) int {
	opened := 0
	for _, sub := range sc.Subscriptions {
		ch, err := schema.ParseChannel(sub.Channel)
		if err != nil {
			logger.Warn("skip subscription", zap.String("channel", sub.Channel), zap.Error(err))
			continue
		}
		if err := sess.Subscribe(ctx, ch, sub.Symbol, startupConsumer); err != nil {
			logger.Warn("subscribe failed",
				zap.String("session", sc.Key()),
				zap.String("channel", string(ch)),
				zap.String("symbol", sub.Symbol),
				zap.Error(err))
			continue
		}
		opened++
	}
	return opened
}

func closeSessions(sessions []*session.Session) error {
	var err error
	for _, sess := range sessions {
		err = multierr.Append(err, sess.Close())
	}
	return err
}
