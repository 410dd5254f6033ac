// Command eventrelay relays stored events to the in-process bus and, when
// configured, to Kafka. It exposes subscription operations over HTTP
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	eventstore "github.com/aneshas/eventcore"
	"github.com/aneshas/eventcore/ambar"
	"github.com/aneshas/eventcore/ambar/echoambar"
	"github.com/aneshas/eventcore/bus"
	"github.com/aneshas/eventcore/internal/config"
	"github.com/aneshas/eventcore/internal/opshttp"
	"github.com/aneshas/eventcore/internal/runtime"
	"github.com/aneshas/eventcore/kafkabus"
	"github.com/aneshas/eventcore/outbox"
	"github.com/aneshas/eventcore/subscription"
	"github.com/aneshas/eventcore/subscription/redisstore"
	"github.com/aneshas/eventcore/telemetry"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := runtime.NewLogger(cfg.ServiceName)

	ctx, stop := runtime.SignalContext()
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("eventrelay stopped", "err", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := runtime.SetupTracing(ctx, runtime.TracingConfig{
		Enabled:      cfg.OTel.Enabled,
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTel.Endpoint,
		SampleRatio:  cfg.OTel.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = shutdownTracing(shutdownCtx)
	}()

	es, err := eventstore.New(
		eventstore.NewJSONEncoder(),
		storage(cfg),
		eventstore.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	defer es.Close()

	store := telemetry.NewStore(es)

	checks := []runtime.ReadyCheck{{Name: "db", Check: func(ctx context.Context) error {
		sqlDB, err := es.DB().DB()
		if err != nil {
			return err
		}

		return sqlDB.PingContext(ctx)
	}}}

	var checkpoints bus.CheckpointStore

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

		defer rdb.Close()

		checkpoints = redisstore.New(rdb, "")
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	} else {
		checkpoints, err = subscription.NewCheckpointStore(es.DB())
		if err != nil {
			return err
		}
	}

	deadLetters, err := subscription.NewDeadLetterStore(es.DB())
	if err != nil {
		return err
	}

	b, err := bus.New(
		bus.WithSource(store),
		bus.WithCheckpoints(checkpoints),
		bus.WithDeadLetters(deadLetters),
		bus.WithQueueSize(cfg.Bus.QueueSize),
		bus.WithRetry(cfg.Bus.MaxAttempts, 100*time.Millisecond, cfg.Bus.RetryMax),
		bus.WithLogger(logger),
		bus.WithMiddleware(telemetry.BusMiddleware(), bus.WithLogging(logger)),
	)
	if err != nil {
		return err
	}

	defer b.Close()

	err = b.Subscribe(bus.All, func(context.Context, eventstore.StoredEvent) error { return nil }, "audit-log")
	if err != nil {
		return err
	}

	manager, err := subscription.New(b, checkpoints, deadLetters, subscription.WithLogger(logger))
	if err != nil {
		return err
	}

	busRelay, err := outbox.New(store, telemetry.NewPublisher("bus", b), es.DB(),
		outbox.WithName("bus"),
		outbox.WithBatchSize(cfg.Relay.BatchSize),
		outbox.WithPollInterval(cfg.Relay.PollInterval),
		outbox.WithMaxAttempts(cfg.Relay.MaxAttempts),
		outbox.WithLogger(logger),
		outbox.WithAlert(alert(logger)),
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if err := b.Start(ctx); err != nil {
		return err
	}

	g.Go(func() error { return busRelay.Run(ctx) })

	if cfg.Kafka() {
		kafkaRelay, closeKafka, err := kafka(cfg, store, es, logger)
		if err != nil {
			return err
		}

		defer closeKafka()

		g.Go(func() error { return kafkaRelay.Run(ctx) })

		if cfg.KafkaGroupID != "" {
			consumer := kafkabus.NewConsumer(
				kafkabus.NewReader(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaTopic),
				eventstore.NewJSONEncoder(),
				b,
				kafkabus.WithConsumerLogger(logger),
			)

			g.Go(func() error { return consumer.Run(ctx) })
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	opshttp.Register(e, manager, busRelay, logger, checks...)

	if cfg.AmbarPath != "" {
		hf := echoambar.Wrap(ambar.New(eventstore.NewJSONEncoder(), ambar.WithUnregisteredEvents()))

		e.POST(cfg.AmbarPath, hf(func(ctx context.Context, evt eventstore.StoredEvent) error {
			return b.Publish(ctx, evt)
		}))
	}

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)

		err := e.Start(cfg.HTTPAddr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func storage(cfg config.Config) eventstore.Option {
	if cfg.DBDriver == config.DriverPostgres {
		return eventstore.WithPostgresDB(cfg.PostgresDSN)
	}

	return eventstore.WithSQLiteDB(cfg.SQLitePath)
}

func kafka(cfg config.Config, store *telemetry.Store, es *eventstore.EventStore, logger *slog.Logger) (*outbox.Relay, func(), error) {
	opts := []kafkabus.PublisherOption{
		kafkabus.WithTopic(cfg.KafkaTopic),
		kafkabus.WithPublisherLogger(logger),
	}

	if cfg.KafkaTopicPerStream {
		opts = append(opts, kafkabus.WithTopicPerStreamType())
	}

	if cfg.KafkaAutoCreateTopics {
		opts = append(opts, kafkabus.WithAutoTopicCreation())
	}

	pub, err := kafkabus.NewPublisher(cfg.KafkaBrokers, opts...)
	if err != nil {
		return nil, nil, err
	}

	relay, err := outbox.New(store, telemetry.NewPublisher("kafka", pub), es.DB(),
		outbox.WithName("kafka"),
		outbox.WithBatchSize(cfg.Relay.BatchSize),
		outbox.WithPollInterval(cfg.Relay.PollInterval),
		outbox.WithMaxAttempts(cfg.Relay.MaxAttempts),
		outbox.WithLogger(logger),
		outbox.WithAlert(alert(logger)),
	)
	if err != nil {
		_ = pub.Close()

		return nil, nil, err
	}

	return relay, func() { _ = pub.Close() }, nil
}

func alert(logger *slog.Logger) outbox.AlertFunc {
	return func(ctx context.Context, events []eventstore.StoredEvent, err error) {
		logger.ErrorContext(ctx, "events could not be published",
			"from_sequence", events[0].Sequence,
			"to_sequence", events[len(events)-1].Sequence,
			"err", err,
		)
	}
}
