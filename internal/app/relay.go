package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/fulfillment/internal/domain/outbox"
	"github.com/xenking/fulfillment/internal/kafka"
	"github.com/xenking/fulfillment/internal/storage/postgres"
	"github.com/xenking/fulfillment/pkg/health"
)

// RunRelay wires and runs the outbox relay binary: a pool of workers
// claiming outbox rows and publishing them to Kafka, plus a small health
// endpoint. Any number of relay instances may run concurrently; they
// coordinate purely through row claims in the store.
func RunRelay(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing relay",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
		zap.Int("workers", cfg.Relay.Workers),
	)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	store := postgres.NewOutboxStore(pool)
	publisher := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer func() { _ = publisher.Close() }()

	meter := m.MeterProvider().Meter("outbox-relay")
	backlog, err := meter.Int64ObservableGauge("outbox.backlog")
	if err != nil {
		return errors.Wrap(err, "backlog gauge")
	}
	deadLetters, err := meter.Int64ObservableGauge("outbox.dead_letters")
	if err != nil {
		return errors.Wrap(err, "dead letters gauge")
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		pending, failed, err := store.PendingCount(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(backlog, int64(pending))
		o.ObserveInt64(deadLetters, int64(failed))
		return nil
	}, backlog, deadLetters)
	if err != nil {
		return errors.Wrap(err, "register backlog callback")
	}

	relay, err := outbox.NewRelay(store, publisher, outbox.RelayConfig{
		Workers:        cfg.Relay.Workers,
		BatchSize:      cfg.Relay.BatchSize,
		PollInterval:   cfg.Relay.PollInterval,
		PublishTimeout: cfg.Relay.PublishTimeout,
		MaxRetries:     cfg.Relay.MaxRetries,
		BackoffBase:    cfg.Relay.BackoffBase,
		BackoffCap:     cfg.Relay.BackoffCap,
		StaleClaim:     cfg.Relay.StaleClaim,
	}, lg.Named("relay"), meter)
	if err != nil {
		return errors.Wrap(err, "create relay")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()
	healthSvc.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	server := &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(ctx)
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "health server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		healthSvc.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
