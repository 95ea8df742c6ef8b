package outbox

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence contract the relay needs. Claiming must be atomic
// across concurrent relay instances: a row claimed by one worker is invisible
// to the others (FOR UPDATE SKIP LOCKED in the postgres implementation).
type Store interface {
	// ClaimBatch flips up to limit eligible rows to processing and returns
	// them, oldest first. Eligible rows are pending rows whose next_attempt_at
	// has passed, and processing rows claimed longer than staleAfter ago
	// (a worker died between claim and publish).
	ClaimBatch(ctx context.Context, limit int, staleAfter time.Duration) ([]Event, error)
	// MarkProcessed retires a published row.
	MarkProcessed(ctx context.Context, id string) error
	// Release returns a row to pending with the given retry count and a
	// not-before timestamp for the next attempt.
	Release(ctx context.Context, id string, lastError string, retryCount int, nextAttempt time.Time) error
	// DeadLetter parks a row as terminally failed.
	DeadLetter(ctx context.Context, id string, lastError string) error
}

// Publisher delivers a claimed event to the downstream bus. Implementations
// must respect ctx cancellation; the relay bounds every call with a timeout.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// RelayConfig tunes the claim/publish loop.
type RelayConfig struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	PublishTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	StaleClaim     time.Duration
}

func (c *RelayConfig) withDefaults() RelayConfig {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 1
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 50
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.PublishTimeout <= 0 {
		out.PublishTimeout = 5 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 10
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = time.Second
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 5 * time.Minute
	}
	if out.StaleClaim <= 0 {
		out.StaleClaim = 5 * time.Minute
	}
	return out
}

// Relay is a stateless worker pool draining the outbox. Multiple instances
// may run against the same store; coordination happens entirely through row
// claims, so no instance holds in-memory state another depends on.
type Relay struct {
	store Store
	pub   Publisher
	cfg   RelayConfig
	lg    *zap.Logger

	published    metric.Int64Counter
	retried      metric.Int64Counter
	deadLettered metric.Int64Counter
}

// NewRelay wires a relay with metrics registered on meter.
func NewRelay(store Store, pub Publisher, cfg RelayConfig, lg *zap.Logger, meter metric.Meter) (*Relay, error) {
	published, err := meter.Int64Counter("outbox.relay.published")
	if err != nil {
		return nil, errors.Wrap(err, "published counter")
	}
	retried, err := meter.Int64Counter("outbox.relay.retried")
	if err != nil {
		return nil, errors.Wrap(err, "retried counter")
	}
	dead, err := meter.Int64Counter("outbox.relay.dead_lettered")
	if err != nil {
		return nil, errors.Wrap(err, "dead_lettered counter")
	}
	return &Relay{
		store:        store,
		pub:          pub,
		cfg:          cfg.withDefaults(),
		lg:           lg,
		published:    published,
		retried:      retried,
		deadLettered: dead,
	}, nil
}

// Run blocks until ctx is cancelled. Each worker polls independently; an
// empty claim backs the worker off for one poll interval. Shutdown is
// graceful: in-flight claims finish, no new batches are claimed.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return r.runWorker(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) runWorker(ctx context.Context, id int) error {
	lg := r.lg.With(zap.Int("worker", id))
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.drainOnce(ctx, lg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lg.Error("claim batch", zap.Error(err))
		}
		// Keep draining while batches come back full; sleep otherwise.
		if n >= r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drainOnce claims one batch and publishes it, returning the claimed count.
// A cancelled ctx mid-batch releases the remaining rows back to pending so
// another instance can pick them up immediately instead of waiting out the
// stale-claim threshold.
func (r *Relay) drainOnce(ctx context.Context, lg *zap.Logger) (int, error) {
	batch, err := r.store.ClaimBatch(ctx, r.cfg.BatchSize, r.cfg.StaleClaim)
	if err != nil {
		return 0, errors.Wrap(err, "claim")
	}

	for i, ev := range batch {
		if ctx.Err() != nil {
			r.releaseRemaining(batch[i:], lg)
			return len(batch), ctx.Err()
		}
		r.deliver(ctx, ev, lg)
	}
	return len(batch), nil
}

func (r *Relay) deliver(ctx context.Context, ev Event, lg *zap.Logger) {
	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	err := r.pub.Publish(pubCtx, ev)
	cancel()

	if err == nil {
		if err := r.store.MarkProcessed(ctx, ev.ID); err != nil {
			// The row stays processing and is reclaimed after the staleness
			// threshold; the consumer dedupes the repeat on idempotency key.
			lg.Error("mark processed", zap.String("event_id", ev.ID), zap.Error(err))
			return
		}
		r.published.Add(ctx, 1)
		lg.Debug("published",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.EventType),
			zap.String("idempotency_key", ev.IdempotencyKey),
		)
		return
	}

	retries := ev.RetryCount + 1
	if retries > r.cfg.MaxRetries {
		if dlErr := r.store.DeadLetter(ctx, ev.ID, err.Error()); dlErr != nil {
			lg.Error("dead-letter", zap.String("event_id", ev.ID), zap.Error(dlErr))
			return
		}
		r.deadLettered.Add(ctx, 1)
		lg.Error("event dead-lettered, operator attention required",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.EventType),
			zap.Int("retries", ev.RetryCount),
			zap.Error(err),
		)
		return
	}

	next := time.Now().Add(r.backoff(retries))
	if relErr := r.store.Release(ctx, ev.ID, err.Error(), retries, next); relErr != nil {
		lg.Error("release", zap.String("event_id", ev.ID), zap.Error(relErr))
		return
	}
	r.retried.Add(ctx, 1)
	lg.Warn("publish failed, scheduled retry",
		zap.String("event_id", ev.ID),
		zap.Int("retry", retries),
		zap.Time("next_attempt", next),
		zap.Error(err),
	)
}

func (r *Relay) releaseRemaining(batch []Event, lg *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ev := range batch {
		// Not a publish failure: the retry count stays as it was.
		if err := r.store.Release(ctx, ev.ID, "relay shutdown", ev.RetryCount, time.Now()); err != nil {
			lg.Warn("release on shutdown", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
}

// backoff computes capped exponential backoff with up to 10% jitter so a
// burst of failures does not resynchronize into thundering retries.
func (r *Relay) backoff(retries int) time.Duration {
	d := r.cfg.BackoffBase
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= r.cfg.BackoffCap {
			d = r.cfg.BackoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}
