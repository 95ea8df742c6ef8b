package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/fulfillment/internal/domain/outbox"
)

var _ outbox.Store = (*OutboxStore)(nil)

// OutboxStore implements outbox.Store backed by PostgreSQL. Claiming relies
// on FOR UPDATE SKIP LOCKED, so any number of relay instances can poll the
// same table without ever handing one row to two workers.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore returns an outbox store using the given pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// ClaimBatch atomically flips up to limit eligible rows to processing and
// returns them, oldest first. Eligible rows are pending rows due for an
// attempt, and processing rows whose claim is older than staleAfter (their
// worker died between claim and publish; the consumer dedupes the repeat).
func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int, staleAfter time.Duration) ([]outbox.Event, error) {
	staleBefore := time.Now().Add(-staleAfter)

	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_events
		SET status = 'processing', claimed_at = now()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE (status = 'pending' AND next_attempt_at <= now())
			   OR (status = 'processing' AND claimed_at < $2)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_id, aggregate_type, event_type, payload,
		          status, retry_count, last_error, idempotency_key,
		          next_attempt_at, claimed_at, created_at, processed_at`,
		limit, staleBefore)
	if err != nil {
		return nil, errors.Wrap(err, "claim batch")
	}
	defer rows.Close()

	var out []outbox.Event
	for rows.Next() {
		var (
			ev     outbox.Event
			status string
		)
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.AggregateType, &ev.EventType,
			&ev.Payload, &status, &ev.RetryCount, &ev.LastError, &ev.IdempotencyKey,
			&ev.NextAttemptAt, &ev.ClaimedAt, &ev.CreatedAt, &ev.ProcessedAt); err != nil {
			return nil, errors.Wrap(err, "scan outbox event")
		}
		ev.Status = outbox.Status(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkProcessed retires a published row.
func (s *OutboxStore) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'processed', processed_at = now(), claimed_at = NULL
		WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "mark processed")
	}
	return nil
}

// Release returns a claimed row to pending for a later attempt.
func (s *OutboxStore) Release(ctx context.Context, id, lastError string, retryCount int, nextAttempt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending', retry_count = $2, last_error = $3,
		    next_attempt_at = $4, claimed_at = NULL
		WHERE id = $1`, id, retryCount, lastError, nextAttempt)
	if err != nil {
		return errors.Wrap(err, "release")
	}
	return nil
}

// DeadLetter parks a row as terminally failed for operator inspection.
func (s *OutboxStore) DeadLetter(ctx context.Context, id, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'failed', retry_count = retry_count + 1, last_error = $2,
		    claimed_at = NULL
		WHERE id = $1`, id, lastError)
	if err != nil {
		return errors.Wrap(err, "dead letter")
	}
	return nil
}

// PendingCount reports rows awaiting delivery plus dead-lettered rows.
// Used by the relay's readiness probe and for operator visibility.
func (s *OutboxStore) PendingCount(ctx context.Context) (pending, failed int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('pending', 'processing')),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM outbox_events`).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, errors.Wrap(err, "pending count")
	}
	return pending, failed, nil
}
