package redisx

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// Deduper lets outbox consumers honor the at-least-once delivery contract:
// before applying an event's effect, a consumer calls FirstSeen with the
// event's idempotency key and skips the event when it returns false.
type Deduper struct {
	client   *redis.Client
	consumer string
}

// NewDeduper creates a deduper scoped to one consumer name, so independent
// consumers each see every event once.
func NewDeduper(client *redis.Client, consumer string) *Deduper {
	return &Deduper{client: client, consumer: consumer}
}

// FirstSeen atomically records the key and reports whether this is its first
// delivery to this consumer. The mark expires after TTLDedup; by then any
// relay retry of the same row has long since settled.
func (d *Deduper) FirstSeen(ctx context.Context, idempotencyKey string) (bool, error) {
	key := fmt.Sprintf(KeyDedup, d.consumer, idempotencyKey)
	ok, err := d.client.SetNX(ctx, key, 1, TTLDedup).Result()
	if err != nil {
		return false, errors.Wrap(err, "setnx dedup key")
	}
	return ok, nil
}
