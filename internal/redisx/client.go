// Package redisx holds the redis client plus the key and TTL conventions
// used for the read-side status cache and consumer deduplication.
package redisx

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// Key formats. Keep them here so every consumer agrees on the layout.
const (
	// Order status cache: order_status:{order_id} -> JSON blob.
	KeyOrderStatus = "order_status:%s"

	// Consumer dedup: dedup:{consumer}:{idempotency_key}.
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)

// New connects a client and verifies the server is reachable.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}
