package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// CachedStatus is the read-surface snapshot kept per order.
type CachedStatus struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusCache is an optional read-through cache for order status lookups.
// It only ever serves presentation reads; the store stays authoritative.
type StatusCache struct {
	client *redis.Client
}

// NewStatusCache wraps a connected client.
func NewStatusCache(client *redis.Client) *StatusCache {
	return &StatusCache{client: client}
}

// Get returns the cached status, or ok=false on a miss.
func (c *StatusCache) Get(ctx context.Context, orderID string) (CachedStatus, bool, error) {
	raw, err := c.client.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedStatus{}, false, nil
	}
	if err != nil {
		return CachedStatus{}, false, errors.Wrap(err, "get status")
	}
	var out CachedStatus
	if err := json.Unmarshal(raw, &out); err != nil {
		return CachedStatus{}, false, errors.Wrap(err, "unmarshal status")
	}
	return out, true, nil
}

// Set stores the status with a short TTL.
func (c *StatusCache) Set(ctx context.Context, orderID string, status CachedStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "marshal status")
	}
	if err := c.client.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), raw, TTLStatusCache).Err(); err != nil {
		return errors.Wrap(err, "set status")
	}
	return nil
}

// Invalidate drops the cached status after a write.
func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	if err := c.client.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err(); err != nil {
		return errors.Wrap(err, "del status")
	}
	return nil
}
