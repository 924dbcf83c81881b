package history

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedStore decorates a Store with a Redis fast path for idempotency-key
// lookups. The underlying store stays authoritative: cache misses fall
// through, cache errors are logged and ignored.
type CachedStore struct {
	Store
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedStore wraps inner with the given Redis client. Keys are
// namespaced under prefix and expire after ttl (48h covers any restart
// replay window).
func NewCachedStore(inner Store, rdb *redis.Client, prefix string, logger zerolog.Logger) *CachedStore {
	if prefix == "" {
		prefix = "paper:idem:"
	}
	return &CachedStore{
		Store:  inner,
		rdb:    rdb,
		prefix: prefix,
		ttl:    48 * time.Hour,
		logger: logger,
	}
}

// HasOrderKey checks Redis first and falls back to the store.
func (c *CachedStore) HasOrderKey(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.prefix+key).Result()
	if err == nil && n > 0 {
		return true, nil
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("idempotency cache read failed, falling back to store")
	}
	seen, err := c.Store.HasOrderKey(ctx, key)
	if err != nil {
		return false, err
	}
	if seen {
		c.warm(ctx, key)
	}
	return seen, nil
}

// AppendSet delegates to the store and, on success, warms the cache for any
// non-SKIPPED order key.
func (c *CachedStore) AppendSet(ctx context.Context, set RecordSet) error {
	if err := c.Store.AppendSet(ctx, set); err != nil {
		return err
	}
	if set.Order != nil && set.Order.Status != OrderSkipped && set.Order.IdempotencyKey != "" {
		c.warm(ctx, set.Order.IdempotencyKey)
	}
	return nil
}

func (c *CachedStore) warm(ctx context.Context, key string) {
	if err := c.rdb.Set(ctx, c.prefix+key, "1", c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("idempotency cache write failed")
	}
}
