// Package tiered composes an in-process L1 with a shared L2 into a single
// artifact content cache.
package tiered

import (
	"context"
	"log/slog"

	"github.com/Strob0t/AgentPR/internal/port/cache"
)

// Cache checks L1 first, falls back to L2 and backfills L1 on an L2 hit.
// L2 errors degrade to misses: the ledger remains the source of truth.
type Cache struct {
	l1  cache.Cache
	l2  cache.Cache
	log *slog.Logger
}

// New creates a tiered cache. l2 may be nil.
func New(l1, l2 cache.Cache, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{l1: l1, l2: l2, log: log}
}

// Get retrieves a value, checking L1 then L2.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}
	if c.l2 == nil {
		return nil, false, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		c.log.WarnContext(ctx, "l2 cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	_ = c.l1.Set(ctx, key, val)
	return val, true, nil
}

// Set writes to both tiers.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.l1.Set(ctx, key, value); err != nil {
		return err
	}
	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, value); err != nil {
			c.log.WarnContext(ctx, "l2 cache set failed", "key", key, "error", err)
		}
	}
	return nil
}

// GetOrLoad returns the cached value for key, or calls load and caches its
// result on a miss.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	val, found, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return val, nil
	}
	val, err = load(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, key, val); err != nil {
		c.log.WarnContext(ctx, "cache set failed", "key", key, "error", err)
	}
	return val, nil
}
