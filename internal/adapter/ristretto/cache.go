// Package ristretto implements the cache port using dgraph-io/ristretto as
// the in-process L1 for artifact content.
package ristretto

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache wraps a ristretto cache. Entries larger than maxItem bytes are not
// admitted so a single transcript cannot evict the working set.
type Cache struct {
	c       *ristretto.Cache[string, []byte]
	maxItem int64
}

// New creates a cache bounded to maxCostBytes of values.
func New(maxCostBytes int64) (*Cache, error) {
	if maxCostBytes <= 0 {
		return nil, fmt.Errorf("ristretto: max cost must be positive")
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCostBytes/1024*10, 1000), // ~10x items at 1 KiB each
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{c: c, maxItem: max(maxCostBytes/8, 1)}, nil
}

// Get retrieves a value from the cache.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a value and waits for the write buffer to apply it.
func (c *Cache) Set(_ context.Context, key string, value []byte) error {
	if int64(len(value)) > c.maxItem {
		return nil
	}
	c.c.Set(key, value, int64(len(value)))
	c.c.Wait()
	return nil
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
