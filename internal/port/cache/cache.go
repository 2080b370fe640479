// Package cache defines the port for caching immutable values.
package cache

import "context"

// Cache stores immutable values: artifact content keyed by its reference
// ("artifact:<run>:<type>:<id>") and replayed API responses ("idem:<hash>").
// Values never change once written, so there is no invalidation; eviction
// and expiry are backend policy.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}
