package indexer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ff4f/yieldharvest-sub002/internal/ports"
)

// CacheStats is the aggregate view exposed for operations.
type CacheStats struct {
	Hits          int64
	Misses        int64
	Errors        int64
	Invalidations int64
}

// Cache is a read-through TTL cache over an IndexerQuerier. Not-found
// results are not cached; the poller and the API shield the indexer from
// repeat lookups of the same resource within the TTL window.
type Cache struct {
	upstream ports.IndexerQuerier
	store    ports.CacheStore
	ttl      time.Duration
	logger   *slog.Logger

	hits          atomic.Int64
	misses        atomic.Int64
	errors        atomic.Int64
	invalidations atomic.Int64
}

func NewCache(upstream ports.IndexerQuerier, store ports.CacheStore, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{upstream: upstream, store: store, ttl: ttl, logger: logger}
}

// Query satisfies ports.IndexerQuerier: cached bytes when fresh, otherwise a
// single upstream call whose result is stored for the TTL.
func (c *Cache) Query(ctx context.Context, resource string, params map[string]string) ([]byte, error) {
	key := CacheKey(resource, params)

	if cached, ok, err := c.store.Get(ctx, key); err != nil {
		// A broken store degrades to pass-through rather than failing reads.
		c.errors.Add(1)
		c.logger.WarnContext(ctx, "cache read failed",
			"module", "indexer.cache", "layer", "adapter",
			"operation", "cache_get", "outcome", "failure",
			"key", key, "error", err)
	} else if ok {
		c.hits.Add(1)
		return cached, nil
	}
	c.misses.Add(1)

	body, err := c.upstream.Query(ctx, resource, params)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, key, body, c.ttl); err != nil {
		c.errors.Add(1)
		c.logger.WarnContext(ctx, "cache write failed",
			"module", "indexer.cache", "layer", "adapter",
			"operation", "cache_set", "outcome", "failure",
			"key", key, "error", err)
	}
	return body, nil
}

// Invalidate drops the entries for the given resource+params queries.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.store.Delete(ctx, keys...)
	if err != nil {
		c.errors.Add(1)
		return 0, err
	}
	c.invalidations.Add(n)
	return n, nil
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Errors:        c.errors.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
