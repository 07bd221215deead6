package ports

import (
	"context"
	"time"
)

// CacheStore is the TTL-keyed byte store backing the indexer cache.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
}
