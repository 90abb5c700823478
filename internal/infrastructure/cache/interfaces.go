package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache is the shared-cache contract used by alert dedupe, the query
// cache, and the config secrets layer. SetNX must be atomic; dedupe
// correctness across workers depends on it.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Increment(ctx context.Context, key string) (int64, error)
	IncrementBy(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// ErrCacheKeyNotFound indicates a cache miss.
type ErrCacheKeyNotFound struct {
	Key string
}

func (e ErrCacheKeyNotFound) Error() string {
	return fmt.Sprintf("cache key not found: %s", e.Key)
}

// IsMiss reports whether an error is a cache miss.
func IsMiss(err error) bool {
	_, ok := err.(ErrCacheKeyNotFound)
	return ok
}
