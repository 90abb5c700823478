package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/infrastructure/cache"
)

// QueryCache is a two-level read cache in front of the audit_log reads:
// a small in-process LRU backed by the shared redis cache. Keys are
// derived deterministically from the query shape and arguments so every
// instance computes the same key.
type QueryCache struct {
	l1     *cache.LocalCache
	l2     cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewQueryCache builds the two-level cache. l2 may be nil; the cache
// then degrades to process-local only.
func NewQueryCache(l2 cache.Cache, l1Size int, ttl time.Duration, logger *zap.Logger) *QueryCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &QueryCache{
		l1:     cache.NewLocalCache(l1Size),
		l2:     l2,
		ttl:    ttl,
		logger: logger,
	}
}

// Key derives the cache key for a query shape and its arguments.
func (q *QueryCache) Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return "qc:" + hex.EncodeToString(sum[:])
}

// Get returns a cached result, promoting L2 hits into L1.
func (q *QueryCache) Get(ctx context.Context, key string) (string, bool) {
	if val, ok := q.l1.Get(key); ok {
		return val, true
	}
	if q.l2 == nil {
		return "", false
	}

	val, err := q.l2.Get(ctx, key)
	if err != nil {
		if !cache.IsMiss(err) {
			q.logger.Debug("query cache L2 read failed", zap.Error(err))
		}
		return "", false
	}

	q.l1.Set(key, val, q.ttl)
	return val, true
}

// Set stores a result in both levels on a best-effort basis.
func (q *QueryCache) Set(ctx context.Context, key, value string) {
	q.l1.Set(key, value, q.ttl)
	if q.l2 != nil {
		if err := q.l2.Set(ctx, key, value, q.ttl); err != nil {
			q.logger.Debug("query cache L2 write failed", zap.Error(err))
		}
	}
}

// Invalidate drops a key from both levels.
func (q *QueryCache) Invalidate(ctx context.Context, key string) {
	q.l1.Delete(key)
	if q.l2 != nil {
		q.l2.Delete(ctx, key)
	}
}
