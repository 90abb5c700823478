package database

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/infrastructure/cache"
)

func newTestQueryCache(t *testing.T) (*QueryCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l2 := cache.NewRedisCacheFromClient(client, zap.NewNop())
	return NewQueryCache(l2, 16, time.Minute, zap.NewNop()), mr
}

func TestQueryCacheKeyIsDeterministic(t *testing.T) {
	qc := NewQueryCache(nil, 16, time.Minute, zap.NewNop())

	a := qc.Key("events.list", "org-1", "2024-06")
	b := qc.Key("events.list", "org-1", "2024-06")
	c := qc.Key("events.list", "org-2", "2024-06")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	// Argument boundaries matter: ("ab","c") must not collide with ("a","bc").
	assert.NotEqual(t, qc.Key("ab", "c"), qc.Key("a", "bc"))
}

func TestQueryCacheReadThrough(t *testing.T) {
	qc, _ := newTestQueryCache(t)
	ctx := context.Background()

	key := qc.Key("events.get_by_id", "some-id")
	_, ok := qc.Get(ctx, key)
	assert.False(t, ok)

	qc.Set(ctx, key, `{"id":"some-id"}`)

	val, ok := qc.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, `{"id":"some-id"}`, val)
}

func TestQueryCachePromotesL2HitsToL1(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l2 := cache.NewRedisCacheFromClient(client, zap.NewNop())

	ctx := context.Background()
	key := "qc:shared"

	// Another instance populated L2.
	writer := NewQueryCache(l2, 16, time.Minute, zap.NewNop())
	writer.Set(ctx, key, "shared-result")

	reader := NewQueryCache(l2, 16, time.Minute, zap.NewNop())
	val, ok := reader.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "shared-result", val)

	// After promotion the value survives an L2 outage.
	mr.Close()
	val, ok = reader.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "shared-result", val)
}

func TestQueryCacheInvalidate(t *testing.T) {
	qc, _ := newTestQueryCache(t)
	ctx := context.Background()

	key := qc.Key("events.list", "org-1")
	qc.Set(ctx, key, "stale")
	qc.Invalidate(ctx, key)

	_, ok := qc.Get(ctx, key)
	assert.False(t, ok)
}

func TestQueryCacheWorksWithoutL2(t *testing.T) {
	qc := NewQueryCache(nil, 16, time.Minute, zap.NewNop())
	ctx := context.Background()

	qc.Set(ctx, "k", "v")
	val, ok := qc.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", val)
}
