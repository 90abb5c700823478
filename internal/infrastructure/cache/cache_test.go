package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) (Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(client, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestRedisCacheBasics(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	exists, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.True(t, IsMiss(err))
}

func TestRedisCacheSetNX(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "dedupe", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second writer loses.
	ok, err = c.SetNX(ctx, "dedupe", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := c.Get(ctx, "dedupe")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "v", 100*time.Millisecond))
	mr.FastForward(time.Second)

	_, err := c.Get(ctx, "short")
	assert.True(t, IsMiss(err))
}

func TestRedisCacheIncrement(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	n, err := c.Increment(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Increment(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisCacheIncrementBy(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	n, err := c.IncrementBy(ctx, "weighted", 150)
	require.NoError(t, err)
	assert.Equal(t, int64(150), n)

	n, err = c.IncrementBy(ctx, "weighted", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(210), n)
}

func TestLocalCacheLRUEviction(t *testing.T) {
	c := NewLocalCache(2)

	c.Set("a", "1", 0)
	c.Set("b", "2", 0)

	// Touch "a" so "b" is the LRU victim.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", "3", 0)

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestLocalCacheTTL(t *testing.T) {
	c := NewLocalCache(8)
	c.Set("k", "v", time.Nanosecond)
	time.Sleep(time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestLocalCacheStats(t *testing.T) {
	c := NewLocalCache(8)
	c.Set("k", "v", 0)
	c.Get("k")
	c.Get("missing")

	hits, misses, size := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, size)
}
