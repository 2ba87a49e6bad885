package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*ViewCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	cache := NewViewCacheWithClient(client, time.Minute)
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestCacheSetGetInvalidate(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "order_summary", "order-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "order_summary", "order-1", map[string]any{"total": "10.00"}))

	record, ok, err := cache.Get(ctx, "order_summary", "order-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.00", record["total"])

	require.NoError(t, cache.Invalidate(ctx, "order_summary", "order-1"))
	_, ok, err = cache.Get(ctx, "order_summary", "order-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheEntriesExpire(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "order_summary", "order-1", map[string]any{"n": 1.0}))
	mr.FastForward(2 * time.Minute)

	_, ok, err := cache.Get(ctx, "order_summary", "order-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("proj:order_summary:order-1", "not-json"))
	_, ok, err := cache.Get(ctx, "order_summary", "order-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
