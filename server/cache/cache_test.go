package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T, maxSize int, ttl time.Duration) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(maxSize, ttl, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMemoryCacheSetGet(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	ctx := context.Background()

	type payload struct {
		WindowID string  `json:"window_id"`
		Score    float64 `json:"score"`
	}

	require.NoError(t, c.Set(ctx, KeyLatestWindow, payload{WindowID: "w-1", Score: 0.42}))

	var got payload
	require.NoError(t, c.Get(ctx, KeyLatestWindow, &got))
	assert.Equal(t, "w-1", got.WindowID)
	assert.InDelta(t, 0.42, got.Score, 1e-9)
}

func TestMemoryCacheMiss(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	var out string
	err := c.Get(context.Background(), "absent", &out)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "k", "v", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	var out string
	assert.ErrorIs(t, c.Get(ctx, "k", &out), ErrCacheMiss)

	exists, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryCacheIncrement(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	ctx := context.Background()

	key := RateLimitKey("client-a")
	for want := int64(1); want <= 3; want++ {
		n, err := c.Increment(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	var n int64
	require.NoError(t, c.Get(ctx, key, &n))
	assert.Equal(t, int64(3), n)
}

func TestMemoryCacheEvictsLRU(t *testing.T) {
	c := newTestCache(t, 2, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.Set(ctx, "b", 2))
	time.Sleep(2 * time.Millisecond)

	// Touch "a" so "b" becomes the eviction candidate.
	var v int
	require.NoError(t, c.Get(ctx, "a", &v))

	require.NoError(t, c.Set(ctx, "c", 3))

	exists, err := c.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = c.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemoryCacheGetTTL(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "k", "v", time.Hour))

	ttl, err := c.GetTTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
}
