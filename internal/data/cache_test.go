package data

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// breakerSnapshot mirrors the shape cached by the admin surface.
type breakerSnapshot struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	TotalCalls int64  `json:"total_calls"`
}

func setupTestCache(t *testing.T) (CacheClient, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return NewCacheClient(rdb), mr
}

func TestCacheSetGet(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()

	ctx := context.Background()
	snap := []breakerSnapshot{
		{Name: "payments", State: "OPEN", TotalCalls: 42},
		{Name: "search", State: "CLOSED", TotalCalls: 7},
	}

	err := cache.Set(ctx, CacheKeyBreakers, snap, TTLSnapshot)
	require.NoError(t, err)

	var got []breakerSnapshot
	err = cache.Get(ctx, CacheKeyBreakers, &got)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "payments", got[0].Name)
	assert.Equal(t, int64(42), got[0].TotalCalls)
}

func TestCacheGet_KeyNotFound(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()

	var got []breakerSnapshot
	err := cache.Get(context.Background(), "nonexistent:key", &got)
	assert.ErrorIs(t, err, ErrCacheNotFound)
}

func TestCacheGet_Expired(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()

	ctx := context.Background()
	err := cache.Set(ctx, CacheKeyLimiter, map[string]int{"allowed": 1}, TTLSnapshot)
	require.NoError(t, err)

	// miniredis advances TTLs manually.
	mr.FastForward(TTLSnapshot + time.Second)

	var got map[string]int
	err = cache.Get(ctx, CacheKeyLimiter, &got)
	assert.ErrorIs(t, err, ErrCacheNotFound)
}

func TestCacheDelete(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, CacheKeyBreakers, []breakerSnapshot{{Name: "x"}}, TTLSnapshot))
	require.NoError(t, cache.Delete(ctx, CacheKeyBreakers))

	var got []breakerSnapshot
	err := cache.Get(ctx, CacheKeyBreakers, &got)
	assert.ErrorIs(t, err, ErrCacheNotFound)
}

// Test the in-process fallback used when no Redis client is configured.
func TestCache_LocalFallback(t *testing.T) {
	cache := NewCacheClient(nil)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, CacheKeyBreakers, []breakerSnapshot{{Name: "payments"}}, TTLSnapshot))

	var got []breakerSnapshot
	require.NoError(t, cache.Get(ctx, CacheKeyBreakers, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "payments", got[0].Name)

	require.NoError(t, cache.Delete(ctx, CacheKeyBreakers))
	assert.ErrorIs(t, cache.Get(ctx, CacheKeyBreakers, &got), ErrCacheNotFound)
}

func TestBuildCacheKey(t *testing.T) {
	assert.Equal(t, "snapshot:events:circuit.state_changed",
		BuildCacheKey(CacheKeyEvents, "circuit.state_changed"))
	assert.Equal(t, "snapshot:breakers", BuildCacheKey(CacheKeyBreakers))
}
