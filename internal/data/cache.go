// Package data provides data access layer implementations.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Cache key prefixes for the admin snapshot cache.
const (
	// CacheKeyBreakers is the key for the breaker stats snapshot.
	CacheKeyBreakers = "snapshot:breakers"
	// CacheKeyLimiter is the key for the limiter stats snapshot.
	CacheKeyLimiter = "snapshot:limiter"
	// CacheKeyEvents is the prefix for event history pages: snapshot:events:{type}
	CacheKeyEvents = "snapshot:events"
)

// TTLSnapshot is how long admin snapshots are served from cache. Snapshots
// are cheap to rebuild, so staleness is kept short.
const TTLSnapshot = 5 * time.Second

// localCacheSize bounds the in-process fallback cache.
const localCacheSize = 256

// ErrCacheNotFound is returned when a cache key does not exist
var ErrCacheNotFound = errors.New("cache: key not found")

// CacheClient defines the interface for cache operations.
// Implementations must be thread-safe and handle serialization.
type CacheClient interface {
	// Get retrieves a value from cache and deserializes it into dest.
	// Returns ErrCacheNotFound if key doesn't exist.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value in cache with the specified TTL.
	// The value is serialized to JSON before storage.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key from cache.
	Delete(ctx context.Context, key string) error
}

// snapshotCache is the CacheClient implementation. It prefers Redis and
// degrades to a bounded in-process expirable LRU when the Redis client is
// nil or unreachable. The local fallback uses a fixed TTL (TTLSnapshot)
// regardless of the requested one.
type snapshotCache struct {
	client *redis.Client
	local  *expirable.LRU[string, []byte]
}

// NewCacheClient creates the snapshot cache. A nil Redis client is allowed;
// the cache then serves purely from process memory.
func NewCacheClient(rdb *redis.Client) CacheClient {
	return &snapshotCache{
		client: rdb,
		local:  expirable.NewLRU[string, []byte](localCacheSize, nil, TTLSnapshot),
	}
}

// Get retrieves a value from cache and deserializes it into dest.
func (c *snapshotCache) Get(ctx context.Context, key string, dest interface{}) error {
	if c.client == nil {
		data, ok := c.local.Get(key)
		if !ok {
			return ErrCacheNotFound
		}
		if err := json.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("cache: failed to unmarshal value for key %s: %w", key, err)
		}
		return nil
	}

	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheNotFound
		}
		return fmt.Errorf("cache: failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("cache: failed to unmarshal value for key %s: %w", key, err)
	}

	return nil
}

// Set stores a value in cache with the specified TTL.
func (c *snapshotCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal value for key %s: %w", key, err)
	}

	if c.client == nil {
		c.local.Add(key, data)
		return nil
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: failed to set key %s: %w", key, err)
	}

	return nil
}

// Delete removes a key from cache.
func (c *snapshotCache) Delete(ctx context.Context, key string) error {
	if c.client == nil {
		c.local.Remove(key)
		return nil
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: failed to delete key %s: %w", key, err)
	}

	return nil
}

// BuildCacheKey constructs a cache key with the appropriate prefix.
// Example: BuildCacheKey(CacheKeyEvents, "circuit.state_changed")
// -> "snapshot:events:circuit.state_changed"
func BuildCacheKey(prefix string, parts ...string) string {
	key := prefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}
