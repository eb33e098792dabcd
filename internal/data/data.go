// Package data provides data access layer implementations: the MySQL audit
// log sink and the Redis-backed admin snapshot cache.
package data

import (
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewCacheClient,
	NewMySQLClient,
	NewAuditLogger,
)

// Data contains all data layer dependencies.
type Data struct {
	// redisClient backs the snapshot cache; may be nil (degraded mode)
	redisClient *redis.Client
	// cache is the snapshot cache interface for use-case consumption
	cache CacheClient
}

// NewData creates a new Data instance with all data layer dependencies.
// Redis connection failure does not prevent application startup (the cache
// degrades to its in-process fallback).
func NewData(logger log.Logger, rdb *redis.Client, cache CacheClient) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, snapshot cache runs in-process only")
	}

	d := &Data{
		redisClient: rdb,
		cache:       cache,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		// Redis cleanup is handled by NewRedisClient's cleanup function,
		// which is called automatically by Wire.
	}

	return d, cleanup, nil
}

// GetCache returns the snapshot cache client.
func (d *Data) GetCache() CacheClient {
	return d.cache
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}
