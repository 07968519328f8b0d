// Package data provides data access layer implementations.
// It holds the bounded in-memory cache, the Redis session store, the HTTP
// client of the auth service and the audit trail.
package data

import (
	"SessionGuard/internal/conf"

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
	NewSessionCache,
	NewTokenSealer,
	NewRedisSessionStore,
	NewHTTPAuthClient,
	NewAuditLogger,
	NewLogNotifier,
)

// Data contains all data layer dependencies.
type Data struct {
	// redisClient is the Redis client backing the session store
	redisClient *redis.Client
	// cache is the cache interface for repository use
	cache CacheClient
}

// NewData creates a new Data instance with all data layer dependencies.
// Redis connection failure does not prevent application startup (graceful degradation).
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client, cache CacheClient) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, sessions will not be persisted")
		cache = nil
	}

	d := &Data{
		redisClient: rdb,
		cache:       cache,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
	}

	return d, cleanup, nil
}

// GetCache returns the cache client for repository use.
func (d *Data) GetCache() CacheClient {
	if d == nil {
		return nil
	}
	return d.cache
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	if d == nil {
		return nil
	}
	return d.redisClient
}
