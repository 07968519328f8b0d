package data

import (
	"testing"

	"SessionGuard/internal/conf"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewData_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, redisCleanup, err := NewRedisClient(redisConf(mr.Addr()), log.DefaultLogger)
	require.NoError(t, err)
	require.NotNil(t, rdb)
	defer redisCleanup()

	cache := NewCacheClient(rdb)
	data, cleanup, err := NewData(&conf.Data{}, log.DefaultLogger, rdb, cache)
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, rdb, data.GetRedisClient())
	assert.Equal(t, cache, data.GetCache())
}

func TestNewData_WithoutRedis(t *testing.T) {
	// a cache client without a redis client is dropped
	data, cleanup, err := NewData(&conf.Data{}, log.DefaultLogger, nil, NewCacheClient(nil))
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, data.GetRedisClient())
	assert.Nil(t, data.GetCache())
}

func TestData_NilReceiver(t *testing.T) {
	var d *Data
	assert.Nil(t, d.GetCache())
	assert.Nil(t, d.GetRedisClient())
}

func TestData_GetRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	data, cleanup, err := NewData(&conf.Data{}, log.DefaultLogger, rdb, NewCacheClient(rdb))
	require.NoError(t, err)
	defer cleanup()

	assert.Same(t, rdb, data.GetRedisClient())
}
