package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
)

const redisKeyPrefix = "llmcache:"

// Redis is the shared cache backend for multi-instance deployments.
// Expiry and eviction are delegated to redis itself (native TTLs and the
// server's maxmemory policy), so no sweep runs here.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, logger: logger}
}

func (r *Redis) Get(ctx context.Context, key string) (*provider.Response, bool) {
	val, err := r.client.Get(ctx, redisKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("cache get failed", zap.Error(err))
		return nil, false
	}

	var resp provider.Response
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		r.logger.Warn("cache entry unmarshal failed", zap.Error(err))
		return nil, false
	}
	return &resp, true
}

func (r *Redis) Set(ctx context.Context, key string, resp *provider.Response, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Warn("cache entry marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		r.logger.Warn("cache set failed", zap.Error(err))
	}
}

func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		r.logger.Warn("cache delete failed", zap.Error(err))
	}
}

func (r *Redis) Len() int {
	n, err := r.client.DBSize(context.Background()).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (r *Redis) Close() {}
