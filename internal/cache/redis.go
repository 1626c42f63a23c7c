// Package cache holds the redis adapter used as an authorization source.
package cache

import (
	"context"
	"fmt"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/constants"
	apperrors "github.com/Shugur-Network/inbox-relay/internal/errors"
	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// client is the part of *redis.Client the cache uses
type client interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisCache answers key existence checks from redis
type RedisCache struct {
	rdb client
}

// NewRedisCache connects to redis and verifies the connection with a ping
func NewRedisCache(ctx context.Context, cfg config.CacheConfig) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	c := &RedisCache{rdb: rdb}
	if err := c.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, apperrors.CacheError("connect", err)
	}

	logger.Info("✅ Cache connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return c, nil
}

// HasKey reports whether key exists
func (c *RedisCache) HasKey(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.CacheOpTimeout)
	defer cancel()

	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		metrics.CacheErrors.WithLabelValues("exists").Inc()
		return false, apperrors.CacheError("exists", err)
	}
	return n > 0, nil
}

// Ping checks cache connectivity
func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("ping").Inc()
		return fmt.Errorf("cache ping failed: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
