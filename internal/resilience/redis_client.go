package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis connection shared by the
// Redis-backed guards and the Redis queue.
type RedisConfig struct {
	URL          string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults for Redis connection.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          "redis://localhost:6379/0",
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient parses config.URL, applies the pool settings and pings the
// server. Options set in the URL win over the config fields.
func NewRedisClient(ctx context.Context, config RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	defaults := DefaultRedisConfig()
	if opt.PoolSize == 0 {
		opt.PoolSize = orDefault(config.PoolSize, defaults.PoolSize)
	}
	if opt.ReadTimeout == 0 {
		opt.ReadTimeout = orDefaultDuration(config.ReadTimeout, defaults.ReadTimeout)
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = orDefaultDuration(config.WriteTimeout, defaults.WriteTimeout)
	}
	// Blocking claims rely on context deadlines rather than ReadTimeout.
	opt.ContextTimeoutEnabled = true

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
