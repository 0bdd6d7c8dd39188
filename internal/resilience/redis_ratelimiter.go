package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter implements distributed rate limiting using Redis sorted sets.
// It uses a sliding window algorithm where each request is stored as a member
// with its timestamp as the score, so every worker process shares one budget
// per destination.
//
// Algorithm:
//  1. Remove entries older than the window
//  2. Count remaining entries
//  3. If count < limit, add new entry and allow
//  4. Otherwise, reject
//
// All operations are atomic using a Lua script.
type RedisRateLimiter struct {
	client    *redis.Client
	limit     int
	window    time.Duration
	keyPrefix string
	fallback  *LocalRateLimiter
	logger    *slog.Logger
}

var _ RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiterConfig holds configuration for the Redis rate limiter.
type RedisRateLimiterConfig struct {
	Limit     int           // Requests allowed per window and key (default: 100)
	Window    time.Duration // Sliding window size (default: 1 second)
	KeyPrefix string        // Default: "boardhooks:ratelimit"
}

// DefaultRedisRateLimiterConfig returns sensible defaults.
func DefaultRedisRateLimiterConfig() RedisRateLimiterConfig {
	return RedisRateLimiterConfig{
		Limit:     100,
		Window:    time.Second,
		KeyPrefix: "boardhooks:ratelimit",
	}
}

// NewRedisRateLimiter creates a new Redis-backed rate limiter.
// Falls back to in-memory rate limiting when Redis is unavailable.
func NewRedisRateLimiter(client *redis.Client, config RedisRateLimiterConfig, logger *slog.Logger) *RedisRateLimiter {
	defaults := DefaultRedisRateLimiterConfig()
	if config.Limit <= 0 {
		config.Limit = defaults.Limit
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisRateLimiter{
		client:    client,
		limit:     config.Limit,
		window:    config.Window,
		keyPrefix: config.KeyPrefix,
		fallback: NewLocalRateLimiter(RateLimiterConfig{
			RequestsPerSecond: float64(config.Limit) / config.Window.Seconds(),
			BurstSize:         config.Limit/10 + 1,
		}),
		logger: logger,
	}
}

// rateLimitScript atomically checks and updates the window.
// Returns 1 if allowed, 0 if rate limited.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

-- Remove old entries outside the window
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
else
    return 0
end
`)

// Allow checks if a request to key is allowed. Falls back to in-memory
// rate limiting if Redis is unavailable.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", r.keyPrefix, key)
	now := time.Now().UnixMilli()

	result, err := rateLimitScript.Run(ctx, r.client, []string{redisKey},
		now, r.window.Milliseconds(), r.limit, uuid.NewString()).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter failed, using fallback",
			"error", err,
			"host", key,
		)
		return r.fallback.Allow(ctx, key)
	}

	return result == 1, nil
}
