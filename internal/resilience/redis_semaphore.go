package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSemaphore implements a distributed semaphore using Redis.
// It uses a counter with TTL to track concurrent requests per destination
// across worker processes.
type RedisSemaphore struct {
	client    *redis.Client
	limit     int
	ttl       time.Duration
	keyPrefix string
	fallback  *LocalSemaphore
	logger    *slog.Logger
}

var _ Semaphore = (*RedisSemaphore)(nil)

// RedisSemaphoreConfig holds configuration for the Redis semaphore.
type RedisSemaphoreConfig struct {
	// Limit is the maximum concurrent acquisitions per key (default: 100)
	Limit int
	// TTL is how long an acquisition is valid before auto-release (default: 30s).
	// A crashed worker's slots free themselves after TTL.
	TTL time.Duration
	// KeyPrefix namespaces the counters (default "boardhooks:sem")
	KeyPrefix string
}

// DefaultRedisSemaphoreConfig returns sensible defaults.
func DefaultRedisSemaphoreConfig() RedisSemaphoreConfig {
	return RedisSemaphoreConfig{
		Limit:     100,
		TTL:       30 * time.Second,
		KeyPrefix: "boardhooks:sem",
	}
}

// NewRedisSemaphore creates a new Redis-backed distributed semaphore.
func NewRedisSemaphore(client *redis.Client, config RedisSemaphoreConfig, logger *slog.Logger) *RedisSemaphore {
	defaults := DefaultRedisSemaphoreConfig()
	if config.Limit <= 0 {
		config.Limit = defaults.Limit
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisSemaphore{
		client:    client,
		limit:     config.Limit,
		ttl:       config.TTL,
		keyPrefix: config.KeyPrefix,
		fallback:  NewLocalSemaphore(config.Limit),
		logger:    logger,
	}
}

// acquireScript atomically checks and increments the semaphore counter.
// Returns 1 if acquired, 0 if limit reached.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl_ms = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', key) or '0')

if current < limit then
    redis.call('INCR', key)
    redis.call('PEXPIRE', key, ttl_ms)
    return 1
else
    return 0
end
`)

// releaseScript decrements the counter without going below zero.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current > 0 then
    redis.call('DECR', KEYS[1])
end
return 1
`)

func (s *RedisSemaphore) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, key)
}

// Acquire attempts to acquire a slot for key.
func (s *RedisSemaphore) Acquire(ctx context.Context, key string) (bool, error) {
	result, err := acquireScript.Run(ctx, s.client, []string{s.redisKey(key)}, s.limit, s.ttl.Milliseconds()).Int()
	if err != nil {
		s.logger.Warn("redis semaphore acquire failed, using fallback",
			"error", err,
			"host", key,
		)
		return s.fallback.Acquire(ctx, key)
	}
	return result == 1, nil
}

// Release releases a slot for key.
func (s *RedisSemaphore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.redisKey(key)}).Err(); err != nil {
		s.logger.Warn("redis semaphore release failed",
			"error", err,
			"host", key,
		)
		return s.fallback.Release(ctx, key)
	}
	return nil
}

// LocalSemaphore provides per-key in-memory semaphores.
type LocalSemaphore struct {
	limit int

	mu         sync.Mutex
	semaphores map[string]chan struct{}
}

var _ Semaphore = (*LocalSemaphore)(nil)

func NewLocalSemaphore(limit int) *LocalSemaphore {
	if limit <= 0 {
		limit = 1
	}
	return &LocalSemaphore{
		limit:      limit,
		semaphores: make(map[string]chan struct{}),
	}
}

func (m *LocalSemaphore) sem(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, exists := m.semaphores[key]
	if !exists {
		sem = make(chan struct{}, m.limit)
		m.semaphores[key] = sem
	}
	return sem
}

// Acquire attempts to acquire a slot without blocking.
func (m *LocalSemaphore) Acquire(ctx context.Context, key string) (bool, error) {
	select {
	case m.sem(key) <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

func (m *LocalSemaphore) Release(ctx context.Context, key string) error {
	select {
	case <-m.sem(key):
	default:
	}
	return nil
}
