package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCircuitBreaker shares breaker state between worker processes, so a
// destination that fails for one process is spared by all of them.
//
// Each host is one hash, <prefix>:<host>, with the fields state, failures,
// window_start, successes and opened_at. Every transition happens inside a
// Lua script. An idle hash expires, which reads as closed.
type RedisCircuitBreaker struct {
	client   *redis.Client
	config   RedisCircuitBreakerConfig
	fallback *LocalCircuitBreaker
	logger   *slog.Logger

	mu       sync.RWMutex
	onChange func(host string, from, to CircuitState)
}

var _ CircuitBreaker = (*RedisCircuitBreaker)(nil)

// RedisCircuitBreakerConfig holds configuration for the Redis circuit breaker.
type RedisCircuitBreakerConfig struct {
	// FailureThreshold is the number of failures within Window that opens
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that close it.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// Window is the fixed window failures are counted in.
	Window time.Duration
	// KeyPrefix namespaces the breaker hashes (default "boardhooks:cb").
	KeyPrefix string
}

// DefaultRedisCircuitBreakerConfig returns sensible defaults.
func DefaultRedisCircuitBreakerConfig() RedisCircuitBreakerConfig {
	return RedisCircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
		Window:           60 * time.Second,
		KeyPrefix:        "boardhooks:cb",
	}
}

func NewRedisCircuitBreaker(client *redis.Client, config RedisCircuitBreakerConfig, logger *slog.Logger) *RedisCircuitBreaker {
	defaults := DefaultRedisCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
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

	return &RedisCircuitBreaker{
		client:   client,
		config:   config,
		fallback: NewLocalCircuitBreaker(DefaultCircuitBreakerConfig()),
		logger:   logger,
	}
}

// OnStateChange registers a callback for the transitions this process
// causes. Transitions made by other processes are not reported here.
func (r *RedisCircuitBreaker) OnStateChange(fn func(host string, from, to CircuitState)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
	r.fallback.OnStateChange(fn)
}

func (r *RedisCircuitBreaker) key(host string) string {
	return fmt.Sprintf("%s:%s", r.config.KeyPrefix, host)
}

// ttl keeps a hash alive for as long as any of its fields can matter.
func (r *RedisCircuitBreaker) ttl() time.Duration {
	return 2 * (r.config.Window + r.config.Timeout)
}

// cbAllowScript admits a request and moves open to half-open once the
// timeout has passed. Returns {allowed, from, to}; from and to are empty
// when the state did not change.
var cbAllowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local timeout_ms = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local state = redis.call('HGET', key, 'state') or 'closed'
if state ~= 'open' then
    return {1, '', ''}
end

local opened_at = tonumber(redis.call('HGET', key, 'opened_at') or '0')
if now - opened_at < timeout_ms then
    return {0, '', ''}
end

redis.call('HSET', key, 'state', 'half-open', 'successes', 0)
redis.call('PEXPIRE', key, ttl_ms)
return {1, 'open', 'half-open'}
`)

// cbRecordScript records one result. Returns {from, to}, empty when the
// state did not change. Results of requests admitted before the circuit
// opened are ignored while it is open.
var cbRecordScript = redis.NewScript(`
local key = KEYS[1]
local success = ARGV[1] == '1'
local failure_threshold = tonumber(ARGV[2])
local success_threshold = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])
local now = tonumber(ARGV[5])
local ttl_ms = tonumber(ARGV[6])

local state = redis.call('HGET', key, 'state') or 'closed'
local result = {'', ''}

if state == 'closed' then
    if success then
        redis.call('HSET', key, 'failures', 0)
    else
        local window_start = tonumber(redis.call('HGET', key, 'window_start') or '0')
        if now - window_start >= window_ms then
            redis.call('HSET', key, 'failures', 0, 'window_start', now)
        end
        local failures = redis.call('HINCRBY', key, 'failures', 1)
        if failures >= failure_threshold then
            redis.call('HSET', key, 'state', 'open', 'opened_at', now, 'failures', 0)
            result = {'closed', 'open'}
        end
    end
elseif state == 'half-open' then
    if success then
        local successes = redis.call('HINCRBY', key, 'successes', 1)
        if successes >= success_threshold then
            redis.call('HSET', key, 'state', 'closed', 'successes', 0, 'failures', 0, 'window_start', now)
            result = {'half-open', 'closed'}
        end
    else
        redis.call('HSET', key, 'state', 'open', 'opened_at', now, 'successes', 0)
        result = {'half-open', 'open'}
    end
end

redis.call('PEXPIRE', key, ttl_ms)
return result
`)

// Allow refuses with ErrCircuitOpen while host's circuit is open. When Redis
// is unreachable the in-process breaker decides instead.
func (r *RedisCircuitBreaker) Allow(ctx context.Context, host string) (func(success bool), error) {
	res, err := cbAllowScript.Run(ctx, r.client, []string{r.key(host)},
		time.Now().UnixMilli(), r.config.Timeout.Milliseconds(), r.ttl().Milliseconds(),
	).Slice()
	if err != nil {
		r.logger.Warn("redis circuit breaker failed, using fallback",
			"error", err,
			"host", host,
		)
		return r.fallback.Allow(ctx, host)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("circuit breaker: unexpected reply %v", res)
	}
	r.notify(host, res[1], res[2])

	if allowed, _ := res[0].(int64); allowed == 0 {
		return nil, ErrCircuitOpen
	}

	return func(success bool) {
		// The request already finished; its context may be gone.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		r.record(recordCtx, host, success)
	}, nil
}

// RecordSuccess records a successful request to host.
func (r *RedisCircuitBreaker) RecordSuccess(ctx context.Context, host string) {
	r.record(ctx, host, true)
}

// RecordFailure records a failed request to host.
func (r *RedisCircuitBreaker) RecordFailure(ctx context.Context, host string) {
	r.record(ctx, host, false)
}

func (r *RedisCircuitBreaker) record(ctx context.Context, host string, success bool) {
	flag := "0"
	if success {
		flag = "1"
	}
	res, err := cbRecordScript.Run(ctx, r.client, []string{r.key(host)},
		flag,
		r.config.FailureThreshold,
		r.config.SuccessThreshold,
		r.config.Window.Milliseconds(),
		time.Now().UnixMilli(),
		r.ttl().Milliseconds(),
	).Slice()
	if err != nil {
		r.logger.Warn("redis circuit breaker record failed",
			"error", err,
			"host", host,
			"success", success,
		)
		return
	}
	if len(res) == 2 {
		r.notify(host, res[0], res[1])
	}
}

func (r *RedisCircuitBreaker) notify(host string, from, to any) {
	f, _ := from.(string)
	t, _ := to.(string)
	if f == "" || t == "" {
		return
	}
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn(host, CircuitState(f), CircuitState(t))
	}
}

// State returns the shared state for host.
func (r *RedisCircuitBreaker) State(ctx context.Context, host string) (CircuitState, error) {
	state, err := r.client.HGet(ctx, r.key(host), "state").Result()
	if errors.Is(err, redis.Nil) {
		return CircuitStateClosed, nil
	}
	if err != nil {
		r.logger.Warn("redis circuit breaker state failed, using fallback",
			"error", err,
			"host", host,
		)
		return r.fallback.State(ctx, host)
	}
	return CircuitState(state), nil
}

// FailureCount returns the failures counted in host's current window.
func (r *RedisCircuitBreaker) FailureCount(ctx context.Context, host string) (int, error) {
	n, err := r.client.HGet(ctx, r.key(host), "failures").Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
