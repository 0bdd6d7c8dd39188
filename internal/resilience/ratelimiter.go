package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the rate limiting parameters.
//
// RequestsPerSecond controls the steady-state rate of allowed requests.
// BurstSize allows temporary spikes above the rate limit.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         10,
	}
}

// LocalRateLimiter keeps one token bucket per key in process memory. Each
// destination gets its own bucket so one busy host cannot starve others.
type LocalRateLimiter struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

var _ RateLimiter = (*LocalRateLimiter)(nil)

func NewLocalRateLimiter(config RateLimiterConfig) *LocalRateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	return &LocalRateLimiter{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the bucket for key, creating one if needed.
// Uses double-checked locking so the common path only takes the read lock.
func (l *LocalRateLimiter) limiter(key string) *rate.Limiter {
	l.mu.RLock()
	lim, exists := l.limiters[key]
	l.mu.RUnlock()

	if exists {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, exists = l.limiters[key]; exists {
		return lim
	}

	lim = rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.BurstSize)
	l.limiters[key] = lim
	return lim
}

func (l *LocalRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.limiter(key).Allow(), nil
}

// Delay returns how long the caller would need to wait before the next
// request to key would be allowed.
func (l *LocalRateLimiter) Delay(key string) time.Duration {
	reservation := l.limiter(key).Reserve()
	if !reservation.OK() {
		return 0
	}
	delay := reservation.Delay()
	reservation.Cancel()
	return delay
}

// SetRate overrides the limit for one key.
func (l *LocalRateLimiter) SetRate(key string, requestsPerSecond float64, burstSize int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[key] = rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)
}

func (l *LocalRateLimiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}
