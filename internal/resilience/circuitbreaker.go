package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Circuit Breaker Pattern Implementation
//
// The circuit breaker stops requests to failing destinations. It has three
// states:
//
//   - Closed: Normal operation, requests pass through.
//   - Open: Destination is failing, requests are refused immediately.
//   - Half-Open: Testing if destination recovered, limited requests allowed.
//
// State transitions:
//
//	[Closed] ---(failure threshold reached)---> [Open]
//	[Open] ---(timeout expires)---> [Half-Open]
//	[Half-Open] ---(success)---> [Closed]
//	[Half-Open] ---(failure)---> [Open]

// CircuitBreakerConfig defines the circuit breaker behavior.
//
// MaxRequests is the maximum number of requests allowed in half-open state.
// Interval is the cyclic period for clearing internal counts while closed.
// Timeout is how long to wait in open state before transitioning to half-open.
// FailureRatio is the failure percentage threshold to trip the breaker (0.0-1.0).
// MinRequests is the minimum requests needed before failure ratio is evaluated.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  5,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

// LocalCircuitBreaker keeps one gobreaker per key in process memory.
// Each destination gets an independent breaker to isolate failures.
type LocalCircuitBreaker struct {
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	mu       sync.RWMutex

	onStateChange func(key string, from, to CircuitState)
}

var _ CircuitBreaker = (*LocalCircuitBreaker)(nil)

func NewLocalCircuitBreaker(config CircuitBreakerConfig) *LocalCircuitBreaker {
	return &LocalCircuitBreaker{
		config:   config,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// OnStateChange registers a callback for state transitions. Register it
// before the first Allow; breakers capture it when they are created.
func (b *LocalCircuitBreaker) OnStateChange(fn func(key string, from, to CircuitState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

func (b *LocalCircuitBreaker) breaker(key string) *gobreaker.TwoStepCircuitBreaker {
	b.mu.RLock()
	cb, exists := b.breakers[key]
	b.mu.RUnlock()

	if exists {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, exists = b.breakers[key]; exists {
		return cb
	}

	onChange := b.onStateChange
	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: b.config.MaxRequests,
		Interval:    b.config.Interval,
		Timeout:     b.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < b.config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= b.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(name, toState(from), toState(to))
			}
		},
	}

	cb = gobreaker.NewTwoStepCircuitBreaker(settings)
	b.breakers[key] = cb
	return cb
}

func (b *LocalCircuitBreaker) Allow(ctx context.Context, key string) (func(success bool), error) {
	done, err := b.breaker(key).Allow()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	if err != nil {
		return nil, err
	}
	return done, nil
}

func (b *LocalCircuitBreaker) State(ctx context.Context, key string) (CircuitState, error) {
	return toState(b.breaker(key).State()), nil
}

// Remove deletes the breaker for key, freeing memory.
func (b *LocalCircuitBreaker) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.breakers, key)
}

func toState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitStateHalfOpen
	default:
		return CircuitStateClosed
	}
}
