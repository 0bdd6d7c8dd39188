// Package resilience provides per-destination guards that protect webhook
// receivers from overload: rate limiters, circuit breakers and concurrency
// semaphores, each with an in-memory and a Redis-backed implementation.
//
// Guards are keyed by destination host. A guard that refuses does not fail
// the delivery; the dispatcher defers the record without spending an attempt.
package resilience

import (
	"context"
	"errors"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// RateLimiter defines the interface for rate limiting implementations.
type RateLimiter interface {
	// Allow reports whether one more request to key may be sent now.
	Allow(ctx context.Context, key string) (bool, error)
}

// CircuitBreaker defines the interface for circuit breaker implementations.
type CircuitBreaker interface {
	// Allow returns ErrCircuitOpen when key is failing. Otherwise the caller
	// must call done exactly once with the result of its request.
	Allow(ctx context.Context, key string) (done func(success bool), err error)
	// State returns the current state of the breaker for key.
	State(ctx context.Context, key string) (CircuitState, error)
}

// Semaphore bounds concurrent requests per key.
type Semaphore interface {
	// Acquire attempts to acquire a slot. Returns true if acquired, false if
	// the limit is reached. The caller must Release an acquired slot.
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"
	CircuitStateOpen     CircuitState = "open"
	CircuitStateHalfOpen CircuitState = "half-open"
)

// Float maps the state to the circuit_breaker_state gauge value.
func (s CircuitState) Float() float64 {
	switch s {
	case CircuitStateHalfOpen:
		return 1
	case CircuitStateOpen:
		return 2
	default:
		return 0
	}
}
