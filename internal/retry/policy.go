// Package retry computes back-off delays for transiently failing deliveries.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes exponential back-off with jitter.
//
// The delay for a record that has already been attempted n times is
// Base * Multiplier^n, capped at Max, then spread by up to ±Jitter and
// clamped to Max again so the cap is never exceeded.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func DefaultPolicy() Policy {
	return Policy{
		Base:       5 * time.Second,
		Max:        1 * time.Hour,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// Backoff returns the delay before the next attempt of a record whose
// attempt_count is attempts. attempts below zero are treated as zero.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(p.Base) * math.Pow(multiplier, float64(attempts))
	if p.Max > 0 && (delay > float64(p.Max) || math.IsInf(delay, 1)) {
		delay = float64(p.Max)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// NextAttemptTime is now plus Backoff(attempts).
func (p Policy) NextAttemptTime(now time.Time, attempts int) time.Time {
	return now.Add(p.Backoff(attempts))
}
