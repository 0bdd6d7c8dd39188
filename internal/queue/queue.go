// Package queue defines the durable delivery queue contract shared by the
// Postgres, Redis and in-memory backends.
//
// Every backend enforces claim exclusivity in the store itself:
//
//	enqueue ──► pending ──claim──► in_flight ──resolve──► delivered | failed
//	               ▲                  │
//	               └──retry/defer─────┤
//	               └──stale sweep─────┘
//
// A claim carries a random token. Resolve is a conditional write on
// (id, token, status=in_flight), so a second resolve, or a resolve after the
// stale sweep reclaimed the record, never touches it.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/felipemaragno/boardhooks/internal/domain"
)

// ClaimOptions controls a single ClaimBatch call.
//
// Max: maximum records to claim.
// Block: wait for work when nothing is eligible.
// Timeout: upper bound of the wait; an expired wait returns an empty batch.
type ClaimOptions struct {
	Max     int
	Block   bool
	Timeout time.Duration
}

// Queue is the delivery queue. Implementations must be safe for concurrent
// use by several goroutines and by several processes sharing the store.
type Queue interface {
	Enqueue(ctx context.Context, rec *domain.Record) error
	ClaimBatch(ctx context.Context, opts ClaimOptions) ([]*domain.Record, error)
	Resolve(ctx context.Context, rec *domain.Record, outcome domain.Outcome) error
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
	Get(ctx context.Context, id string) (*domain.Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// ClaimFunc claims up to max eligible records without waiting.
type ClaimFunc func(ctx context.Context, max int) ([]*domain.Record, error)

// WaitFunc blocks until the backend sees a wake signal, a pending record
// comes due, ctx is done, or until passes. Spurious returns are fine.
type WaitFunc func(ctx context.Context, until time.Time) error

// BlockingClaim runs claim, and while it comes back empty and opts.Block is
// set, waits for work until opts.Timeout elapses. Expiry and cancellation
// both yield an empty batch with a nil error.
func BlockingClaim(ctx context.Context, opts ClaimOptions, claim ClaimFunc, wait WaitFunc) ([]*domain.Record, error) {
	limit := opts.Max
	if limit <= 0 {
		limit = 1
	}

	recs, err := claim(ctx, limit)
	if err != nil || len(recs) > 0 || !opts.Block || opts.Timeout <= 0 {
		return recs, err
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return nil, nil
		}
		if err := wait(ctx, deadline); err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, nil
		}

		recs, err = claim(ctx, limit)
		if err != nil || len(recs) > 0 {
			return recs, err
		}
	}
}

// WaitBudget returns how long a waiter may sleep: the time left before
// until, shortened to dueIn when a pending record comes due sooner.
func WaitBudget(until time.Time, dueIn *time.Duration) time.Duration {
	d := time.Until(until)
	if dueIn != nil && *dueIn < d {
		d = *dueIn
	}
	if d < 0 {
		return 0
	}
	return d
}

// NewClaimToken returns a random token identifying one claim.
func NewClaimToken() string {
	return uuid.NewString()
}
