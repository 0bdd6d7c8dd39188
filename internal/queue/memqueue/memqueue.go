// Package memqueue is a single-process delivery queue. It keeps the exact
// claim/resolve semantics of the durable backends but nothing survives a
// restart, so it is meant for tests and local development only.
package memqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felipemaragno/boardhooks/internal/clock"
	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/queue"
)

type Queue struct {
	clock clock.Clock

	mu      sync.Mutex
	records map[string]*domain.Record
	wake    chan struct{}
	closed  bool
}

var _ queue.Queue = (*Queue)(nil)

func New(clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Queue{
		clock:   clk,
		records: make(map[string]*domain.Record),
		wake:    make(chan struct{}),
	}
}

// signal wakes every waiter. Callers hold q.mu.
func (q *Queue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) Enqueue(ctx context.Context, rec *domain.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrStoreUnavailable
	}
	if _, exists := q.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, rec.ID)
	}

	now := q.clock.Now()
	rec.Status = domain.StatusPending
	rec.AttemptCount = 0
	rec.NextAttemptAt = now
	rec.ClaimToken = ""
	rec.ClaimedAt = nil
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	q.records[rec.ID] = rec.Clone()
	q.signal()
	return nil
}

func (q *Queue) ClaimBatch(ctx context.Context, opts queue.ClaimOptions) ([]*domain.Record, error) {
	return queue.BlockingClaim(ctx, opts, q.claim, q.wait)
}

func (q *Queue) claim(ctx context.Context, limit int) ([]*domain.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.ErrStoreUnavailable
	}

	now := q.clock.Now()
	var ready []*domain.Record
	for _, r := range q.records {
		if r.Eligible(now) {
			ready = append(ready, r)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].NextAttemptAt.Equal(ready[j].NextAttemptAt) {
			return ready[i].NextAttemptAt.Before(ready[j].NextAttemptAt)
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}

	claimed := make([]*domain.Record, 0, len(ready))
	for _, r := range ready {
		r.Claim(queue.NewClaimToken(), now)
		claimed = append(claimed, r.Clone())
	}
	return claimed, nil
}

func (q *Queue) wait(ctx context.Context, until time.Time) error {
	q.mu.Lock()
	ch := q.wake
	now := q.clock.Now()
	var dueIn *time.Duration
	for _, r := range q.records {
		if r.Status != domain.StatusPending {
			continue
		}
		if due := r.NextAttemptAt.Sub(now); dueIn == nil || due < *dueIn {
			dueIn = &due
		}
	}
	q.mu.Unlock()

	d := queue.WaitBudget(until, dueIn)
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}

func (q *Queue) Resolve(ctx context.Context, rec *domain.Record, outcome domain.Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrStoreUnavailable
	}

	stored, ok := q.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, rec.ID)
	}
	if stored.ClaimToken == "" || stored.ClaimToken != rec.ClaimToken {
		return fmt.Errorf("%w: %s", domain.ErrStaleClaim, rec.ID)
	}

	now := q.clock.Now()
	if err := stored.Apply(outcome, now); err != nil {
		return fmt.Errorf("%w: %s", err, rec.ID)
	}
	*rec = *stored.Clone()

	if stored.Eligible(now) {
		q.signal()
	}
	return nil
}

func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, domain.ErrStoreUnavailable
	}

	now := q.clock.Now()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, r := range q.records {
		if r.Status == domain.StatusInFlight && r.ClaimedAt != nil && !r.ClaimedAt.After(cutoff) {
			r.Reclaim(now)
			n++
		}
	}
	if n > 0 {
		q.signal()
	}
	return n, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*domain.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (q *Queue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrStoreUnavailable
	}
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signal()
	}
	return nil
}
