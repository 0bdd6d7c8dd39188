package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/felipemaragno/boardhooks/internal/clock"
	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/queue"
	"github.com/felipemaragno/boardhooks/internal/queue/queuetest"
)

func newRecord(id string) *domain.Record {
	return domain.NewRecord(id, "https://hooks.example.com/board", "task.created",
		json.RawMessage(`{"board":"b_1"}`), 3, time.Now())
}

// testBatcher runs against the shared container started by TestPostgresQueue.
func testBatcher(t *testing.T, dsn string) {
	t.Run("Conformance", func(t *testing.T) {
		queuetest.Run(t, func(t *testing.T) queue.Queue {
			return NewBatcher(newTestQueue(t, dsn, clock.RealClock{}), BatcherConfig{MaxWait: time.Millisecond})
		})
	})

	t.Run("SingleRecord", func(t *testing.T) {
		b := NewBatcher(newTestQueue(t, dsn, clock.RealClock{}), DefaultBatcherConfig())
		defer b.Close()
		ctx := context.Background()

		if err := b.Enqueue(ctx, newRecord("evt_single")); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		got, err := b.Get(ctx, "evt_single")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status != domain.StatusPending || got.AttemptCount != 0 {
			t.Errorf("got status %s attempts %d, want pending with 0 attempts", got.Status, got.AttemptCount)
		}
	})

	t.Run("ConcurrentEnqueues", func(t *testing.T) {
		b := NewBatcher(newTestQueue(t, dsn, clock.RealClock{}), BatcherConfig{MaxSize: 10, MaxWait: 10 * time.Millisecond})
		defer b.Close()
		ctx := context.Background()

		const n = 95
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- b.Enqueue(ctx, newRecord(fmt.Sprintf("evt_batch_%d", i)))
			}(i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				t.Errorf("Enqueue() error = %v", err)
			}
		}

		var count int
		if err := b.pool.QueryRow(ctx, `SELECT count(*) FROM webhook_events`).Scan(&count); err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != n {
			t.Errorf("persisted %d records, want %d", count, n)
		}
	})

	t.Run("DuplicateInSameBatch", func(t *testing.T) {
		b := NewBatcher(newTestQueue(t, dsn, clock.RealClock{}), BatcherConfig{MaxSize: 2, MaxWait: time.Second})
		defer b.Close()
		ctx := context.Background()

		// MaxSize 2 puts both in one batch.
		results := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() { results <- b.Enqueue(ctx, newRecord("evt_twice")) }()
		}

		var ok, dup int
		for i := 0; i < 2; i++ {
			err := <-results
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrAlreadyExists):
				dup++
			default:
				t.Fatalf("Enqueue() error = %v", err)
			}
		}
		if ok != 1 || dup != 1 {
			t.Errorf("got %d inserted and %d duplicates, want 1 and 1", ok, dup)
		}
	})

	t.Run("DuplicateAcrossBatches", func(t *testing.T) {
		b := NewBatcher(newTestQueue(t, dsn, clock.RealClock{}), BatcherConfig{MaxWait: time.Millisecond})
		defer b.Close()
		ctx := context.Background()

		if err := b.Enqueue(ctx, newRecord("evt_dup")); err != nil {
			t.Fatalf("first Enqueue() error = %v", err)
		}
		err := b.Enqueue(ctx, newRecord("evt_dup"))
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Errorf("second Enqueue() error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("InvalidRecordRejected", func(t *testing.T) {
		b := NewBatcher(newTestQueue(t, dsn, clock.RealClock{}), DefaultBatcherConfig())
		defer b.Close()

		rec := newRecord("evt_bad")
		rec.TargetURL = ""
		err := b.Enqueue(context.Background(), rec)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Enqueue() error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("CloseFlushesPending", func(t *testing.T) {
		q := newTestQueue(t, dsn, clock.RealClock{})
		b := NewBatcher(q, BatcherConfig{MaxSize: 100, MaxWait: time.Hour})
		ctx := context.Background()

		done := make(chan error, 1)
		go func() { done <- b.Enqueue(ctx, newRecord("evt_on_close")) }()

		// Wait until the record is sitting in the pending batch.
		deadline := time.Now().Add(5 * time.Second)
		for {
			b.mu.Lock()
			n := len(b.pending)
			b.mu.Unlock()
			if n == 1 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("record never reached the pending batch")
			}
			time.Sleep(time.Millisecond)
		}

		if err := b.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if err := <-done; err != nil {
			t.Errorf("Enqueue() error = %v", err)
		}

		err := b.Enqueue(ctx, newRecord("evt_after_close"))
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			t.Errorf("Enqueue() after Close error = %v, want ErrStoreUnavailable", err)
		}
	})
}
