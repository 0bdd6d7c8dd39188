// Package queuetest holds the behavioural test suite every queue backend
// must pass. Backends call Run from their own _test.go files.
package queuetest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/queue"
)

// Factory returns an empty queue. It is called once per subtest.
type Factory func(t *testing.T) queue.Queue

// payload is valid JSON that a normalizing store would rewrite: keys out of
// order, odd spacing and a repeated key. It must come back byte for byte.
const payload = `{"task_id":"t_1", "b":1,  "a":2, "a":3,"body":"h\u00e9llo"}`

func newRecord(maxAttempts int) *domain.Record {
	return domain.NewRecord(
		uuid.NewString(),
		"https://hooks.example.com/board",
		"task.comment",
		json.RawMessage(payload),
		maxAttempts,
		time.Now(),
	)
}

func enqueue(t *testing.T, q queue.Queue, maxAttempts int) *domain.Record {
	t.Helper()
	rec := newRecord(maxAttempts)
	if err := q.Enqueue(context.Background(), rec); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return rec
}

func claimOne(t *testing.T, q queue.Queue) *domain.Record {
	t.Helper()
	recs, err := q.ClaimBatch(context.Background(), queue.ClaimOptions{Max: 1})
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("ClaimBatch() returned %d records, want 1", len(recs))
	}
	return recs[0]
}

func get(t *testing.T, q queue.Queue, id string) *domain.Record {
	t.Helper()
	rec, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return rec
}

// Run executes the full suite against fresh queues from newQueue.
func Run(t *testing.T, newQueue Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, q queue.Queue)
	}{
		{"EnqueueAndGet", testEnqueueAndGet},
		{"DuplicateEnqueue", testDuplicateEnqueue},
		{"GetMissing", testGetMissing},
		{"ClaimIsExclusive", testClaimIsExclusive},
		{"ClaimRespectsMax", testClaimRespectsMax},
		{"ConcurrentClaimsNeverOverlap", testConcurrentClaims},
		{"ResolveDelivered", testResolveDelivered},
		{"DoubleResolve", testDoubleResolve},
		{"RetryHonoursNextAttempt", testRetryHonoursNextAttempt},
		{"DeferredKeepsAttempts", testDeferredKeepsAttempts},
		{"RetryPastMaxAttemptsFails", testRetryPastMaxAttemptsFails},
		{"ReclaimStale", testReclaimStale},
		{"BlockingClaimTimesOut", testBlockingClaimTimesOut},
		{"BlockingClaimWakesOnEnqueue", testBlockingClaimWakesOnEnqueue},
		{"BlockingClaimWakesWhenRetryIsDue", testBlockingClaimWakesWhenRetryIsDue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue(t)
			t.Cleanup(func() { _ = q.Close() })
			tt.fn(t, q)
		})
	}
}

func testEnqueueAndGet(t *testing.T, q queue.Queue) {
	rec := enqueue(t, q, 3)

	got := get(t, q, rec.ID)
	if got.Status != domain.StatusPending {
		t.Errorf("Status = %v, want pending", got.Status)
	}
	if got.AttemptCount != 0 || got.MaxAttempts != 3 {
		t.Errorf("attempts = %d/%d, want 0/3", got.AttemptCount, got.MaxAttempts)
	}
	if got.TargetURL != rec.TargetURL || got.EventType != rec.EventType {
		t.Errorf("immutable fields changed: %+v", got)
	}
	if !bytes.Equal(got.Payload, []byte(payload)) {
		t.Errorf("Payload = %s, want the enqueued bytes %s", got.Payload, payload)
	}
	claimed := claimOne(t, q)
	if !bytes.Equal(claimed.Payload, []byte(payload)) {
		t.Errorf("claimed Payload = %s, want the enqueued bytes %s", claimed.Payload, payload)
	}
	if got.NextAttemptAt.After(time.Now().Add(time.Second)) {
		t.Errorf("NextAttemptAt = %v, want about now", got.NextAttemptAt)
	}
}

func testDuplicateEnqueue(t *testing.T, q queue.Queue) {
	rec := enqueue(t, q, 3)

	dup := newRecord(3)
	dup.ID = rec.ID
	err := q.Enqueue(context.Background(), dup)
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("Enqueue(duplicate) error = %v, want ErrAlreadyExists", err)
	}
}

func testGetMissing(t *testing.T, q queue.Queue) {
	_, err := q.Get(context.Background(), uuid.NewString())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func testClaimIsExclusive(t *testing.T, q queue.Queue) {
	rec := enqueue(t, q, 3)

	claimed := claimOne(t, q)
	if claimed.ID != rec.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, rec.ID)
	}
	if claimed.Status != domain.StatusInFlight || claimed.ClaimToken == "" {
		t.Errorf("claimed record status=%v token=%q, want in_flight with token", claimed.Status, claimed.ClaimToken)
	}

	again, err := q.ClaimBatch(context.Background(), queue.ClaimOptions{Max: 10})
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("in-flight record claimed twice: %v", again)
	}
}

func testClaimRespectsMax(t *testing.T, q queue.Queue) {
	for i := 0; i < 5; i++ {
		enqueue(t, q, 3)
	}

	first, err := q.ClaimBatch(context.Background(), queue.ClaimOptions{Max: 2})
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first batch = %d, want 2", len(first))
	}

	rest, err := q.ClaimBatch(context.Background(), queue.ClaimOptions{Max: 10})
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(rest) != 3 {
		t.Fatalf("second batch = %d, want 3", len(rest))
	}
}

func testConcurrentClaims(t *testing.T, q queue.Queue) {
	const total = 60
	for i := 0; i < total; i++ {
		enqueue(t, q, 3)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
		errs = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				recs, err := q.ClaimBatch(context.Background(), queue.ClaimOptions{Max: 3})
				if err != nil {
					errs <- err
					return
				}
				if len(recs) == 0 {
					return
				}
				mu.Lock()
				for _, r := range recs {
					seen[r.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(seen) != total {
		t.Fatalf("claimed %d distinct records, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("record %s claimed %d times", id, n)
		}
	}
}

func testResolveDelivered(t *testing.T, q queue.Queue) {
	rec := enqueue(t, q, 3)
	claimed := claimOne(t, q)

	if err := q.Resolve(context.Background(), claimed, domain.Delivered(200)); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if claimed.Status != domain.StatusDelivered {
		t.Errorf("resolved copy status = %v, want delivered", claimed.Status)
	}

	got := get(t, q, rec.ID)
	if got.Status != domain.StatusDelivered || got.AttemptCount != 1 {
		t.Errorf("stored = %v/%d, want delivered/1", got.Status, got.AttemptCount)
	}
	if got.DeliveredAt == nil {
		t.Error("DeliveredAt not set")
	}
}

func testDoubleResolve(t *testing.T, q queue.Queue) {
	enqueue(t, q, 3)
	claimed := claimOne(t, q)
	token := claimed.ClaimToken

	if err := q.Resolve(context.Background(), claimed, domain.Failed(404, "status 404")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	replay := *claimed
	replay.ClaimToken = token
	err := q.Resolve(context.Background(), &replay, domain.Delivered(200))
	if !errors.Is(err, domain.ErrDoubleResolve) {
		t.Fatalf("second Resolve() error = %v, want ErrDoubleResolve", err)
	}

	got := get(t, q, claimed.ID)
	if got.Status != domain.StatusFailed || got.AttemptCount != 1 {
		t.Errorf("stored = %v/%d, want failed/1 (terminal record changed)", got.Status, got.AttemptCount)
	}
}

func testRetryHonoursNextAttempt(t *testing.T, q queue.Queue) {
	rec := enqueue(t, q, 5)
	claimed := claimOne(t, q)

	later := time.Now().Add(time.Hour)
	if err := q.Resolve(context.Background(), claimed, domain.Retry(later, 503, "status 503")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	got := get(t, q, rec.ID)
	if got.Status != domain.StatusPending || got.AttemptCount != 1 {
		t.Fatalf("stored = %v/%d, want pending/1", got.Status, got.AttemptCount)
	}
	if got.LastStatusCode == nil || *got.LastStatusCode != 503 {
		t.Errorf("LastStatusCode = %v, want 503", got.LastStatusCode)
	}

	recs, err := q.ClaimBatch(context.Background(), queue.ClaimOptions{Max: 10})
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("record claimed before next_attempt_at: %v", recs)
	}

	// A retry due in the past is claimable immediately.
	other := enqueue(t, q, 5)
	c := claimOne(t, q)
	if c.ID != other.ID {
		t.Fatalf("claimed %s, want %s", c.ID, other.ID)
	}
	if err := q.Resolve(context.Background(), c, domain.Retry(time.Now().Add(-time.Second), 500, "status 500")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	again := claimOne(t, q)
	if again.ID != other.ID || again.AttemptCount != 1 {
		t.Errorf("re-claimed %s with %d attempts, want %s with 1", again.ID, again.AttemptCount, other.ID)
	}
}

func testDeferredKeepsAttempts(t *testing.T, q queue.Queue) {
	rec := enqueue(t, q, 3)
	claimed := claimOne(t, q)

	if err := q.Resolve(context.Background(), claimed, domain.Deferred(time.Now().Add(-time.Millisecond), "rate limited")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	again := claimOne(t, q)
	if again.ID != rec.ID || again.AttemptCount != 0 {
		t.Errorf("re-claimed %s with %d attempts, want %s with 0", again.ID, again.AttemptCount, rec.ID)
	}
}

func testRetryPastMaxAttemptsFails(t *testing.T, q queue.Queue) {
	rec := enqueue(t, q, 2)

	for i := 0; i < 2; i++ {
		c := claimOne(t, q)
		if err := q.Resolve(context.Background(), c, domain.Retry(time.Now().Add(-time.Second), 500, "status 500")); err != nil {
			t.Fatalf("Resolve() #%d error = %v", i+1, err)
		}
	}

	got := get(t, q, rec.ID)
	if got.Status != domain.StatusFailed || got.AttemptCount != 2 {
		t.Fatalf("stored = %v/%d, want failed/2", got.Status, got.AttemptCount)
	}
	recs, err := q.ClaimBatch(context.Background(), queue.ClaimOptions{Max: 10})
	if err != nil || len(recs) != 0 {
		t.Fatalf("failed record claimable: %v, %v", recs, err)
	}
}

func testReclaimStale(t *testing.T, q queue.Queue) {
	rec := enqueue(t, q, 5)
	c := claimOne(t, q)
	if err := q.Resolve(context.Background(), c, domain.Retry(time.Now().Add(-time.Second), 500, "status 500")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	crashed := claimOne(t, q)

	n, err := q.ReclaimStale(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("ReclaimStale(1h) = %d, want 0 for a fresh claim", n)
	}

	time.Sleep(10 * time.Millisecond)
	n, err = q.ReclaimStale(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ReclaimStale() = %d, want 1", n)
	}

	got := get(t, q, rec.ID)
	if got.Status != domain.StatusPending || got.AttemptCount != 1 {
		t.Fatalf("stored = %v/%d, want pending/1", got.Status, got.AttemptCount)
	}

	err = q.Resolve(context.Background(), crashed, domain.Delivered(200))
	if !errors.Is(err, domain.ErrStaleClaim) {
		t.Fatalf("late Resolve() error = %v, want ErrStaleClaim", err)
	}

	again := claimOne(t, q)
	if again.ID != rec.ID || again.AttemptCount != 1 {
		t.Errorf("re-claimed %s with %d attempts, want %s with 1", again.ID, again.AttemptCount, rec.ID)
	}
}

func testBlockingClaimTimesOut(t *testing.T, q queue.Queue) {
	timeout := 300 * time.Millisecond
	start := time.Now()

	recs, err := q.ClaimBatch(context.Background(), queue.ClaimOptions{Max: 5, Block: true, Timeout: timeout})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("ClaimBatch() = %v, want empty", recs)
	}
	if elapsed > timeout+2*time.Second {
		t.Errorf("blocked for %v, want about %v", elapsed, timeout)
	}
}

func testBlockingClaimWakesOnEnqueue(t *testing.T, q queue.Queue) {
	type result struct {
		recs []*domain.Record
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		recs, err := q.ClaimBatch(context.Background(), queue.ClaimOptions{Max: 5, Block: true, Timeout: 10 * time.Second})
		done <- result{recs, err}
	}()

	time.Sleep(100 * time.Millisecond)
	rec := enqueue(t, q, 3)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("ClaimBatch() error = %v", res.err)
		}
		if len(res.recs) != 1 || res.recs[0].ID != rec.ID {
			t.Fatalf("ClaimBatch() = %v, want [%s]", res.recs, rec.ID)
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("woke after %v, want well before the 10s timeout", elapsed)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("blocked claim never returned for %s", rec.ID)
	}
}

func testBlockingClaimWakesWhenRetryIsDue(t *testing.T, q queue.Queue) {
	rec := enqueue(t, q, 5)
	c := claimOne(t, q)
	if err := q.Resolve(context.Background(), c, domain.Retry(time.Now().Add(300*time.Millisecond), 500, "status 500")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	start := time.Now()
	recs, err := q.ClaimBatch(context.Background(), queue.ClaimOptions{Max: 5, Block: true, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Fatalf("ClaimBatch() = %v, want [%s]", recs, rec.ID)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("woke after %v, want shortly after the retry came due", elapsed)
	}
}
