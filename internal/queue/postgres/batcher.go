package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/queue"
)

// BatcherConfig configures the enqueue batcher behavior.
type BatcherConfig struct {
	// MaxSize is the maximum number of records to batch before flushing.
	MaxSize int
	// MaxWait is the maximum time to wait before flushing a partial batch.
	MaxWait time.Duration
	// Timeout bounds each batch INSERT.
	Timeout time.Duration
}

// DefaultBatcherConfig returns sensible defaults for batching.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxSize: 50,
		MaxWait: 5 * time.Millisecond,
		Timeout: 10 * time.Second,
	}
}

type pendingRecord struct {
	rec  *domain.Record
	done chan error
}

// Batcher is a Queue whose Enqueue groups concurrent inserts into one
// multi-row INSERT and one NOTIFY. Each caller still blocks until its own
// record is persisted and gets its own result, including ErrAlreadyExists.
// All other operations go straight to the wrapped Queue.
//
// If the caller's context ends first, Enqueue returns ctx.Err() but the
// record may still be inserted by the in-flight batch.
type Batcher struct {
	*Queue
	config BatcherConfig

	mu      sync.Mutex
	pending []pendingRecord
	timer   *time.Timer
	closed  bool
	flushes sync.WaitGroup
}

var _ queue.Queue = (*Batcher)(nil)

func NewBatcher(q *Queue, config BatcherConfig) *Batcher {
	defaults := DefaultBatcherConfig()
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.MaxWait <= 0 {
		config.MaxWait = defaults.MaxWait
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &Batcher{
		Queue:   q,
		config:  config,
		pending: make([]pendingRecord, 0, config.MaxSize),
	}
}

// Enqueue adds rec to the current batch and waits for it to be persisted.
func (b *Batcher) Enqueue(ctx context.Context, rec *domain.Record) error {
	if err := b.prepare(rec); err != nil {
		return err
	}
	done := make(chan error, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: batcher closed", domain.ErrStoreUnavailable)
	}
	b.pending = append(b.pending, pendingRecord{rec: rec, done: done})

	// Start timer on first record in batch
	if len(b.pending) == 1 && b.timer == nil {
		b.timer = time.AfterFunc(b.config.MaxWait, func() {
			b.mu.Lock()
			b.flushLocked()
			b.mu.Unlock()
		})
	}
	if len(b.pending) >= b.config.MaxSize {
		b.flushLocked()
	}
	b.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending records, waits for in-flight batches and closes
// the underlying queue.
func (b *Batcher) Close() error {
	b.mu.Lock()
	b.closed = true
	b.flushLocked()
	b.mu.Unlock()

	b.flushes.Wait()
	return b.Queue.Close()
}

// flushLocked hands all pending records to a background insert. Must be
// called with mu held.
func (b *Batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}

	toFlush := b.pending
	b.pending = make([]pendingRecord, 0, b.config.MaxSize)

	b.flushes.Add(1)
	go func() {
		defer b.flushes.Done()
		b.executeBatch(toFlush)
	}()
}

func (b *Batcher) executeBatch(batch []pendingRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.Timeout)
	defer cancel()

	// A repeated id inside one batch is a duplicate of its first occurrence.
	unique := make([]pendingRecord, 0, len(batch))
	seen := make(map[string]bool, len(batch))
	for _, p := range batch {
		if seen[p.rec.ID] {
			p.done <- fmt.Errorf("%w: %s", domain.ErrAlreadyExists, p.rec.ID)
			continue
		}
		seen[p.rec.ID] = true
		unique = append(unique, p)
	}

	inserted, err := b.batchInsert(ctx, unique)
	for _, p := range unique {
		switch {
		case err != nil:
			p.done <- err
		case !inserted[p.rec.ID]:
			p.done <- fmt.Errorf("%w: %s", domain.ErrAlreadyExists, p.rec.ID)
		default:
			p.done <- nil
		}
	}
}

// batchInsert performs a single INSERT with multiple VALUES and returns the
// ids that were actually inserted.
func (b *Batcher) batchInsert(ctx context.Context, batch []pendingRecord) (map[string]bool, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	// INSERT INTO webhook_events (...) VALUES ($1, ..., $8), ($9, ..., $16), ...
	var query strings.Builder
	query.WriteString(`
		INSERT INTO webhook_events (id, target_url, event_type, payload, status, attempt_count,
		                            max_attempts, next_attempt_at, created_at, updated_at)
		VALUES `)

	args := make([]any, 0, len(batch)*8)
	for i, p := range batch {
		if i > 0 {
			query.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&query, "($%d, $%d, $%d, $%d, 'pending', 0, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)

		r := p.rec
		args = append(args,
			r.ID,
			r.TargetURL,
			r.EventType,
			payloadArg(r),
			r.MaxAttempts,
			r.NextAttemptAt,
			r.CreatedAt,
			r.UpdatedAt,
		)
	}
	query.WriteString(" ON CONFLICT (id) DO NOTHING RETURNING id")

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, mapErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, mapErr("batch enqueue", err)
	}
	inserted := make(map[string]bool, len(batch))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, mapErr("batch enqueue", err)
		}
		inserted[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("batch enqueue", err)
	}

	if len(inserted) > 0 {
		if err := b.notify(ctx, tx, fmt.Sprintf("batch:%d", len(inserted))); err != nil {
			return nil, mapErr("notify", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapErr("commit", err)
	}
	return inserted, nil
}
