// Package postgres implements the delivery queue on a PostgreSQL table.
//
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never pick the
// same row. Idle workers LISTEN on a channel that enqueue, retry and the
// stale sweep NOTIFY, and otherwise sleep until the earliest pending row
// comes due.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/boardhooks/internal/clock"
	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/queue"
)

type Config struct {
	// Channel is the LISTEN/NOTIFY channel used to wake idle workers.
	Channel string
}

func DefaultConfig() Config {
	return Config{Channel: "boardhooks_wake"}
}

type Queue struct {
	pool    *pgxpool.Pool
	clock   clock.Clock
	channel string
}

var _ queue.Queue = (*Queue)(nil)

func New(pool *pgxpool.Pool, config Config, clk clock.Clock) *Queue {
	if config.Channel == "" {
		config.Channel = DefaultConfig().Channel
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Queue{pool: pool, clock: clk, channel: config.Channel}
}

const columns = `id, target_url, event_type, payload, status, attempt_count, max_attempts,
	next_attempt_at, claim_token, claimed_at, last_error, last_status_code,
	created_at, updated_at, delivered_at`

func scanRecord(row pgx.Row) (*domain.Record, error) {
	var (
		r       domain.Record
		payload *string
		status  string
	)
	err := row.Scan(
		&r.ID,
		&r.TargetURL,
		&r.EventType,
		&payload,
		&status,
		&r.AttemptCount,
		&r.MaxAttempts,
		&r.NextAttemptAt,
		&r.ClaimToken,
		&r.ClaimedAt,
		&r.LastError,
		&r.LastStatusCode,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		r.Payload = []byte(*payload)
	}
	r.Status = domain.Status(status)
	return &r, nil
}

func payloadArg(r *domain.Record) any {
	if len(r.Payload) == 0 {
		return nil
	}
	return string(r.Payload)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %w", domain.ErrStoreUnavailable, op, err)
}

// mapErr classifies a driver error. Connection failures and server
// shutdown/resource errors mean the store is unreachable; anything else is
// returned as is.
func mapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57"):
			return unavailable(op, err)
		}
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	return unavailable(op, err)
}

func (q *Queue) notify(ctx context.Context, db interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}, payload string) error {
	_, err := db.Exec(ctx, `SELECT pg_notify($1, $2)`, q.channel, payload)
	return err
}

// prepare validates rec and resets it to a fresh pending record.
func (q *Queue) prepare(rec *domain.Record) error {
	if err := rec.Validate(); err != nil {
		return err
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
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, rec *domain.Record) error {
	if err := q.prepare(rec); err != nil {
		return err
	}

	const query = `
		INSERT INTO webhook_events (id, target_url, event_type, payload, status, attempt_count,
		                            max_attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return mapErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, query,
		rec.ID,
		rec.TargetURL,
		rec.EventType,
		payloadArg(rec),
		rec.MaxAttempts,
		rec.NextAttemptAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return mapErr("enqueue", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, rec.ID)
	}
	if err := q.notify(ctx, tx, rec.ID); err != nil {
		return mapErr("notify", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr("commit", err)
	}
	return nil
}

func (q *Queue) ClaimBatch(ctx context.Context, opts queue.ClaimOptions) ([]*domain.Record, error) {
	return queue.BlockingClaim(ctx, opts, q.claim, q.wait)
}

func (q *Queue) claim(ctx context.Context, limit int) ([]*domain.Record, error) {
	query := `
		UPDATE webhook_events
		SET status = 'in_flight', claim_token = gen_random_uuid()::text,
		    claimed_at = $2, updated_at = $2
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE status = 'pending' AND next_attempt_at <= $2
			ORDER BY next_attempt_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING ` + columns

	rows, err := q.pool.Query(ctx, query, limit, q.clock.Now())
	if err != nil {
		return nil, mapErr("claim", err)
	}
	defer rows.Close()

	var recs []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, mapErr("scan claimed", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("claim", err)
	}
	return recs, nil
}

// wait LISTENs on a dedicated pooled connection. The earliest due time is
// read after LISTEN so a notification sent in between is not missed.
func (q *Queue) wait(ctx context.Context, until time.Time) error {
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return mapErr("acquire", err)
	}
	defer q.releaseListener(conn)

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{q.channel}.Sanitize()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return mapErr("listen", err)
	}

	var next *time.Time
	err = conn.QueryRow(ctx,
		`SELECT MIN(next_attempt_at) FROM webhook_events WHERE status = 'pending'`).Scan(&next)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return mapErr("peek ready", err)
	}

	var dueIn *time.Duration
	if next != nil {
		d := next.Sub(q.clock.Now())
		dueIn = &d
	}
	budget := queue.WaitBudget(until, dueIn)
	if budget <= 0 {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	_, err = conn.Conn().WaitForNotification(waitCtx)
	if err == nil || waitCtx.Err() != nil {
		return nil
	}
	return mapErr("wait", err)
}

// releaseListener drops the LISTEN before handing the connection back. A
// connection that cannot UNLISTEN is closed instead of pooled.
func (q *Queue) releaseListener(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

func (q *Queue) Resolve(ctx context.Context, rec *domain.Record, outcome domain.Outcome) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return mapErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+columns+` FROM webhook_events WHERE id = $1 FOR UPDATE`, rec.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, rec.ID)
	}
	if err != nil {
		return mapErr("load", err)
	}
	if stored.ClaimToken == "" || stored.ClaimToken != rec.ClaimToken {
		return fmt.Errorf("%w: %s", domain.ErrStaleClaim, rec.ID)
	}

	now := q.clock.Now()
	if err := stored.Apply(outcome, now); err != nil {
		return fmt.Errorf("%w: %s", err, rec.ID)
	}

	const update = `
		UPDATE webhook_events
		SET status = $3, attempt_count = $4, next_attempt_at = $5, claimed_at = NULL,
		    last_error = $6, last_status_code = $7, updated_at = $8, delivered_at = $9
		WHERE id = $1 AND claim_token = $2 AND status = 'in_flight'
	`
	tag, err := tx.Exec(ctx, update,
		stored.ID,
		rec.ClaimToken,
		string(stored.Status),
		stored.AttemptCount,
		stored.NextAttemptAt,
		stored.LastError,
		stored.LastStatusCode,
		stored.UpdatedAt,
		stored.DeliveredAt,
	)
	if err != nil {
		return mapErr("resolve", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrStaleClaim, rec.ID)
	}

	if stored.Eligible(now) {
		if err := q.notify(ctx, tx, stored.ID); err != nil {
			return mapErr("notify", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr("commit", err)
	}

	*rec = *stored
	return nil
}

func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.clock.Now()

	const query = `
		UPDATE webhook_events
		SET status = 'pending', claim_token = '', claimed_at = NULL,
		    next_attempt_at = $2, updated_at = $2
		WHERE status = 'in_flight' AND claimed_at <= $1
	`

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return 0, mapErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, query, now.Add(-olderThan), now)
	if err != nil {
		return 0, mapErr("reclaim", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		if err := q.notify(ctx, tx, "reclaim"); err != nil {
			return 0, mapErr("notify", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, mapErr("commit", err)
	}
	return n, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*domain.Record, error) {
	rec, err := scanRecord(q.pool.QueryRow(ctx,
		`SELECT `+columns+` FROM webhook_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, mapErr("get", err)
	}
	return rec, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	if err := q.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (q *Queue) Close() error {
	q.pool.Close()
	return nil
}
