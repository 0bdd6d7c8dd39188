// Package redisq implements the delivery queue on Redis.
//
// Layout (prefix defaults to "boardhooks"):
//
//	<prefix>:rec:<id>   HASH  the record
//	<prefix>:ready      ZSET  pending ids scored by next_attempt_at (unix ms)
//	<prefix>:inflight   ZSET  claimed ids scored by claimed_at (unix ms)
//	<prefix>:wake       LIST  wake tokens, BLPOP'ed by idle workers
//
// Durability follows the server's persistence settings; run Redis with AOF
// (appendfsync everysec or always) when records must survive a crash.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/boardhooks/internal/clock"
	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/queue"
)

type Config struct {
	KeyPrefix string
}

func DefaultConfig() Config {
	return Config{KeyPrefix: "boardhooks"}
}

type Queue struct {
	client *redis.Client
	clock  clock.Clock
	logger *slog.Logger

	recPrefix   string
	readyKey    string
	inflightKey string
	wakeKey     string
}

var _ queue.Queue = (*Queue)(nil)

func New(client *redis.Client, config Config, clk clock.Clock, logger *slog.Logger) *Queue {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := config.KeyPrefix
	return &Queue{
		client:      client,
		clock:       clk,
		logger:      logger,
		recPrefix:   p + ":rec:",
		readyKey:    p + ":ready",
		inflightKey: p + ":inflight",
		wakeKey:     p + ":wake",
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", domain.ErrStoreUnavailable, op, err)
}

func (q *Queue) recKey(id string) string {
	return q.recPrefix + id
}

func (q *Queue) Enqueue(ctx context.Context, rec *domain.Record) error {
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

	args := append([]any{rec.ID, toMillis(now)}, encode(rec)...)
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.recKey(rec.ID), q.readyKey, q.wakeKey}, args...).Int()
	if err != nil {
		return unavailable("enqueue", err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, rec.ID)
	}
	return nil
}

func (q *Queue) ClaimBatch(ctx context.Context, opts queue.ClaimOptions) ([]*domain.Record, error) {
	return queue.BlockingClaim(ctx, opts, q.claim, q.wait)
}

func (q *Queue) claim(ctx context.Context, limit int) ([]*domain.Record, error) {
	now := toMillis(q.clock.Now())

	args := make([]any, 0, 3+limit)
	args = append(args, now, limit, q.recPrefix)
	for i := 0; i < limit; i++ {
		args = append(args, queue.NewClaimToken())
	}

	ids, err := claimScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, args...).StringSlice()
	if err != nil {
		return nil, unavailable("claim", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.recKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("load claimed", err)
	}

	recs := make([]*domain.Record, 0, len(ids))
	for i, cmd := range cmds {
		rec, err := decode(cmd.Val())
		if err != nil {
			// The claim stays in inflight; the stale sweep will surface it again.
			q.logger.Error("failed to decode claimed record", "error", err, "event_id", ids[i])
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// wait blocks on the wake list for at most the time left before until or
// before the earliest pending record comes due. BLPOP only takes whole
// seconds, so sub-second budgets use a plain timer.
func (q *Queue) wait(ctx context.Context, until time.Time) error {
	var dueIn *time.Duration
	head, err := q.client.ZRangeWithScores(ctx, q.readyKey, 0, 0).Result()
	if err != nil {
		return unavailable("peek ready", err)
	}
	if len(head) > 0 {
		d := fromMillis(int64(head[0].Score)).Sub(q.clock.Now())
		dueIn = &d
	}

	budget := queue.WaitBudget(until, dueIn)
	if budget <= 0 {
		return nil
	}

	if budget < time.Second {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return nil
	}

	err = q.client.BLPop(ctx, budget.Truncate(time.Second), q.wakeKey).Err()
	if err == nil || errors.Is(err, redis.Nil) || ctx.Err() != nil {
		return nil
	}
	return unavailable("wait", err)
}

func (q *Queue) Resolve(ctx context.Context, rec *domain.Record, outcome domain.Outcome) error {
	fields, err := q.client.HGetAll(ctx, q.recKey(rec.ID)).Result()
	if err != nil {
		return unavailable("load", err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, rec.ID)
	}
	stored, err := decode(fields)
	if err != nil {
		return err
	}
	if stored.ClaimToken == "" || stored.ClaimToken != rec.ClaimToken {
		return fmt.Errorf("%w: %s", domain.ErrStaleClaim, rec.ID)
	}

	now := q.clock.Now()
	if err := stored.Apply(outcome, now); err != nil {
		return fmt.Errorf("%w: %s", err, rec.ID)
	}

	wake := "0"
	if stored.Eligible(now) {
		wake = "1"
	}
	args := append([]any{
		stored.ID,
		rec.ClaimToken,
		string(stored.Status),
		toMillis(stored.NextAttemptAt),
		wake,
	}, encode(stored)...)

	res, err := resolveScript.Run(ctx, q.client,
		[]string{q.recKey(rec.ID), q.readyKey, q.inflightKey, q.wakeKey}, args...).Int()
	if err != nil {
		return unavailable("resolve", err)
	}

	switch res {
	case 0:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, rec.ID)
	case -1:
		return fmt.Errorf("%w: %s", domain.ErrDoubleResolve, rec.ID)
	case -2:
		return fmt.Errorf("%w: %s", domain.ErrStaleClaim, rec.ID)
	}

	*rec = *stored
	return nil
}

func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.clock.Now()
	n, err := reclaimScript.Run(ctx, q.client,
		[]string{q.inflightKey, q.readyKey, q.wakeKey},
		toMillis(now.Add(-olderThan)), toMillis(now), q.recPrefix).Int()
	if err != nil {
		return 0, unavailable("reclaim", err)
	}
	return n, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*domain.Record, error) {
	fields, err := q.client.HGetAll(ctx, q.recKey(id)).Result()
	if err != nil {
		return nil, unavailable("get", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return decode(fields)
}

func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optMillis(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(toMillis(*t), 10)
}

// encode flattens the record into HSET field/value pairs.
func encode(r *domain.Record) []any {
	lastError := ""
	if r.LastError != nil {
		lastError = *r.LastError
	}
	lastStatus := ""
	if r.LastStatusCode != nil {
		lastStatus = strconv.Itoa(*r.LastStatusCode)
	}
	return []any{
		"id", r.ID,
		"target_url", r.TargetURL,
		"payload", string(r.Payload),
		"event_type", r.EventType,
		"status", string(r.Status),
		"attempt_count", r.AttemptCount,
		"max_attempts", r.MaxAttempts,
		"next_attempt_at", toMillis(r.NextAttemptAt),
		"claim_token", r.ClaimToken,
		"claimed_at", optMillis(r.ClaimedAt),
		"last_error", lastError,
		"last_status_code", lastStatus,
		"created_at", toMillis(r.CreatedAt),
		"updated_at", toMillis(r.UpdatedAt),
		"delivered_at", optMillis(r.DeliveredAt),
	}
}

func decode(h map[string]string) (*domain.Record, error) {
	var err error
	atoi := func(field string) int {
		if err != nil {
			return 0
		}
		var n int
		n, err = strconv.Atoi(h[field])
		if err != nil {
			err = fmt.Errorf("decode %s: %w", field, err)
		}
		return n
	}
	millis := func(field string) time.Time {
		return fromMillis(int64(atoi(field)))
	}
	optTime := func(field string) *time.Time {
		if h[field] == "" {
			return nil
		}
		t := millis(field)
		return &t
	}

	r := &domain.Record{
		ID:            h["id"],
		TargetURL:     h["target_url"],
		Payload:       []byte(h["payload"]),
		EventType:     h["event_type"],
		Status:        domain.Status(h["status"]),
		AttemptCount:  atoi("attempt_count"),
		MaxAttempts:   atoi("max_attempts"),
		NextAttemptAt: millis("next_attempt_at"),
		ClaimToken:    h["claim_token"],
		ClaimedAt:     optTime("claimed_at"),
		CreatedAt:     millis("created_at"),
		UpdatedAt:     millis("updated_at"),
		DeliveredAt:   optTime("delivered_at"),
	}
	if v := h["last_error"]; v != "" {
		r.LastError = &v
	}
	if v := h["last_status_code"]; v != "" {
		code := atoi("last_status_code")
		r.LastStatusCode = &code
	}
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", h["id"], err)
	}
	if !r.Status.Valid() {
		return nil, fmt.Errorf("record %s: unknown status %q", h["id"], h["status"])
	}
	return r, nil
}
