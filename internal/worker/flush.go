// Package worker drives delivery: a Flusher claims a batch and resolves
// every record in it, and a Loop calls the Flusher until it is stopped.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipemaragno/boardhooks/internal/clock"
	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/observability"
	"github.com/felipemaragno/boardhooks/internal/queue"
)

// Dispatcher makes one delivery attempt for a claimed record.
// *delivery.Dispatcher implements it.
type Dispatcher interface {
	Attempt(ctx context.Context, rec *domain.Record) (domain.Outcome, error)
	TransientOutcome(rec *domain.Record, statusCode int, msg string) domain.Outcome
}

// FlushConfig controls one Flush call.
//
// BatchSize is the maximum number of records claimed per flush.
// Concurrency is how many records of a batch are dispatched at once;
// 1 dispatches them sequentially.
//
// StaleAfter is the stale sweep threshold and AttemptTimeout the longest
// one attempt may take. When both are set, a record is only dispatched if
// the attempt can finish before its claim goes stale; otherwise it is left
// in_flight for the sweep, since another worker may soon own it.
type FlushConfig struct {
	BatchSize      int
	Concurrency    int
	StaleAfter     time.Duration
	AttemptTimeout time.Duration
}

func DefaultFlushConfig() FlushConfig {
	return FlushConfig{
		BatchSize:   10,
		Concurrency: 1,
	}
}

type Flusher struct {
	config     FlushConfig
	queue      queue.Queue
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
	clock      clock.Clock
}

func NewFlusher(config FlushConfig, q queue.Queue, d Dispatcher, logger *slog.Logger) *Flusher {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultFlushConfig().BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Flusher{
		config:     config,
		queue:      q,
		dispatcher: d,
		logger:     logger,
		clock:      clock.RealClock{},
	}
}

// WithClock sets the clock used to age claims. It must be the queue's
// clock, since the queue stamps claimed_at.
func (f *Flusher) WithClock(clk clock.Clock) *Flusher {
	if clk != nil {
		f.clock = clk
	}
	return f
}

// WithMetrics enables Prometheus metrics collection.
func (f *Flusher) WithMetrics(m *observability.Metrics) *Flusher {
	f.metrics = m
	return f
}

// Flush claims up to BatchSize ready records, waiting up to timeout for
// one when block is set, and dispatches and resolves each of them. It
// returns the number of records claimed, including any left to the sweep.
//
// Only the claim can fail the call. Once records are claimed, cancelling
// ctx no longer affects them: every attempt runs to completion and is
// resolved. A record whose resolve fails stays in_flight until the stale
// sweep returns it to pending.
func (f *Flusher) Flush(ctx context.Context, block bool, timeout time.Duration) (int, error) {
	recs, err := f.queue.ClaimBatch(ctx, queue.ClaimOptions{
		Max:     f.config.BatchSize,
		Block:   block,
		Timeout: timeout,
	})
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	if f.metrics != nil {
		f.metrics.EventsClaimed.Add(float64(len(recs)))
	}
	f.logger.Debug("claimed batch", "count", len(recs))

	detached := context.WithoutCancel(ctx)

	if f.config.Concurrency == 1 || len(recs) == 1 {
		for _, rec := range recs {
			f.process(detached, rec)
		}
		return len(recs), nil
	}

	sem := make(chan struct{}, f.config.Concurrency)
	var wg sync.WaitGroup
	for _, rec := range recs {
		sem <- struct{}{}
		wg.Add(1)
		go func(rec *domain.Record) {
			defer wg.Done()
			defer func() { <-sem }()
			f.process(detached, rec)
		}(rec)
	}
	wg.Wait()

	return len(recs), nil
}

// process attempts delivery of one claimed record and resolves the claim.
// Failures are contained to this record.
func (f *Flusher) process(ctx context.Context, rec *domain.Record) {
	if f.claimExpiring(rec) {
		if f.metrics != nil {
			f.metrics.ClaimsExpired.Inc()
		}
		f.logger.Warn("claim too old to dispatch, leaving it to the stale sweep",
			"event_id", rec.ID,
			"claimed_at", rec.ClaimedAt,
		)
		return
	}

	outcome, err := f.attempt(ctx, rec)

	logger := f.logger.With(
		"event_id", rec.ID,
		"attempt", rec.AttemptCount+1,
		"outcome", outcome.Kind.String(),
	)
	if outcome.StatusCode != 0 {
		logger = logger.With("status_code", outcome.StatusCode)
	}

	if rerr := f.queue.Resolve(ctx, rec, outcome); rerr != nil {
		if f.metrics != nil {
			f.metrics.ResolveErrors.Inc()
		}
		if errors.Is(rerr, domain.ErrStaleClaim) || errors.Is(rerr, domain.ErrDoubleResolve) {
			logger.Warn("claim lost before resolve", "error", rerr)
		} else {
			logger.Error("failed to resolve claim", "error", rerr)
		}
		return
	}

	f.recordOutcome(outcome)

	switch outcome.Kind {
	case domain.OutcomeDelivered:
		logger.Info("webhook delivered")
	case domain.OutcomeRetry:
		logger.Warn("webhook delivery failed, will retry",
			"error", err,
			"next_attempt_at", outcome.NextAttemptAt,
		)
	case domain.OutcomeFailed:
		logger.Error("webhook delivery failed permanently", "error", err)
	case domain.OutcomeDeferred:
		logger.Debug("webhook delivery deferred",
			"reason", outcome.Err,
			"next_attempt_at", outcome.NextAttemptAt,
		)
	}
}

// claimExpiring reports whether rec's claim could go stale before an
// attempt started now would finish.
func (f *Flusher) claimExpiring(rec *domain.Record) bool {
	if f.config.StaleAfter <= 0 || rec.ClaimedAt == nil {
		return false
	}
	age := f.clock.Now().Sub(*rec.ClaimedAt)
	return age+f.config.AttemptTimeout >= f.config.StaleAfter
}

// attempt calls the dispatcher, turning a panic into a transient failure
// for this record.
func (f *Flusher) attempt(ctx context.Context, rec *domain.Record) (outcome domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
			outcome = f.dispatcher.TransientOutcome(rec, 0, err.Error())
		}
	}()
	return f.dispatcher.Attempt(ctx, rec)
}

func (f *Flusher) recordOutcome(o domain.Outcome) {
	if f.metrics == nil {
		return
	}
	switch o.Kind {
	case domain.OutcomeDelivered:
		f.metrics.EventsDelivered.Inc()
	case domain.OutcomeRetry:
		f.metrics.EventsRetrying.Inc()
	case domain.OutcomeFailed:
		f.metrics.EventsFailed.Inc()
	case domain.OutcomeDeferred:
		f.metrics.EventsDeferred.Inc()
	}
}
