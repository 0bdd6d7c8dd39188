package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/observability"
	"github.com/felipemaragno/boardhooks/internal/queue"
)

const idlePause = 100 * time.Millisecond

// LoopConfig holds configuration for the worker loop.
type LoopConfig struct {
	// Interval bounds each blocking flush (default: 2s). Zero polls without waiting.
	Interval time.Duration
	// SweepInterval is how often stale claims are reclaimed (default: 30s).
	SweepInterval time.Duration
	// StaleAfter is how long a claim may stay in_flight before the sweep
	// returns it to pending (default: 5m). Must exceed the HTTP timeout.
	StaleAfter time.Duration
	// MinBackoff and MaxBackoff bound the wait after a store outage
	// (default: 1s and 30s).
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Interval:      2 * time.Second,
		SweepInterval: 30 * time.Second,
		StaleAfter:    5 * time.Minute,
		MinBackoff:    time.Second,
		MaxBackoff:    30 * time.Second,
	}
}

// Loop calls Flush until its context is cancelled.
type Loop struct {
	config  LoopConfig
	queue   queue.Queue
	flusher *Flusher
	logger  *slog.Logger
	metrics *observability.Metrics

	lastSweep time.Time
}

func NewLoop(config LoopConfig, q queue.Queue, flusher *Flusher, logger *slog.Logger) *Loop {
	defaults := DefaultLoopConfig()
	if config.Interval < 0 {
		config.Interval = 0
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = defaults.MinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = config.MinBackoff
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Loop{
		config:  config,
		queue:   q,
		flusher: flusher,
		logger:  logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (l *Loop) WithMetrics(m *observability.Metrics) *Loop {
	l.metrics = m
	return l
}

// Run sweeps stale claims once, then flushes until ctx is cancelled.
// Cancellation is observed between flushes only, so the flush in progress
// resolves every record it claimed. Run returns nil after cancellation;
// it returns an error only when the start-up sweep fails.
//
// A failing store does not stop the loop. Each failed iteration waits
// MinBackoff, doubling up to MaxBackoff, and the wait resets once an
// iteration succeeds.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("worker loop started",
		"interval", l.config.Interval,
		"sweep_interval", l.config.SweepInterval,
		"stale_after", l.config.StaleAfter,
	)

	if err := l.sweep(ctx); err != nil {
		return fmt.Errorf("initial sweep: %w", err)
	}

	backoff := l.config.MinBackoff
	for {
		if ctx.Err() != nil {
			l.logger.Info("worker loop stopping")
			return nil
		}

		err := l.iterate(ctx)
		if err == nil {
			backoff = l.config.MinBackoff
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		if errors.Is(err, domain.ErrStoreUnavailable) {
			if l.metrics != nil {
				l.metrics.StoreErrors.Inc()
			}
			l.logger.Warn("queue store unavailable, backing off", "error", err, "backoff", backoff)
		} else {
			l.logger.Error("worker iteration failed, backing off", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.config.MaxBackoff {
			backoff = l.config.MaxBackoff
		}
	}
}

func (l *Loop) iterate(ctx context.Context) error {
	if time.Since(l.lastSweep) >= l.config.SweepInterval {
		if err := l.sweep(ctx); err != nil {
			return err
		}
	}

	n, err := l.flusher.Flush(ctx, true, l.config.Interval)
	if err != nil {
		return err
	}
	if n > 0 {
		l.logger.Debug("flushed batch", "count", n)
		return nil
	}

	// A zero interval turns the blocking claim into a poll; keep an empty
	// queue from spinning the CPU.
	if l.config.Interval == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(idlePause):
		}
	}
	return nil
}

func (l *Loop) sweep(ctx context.Context) error {
	n, err := l.queue.ReclaimStale(ctx, l.config.StaleAfter)
	if err != nil {
		return fmt.Errorf("reclaim stale: %w", err)
	}
	l.lastSweep = time.Now()
	if n > 0 {
		if l.metrics != nil {
			l.metrics.EventsReclaimed.Add(float64(n))
		}
		l.logger.Warn("reclaimed stale claims", "count", n)
	}
	return nil
}
