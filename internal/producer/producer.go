// Package producer is the entry point for domain events that need a webhook
// delivered. It validates the request and enqueues a pending record.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"

	"github.com/google/uuid"

	"github.com/felipemaragno/boardhooks/internal/clock"
	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/observability"
	"github.com/felipemaragno/boardhooks/internal/queue"
)

const DefaultMaxAttempts = 5

var eventTypePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// Params describes one webhook to deliver. ID is optional; when set it
// makes the enqueue idempotent, so a second call with the same ID returns
// domain.ErrAlreadyExists.
type Params struct {
	ID          string          `json:"id,omitempty"`
	TargetURL   string          `json:"target_url"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

type Producer struct {
	queue       queue.Queue
	clock       clock.Clock
	maxAttempts int
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// New creates a producer. maxAttempts applies to requests that leave
// MaxAttempts unset; zero means DefaultMaxAttempts.
func New(q queue.Queue, clk clock.Clock, maxAttempts int, logger *slog.Logger) *Producer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Producer{
		queue:       q,
		clock:       clk,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (p *Producer) WithMetrics(m *observability.Metrics) *Producer {
	p.metrics = m
	return p
}

// Enqueue validates params and inserts a pending record that is
// immediately eligible for delivery.
func (p *Producer) Enqueue(ctx context.Context, params Params) (*domain.Record, error) {
	if err := Validate(params); err != nil {
		return nil, err
	}

	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttempts
	}

	rec := domain.NewRecord(id, params.TargetURL, params.EventType, params.Payload, maxAttempts, p.clock.Now())
	if err := p.queue.Enqueue(ctx, rec); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", id, err)
	}

	if p.metrics != nil {
		p.metrics.EventsEnqueued.Inc()
	}
	p.logger.Debug("webhook enqueued",
		"event_id", rec.ID,
		"event_type", rec.EventType,
		"target_url", rec.TargetURL,
	)
	return rec, nil
}

// Validate checks params without enqueueing them.
func Validate(params Params) error {
	u, err := url.Parse(params.TargetURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: target_url must be an absolute http(s) URL", domain.ErrInvalidInput)
	}
	if !eventTypePattern.MatchString(params.EventType) {
		return fmt.Errorf("%w: event_type must be dot-separated words", domain.ErrInvalidInput)
	}
	if len(params.Payload) > 0 && !json.Valid(params.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", domain.ErrInvalidInput)
	}
	return nil
}
