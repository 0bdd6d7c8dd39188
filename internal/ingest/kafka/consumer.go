package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/observability"
	"github.com/felipemaragno/boardhooks/internal/producer"
)

// ConsumerConfig defines Kafka consumer parameters.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	BatchSize     int           // Max messages enqueued before a commit
	BatchTimeout  time.Duration // Max time to collect messages before processing
	CommitTimeout time.Duration // Timeout for offset commits
	MinBackoff    time.Duration // First wait after a store outage
	MaxBackoff    time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:         "webhooks.requested",
		GroupID:       "boardhooks-ingest",
		BatchSize:     100,
		BatchTimeout:  100 * time.Millisecond,
		CommitTimeout: 5 * time.Second,
		MinBackoff:    time.Second,
		MaxBackoff:    30 * time.Second,
	}
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Enqueuer is satisfied by *producer.Producer.
type Enqueuer interface {
	Enqueue(ctx context.Context, params producer.Params) (*domain.Record, error)
}

// Consumer reads webhook requests from Kafka and enqueues them.
type Consumer struct {
	config   ConsumerConfig
	reader   Reader
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewReader builds the consumer-group reader. Commits are manual.
func NewReader(config ConsumerConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        config.BatchTimeout,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
		IsolationLevel: kafka.ReadCommitted,
	})
}

func NewConsumer(config ConsumerConfig, reader Reader, enqueuer Enqueuer, logger *slog.Logger) *Consumer {
	defaults := DefaultConsumerConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = defaults.BatchTimeout
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = defaults.CommitTimeout
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
	return &Consumer{
		config:   config,
		reader:   reader,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled, then closes the reader. It returns
// nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("kafka ingest started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
		"batch_timeout", c.config.BatchTimeout,
	)
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error("failed to close kafka reader", "error", err)
		}
		c.logger.Info("kafka ingest stopped")
	}()

	for ctx.Err() == nil {
		batch := c.collectBatch(ctx)
		if len(batch) == 0 {
			continue
		}
		done := c.enqueueBatch(ctx, batch)
		c.commit(ctx, batch[:done])
	}
	return nil
}

// collectBatch fetches messages until BatchTimeout elapses or BatchSize is
// reached.
func (c *Consumer) collectBatch(ctx context.Context) []kafka.Message {
	var batch []kafka.Message
	deadline := time.Now().Add(c.config.BatchTimeout)

	for len(batch) < c.config.BatchSize {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("failed to fetch message", "error", err)
			sleep(ctx, 10*time.Millisecond)
			continue
		}
		batch = append(batch, msg)
	}
	return batch
}

// enqueueBatch enqueues messages in order and returns how many were
// handled. It stops early only when ctx is cancelled during a store outage;
// the unhandled tail is redelivered after a restart.
func (c *Consumer) enqueueBatch(ctx context.Context, batch []kafka.Message) int {
	for i, msg := range batch {
		if !c.handle(ctx, msg) {
			return i
		}
	}
	return len(batch)
}

// handle enqueues one message. Undecodable and invalid messages are logged
// and count as handled so they do not block the partition. Store outages
// are retried with backoff until they clear or ctx is cancelled.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	logger := c.logger.With("partition", msg.Partition, "offset", msg.Offset)

	m, err := decode(msg.Value)
	if err != nil {
		logger.Error("dropping undecodable message", "error", err)
		return true
	}
	if m.ID == "" {
		m.ID = messageID(msg)
	}

	backoff := c.config.MinBackoff
	for {
		_, err := c.enqueuer.Enqueue(context.WithoutCancel(ctx), m.Params())
		switch {
		case err == nil:
			logger.Debug("message enqueued", "event_id", m.ID, "event_type", m.EventType)
			return true
		case errors.Is(err, domain.ErrAlreadyExists):
			logger.Debug("message already enqueued", "event_id", m.ID)
			return true
		case errors.Is(err, domain.ErrInvalidInput):
			logger.Error("dropping invalid message", "error", err, "event_id", m.ID)
			return true
		}

		logger.Warn("enqueue failed, backing off", "error", err, "backoff", backoff)
		if !sleep(ctx, backoff) {
			return false
		}
		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}
}

func (c *Consumer) commit(ctx context.Context, msgs []kafka.Message) {
	if len(msgs) == 0 {
		return
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CommitTimeout)
	defer cancel()

	if err := c.reader.CommitMessages(commitCtx, msgs...); err != nil {
		// Uncommitted messages are redelivered; enqueue is idempotent by id.
		c.logger.Error("failed to commit messages", "error", err, "count", len(msgs))
	}
}

// messageID derives a stable id from the message position so redelivery
// of an id-less message does not enqueue it twice.
func messageID(msg kafka.Message) string {
	name := fmt.Sprintf("kafka://%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// sleep waits for d and reports false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
