package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/boardhooks/internal/producer"
)

// PublisherConfig configures the Kafka writer used by the ingest API.
type PublisherConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// DefaultPublisherConfig returns sensible defaults for production.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "webhooks.requested",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Publisher writes webhook requests to the ingest topic.
type Publisher struct {
	writer  *kafka.Writer
	brokers []string
	logger  *slog.Logger
}

func NewPublisher(config PublisherConfig, logger *slog.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
	}
	return &Publisher{writer: writer, brokers: config.Brokers, logger: logger}
}

// Publish writes one request synchronously. An empty ID is filled in first
// so the consumer enqueues idempotently on redelivery; the ID is returned.
func (p *Publisher) Publish(ctx context.Context, params producer.Params) (string, error) {
	if params.ID == "" {
		params.ID = uuid.NewString()
	}

	value, err := json.Marshal(MessageFromParams(params))
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(params.ID),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write message: %w", err)
	}
	return params.ID, nil
}

// Ping succeeds when at least one broker accepts a connection.
func (p *Publisher) Ping(ctx context.Context) error {
	var dialer kafka.Dialer
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn.Close()
		}
		lastErr = err
	}
	if lastErr == nil {
		return errors.New("no kafka brokers configured")
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
