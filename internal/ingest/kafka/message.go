// Package kafka bridges a Kafka topic of webhook requests into the delivery
// queue. Offsets are committed only after the request is enqueued, so a
// crash redelivers messages instead of losing them; re-enqueueing a message
// with an id is a no-op.
package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/felipemaragno/boardhooks/internal/producer"
)

// Message is the JSON value of one topic message.
type Message struct {
	ID          string          `json:"id,omitempty"`
	TargetURL   string          `json:"target_url"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

func (m Message) Params() producer.Params {
	return producer.Params{
		ID:          m.ID,
		TargetURL:   m.TargetURL,
		EventType:   m.EventType,
		Payload:     m.Payload,
		MaxAttempts: m.MaxAttempts,
	}
}

// MessageFromParams is the inverse of Params, used by publishers.
func MessageFromParams(p producer.Params) Message {
	return Message{
		ID:          p.ID,
		TargetURL:   p.TargetURL,
		EventType:   p.EventType,
		Payload:     p.Payload,
		MaxAttempts: p.MaxAttempts,
	}
}

func decode(value []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(value, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
