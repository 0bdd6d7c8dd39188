package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Record is one webhook notification obligation.
//
// ID, TargetURL, Payload and EventType never change after enqueue. Status,
// AttemptCount and NextAttemptAt are mutated only through Claim, Apply and
// Reclaim, which the queue backends persist atomically.
type Record struct {
	ID             string          `json:"id"`
	TargetURL      string          `json:"target_url"`
	Payload        json.RawMessage `json:"payload"`
	EventType      string          `json:"event_type"`
	Status         Status          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	ClaimToken     string          `json:"-"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	LastStatusCode *int            `json:"last_status_code,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
}

// NewRecord builds a pending record that is immediately eligible for claim.
func NewRecord(id, targetURL, eventType string, payload json.RawMessage, maxAttempts int, now time.Time) *Record {
	return &Record{
		ID:            id,
		TargetURL:     targetURL,
		Payload:       payload,
		EventType:     eventType,
		Status:        StatusPending,
		AttemptCount:  0,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate checks the immutable fields set by the producer.
func (r *Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	case r.TargetURL == "":
		return fmt.Errorf("%w: target_url is required", ErrInvalidInput)
	case strings.TrimSpace(r.EventType) == "":
		return fmt.Errorf("%w: event_type is required", ErrInvalidInput)
	case r.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidInput)
	case len(r.Payload) > 0 && !json.Valid(r.Payload):
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
	}
	return nil
}

// Eligible reports whether the record may be claimed at now.
func (r *Record) Eligible(now time.Time) bool {
	return r.Status == StatusPending && !r.NextAttemptAt.After(now)
}

// CanRetry reports whether a failed attempt leaves room for another one.
func (r *Record) CanRetry() bool {
	return r.AttemptCount+1 < r.MaxAttempts
}

// Claim moves an eligible record to in_flight under token.
func (r *Record) Claim(token string, now time.Time) {
	r.Status = StatusInFlight
	r.ClaimToken = token
	r.ClaimedAt = &now
	r.UpdatedAt = now
}

// Apply resolves the current claim with outcome. The record must be
// in_flight; anything else means the claim was already resolved.
func (r *Record) Apply(o Outcome, now time.Time) error {
	if r.Status != StatusInFlight {
		return ErrDoubleResolve
	}

	r.ClaimedAt = nil
	r.UpdatedAt = now

	if o.Kind == OutcomeDeferred {
		r.Status = StatusPending
		r.NextAttemptAt = o.NextAttemptAt
		return nil
	}

	if r.AttemptCount < r.MaxAttempts {
		r.AttemptCount++
	}
	if o.StatusCode != 0 {
		code := o.StatusCode
		r.LastStatusCode = &code
	}
	if o.Err != "" {
		msg := o.Err
		r.LastError = &msg
	}

	switch o.Kind {
	case OutcomeDelivered:
		r.Status = StatusDelivered
		r.LastError = nil
		r.DeliveredAt = &now
	case OutcomeRetry:
		if r.AttemptCount >= r.MaxAttempts {
			r.Status = StatusFailed
			return nil
		}
		r.Status = StatusPending
		r.NextAttemptAt = o.NextAttemptAt
	default:
		r.Status = StatusFailed
	}
	return nil
}

// Reclaim returns a stale in_flight record to pending without touching
// AttemptCount, so it becomes claimable again right away.
func (r *Record) Reclaim(now time.Time) {
	r.Status = StatusPending
	r.ClaimToken = ""
	r.ClaimedAt = nil
	r.NextAttemptAt = now
	r.UpdatedAt = now
}

// Clone returns a deep copy, used by backends that hand out records
// without sharing memory with their own state.
func (r *Record) Clone() *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.ClaimedAt != nil {
		t := *r.ClaimedAt
		c.ClaimedAt = &t
	}
	if r.LastError != nil {
		s := *r.LastError
		c.LastError = &s
	}
	if r.LastStatusCode != nil {
		n := *r.LastStatusCode
		c.LastStatusCode = &n
	}
	if r.DeliveredAt != nil {
		t := *r.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}
