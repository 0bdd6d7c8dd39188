package domain

import "time"

type OutcomeKind int

const (
	OutcomeDelivered OutcomeKind = iota
	OutcomeRetry
	OutcomeFailed
	// OutcomeDeferred puts the record back without counting an attempt.
	// Used when a local guard (rate limit, open circuit) refused to send.
	OutcomeDeferred
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Outcome is the dispatcher's verdict for one claimed record.
type Outcome struct {
	Kind          OutcomeKind
	NextAttemptAt time.Time
	StatusCode    int
	Err           string
}

func Delivered(statusCode int) Outcome {
	return Outcome{Kind: OutcomeDelivered, StatusCode: statusCode}
}

func Retry(next time.Time, statusCode int, err string) Outcome {
	return Outcome{Kind: OutcomeRetry, NextAttemptAt: next, StatusCode: statusCode, Err: err}
}

func Failed(statusCode int, err string) Outcome {
	return Outcome{Kind: OutcomeFailed, StatusCode: statusCode, Err: err}
}

func Deferred(next time.Time, reason string) Outcome {
	return Outcome{Kind: OutcomeDeferred, NextAttemptAt: next, Err: reason}
}
