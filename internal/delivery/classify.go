package delivery

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrDeliveryRejected marks a definitive refusal by the receiver (4xx
	// other than 429). The record fails without further attempts.
	ErrDeliveryRejected = errors.New("delivery rejected")
	// ErrDeliveryTransient marks a failure worth retrying: 429, 5xx,
	// unexpected statuses, network errors and timeouts.
	ErrDeliveryTransient = errors.New("delivery failed transiently")
)

// Error describes one failed attempt. Kind is ErrDeliveryRejected or
// ErrDeliveryTransient; StatusCode is 0 when no response was received.
type Error struct {
	Kind       error
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v: status %d", e.Kind, e.StatusCode)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Rejected reports whether err is a definitive refusal.
func Rejected(err error) bool {
	return errors.Is(err, ErrDeliveryRejected)
}

// isPermanentFailure reports whether a status means the receiver will never
// accept this request: every 4xx except 429 Too Many Requests.
func isPermanentFailure(statusCode int) bool {
	return statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests
}

// classify maps a response status to nil (delivered) or an *Error.
func classify(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case isPermanentFailure(statusCode):
		return &Error{Kind: ErrDeliveryRejected, StatusCode: statusCode}
	default:
		return &Error{Kind: ErrDeliveryTransient, StatusCode: statusCode}
	}
}

// countsAsBreakerFailure reports whether an attempt result should count
// against the destination's circuit breaker.
func countsAsBreakerFailure(statusCode int, err error) bool {
	return err != nil || statusCode >= 500
}
