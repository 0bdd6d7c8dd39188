// Package domain contains the webhook event record and its lifecycle rules.
package domain

import "errors"

// Sentinel errors shared by the queue backends, the dispatcher and the worker.
// Callers match them with errors.Is; backends wrap driver errors around them.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a record with the same id was already enqueued.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrInvalidInput indicates the record or its parameters are malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable indicates the queue backing store cannot be reached.
	// The worker loop retries on it instead of exiting.
	ErrStoreUnavailable = errors.New("queue store unavailable")

	// ErrDoubleResolve indicates a claim was resolved more than once.
	ErrDoubleResolve = errors.New("claim already resolved")

	// ErrStaleClaim indicates the claim was reclaimed by the stale sweep
	// (or re-claimed by another worker) before it was resolved.
	ErrStaleClaim = errors.New("claim is stale")
)
