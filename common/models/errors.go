package models

import "errors"

// Domain error kinds. Each is produced by exactly one layer and mapped
// to an HTTP status in the handlers.
var (
	// ErrNotFound means a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a unique key collided on creation.
	ErrConflict = errors.New("conflict")

	// ErrStateConflict means a guarded status transition matched no row.
	ErrStateConflict = errors.New("state conflict")

	// ErrAlreadyClaimed means a concurrent executor won the PENDING->RUNNING race.
	ErrAlreadyClaimed = errors.New("run already claimed")

	// ErrAlreadyResolved means a decision was posted on a terminal approval.
	ErrAlreadyResolved = errors.New("approval already resolved")

	// ErrRateLimited means the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrBadRequest means the request failed schema validation.
	ErrBadRequest = errors.New("bad request")
)
