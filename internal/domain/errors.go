// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates caller input failed validation.
var ErrValidation = errors.New("validation failed")

// ErrDuplicate indicates an idempotency key or delivery id was already recorded.
var ErrDuplicate = errors.New("duplicate")
