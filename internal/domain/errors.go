// Package domain provides shared domain-level sentinel errors.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict or a state
// transition that is no longer valid. Callers must re-fetch and decide.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed caller input. Never retried.
var ErrValidation = errors.New("validation failed")

// ErrUnavailable indicates the persistence layer could not be reached.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotRetryable indicates a step is terminal or has exhausted its retry budget.
var ErrNotRetryable = errors.New("step not retryable")

// ErrQueueUnavailable indicates the message transport rejected an enqueue
// after all retries were exhausted.
var ErrQueueUnavailable = errors.New("queue unavailable")

// StoreErrorKind distinguishes persistence failures that callers handle differently.
type StoreErrorKind string

const (
	StoreConflict    StoreErrorKind = "conflict"
	StoreNotFound    StoreErrorKind = "not_found"
	StoreUnavailable StoreErrorKind = "unavailable"
)

// StoreError is returned by store adapters for constraint violations and
// connectivity failures. It matches ErrConflict, ErrNotFound or ErrUnavailable
// through errors.Is depending on Kind.
type StoreError struct {
	Op   string
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel matching this error's kind.
func (e *StoreError) Is(target error) bool {
	switch e.Kind {
	case StoreConflict:
		return target == ErrConflict
	case StoreNotFound:
		return target == ErrNotFound
	case StoreUnavailable:
		return target == ErrUnavailable
	}
	return false
}

// NewStoreError builds a StoreError.
func NewStoreError(op string, kind StoreErrorKind, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// ToolError wraps an opaque failure returned by an external tool handler.
// The core records it but never interprets it.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }
