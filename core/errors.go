package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the store and orchestration layers.
var (
	// ErrNotFound reports that a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict reports an optimistic-concurrency rejection:
	// the write was based on a stale read. Callers re-read and retry
	// once before reporting a conflict.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConditionFailed reports that a conditional update did not
	// apply because the entity was no longer in the required state.
	ErrConditionFailed = errors.New("condition not met")

	// ErrDuplicate reports a uniqueness violation, e.g. a second
	// reminder rule for the same source message.
	ErrDuplicate = errors.New("duplicate")

	// ErrEventCancelled reports that a queued event was cancelled
	// before dispatch.
	ErrEventCancelled = errors.New("event cancelled")
)

// TransientStoreError wraps a store failure that is worth retrying a
// bounded number of times before the dispatch is marked failed.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientStoreError for the given operation.
func Transient(op string, err error) error {
	return &TransientStoreError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientStoreError.
func IsTransient(err error) bool {
	var t *TransientStoreError
	return errors.As(err, &t)
}

// FatalAgentError is an unrecoverable agent failure. It propagates out
// of the dispatch, which is marked failed; the conversation's queue
// keeps processing later events.
type FatalAgentError struct {
	Agent string
	Err   error
}

func (e *FatalAgentError) Error() string {
	return fmt.Sprintf("agent %s: fatal: %v", e.Agent, e.Err)
}

func (e *FatalAgentError) Unwrap() error { return e.Err }

// IsFatalAgent reports whether err is (or wraps) a FatalAgentError.
func IsFatalAgent(err error) bool {
	var f *FatalAgentError
	return errors.As(err, &f)
}

// AuditWriteFailure reports that an audit entry could not be persisted
// within the retry bound. An unaudited dispatch is a correctness
// violation, so this always fails the dispatch.
type AuditWriteFailure struct {
	Attempts int
	Err      error
}

func (e *AuditWriteFailure) Error() string {
	return fmt.Sprintf("audit write failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AuditWriteFailure) Unwrap() error { return e.Err }

// DispatchFailedError is the terminal failure of one dispatch cycle.
type DispatchFailedError struct {
	ConversationID string
	MessageID      string
	Err            error
}

func (e *DispatchFailedError) Error() string {
	return fmt.Sprintf("dispatch failed for conversation %s: %v", e.ConversationID, e.Err)
}

func (e *DispatchFailedError) Unwrap() error { return e.Err }
