package engine

import (
	"errors"
	"fmt"
	"strings"
)

// SyncError represents a failed engine operation.
//
// Sync errors include:
//   - Transient write: a store write failed; nothing speculative survives
//   - Partial failure: a multi-step operation stopped midway (journaled)
//   - Invalid transition: the intent is not allowed from the displayed state
//   - Invalid argument: malformed ids or vote direction
//   - Not ready: the view has not received its first snapshot yet
//   - Invalid snapshot: a snapshot could not be interpreted at all
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Op names the intent, e.g. "cast_vote" or "accept_request".
	Op string

	// Key identifies the affected entity, pair, item or feed.
	Key string

	// Err is the underlying cause, if any.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeTransientWrite indicates a store write failed and can be retried.
	ErrCodeTransientWrite SyncErrorCode = "TRANSIENT_WRITE"

	// ErrCodePartialFailure indicates a multi-step operation was interrupted.
	ErrCodePartialFailure SyncErrorCode = "PARTIAL_FAILURE"

	// ErrCodeInvalidTransition indicates the intent is not valid from the
	// currently displayed state.
	ErrCodeInvalidTransition SyncErrorCode = "INVALID_TRANSITION"

	// ErrCodeInvalidArgument indicates a malformed argument.
	ErrCodeInvalidArgument SyncErrorCode = "INVALID_ARGUMENT"

	// ErrCodeNotReady indicates the view has no authoritative state yet.
	ErrCodeNotReady SyncErrorCode = "NOT_READY"

	// ErrCodeInvalidSnapshot indicates a snapshot could not be coerced.
	ErrCodeInvalidSnapshot SyncErrorCode = "INVALID_SNAPSHOT"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Op)
	if e.Key != "" {
		fmt.Fprintf(&b, " (%s)", e.Key)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTransient returns true if err is a retryable write failure.
// Uses errors.As to handle wrapped errors.
func IsTransient(err error) bool {
	return hasCode(err, ErrCodeTransientWrite)
}

// IsPartialFailure returns true if err reports an interrupted multi-step
// operation. Matches both SyncError with ErrCodePartialFailure and a bare
// PartialFailureError.
func IsPartialFailure(err error) bool {
	if hasCode(err, ErrCodePartialFailure) {
		return true
	}
	var pe *PartialFailureError
	return errors.As(err, &pe)
}

// IsInvalidTransition returns true if the intent was rejected by the state
// machine.
func IsInvalidTransition(err error) bool {
	return hasCode(err, ErrCodeInvalidTransition)
}

// IsInvalidArgument returns true if the intent was rejected before any
// store call because of a malformed argument.
func IsInvalidArgument(err error) bool {
	return hasCode(err, ErrCodeInvalidArgument)
}

// IsNotReady returns true if the view had no authoritative state yet.
func IsNotReady(err error) bool {
	return hasCode(err, ErrCodeNotReady)
}

func transientError(op, key string, err error) *SyncError {
	return &SyncError{Code: ErrCodeTransientWrite, Op: op, Key: key, Err: err}
}

func invalidTransition(op, key string, format string, args ...any) *SyncError {
	return &SyncError{Code: ErrCodeInvalidTransition, Op: op, Key: key, Err: fmt.Errorf(format, args...)}
}

func invalidArgument(op, key string, err error) *SyncError {
	return &SyncError{Code: ErrCodeInvalidArgument, Op: op, Key: key, Err: err}
}

func notReady(op, key string) *SyncError {
	return &SyncError{Code: ErrCodeNotReady, Op: op, Key: key, Err: errors.New("no snapshot received yet")}
}

// errViewClosed is returned by intents on a closed view.
var errViewClosed = errors.New("view closed")

// PartialFailureError reports a multi-step operation that stopped after
// some of its steps were applied. The journal entry stays open so a
// Reconciler sweep can roll it forward.
type PartialFailureError struct {
	// Operation is the journal id.
	Operation string
	// Kind is the operation kind, e.g. "accept_request".
	Kind string
	// Completed names the steps applied before the failure.
	Completed []string
	// Failed names the step that failed.
	Failed string
	// Err is the cause.
	Err error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("operation %s (%s) failed at step %s after %d completed: %v",
		e.Operation, e.Kind, e.Failed, len(e.Completed), e.Err)
}

// Unwrap returns the cause.
func (e *PartialFailureError) Unwrap() error {
	return e.Err
}
