package store

import (
	"errors"
	"fmt"

	"github.com/roach88/optisync/internal/snapshot"
)

var (
	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("version conflict")

	// ErrInvalidPath is returned for malformed key paths.
	ErrInvalidPath = snapshot.ErrInvalidPath

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("store closed")

	// ErrRetriesExhausted is returned by AtomicUpdate when every attempt
	// lost its compare-and-swap.
	ErrRetriesExhausted = errors.New("atomic update retries exhausted")
)

// ConflictError reports a lost compare-and-swap.
type ConflictError struct {
	Path     string
	Expected Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict at %s: expected version %d", e.Path, e.Expected)
}

// Is makes errors.Is(err, ErrConflict) true for any *ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsConflict reports whether err is or wraps a version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
