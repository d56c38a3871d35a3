package store

import (
	"context"

	"github.com/roach88/optisync/internal/snapshot"
)

// Version is the logical-clock sequence of the latest write affecting a
// path. Zero means the path has never been written.
type Version int64

// WatchFunc receives whole-subtree snapshots. nil means absence.
type WatchFunc func(snapshot.Value)

// Backend is a concrete Observable Store.
//
// Implementations must deliver notifications for one watched path in the
// order writes were applied, and must deliver the current value as the
// first notification after Watch.
type Backend interface {
	// Read returns the value rooted at path and its version.
	Read(ctx context.Context, path string) (snapshot.Value, Version, error)

	// CompareAndSwap writes value at path if the path's version still
	// equals expected. It returns false, nil when the version moved.
	// A nil value deletes the subtree.
	CompareAndSwap(ctx context.Context, path string, expected Version, value snapshot.Value) (bool, error)

	// Set writes value at path unconditionally. A nil value deletes.
	Set(ctx context.Context, path string, value snapshot.Value) error

	// Watch registers fn for snapshots of path. The returned cancel func is
	// idempotent; no callback starts after it returns.
	Watch(path string, fn WatchFunc) (func(), error)

	Close() error
}
