package testutil

import (
	"context"
	"sync"

	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
)

// FaultyBackend wraps a Backend and fails writes to selected paths.
// Reads and watches pass through untouched.
//
// Thread-safety: FaultyBackend is safe for concurrent use.
type FaultyBackend struct {
	store.Backend

	mu     sync.Mutex
	faults map[string]error
	all    error
}

// NewFaultyBackend wraps b with no faults configured.
func NewFaultyBackend(b store.Backend) *FaultyBackend {
	return &FaultyBackend{Backend: b, faults: make(map[string]error)}
}

// FailPath makes every write to exactly path return err.
func (f *FaultyBackend) FailPath(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[path] = err
}

// FailAll makes every write return err.
func (f *FaultyBackend) FailAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = err
}

// Heal clears all faults.
func (f *FaultyBackend) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[string]error)
	f.all = nil
}

func (f *FaultyBackend) fault(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.all != nil {
		return f.all
	}
	return f.faults[path]
}

func (f *FaultyBackend) Set(ctx context.Context, path string, v snapshot.Value) error {
	if err := f.fault(path); err != nil {
		return err
	}
	return f.Backend.Set(ctx, path, v)
}

func (f *FaultyBackend) CompareAndSwap(ctx context.Context, path string, expected store.Version, v snapshot.Value) (bool, error) {
	if err := f.fault(path); err != nil {
		return false, err
	}
	return f.Backend.CompareAndSwap(ctx, path, expected, v)
}

var _ store.Backend = (*FaultyBackend)(nil)
