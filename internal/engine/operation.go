package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
)

// MultiStepOperation is an ordered list of idempotent single-path writes
// that together form one logical change. The store has no cross-path
// transaction, so each step is journaled; an interrupted operation is
// rolled forward by re-running its remaining steps.
type MultiStepOperation struct {
	// ID is assigned by the runner when empty.
	ID    string
	Kind  string
	Key   string
	Steps []store.JournalStep
}

// AcceptRequestOperation builds the three writes of accepting target's
// request: both friends edges, then the request record.
func AcceptRequestOperation(self, target string) *MultiStepOperation {
	return &MultiStepOperation{
		Kind: OpKindAcceptRequest,
		Key:  PairKey(self, target),
		Steps: []store.JournalStep{
			{Name: "friend_self", Path: snapshot.FriendEdgePath(self, target), Value: snapshot.Bool(true)},
			{Name: "friend_target", Path: snapshot.FriendEdgePath(target, self), Value: snapshot.Bool(true)},
			{Name: "delete_request", Path: snapshot.FriendRequestPath(self, target)},
		},
	}
}

// RemoveFriendOperation builds the two deletes of unfriending.
func RemoveFriendOperation(self, target string) *MultiStepOperation {
	return &MultiStepOperation{
		Kind: OpKindRemoveFriend,
		Key:  PairKey(self, target),
		Steps: []store.JournalStep{
			{Name: "unfriend_self", Path: snapshot.FriendEdgePath(self, target)},
			{Name: "unfriend_target", Path: snapshot.FriendEdgePath(target, self)},
		},
	}
}

// OperationRunner executes MultiStepOperations against the store and keeps
// the journal in step.
//
// Thread-safety: safe for concurrent use.
type OperationRunner struct {
	client  *store.Client
	journal store.Journal
	ids     IDGenerator
	metrics *Metrics

	mu     sync.Mutex
	active map[string]int // executions in flight per operation key
}

// InFlight reports whether an operation on key is executing.
func (r *OperationRunner) InFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[key] > 0
}

func (r *OperationRunner) acquire(key string) func() {
	r.mu.Lock()
	r.active[key]++
	r.mu.Unlock()
	return r.releaser(key)
}

// tryAcquire marks key in flight unless it already is.
func (r *OperationRunner) tryAcquire(key string) (func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[key] > 0 {
		return nil, false
	}
	r.active[key]++
	return r.releaser(key), true
}

func (r *OperationRunner) releaser(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.active[key]--; r.active[key] <= 0 {
				delete(r.active, key)
			}
		})
	}
}

// Run journals op and applies its steps in order.
//
// On failure the journal entry stays open and the returned error is a
// SyncError with ErrCodePartialFailure wrapping a *PartialFailureError.
func (r *OperationRunner) Run(ctx context.Context, op *MultiStepOperation) error {
	if op.ID == "" {
		op.ID = r.ids.Generate()
	}
	rec := store.OperationRecord{ID: op.ID, Kind: op.Kind, Key: op.Key, Steps: op.Steps}
	if err := r.journal.Begin(ctx, rec); err != nil {
		return transientError(op.Kind, op.Key, fmt.Errorf("journal: %w", err))
	}

	release := r.acquire(op.Key)
	defer release()

	if err := r.apply(ctx, rec, 0); err != nil {
		r.metrics.operation(op.Kind, "partial")
		return &SyncError{Code: ErrCodePartialFailure, Op: op.Kind, Key: op.Key, Err: err}
	}
	r.metrics.operation(op.Kind, "done")
	return nil
}

// apply runs rec.Steps[from:] and finishes the journal entry. A failing
// step is recorded on the entry and returned as a *PartialFailureError.
func (r *OperationRunner) apply(ctx context.Context, rec store.OperationRecord, from int) error {
	for i := from; i < len(rec.Steps); i++ {
		step := rec.Steps[i]
		if err := r.client.Set(ctx, step.Path, step.Value); err != nil {
			if jerr := r.journal.Fail(ctx, rec.ID, err); jerr != nil {
				slog.Warn("journal fail not recorded", "operation", rec.ID, "error", jerr)
			}
			completed := make([]string, 0, i)
			for _, done := range rec.Steps[:i] {
				completed = append(completed, done.Name)
			}
			slog.Warn("operation interrupted",
				"operation", rec.ID, "kind", rec.Kind, "key", rec.Key, "step", step.Name, "error", err)
			return &PartialFailureError{
				Operation: rec.ID,
				Kind:      rec.Kind,
				Completed: completed,
				Failed:    step.Name,
				Err:       err,
			}
		}
		// Steps are idempotent: a lost StepDone only means the step
		// re-runs during a sweep.
		if err := r.journal.StepDone(ctx, rec.ID, i); err != nil {
			slog.Warn("journal step not recorded", "operation", rec.ID, "step", step.Name, "error", err)
		}
	}
	if err := r.journal.Finish(ctx, rec.ID); err != nil {
		slog.Warn("journal finish not recorded", "operation", rec.ID, "error", err)
	}
	slog.Debug("operation done", "operation", rec.ID, "kind", rec.Kind, "key", rec.Key)
	return nil
}
