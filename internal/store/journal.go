package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/optisync/internal/snapshot"
)

// OperationStatus is the lifecycle state of a journaled operation.
type OperationStatus string

const (
	// OperationOpen operations have steps left to apply.
	OperationOpen OperationStatus = "open"
	// OperationDone operations applied every step.
	OperationDone OperationStatus = "done"
)

// JournalStep is one idempotent write of a multi-step operation.
// A nil Value deletes Path.
type JournalStep struct {
	Name  string
	Path  string
	Value snapshot.Value
}

// OperationRecord is a journaled multi-step operation.
// Steps run in order; Completed counts the steps already applied.
type OperationRecord struct {
	ID        string
	Kind      string
	Key       string
	Steps     []JournalStep
	Completed int
	Status    OperationStatus
	LastError string
}

// Remaining returns the steps not yet applied.
func (r OperationRecord) Remaining() []JournalStep {
	if r.Completed >= len(r.Steps) {
		return nil
	}
	return r.Steps[r.Completed:]
}

// Journal durably records multi-step operations so an interrupted one can
// be rolled forward later.
type Journal interface {
	// Begin records a new open operation with no completed steps.
	Begin(ctx context.Context, rec OperationRecord) error
	// StepDone marks steps [0, step] of id as applied.
	StepDone(ctx context.Context, id string, step int) error
	// Finish marks id done.
	Finish(ctx context.Context, id string) error
	// Fail records the error that interrupted id. It stays open.
	Fail(ctx context.Context, id string, cause error) error
	// Open returns every open operation in creation order.
	Open(ctx context.Context) ([]OperationRecord, error)
}

// MemoryJournal is an in-process Journal.
type MemoryJournal struct {
	mu    sync.Mutex
	order []string
	ops   map[string]*OperationRecord
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{ops: make(map[string]*OperationRecord)}
}

func (j *MemoryJournal) Begin(_ context.Context, rec OperationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.ops[rec.ID]; ok {
		return fmt.Errorf("begin operation %s: already journaled", rec.ID)
	}
	rec.Steps = slices.Clone(rec.Steps)
	rec.Completed = 0
	rec.Status = OperationOpen
	j.ops[rec.ID] = &rec
	j.order = append(j.order, rec.ID)
	return nil
}

func (j *MemoryJournal) StepDone(_ context.Context, id string, step int) error {
	return j.update(id, func(rec *OperationRecord) {
		rec.Completed = max(rec.Completed, step+1)
	})
}

func (j *MemoryJournal) Finish(_ context.Context, id string) error {
	return j.update(id, func(rec *OperationRecord) {
		rec.Completed = len(rec.Steps)
		rec.Status = OperationDone
		rec.LastError = ""
	})
}

func (j *MemoryJournal) Fail(_ context.Context, id string, cause error) error {
	return j.update(id, func(rec *OperationRecord) {
		if cause != nil {
			rec.LastError = cause.Error()
		}
	})
}

func (j *MemoryJournal) Open(_ context.Context) ([]OperationRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []OperationRecord
	for _, id := range j.order {
		rec := j.ops[id]
		if rec.Status == OperationOpen {
			cp := *rec
			cp.Steps = slices.Clone(rec.Steps)
			out = append(out, cp)
		}
	}
	return out, nil
}

// Get returns a copy of one operation.
func (j *MemoryJournal) Get(id string) (OperationRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.ops[id]
	if !ok {
		return OperationRecord{}, false
	}
	cp := *rec
	cp.Steps = slices.Clone(rec.Steps)
	return cp, true
}

func (j *MemoryJournal) update(id string, fn func(*OperationRecord)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.ops[id]
	if !ok {
		return fmt.Errorf("operation %s: not journaled", id)
	}
	fn(rec)
	return nil
}
