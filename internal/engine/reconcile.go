package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/optisync/internal/store"
)

// DefaultSweepConcurrency bounds how many operation keys a sweep rolls
// forward at once.
const DefaultSweepConcurrency = 4

// SweepResult summarizes one reconciliation sweep.
type SweepResult struct {
	// Open is the number of open journal entries found.
	Open int
	// Completed entries were rolled forward to done.
	Completed int
	// Skipped entries belong to an operation still executing.
	Skipped int
	// Failed entries are still open.
	Failed int
}

// Reconciler rolls interrupted multi-step operations forward.
//
// Every step is an idempotent set or delete, so re-running the remaining
// steps of an open entry converges on the state the operation intended.
// Entries sharing a key run in creation order; different keys run
// concurrently.
type Reconciler struct {
	runner      *OperationRunner
	journal     store.Journal
	concurrency int
	stepRetries uint64
	baseDelay   time.Duration
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithSweepConcurrency sets how many keys are swept in parallel.
func WithSweepConcurrency(n int) ReconcilerOption {
	return func(r *Reconciler) { r.concurrency = n }
}

// WithStepRetries sets the retries per failing step during a sweep.
func WithStepRetries(n uint64, base time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.stepRetries = n
		r.baseDelay = base
	}
}

// Reconciler returns a sweeper over the engine's journal.
func (e *Engine) Reconciler(opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		runner:      e.runner,
		journal:     e.journal,
		concurrency: DefaultSweepConcurrency,
		stepRetries: 3,
		baseDelay:   10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.concurrency <= 0 {
		r.concurrency = 1
	}
	return r
}

// Sweep re-runs the remaining steps of every open journal entry. Entries
// that still fail stay open and are reported in the joined error.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	open, err := r.journal.Open(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweep: list open operations: %w", err)
	}
	result := SweepResult{Open: len(open)}
	if len(open) == 0 {
		return result, nil
	}

	var keys []string
	byKey := make(map[string][]store.OperationRecord)
	for _, rec := range open {
		if _, ok := byKey[rec.Key]; !ok {
			keys = append(keys, rec.Key)
		}
		byKey[rec.Key] = append(byKey[rec.Key], rec)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, key := range keys {
		recs := byKey[key]
		g.Go(func() error {
			for i, rec := range recs {
				outcome, err := r.resume(gctx, rec)
				mu.Lock()
				switch outcome {
				case "done":
					result.Completed++
				case "skipped":
					result.Skipped += len(recs) - i
				default:
					result.Failed += len(recs) - i
					errs = append(errs, err)
				}
				mu.Unlock()
				if outcome != "done" {
					// Later entries for the key must not overtake this one.
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	slog.Info("sweep finished",
		"open", result.Open, "completed", result.Completed, "skipped", result.Skipped, "failed", result.Failed)
	return result, errors.Join(errs...)
}

// resume rolls one entry forward. Returns "done", "skipped" or "failed".
func (r *Reconciler) resume(ctx context.Context, rec store.OperationRecord) (string, error) {
	release, ok := r.runner.tryAcquire(rec.Key)
	if !ok {
		return "skipped", nil
	}
	defer release()

	slog.Debug("resuming operation",
		"operation", rec.ID, "kind", rec.Kind, "key", rec.Key, "completed", rec.Completed, "steps", len(rec.Steps))

	b := retry.WithMaxRetries(r.stepRetries, retry.NewExponential(r.baseDelay))
	from := rec.Completed
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := r.runner.apply(ctx, rec, from)
		var pe *PartialFailureError
		if errors.As(err, &pe) {
			// Completed lists every step before the failing one.
			from = len(pe.Completed)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		r.runner.metrics.operation(rec.Kind, "failed_resume")
		return "failed", fmt.Errorf("resume %s (%s): %w", rec.ID, rec.Kind, err)
	}
	r.runner.metrics.operation(rec.Kind, "resumed")
	return "done", nil
}
