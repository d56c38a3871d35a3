package loop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Dispatcher runs tasks on the goroutine that owns view state.
// Post returns false if the task was rejected because the dispatcher has
// been stopped.
type Dispatcher interface {
	Post(task func()) bool
}

// Inline runs every task immediately on the caller's goroutine.
// Only safe when all callers already share one goroutine, as in tests
// driven by a synchronous store.
type Inline struct{}

// Post runs task and returns true.
func (Inline) Post(task func()) bool {
	task()
	return true
}

// Loop is the single-writer event loop.
type Loop struct {
	queue *Queue[func()]
}

// New creates a loop. Nothing runs until Run or Drain is called.
func New() *Loop {
	return &Loop{queue: NewQueue[func()]()}
}

// Post queues task for execution on the loop goroutine.
// Safe from any goroutine. Returns false after Stop.
func (l *Loop) Post(task func()) bool {
	return l.queue.Enqueue(task)
}

// Run executes queued tasks until ctx is cancelled or Stop is called.
// Must be called from exactly one goroutine.
//
// A panicking task is logged and the loop continues.
func (l *Loop) Run(ctx context.Context) error {
	slog.Debug("loop starting")

	for {
		if task, ok := l.queue.TryDequeue(); ok {
			l.exec(task)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Debug("loop stopping: context cancelled")
			l.queue.Close()
			return ctx.Err()

		case <-l.queue.Wait():
			// The signal channel closes with the queue.
			if l.queue.Closed() && l.queue.Len() == 0 {
				slog.Debug("loop stopping: queue closed")
				return nil
			}
		}
	}
}

// Drain runs queued tasks on the calling goroutine until the queue is
// empty, including tasks posted by the tasks it runs. Returns the number
// of tasks executed.
func (l *Loop) Drain() int {
	n := 0
	for {
		task, ok := l.queue.TryDequeue()
		if !ok {
			return n
		}
		l.exec(task)
		n++
	}
}

// Stop closes the queue. Run returns once the remaining tasks are done.
func (l *Loop) Stop() {
	l.queue.Close()
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	return l.queue.Len()
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop task panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	task()
}
