// Package loop provides the single-writer event loop that owns all engine
// view state, and the unbounded queue it drains.
//
// Thread-safety model:
//   - Post(): safe from any goroutine (store watchers, timers, HTTP handlers)
//   - Run(): must be called from exactly one goroutine
//   - Drain(): runs queued tasks on the calling goroutine; for tests and
//     for callers that never start Run
//
// Everything posted to a Loop runs in FIFO order on one goroutine, so view
// state needs no locks.
package loop
