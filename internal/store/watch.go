package store

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/optisync/internal/snapshot"
)

// watcher is one registered Watch call.
type watcher struct {
	id   int64
	path string
	fn   WatchFunc

	// last is the canonical encoding of the last snapshot handed out.
	// Guarded by the owning backend's delivery lock.
	last   []byte
	primed bool

	pending   bool // guarded by hub.mu
	cancelled atomic.Bool
}

func (w *watcher) deliver(v snapshot.Value) {
	if w.cancelled.Load() {
		return
	}
	w.fn(v)
}

// changed records v as the latest snapshot and reports whether it differs
// from the previous one.
func (w *watcher) changed(v snapshot.Value) bool {
	b, err := snapshot.MarshalCanonical(v)
	if err != nil {
		slog.Warn("unencodable snapshot", "path", w.path, "error", err)
		return false
	}
	if w.primed && bytes.Equal(b, w.last) {
		return false
	}
	w.last = b
	w.primed = true
	return true
}

// hub is the watcher registry for backends that notify by re-reading:
// a change to a path marks every related watcher pending, and refresh
// reads the current value once per pending watcher. Intermediate values
// may be skipped but never reordered.
type hub struct {
	mu       sync.Mutex
	watchers []*watcher
	nextID   int64
	signal   chan struct{}

	refreshMu sync.Mutex
}

func newHub() *hub {
	return &hub{signal: make(chan struct{}, 1)}
}

func (h *hub) add(path string, fn WatchFunc) func() {
	h.mu.Lock()
	h.nextID++
	w := &watcher{id: h.nextID, path: path, fn: fn, pending: true}
	h.watchers = append(h.watchers, w)
	h.mu.Unlock()
	h.notify()

	return func() {
		if w.cancelled.Swap(true) {
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, other := range h.watchers {
			if other == w {
				h.watchers = append(h.watchers[:i], h.watchers[i+1:]...)
				break
			}
		}
	}
}

// touch marks watchers related to any of paths as pending.
func (h *hub) touch(paths ...string) {
	h.mu.Lock()
	hit := false
	for _, w := range h.watchers {
		for _, p := range paths {
			if snapshot.Related(w.path, p) {
				w.pending = true
				hit = true
				break
			}
		}
	}
	h.mu.Unlock()
	if hit {
		h.notify()
	}
}

func (h *hub) notify() {
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

func (h *hub) wait() <-chan struct{} {
	return h.signal
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

type readFunc func(ctx context.Context, path string) (snapshot.Value, error)

// refresh reads and delivers the current value for every pending watcher,
// in registration order. Returns the number of callbacks made.
func (h *hub) refresh(ctx context.Context, read readFunc) (int, error) {
	h.refreshMu.Lock()
	defer h.refreshMu.Unlock()

	h.mu.Lock()
	var due []*watcher
	for _, w := range h.watchers {
		if w.pending {
			w.pending = false
			due = append(due, w)
		}
	}
	h.mu.Unlock()

	n := 0
	for i, w := range due {
		if w.cancelled.Load() {
			continue
		}
		v, err := read(ctx, w.path)
		if err != nil {
			h.mu.Lock()
			for _, rest := range due[i:] {
				rest.pending = true
			}
			h.mu.Unlock()
			return n, err
		}
		if !w.changed(v) {
			continue
		}
		w.deliver(v)
		n++
	}
	return n, nil
}
