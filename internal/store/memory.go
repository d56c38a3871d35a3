package store

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/snapshot"
)

type notification struct {
	w     *watcher
	value snapshot.Value
}

// Memory is an in-process Backend.
//
// Each write computes the new snapshot of every related watcher while the
// write lock is held and queues it, so delivery order equals apply order
// and no intermediate value is skipped. Queued snapshots are handed out
// by Deliver (synchronous, for tests) or Run (background goroutine).
//
// Hold, Release and Inject let tests reproduce late and stale deliveries.
type Memory struct {
	mu       sync.Mutex
	leaves   map[string]snapshot.Value
	versions *versionIndex
	clock    *Clock
	watchers []*watcher
	nextID   int64
	holding  map[string][]notification
	closed   bool

	queue *loop.Queue[notification]
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		leaves:   make(map[string]snapshot.Value),
		versions: newVersionIndex(),
		clock:    NewClock(),
		holding:  make(map[string][]notification),
		queue:    loop.NewQueue[notification](),
	}
}

// Read returns the value rooted at path and its version.
func (m *Memory) Read(_ context.Context, path string) (snapshot.Value, Version, error) {
	if err := snapshot.ValidatePath(path); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, ErrClosed
	}
	return snapshot.Build(path, m.leaves), m.versions.versionOf(path), nil
}

// CompareAndSwap writes value if path's version equals expected.
func (m *Memory) CompareAndSwap(_ context.Context, path string, expected Version, value snapshot.Value) (bool, error) {
	if err := snapshot.ValidatePath(path); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if m.versions.versionOf(path) != expected {
		return false, nil
	}
	m.writeLocked(path, value)
	return true, nil
}

// Set writes value unconditionally.
func (m *Memory) Set(_ context.Context, path string, value snapshot.Value) error {
	if err := snapshot.ValidatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.writeLocked(path, value)
	return nil
}

func (m *Memory) writeLocked(path string, value snapshot.Value) {
	seq := m.clock.Next()
	applyWrite(m.leaves, path, snapshot.Normalize(value))
	m.versions.bump(path, seq)

	for _, w := range m.watchers {
		if !snapshot.Related(w.path, path) {
			continue
		}
		v := snapshot.Build(w.path, m.leaves)
		if w.changed(v) {
			m.enqueueLocked(notification{w: w, value: v})
		}
	}
}

func (m *Memory) enqueueLocked(n notification) {
	if held, ok := m.holding[n.w.path]; ok {
		m.holding[n.w.path] = append(held, n)
		return
	}
	m.queue.Enqueue(n)
}

// Watch registers fn and queues the current value as its first snapshot.
func (m *Memory) Watch(path string, fn WatchFunc) (func(), error) {
	if err := snapshot.ValidatePath(path); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	m.nextID++
	w := &watcher{id: m.nextID, path: path, fn: fn}
	m.watchers = append(m.watchers, w)
	v := snapshot.Build(path, m.leaves)
	w.changed(v)
	m.enqueueLocked(notification{w: w, value: v})

	return func() {
		if w.cancelled.Swap(true) {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, other := range m.watchers {
			if other == w {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
	}, nil
}

// Deliver hands out every queued snapshot on the calling goroutine,
// including snapshots queued by the callbacks themselves.
// Returns the number of callbacks made.
func (m *Memory) Deliver(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		next, ok := m.queue.TryDequeue()
		if !ok {
			return n, nil
		}
		if next.w.cancelled.Load() {
			continue
		}
		next.w.deliver(next.value)
		n++
	}
}

// Run delivers snapshots as they are queued until ctx is cancelled or
// the store is closed.
func (m *Memory) Run(ctx context.Context) error {
	for {
		if _, err := m.Deliver(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.queue.Wait():
			if m.queue.Closed() && m.queue.Len() == 0 {
				return nil
			}
		}
	}
}

// Pending returns the number of queued, undelivered snapshots.
func (m *Memory) Pending() int {
	return m.queue.Len()
}

// Hold defers every snapshot for watchers of exactly path until Release.
func (m *Memory) Hold(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.holding[path]; !ok {
		m.holding[path] = nil
	}
}

// Release queues the snapshots deferred by Hold, in their original order.
func (m *Memory) Release(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.holding[path]
	if !ok {
		return
	}
	delete(m.holding, path)
	for _, n := range held {
		m.queue.Enqueue(n)
	}
}

// Inject queues a fabricated snapshot for watchers of exactly path, as if
// the store had delivered a stale value. Stored data is not touched.
func (m *Memory) Inject(path string, value snapshot.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value = snapshot.Normalize(value)
	for _, w := range m.watchers {
		if w.path == path {
			m.queue.Enqueue(notification{w: w, value: value})
		}
	}
	slog.Debug("injected snapshot", "path", path)
}

// Leaves returns a copy of every stored leaf keyed by absolute path.
func (m *Memory) Leaves() map[string]snapshot.Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.leaves)
}

// Version returns the current write sequence.
func (m *Memory) Version() Version {
	return Version(m.clock.Current())
}

// Close rejects further operations. Queued snapshots are dropped.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.queue.Close()
	for _, w := range m.watchers {
		w.cancelled.Store(true)
	}
	m.watchers = nil
	return nil
}
