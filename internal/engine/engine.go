package engine

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/store"
)

// Defaults for Settings.
const (
	DefaultGuardWindow         = 1500 * time.Millisecond
	DefaultBatchSize           = 5
	DefaultActivationThreshold = 0.75
	DefaultRootMarginPx        = 200
)

// Settings are the tunables of the engine.
type Settings struct {
	// GuardWindow bounds how long a relationship view suppresses snapshots
	// contradicting its own optimistic transition.
	GuardWindow time.Duration
	// BatchSize is the number of feed items revealed per load.
	BatchSize int
	// ActivationThreshold is the visibility ratio an item must cross upward
	// to become active.
	ActivationThreshold float64
	// RootMarginPx pre-triggers loads before the sentinel is in view.
	RootMarginPx int
}

// DefaultSettings returns the built-in tunables.
func DefaultSettings() Settings {
	return Settings{
		GuardWindow:         DefaultGuardWindow,
		BatchSize:           DefaultBatchSize,
		ActivationThreshold: DefaultActivationThreshold,
		RootMarginPx:        DefaultRootMarginPx,
	}
}

// withDefaults fills zero fields.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.GuardWindow <= 0 {
		s.GuardWindow = d.GuardWindow
	}
	if s.BatchSize <= 0 {
		s.BatchSize = d.BatchSize
	}
	if s.ActivationThreshold <= 0 || s.ActivationThreshold > 1 {
		s.ActivationThreshold = d.ActivationThreshold
	}
	if s.RootMarginPx < 0 {
		s.RootMarginPx = d.RootMarginPx
	}
	return s
}

// Engine owns the collaborators shared by every view: the store client,
// the dispatcher that confines view state, the wall clock and the sink.
//
// Thread-safety model:
//   - New and the factory methods (Counter, WatchVotes, Relationship,
//     Saved, Feed) are safe from any goroutine
//   - view methods must be called on the dispatcher goroutine
type Engine struct {
	client     *store.Client
	dispatcher loop.Dispatcher
	loop       *loop.Loop
	clock      loop.Clock
	ids        IDGenerator
	journal    store.Journal
	metrics    *Metrics
	sink       Sink
	settings   Settings
	rand       *rand.Rand

	runner *OperationRunner
}

// Option configures an Engine.
type Option func(*Engine)

// WithDispatcher sets the dispatcher view state is confined to.
// Default: a loop.Loop owned by the engine and driven by Run. loop.Inline
// is only safe when the store delivers on the caller's goroutine.
func WithDispatcher(d loop.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithClock sets the wall clock. Default: loop.SystemClock.
func WithClock(c loop.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the id source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithJournal sets the multi-step operation journal.
// Default: an in-process store.MemoryJournal.
func WithJournal(j store.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithMetrics records engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSink sets the receiver of UI-facing events. Default: NopSink.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithSettings overrides the tunables. Zero fields keep their defaults.
func WithSettings(s Settings) Option {
	return func(e *Engine) { e.settings = s }
}

// WithRand sets the source for shuffled feed orderings.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rand = r }
}

// New creates an Engine over client.
func New(client *store.Client, opts ...Option) *Engine {
	e := &Engine{
		client:   client,
		clock:    loop.SystemClock{},
		ids:      UUIDv7Generator{},
		sink:     NopSink{},
		settings: DefaultSettings(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dispatcher == nil {
		e.loop = loop.New()
		e.dispatcher = e.loop
	}
	e.settings = e.settings.withDefaults()
	if e.journal == nil {
		e.journal = store.NewMemoryJournal()
	}
	if e.rand == nil {
		seed := uint64(e.clock.Now().UnixNano())
		e.rand = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	e.runner = &OperationRunner{
		client:  client,
		journal: e.journal,
		ids:     e.ids,
		metrics: e.metrics,
		active:  make(map[string]int),
	}
	return e
}

// Run drives the engine's own loop until ctx is cancelled or the loop is
// stopped. Engines built WithDispatcher return nil at once; their
// dispatcher is driven by whoever supplied it.
func (e *Engine) Run(ctx context.Context) error {
	if e.loop == nil {
		return nil
	}
	return e.loop.Run(ctx)
}

// Dispatcher returns the dispatcher view state is confined to. Callers
// outside it post intents here.
func (e *Engine) Dispatcher() loop.Dispatcher {
	return e.dispatcher
}

// Client returns the store client.
func (e *Engine) Client() *store.Client {
	return e.client
}

// Settings returns the effective tunables.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Journal returns the operation journal.
func (e *Engine) Journal() store.Journal {
	return e.journal
}

// Operations returns the multi-step operation runner.
func (e *Engine) Operations() *OperationRunner {
	return e.runner
}

// post runs task on the dispatcher. Tasks rejected by a stopped
// dispatcher are dropped.
func (e *Engine) post(task func()) {
	if !e.dispatcher.Post(task) {
		slog.Debug("dispatcher stopped, task dropped")
	}
}
