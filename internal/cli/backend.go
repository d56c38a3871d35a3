package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/optisync/internal/config"
	"github.com/roach88/optisync/internal/engine"
	"github.com/roach88/optisync/internal/remote"
	"github.com/roach88/optisync/internal/store"
)

// Backend names accepted by store.backend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendRemote = "remote"
)

// runner is implemented by backends that deliver notifications from their
// own loop.
type runner interface {
	Run(ctx context.Context) error
}

// openedBackend is a configured backend plus the journal that survives
// alongside it.
type openedBackend struct {
	Name    string
	Backend store.Backend
	// Journal is nil when the backend has no durable journal; the engine
	// then keeps one in memory.
	Journal store.Journal
}

// Close releases the backend.
func (b *openedBackend) Close() {
	if err := b.Backend.Close(); err != nil {
		slog.Error("error closing backend", "backend", b.Name, "error", err)
	}
}

// Run delivers notifications until ctx is cancelled. Backends without a
// loop of their own return immediately.
func (b *openedBackend) Run(ctx context.Context) error {
	r, ok := b.Backend.(runner)
	if !ok {
		return nil
	}
	return r.Run(ctx)
}

// openBackend opens the backend named by cfg.Backend.
func openBackend(ctx context.Context, cfg config.Store) (*openedBackend, error) {
	slog.Debug("opening backend", "backend", cfg.Backend)
	switch cfg.Backend {
	case BackendMemory:
		return &openedBackend{Name: cfg.Backend, Backend: store.NewMemory()}, nil
	case BackendSQLite:
		db, err := store.OpenSQLite(cfg.SQLitePath, store.WithPollInterval(cfg.PollInterval()))
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return &openedBackend{Name: cfg.Backend, Backend: db, Journal: db.Journal()}, nil
	case BackendRedis:
		opts := store.DefaultRedisOptions()
		opts.Addr = cfg.RedisAddr
		r, err := store.OpenRedis(ctx, opts)
		if err != nil {
			return nil, err
		}
		return &openedBackend{Name: cfg.Backend, Backend: r}, nil
	case BackendRemote:
		conn, err := remote.Dial(ctx, cfg.RemoteURL)
		if err != nil {
			return nil, err
		}
		return &openedBackend{Name: cfg.Backend, Backend: conn}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// retryPolicy maps retry.* onto the store client policy.
func retryPolicy(cfg config.Retry) store.RetryPolicy {
	return store.RetryPolicy{
		MaxRetries: uint64(cfg.MaxRetries),
		BaseDelay:  cfg.BaseDelay(),
		MaxDelay:   time.Second,
	}
}

// engineSettings maps the engine tunables.
func engineSettings(cfg config.Config) engine.Settings {
	return engine.Settings{
		GuardWindow:         cfg.GuardWindow(),
		BatchSize:           cfg.Feed.BatchSize,
		ActivationThreshold: cfg.Feed.ActivationThreshold,
		RootMarginPx:        cfg.Feed.RootMarginPx,
	}
}

// newEngine wires an engine over b. Metrics are registered on reg when it
// is non-nil.
func newEngine(cfg config.Config, b *openedBackend, reg prometheus.Registerer) *engine.Engine {
	clientOpts := []store.ClientOption{store.WithRetryPolicy(retryPolicy(cfg.Retry))}
	engineOpts := []engine.Option{engine.WithSettings(engineSettings(cfg))}
	if reg != nil {
		clientOpts = append(clientOpts, store.WithMetrics(store.NewMetrics(reg)))
		engineOpts = append(engineOpts, engine.WithMetrics(engine.NewMetrics(reg)))
	}
	if b.Journal != nil {
		engineOpts = append(engineOpts, engine.WithJournal(b.Journal))
	}
	return engine.New(store.NewClient(b.Backend, clientOpts...), engineOpts...)
}

// startEngine drives the engine loop in the background. The returned func
// stops it and waits for the loop to exit.
func startEngine(ctx context.Context, eng *engine.Engine) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("engine loop stopped", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
