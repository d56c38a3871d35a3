package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
	"github.com/roach88/optisync/internal/testutil"
)

var errNetwork = errors.New("network unreachable")

// fixture is an engine over a memory store with synchronous delivery,
// a fake clock and a recording sink.
type fixture struct {
	mem      *store.Memory
	backend  *testutil.FaultyBackend
	client   *store.Client
	clock    *testutil.FakeClock
	rec      *Recorder
	journal  *store.MemoryJournal
	registry *prometheus.Registry
	metrics  *Metrics
	eng      *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		mem:      store.NewMemory(),
		clock:    testutil.NewFakeClock(time.Time{}),
		rec:      NewRecorder(),
		journal:  store.NewMemoryJournal(),
		registry: prometheus.NewRegistry(),
	}
	f.backend = testutil.NewFaultyBackend(f.mem)
	f.client = store.NewClient(f.backend, store.WithRetryPolicy(store.RetryPolicy{
		MaxRetries: 50, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond,
	}))
	f.metrics = NewMetrics(f.registry)

	base := []Option{
		WithDispatcher(loop.Inline{}),
		WithClock(f.clock),
		WithIDGenerator(testutil.NewSequenceIDGenerator("id")),
		WithSink(f.rec),
		WithJournal(f.journal),
		WithMetrics(f.metrics),
		WithRand(rand.New(rand.NewPCG(1, 2))),
	}
	f.eng = New(f.client, append(base, opts...)...)
	t.Cleanup(func() { f.mem.Close() })
	return f
}

// deliver hands out every queued snapshot.
func (f *fixture) deliver(t *testing.T) {
	t.Helper()
	_, err := f.mem.Deliver(context.Background())
	require.NoError(t, err)
}

func (f *fixture) set(t *testing.T, path string, v snapshot.Value) {
	t.Helper()
	require.NoError(t, f.mem.Set(context.Background(), path, v))
}

func (f *fixture) get(t *testing.T, path string) snapshot.Value {
	t.Helper()
	v, _, err := f.mem.Read(context.Background(), path)
	require.NoError(t, err)
	return v
}

func pending(ts int64) snapshot.Value {
	return snapshot.FriendRequest{Timestamp: ts, Status: snapshot.RequestStatusPending}.Value()
}
