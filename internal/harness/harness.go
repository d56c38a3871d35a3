package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/roach88/optisync/internal/engine"
	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
	"github.com/roach88/optisync/internal/testutil"
)

// ErrInjectedFault is returned by writes to paths failed by a store step.
var ErrInjectedFault = errors.New("injected fault")

// Harness is the test execution engine.
// It runs scenarios with a fake clock, sequential ids and synchronous
// delivery.
type Harness struct {
	mem     *store.Memory
	backend *testutil.FaultyBackend
	clock   *testutil.FakeClock
	rec     *engine.Recorder
	eng     *engine.Engine
	views   map[string]mounted
	order   []string
	logger  *slog.Logger

	result *Result
	seen   int // recorder events already copied into the trace
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh in-memory store.
//
// Execution flow:
// 1. Write the initial store contents
// 2. Mount every view
// 3. Execute flow steps with expect validation
// 4. Capture final view and store state
// 5. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	mem := store.NewMemory()
	defer mem.Close()

	h := &Harness{
		mem:     mem,
		backend: testutil.NewFaultyBackend(mem),
		clock:   testutil.NewFakeClock(time.Time{}),
		rec:     engine.NewRecorder(),
		views:   make(map[string]mounted),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		result:  NewResult(),
	}
	client := store.NewClient(h.backend, store.WithRetryPolicy(store.RetryPolicy{
		MaxRetries: 8, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond,
	}))
	h.eng = engine.New(client,
		engine.WithDispatcher(loop.Inline{}),
		engine.WithClock(h.clock),
		engine.WithIDGenerator(testutil.NewSequenceIDGenerator("id")),
		engine.WithSink(h.rec),
		engine.WithSettings(scenario.Settings.engineSettings()),
		engine.WithRand(rand.New(rand.NewPCG(scenario.Seed, scenario.Seed))),
	)

	if err := h.writeInitial(ctx, scenario.Initial); err != nil {
		return nil, fmt.Errorf("failed to write initial state: %w", err)
	}
	for i, m := range scenario.Mount {
		v, err := mount(h.eng, m)
		if err != nil {
			return nil, fmt.Errorf("mount[%d] %s: %w", i, m.View, err)
		}
		h.views[m.View] = v
		h.order = append(h.order, m.View)
		h.result.AddStep(fmt.Sprintf("mount %s %s", m.View, m.Kind))
	}
	defer h.closeViews()

	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i, step); err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}
	}

	for name, v := range h.views {
		h.result.Views[name] = v.state()
	}
	for path, leaf := range mem.Leaves() {
		h.result.Store[path] = string(snapshot.MustCanonical(leaf))
	}

	actx := &AssertionContext{Store: mem, Ctx: ctx, Views: h.result.Views}
	for _, errMsg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(errMsg)
	}
	return h.result, nil
}

func (s Settings) engineSettings() engine.Settings {
	return engine.Settings{
		GuardWindow:         time.Duration(s.GuardWindowMS) * time.Millisecond,
		BatchSize:           s.BatchSize,
		ActivationThreshold: s.ActivationThreshold,
		RootMarginPx:        engine.DefaultRootMarginPx,
	}
}

// writeInitial writes leaves in path order so store versions are stable.
func (h *Harness) writeInitial(ctx context.Context, initial map[string]any) error {
	for _, path := range slices.Sorted(maps.Keys(initial)) {
		v, err := snapshot.FromGo(initial[path])
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := h.mem.Set(ctx, path, v); err != nil {
			return err
		}
	}
	return nil
}

// executeStep runs one flow step and copies the events it caused into
// the trace.
func (h *Harness) executeStep(ctx context.Context, i int, step FlowStep) error {
	var desc string
	switch {
	case step.Invoke != "":
		outcome, err := h.invoke(ctx, step)
		if err != nil {
			return err
		}
		desc = fmt.Sprintf("invoke %s -> %s", step.Invoke, outcome)
		if step.Expect != nil && step.Expect.Case != outcome {
			h.result.AddError(fmt.Sprintf("flow[%d] %s: expected %s, got %s", i, step.Invoke, step.Expect.Case, outcome))
		}

	case step.Deliver:
		if _, err := h.mem.Deliver(ctx); err != nil {
			return err
		}
		desc = "deliver"

	case step.AdvanceMS > 0:
		h.clock.Advance(time.Duration(step.AdvanceMS) * time.Millisecond)
		desc = fmt.Sprintf("advance %dms", step.AdvanceMS)

	case step.Store != nil:
		if err := h.storeStep(ctx, step.Store); err != nil {
			return err
		}
		desc = strings.TrimSpace(step.Store.Op + " " + step.Store.Path)

	case step.Sweep:
		res, err := h.eng.Reconciler(engine.WithStepRetries(0, time.Microsecond)).Sweep(ctx)
		if err != nil {
			h.logger.Info("sweep left operations open", "error", err)
		}
		desc = fmt.Sprintf("sweep open=%d completed=%d skipped=%d failed=%d",
			res.Open, res.Completed, res.Skipped, res.Failed)
	}

	h.result.AddStep(desc)
	h.collect()
	h.logger.Info("flow step completed", "step", i, "desc", desc)
	return nil
}

// invoke runs an intent and returns its outcome: "ok", a sync error code,
// or "error".
func (h *Harness) invoke(ctx context.Context, step FlowStep) (string, error) {
	name, intent, _ := strings.Cut(step.Invoke, ".")
	v, ok := h.views[name]
	if !ok {
		return "", fmt.Errorf("unknown view %q", name)
	}
	err := v.invoke(ctx, intent, step.Args)
	if err == nil {
		return "ok", nil
	}
	var serr *engine.SyncError
	if errors.As(err, &serr) {
		return string(serr.Code), nil
	}
	var script *scriptError
	if errors.As(err, &script) {
		return "", err
	}
	return "error", nil
}

func (h *Harness) storeStep(ctx context.Context, s *StoreStep) error {
	switch s.Op {
	case StoreWrite, StoreInject:
		v, err := snapshot.FromGo(s.Value)
		if err != nil {
			return fmt.Errorf("store %s %s: %w", s.Op, s.Path, err)
		}
		if s.Op == StoreInject {
			h.mem.Inject(s.Path, v)
			return nil
		}
		return h.mem.Set(ctx, s.Path, v)
	case StoreHold:
		h.mem.Hold(s.Path)
	case StoreRelease:
		h.mem.Release(s.Path)
	case StoreFail:
		h.backend.FailPath(s.Path, ErrInjectedFault)
	case StoreHeal:
		h.backend.Heal()
	default:
		return fmt.Errorf("unknown store op %q", s.Op)
	}
	return nil
}

// collect appends events recorded since the last call.
func (h *Harness) collect() {
	events := h.rec.Events()
	for _, ev := range events[h.seen:] {
		h.result.AddEvent(ev)
	}
	h.seen = len(events)
}

func (h *Harness) closeViews() {
	for _, name := range h.order {
		h.views[name].close()
	}
}
