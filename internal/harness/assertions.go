package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/optisync/internal/engine"
	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event.Line())
		}
	}
	return buf.String()
}

func matchesEvent(ev engine.Event, kind, key string) bool {
	return ev.Kind == kind && (key == "" || ev.Key == key)
}

// assertTraceContains checks for an event of the kind (and key) whose
// fields include every expected field.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, e := range trace {
		if e.Type != TypeEvent || !matchesEvent(*e.Event, a.Kind, a.Key) {
			continue
		}
		if matchFields(e.Event.Fields, a.Fields) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s %s with fields %v", a.Kind, a.Key, a.Fields),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the event lines appear in order.
// Lines don't need to be consecutive (intervening events are allowed).
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, e := range trace {
		if next == len(a.Events) {
			break
		}
		if e.Type == TypeEvent && e.Event.String() == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("events in order: %q", a.Events),
		Actual:   fmt.Sprintf("missing %q after %d matched", a.Events[next], next),
		Trace:    trace,
	}
}

// assertTraceCount checks the exact number of events of the kind (and key).
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, e := range trace {
		if e.Type == TypeEvent && matchesEvent(*e.Event, a.Kind, a.Key) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events %s", a.Count, a.Kind, a.Key),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState compares the stored value at path with the expected
// value by canonical encoding. An omitted value means absent.
func assertFinalState(ctx context.Context, st store.Backend, a Assertion) error {
	want, err := snapshot.FromGo(a.Value)
	if err != nil {
		return fmt.Errorf("final_state %s: expected value: %w", a.Path, err)
	}
	got, _, err := st.Read(ctx, a.Path)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("read %s", a.Path),
			Actual:   fmt.Sprintf("read error: %v", err),
		}
	}
	if snapshot.Equal(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: fmt.Sprintf("%s = %s", a.Path, render(want)),
		Actual:   fmt.Sprintf("%s = %s", a.Path, render(got)),
	}
}

func render(v snapshot.Value) string {
	if v == nil {
		return "absent"
	}
	b, err := snapshot.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(b)
}

// assertViewState checks the expected keys of a view's final state.
// Values compare by their printed form.
func assertViewState(views map[string]map[string]string, a Assertion) error {
	state, ok := views[a.View]
	if !ok {
		return fmt.Errorf("view_state: unknown view %q", a.View)
	}
	for _, key := range slices.Sorted(maps.Keys(a.Expect)) {
		actual, exists := state[key]
		if !exists {
			return &AssertionError{
				Type:     AssertViewState,
				Expected: fmt.Sprintf("%s.%s to exist", a.View, key),
				Actual:   fmt.Sprintf("state keys: %v", slices.Sorted(maps.Keys(state))),
			}
		}
		expected := ""
		if a.Expect[key] != nil {
			expected = fmt.Sprint(a.Expect[key])
		}
		if expected != actual {
			return &AssertionError{
				Type:     AssertViewState,
				Expected: fmt.Sprintf("%s.%s = %q", a.View, key, expected),
				Actual:   fmt.Sprintf("%s.%s = %q", a.View, key, actual),
			}
		}
	}
	return nil
}

// matchFields checks if actual contains all expected fields (subset match).
func matchFields(actual, expected map[string]string) bool {
	for key, want := range expected {
		if got, ok := actual[key]; !ok || got != want {
			return false
		}
	}
	return true
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store store.Backend
	Ctx   context.Context
	Views map[string]map[string]string
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store and view access for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires store context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		case AssertViewState:
			if actx == nil {
				err = fmt.Errorf("assertion[%d]: view_state requires view context", i)
			} else {
				err = assertViewState(actx.Views, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
