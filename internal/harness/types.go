package harness

import (
	"strings"

	"github.com/roach88/optisync/internal/engine"
)

// Trace entry types.
const (
	TypeStep  = "step"
	TypeEvent = "event"
)

// TraceEvent is one entry of a scenario trace: either a flow step the
// harness performed or a sink event the engine emitted during it.
type TraceEvent struct {
	Seq   int64         `json:"seq"`
	Type  string        `json:"type"`
	Step  string        `json:"step,omitempty"`
	Event *engine.Event `json:"event,omitempty"`
}

// Line renders the entry as one golden-file line.
func (e TraceEvent) Line() string {
	if e.Type == TypeStep {
		return "> " + e.Step
	}
	return "  " + e.Event.String()
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains steps and emitted events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Views holds the final state of every mounted view.
	Views map[string]map[string]string `json:"views,omitempty"`

	// Store holds every final leaf as canonical JSON.
	Store map[string]string `json:"store,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Views:  make(map[string]map[string]string),
		Store:  make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep appends a performed step.
func (r *Result) AddStep(step string) {
	r.Trace = append(r.Trace, TraceEvent{Seq: int64(len(r.Trace) + 1), Type: TypeStep, Step: step})
}

// AddEvent appends an emitted event.
func (r *Result) AddEvent(ev engine.Event) {
	r.Trace = append(r.Trace, TraceEvent{Seq: int64(len(r.Trace) + 1), Type: TypeEvent, Event: &ev})
}

// Events returns the emitted events in order.
func (r *Result) Events() []engine.Event {
	var out []engine.Event
	for _, e := range r.Trace {
		if e.Type == TypeEvent {
			out = append(out, *e.Event)
		}
	}
	return out
}

// Render formats the trace for golden comparison: one line per entry,
// headed by the scenario name.
func Render(name string, trace []TraceEvent) []byte {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(name)
	b.WriteString("\n")
	for _, e := range trace {
		b.WriteString(e.Line())
		b.WriteString("\n")
	}
	return []byte(b.String())
}
