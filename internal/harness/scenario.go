package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario defines a scripted run against the engine.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Settings override engine tunables. Zero fields keep the defaults.
	Settings Settings `yaml:"settings,omitempty"`

	// Seed drives the shuffled feed order.
	Seed uint64 `yaml:"seed,omitempty"`

	// Initial is written to the store, keyed by path, before mounting.
	Initial map[string]any `yaml:"initial,omitempty"`

	// Mount lists the views to mount, in order.
	Mount []MountStep `yaml:"mount"`

	// Flow is executed step by step after mounting.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Settings are the engine tunables a scenario may override.
type Settings struct {
	GuardWindowMS       int     `yaml:"guard_window_ms,omitempty"`
	BatchSize           int     `yaml:"batch_size,omitempty"`
	ActivationThreshold float64 `yaml:"activation_threshold,omitempty"`
}

// View kinds.
const (
	ViewVotes        = "votes"
	ViewRelationship = "relationship"
	ViewSaved        = "saved"
	ViewFeed         = "feed"
)

// MountStep mounts one view under a scenario-local name.
type MountStep struct {
	// View is the name flow steps and assertions refer to.
	View string `yaml:"view"`
	// Kind is votes, relationship, saved or feed.
	Kind string `yaml:"kind"`

	// Entity and User select a votes view.
	Entity string `yaml:"entity,omitempty"`
	User   string `yaml:"user,omitempty"`

	// Self and Target select a relationship view.
	Self   string `yaml:"self,omitempty"`
	Target string `yaml:"target,omitempty"`

	// Feed, Policy, Focus and Viewer configure a feed view.
	Feed   string `yaml:"feed,omitempty"`
	Policy string `yaml:"policy,omitempty"`
	Focus  string `yaml:"focus,omitempty"`
	Viewer string `yaml:"viewer,omitempty"`
}

// FlowStep is one step of the flow. Exactly one action field is set.
type FlowStep struct {
	// Invoke is "<view>.<intent>".
	Invoke string `yaml:"invoke,omitempty"`

	// Args are the intent arguments.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect checks the intent outcome. If nil, any outcome is accepted.
	Expect *ExpectClause `yaml:"expect,omitempty"`

	// Deliver hands out every queued snapshot.
	Deliver bool `yaml:"deliver,omitempty"`

	// AdvanceMS moves the fake clock.
	AdvanceMS int `yaml:"advance_ms,omitempty"`

	// Store manipulates the store directly.
	Store *StoreStep `yaml:"store,omitempty"`

	// Sweep runs a reconciliation sweep.
	Sweep bool `yaml:"sweep,omitempty"`
}

// ExpectClause specifies the expected intent outcome.
type ExpectClause struct {
	// Case is "ok" or a sync error code such as "INVALID_TRANSITION".
	Case string `yaml:"case"`
}

// Store operations.
const (
	StoreWrite   = "write"
	StoreInject  = "inject"
	StoreHold    = "hold"
	StoreRelease = "release"
	StoreFail    = "fail"
	StoreHeal    = "heal"
)

// StoreStep is a direct store manipulation.
//
//   - write: another client writes value at path (omit value to delete)
//   - inject: a stale snapshot of value reaches watchers of path
//   - hold / release: defer and later deliver snapshots of path
//   - fail: writes to path fail until heal
//   - heal: clears every fault
type StoreStep struct {
	Op    string `yaml:"op"`
	Path  string `yaml:"path,omitempty"`
	Value any    `yaml:"value,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event of Kind (and Key) whose fields include Fields
	// - "trace_order": Events appear in order
	// - "trace_count": exactly Count events of Kind (and Key)
	// - "final_state": the store value at Path equals Value
	// - "view_state": View's state includes Expect
	Type string `yaml:"type"`

	Kind   string            `yaml:"kind,omitempty"`
	Key    string            `yaml:"key,omitempty"`
	Fields map[string]string `yaml:"fields,omitempty"`

	// Events are event lines as rendered by engine.Event.String.
	Events []string `yaml:"events,omitempty"`

	Count int `yaml:"count,omitempty"`

	Path  string `yaml:"path,omitempty"`
	Value any    `yaml:"value,omitempty"`

	View   string         `yaml:"view,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertViewState     = "view_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files directly in dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenarios directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Mount) == 0 {
		return fmt.Errorf("mount list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	views := make(map[string]bool, len(s.Mount))
	for i, m := range s.Mount {
		if err := validateMount(i, &m); err != nil {
			return err
		}
		if views[m.View] {
			return fmt.Errorf("mount[%d]: duplicate view %q", i, m.View)
		}
		views[m.View] = true
	}

	for i, step := range s.Flow {
		if err := validateFlowStep(i, &step, views); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, views); err != nil {
			return err
		}
	}
	return nil
}

func validateMount(index int, m *MountStep) error {
	if m.View == "" {
		return fmt.Errorf("mount[%d]: view is required", index)
	}
	var missing string
	switch m.Kind {
	case ViewVotes:
		switch {
		case m.Entity == "":
			missing = "entity"
		case m.User == "":
			missing = "user"
		}
	case ViewRelationship:
		switch {
		case m.Self == "":
			missing = "self"
		case m.Target == "":
			missing = "target"
		}
	case ViewSaved:
		if m.User == "" {
			missing = "user"
		}
	case ViewFeed:
		if m.Feed == "" {
			missing = "feed"
		}
	case "":
		return fmt.Errorf("mount[%d]: kind is required", index)
	default:
		return fmt.Errorf("mount[%d]: unknown view kind %q", index, m.Kind)
	}
	if missing != "" {
		return fmt.Errorf("mount[%d]: %s is required for %s", index, missing, m.Kind)
	}
	return nil
}

func validateFlowStep(index int, step *FlowStep, views map[string]bool) error {
	actions := 0
	for _, set := range []bool{step.Invoke != "", step.Deliver, step.AdvanceMS != 0, step.Store != nil, step.Sweep} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("flow[%d]: exactly one of invoke, deliver, advance_ms, store, sweep is required", index)
	}

	switch {
	case step.Invoke != "":
		view, intent, ok := strings.Cut(step.Invoke, ".")
		if !ok || view == "" || intent == "" {
			return fmt.Errorf("flow[%d]: invoke must be <view>.<intent>, got %q", index, step.Invoke)
		}
		if !views[view] {
			return fmt.Errorf("flow[%d]: unknown view %q", index, view)
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("flow[%d].expect: case is required", index)
		}
	case step.AdvanceMS < 0:
		return fmt.Errorf("flow[%d]: advance_ms must be positive", index)
	case step.Store != nil:
		switch step.Store.Op {
		case StoreWrite, StoreInject, StoreHold, StoreRelease, StoreFail:
			if step.Store.Path == "" {
				return fmt.Errorf("flow[%d].store: path is required for %s", index, step.Store.Op)
			}
		case StoreHeal:
		default:
			return fmt.Errorf("flow[%d].store: unknown op %q", index, step.Store.Op)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, views map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for final_state", index)
		}
	case AssertViewState:
		if !views[a.View] {
			return fmt.Errorf("assertions[%d]: unknown view %q", index, a.View)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for view_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
