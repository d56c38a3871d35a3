// Package harness runs scripted scenarios against the sync engine.
//
// A scenario mounts views over an in-memory store, drives them with
// intents and store-side events, and checks the events the engine emitted
// and the final store and view state.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: guard_suppresses_echo
//	description: "A stale echo inside the guard window is ignored"
//	settings:
//	  guard_window_ms: 1500
//	initial:
//	  users/b/friendRequests/a: { timestamp: 1, status: pending }
//	mount:
//	  - view: rel
//	    kind: relationship
//	    self: a
//	    target: b
//	flow:
//	  - deliver: true
//	  - invoke: rel.send_request
//	    expect: { case: ok }
//	  - store: { op: inject, path: users/b/friendRequests/a }
//	  - advance_ms: 1500
//	assertions:
//	  - type: trace_count
//	    kind: relationship_changed
//	    count: 3
//	  - type: view_state
//	    view: rel
//	    expect: { status: pending, direction: outgoing }
//
// # Flow Steps
//
// Each step does exactly one thing:
//
//   - invoke: <view>.<intent> with args; expect.case is "ok" or an error code
//   - deliver: hands out every queued snapshot
//   - advance_ms: moves the fake clock, firing due guard timers
//   - store: write, inject, hold, release, fail or heal
//   - sweep: rolls interrupted multi-step operations forward
//
// # Assertion Types
//
//   - trace_contains: an event of kind (and key) with matching fields
//   - trace_order: event lines appear in this order, gaps allowed
//   - trace_count: exactly N events of kind (and key)
//   - final_state: the store value at path (absent when expect is omitted)
//   - view_state: subset match on a mounted view's state
//
// # Deterministic Testing
//
// Every run uses a fake clock starting at testutil.Epoch, sequential ids
// ("id-1", "id-2", ...), a seeded shuffle and synchronous delivery, so the
// trace of a scenario is identical across runs and can be compared with
// a golden file.
package harness
