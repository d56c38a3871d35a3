// Package engine implements the optisync client-side reconciliation engine.
//
// The engine lets a client change shared social state (votes, friend
// relationships, saved items) immediately while a multi-writer store stays
// the arbiter of truth, and re-renders as other clients' changes stream in.
//
// ARCHITECTURE:
//
// Single-Writer Dispatcher:
// Every view's state is confined to one loop.Dispatcher. Store callbacks
// never touch view state directly; they post a task. Intents (CastVote,
// SendRequest, Toggle, RequestMore, ...) must be called on the dispatcher
// goroutine as well. By default the engine owns a loop.Loop and Engine.Run
// drives it; tests opt into loop.Inline with a store whose notifications
// are pumped synchronously.
//
// Components:
//   - Counter: conflict-safe vote casting through store.Client.AtomicUpdate.
//   - VoteView: authoritative score and own vote for one entity.
//   - RelationshipView: friend relationship status for one (self, target)
//     pair, merged from three independent streams, with a time-bounded
//     reconciliation guard against stale echoes of the view's own writes.
//   - SavedView: saved-item membership bound directly to the store.
//   - FeedView / FeedWindow: incremental reveal of a frozen feed ordering
//     and single active item tracking.
//   - OperationRunner / Reconciler: journaled multi-step writes and the
//     roll-forward sweep for interrupted ones.
//
// UI-facing output goes through a Sink. Wall time comes from an injected
// loop.Clock so guard windows are testable without sleeping.
package engine
