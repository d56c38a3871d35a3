// Package store provides the Observable Store: a key-path addressed tree
// that streams whole-subtree snapshots to subscribers and offers an atomic
// conditional update per path.
//
// The engine talks to a Client. A Client runs over a Backend:
//   - Memory: in-process map, deterministic delivery for tests
//   - SQLite: durable single-file store, change log tailed for notifications
//   - Redis: shared store, Lua compare-and-swap, pub/sub notifications
//   - remote.Client: a Backend served over websocket by remote.Server
//
// # Versions
//
// Every write is stamped with a sequence number from a logical clock.
// A path's version is the sequence of the latest write that could have
// changed its value: a write at the path, below it, or at an ancestor.
// CompareAndSwap succeeds only if the version is unchanged since Read, so
// writes to unrelated siblings never conflict.
//
// # Ordering
//
//   - Notifications for one path arrive in the order writes were applied
//   - Nothing is guaranteed across paths
//   - Backends may coalesce notifications, never reorder them
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - _txlock=immediate: Writers take the lock at BEGIN
//
// Leaves are stored as RFC 8785 canonical JSON (snapshot.MarshalCanonical).
package store
