// Package snapshot provides the value types that flow through the
// Observable Store: whole-subtree snapshots, key paths, and the typed
// records the engine decodes them into.
//
// This package imports nothing internal. Store backends, the websocket
// relay and the engine all build on it.
//
// Key design constraints:
//   - NO float types anywhere - scores, votes and timestamps are int64
//   - A nil Value means absence; there is no explicit null
//   - Empty objects are absence too, so deleting the last child of a
//     node deletes the node
//   - Loosely shaped snapshots are coerced into typed records
//     (VotableEntity, RelationshipEdge, MembershipRecord, FeedItem) at the
//     subscription boundary and never passed further as raw trees
package snapshot
