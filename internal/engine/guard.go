package engine

import "time"

// GuardState is the in-flight window of one optimistic transition.
//
// While the guard is active, snapshots whose derived status differs from
// Intended are recorded but not displayed. A corroborating snapshot or the
// expiry timer ends the guard; after that every snapshot is trusted.
type GuardState struct {
	ExpiresAt time.Time
	Intended  RelationshipStatus
	// Direction is the intended pending direction, if any.
	Direction Direction
}

// Active reports whether the guard still filters snapshots at now.
func (g *GuardState) Active(now time.Time) bool {
	return g != nil && now.Before(g.ExpiresAt)
}

// Corroborates reports whether a snapshot deriving status confirms the
// intended transition.
func (g *GuardState) Corroborates(status RelationshipStatus) bool {
	return g != nil && status == g.Intended
}
