package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
)

// Vote directions.
const (
	VoteUp   int64 = 1
	VoteDown int64 = -1
)

// Counter casts votes on votable entities.
//
// There is no optimistic pre-update: the atomic update reads the latest
// value at apply time and any VoteView on the entity picks up the result
// from the store's own notification.
type Counter struct {
	e *Engine
}

// Counter returns the vote transactor.
func (e *Engine) Counter() *Counter {
	return &Counter{e: e}
}

// CastVote applies direction (+1 or -1) for userID to entityID. Casting the
// direction the user already holds retracts the vote. Returns the entity as
// written.
func (c *Counter) CastVote(ctx context.Context, entityID, userID string, direction int64) (ent snapshot.VotableEntity, err error) {
	ctx, span := startIntent(ctx, "CastVote", entityID)
	defer func() {
		c.e.metrics.intent("cast_vote", err)
		endIntent(span, err)
	}()

	if direction != VoteUp && direction != VoteDown {
		return ent, invalidArgument("cast_vote", entityID, fmt.Errorf("direction must be +1 or -1, got %d", direction))
	}
	path := snapshot.EntityPath(entityID)
	if err := snapshot.ValidatePath(snapshot.JoinPath(path, "userVotes", userID)); err != nil {
		return ent, invalidArgument("cast_vote", entityID, err)
	}

	written, err := c.e.client.AtomicUpdate(ctx, path, func(cur snapshot.Value) (snapshot.Value, error) {
		entity, decodeErr := snapshot.DecodeEntity(entityID, cur)
		if decodeErr != nil {
			slog.Warn("coercing malformed entity", "entity", entityID, "error", decodeErr)
		}
		applyVote(&entity, userID, direction)
		return entity.Value(), nil
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidPath) {
			return ent, invalidArgument("cast_vote", entityID, err)
		}
		serr := transientError("cast_vote", entityID, err)
		c.e.post(func() { c.e.sink.OnTransientError("cast_vote", serr) })
		return ent, serr
	}

	ent, _ = snapshot.DecodeEntity(entityID, written)
	slog.Debug("vote cast", "entity", entityID, "user", userID, "direction", direction, "score", ent.Score)
	return ent, nil
}

// applyVote is the read-modify-write body of CastVote.
func applyVote(e *snapshot.VotableEntity, userID string, direction int64) {
	prev := e.Vote(userID)
	if prev == direction {
		e.Score -= direction
		delete(e.UserVotes, userID)
		return
	}
	e.Score += direction - prev
	e.UserVotes[userID] = direction
}

// VoteView tracks the authoritative score of one entity and the viewing
// user's own vote.
type VoteView struct {
	e        *Engine
	entityID string
	userID   string
	sub      *store.Subscription

	has    bool
	score  int64
	myVote int64
	closed bool
}

// WatchVotes subscribes to entityID on behalf of userID. The sink receives
// OnScoreChanged whenever the (score, own vote) pair changes.
func (e *Engine) WatchVotes(entityID, userID string) (*VoteView, error) {
	v := &VoteView{e: e, entityID: entityID, userID: userID}
	sub, err := e.client.Subscribe(snapshot.EntityPath(entityID), func(val snapshot.Value) {
		e.post(func() { v.observe(val) })
	})
	if err != nil {
		return nil, subscribeError("watch_votes", entityID, err)
	}
	v.sub = sub
	return v, nil
}

func (v *VoteView) observe(val snapshot.Value) {
	if v.closed {
		return
	}
	ent, err := snapshot.DecodeEntity(v.entityID, val)
	v.e.metrics.snapshot("entity", err != nil)
	if err != nil {
		slog.Warn("malformed entity snapshot", "entity", v.entityID, "error", err)
	}
	score, mine := ent.Score, ent.Vote(v.userID)
	if v.has && score == v.score && mine == v.myVote {
		return
	}
	v.has, v.score, v.myVote = true, score, mine
	v.e.sink.OnScoreChanged(v.entityID, score, mine)
}

// Score returns the last authoritative score.
func (v *VoteView) Score() int64 { return v.score }

// MyVote returns the viewing user's last authoritative vote (0 if none).
func (v *VoteView) MyVote() int64 { return v.myVote }

// Ready reports whether a snapshot has arrived.
func (v *VoteView) Ready() bool { return v.has }

// Close releases the subscription. Later callbacks are ignored.
func (v *VoteView) Close() {
	v.closed = true
	if v.sub != nil {
		v.sub.Unsubscribe()
	}
}

// subscribeError classifies a failed Subscribe.
func subscribeError(op, key string, err error) error {
	if errors.Is(err, store.ErrInvalidPath) {
		return invalidArgument(op, key, err)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}
