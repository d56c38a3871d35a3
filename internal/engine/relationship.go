package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
)

// RelationshipStatus is the UI-facing state of a relationship pair.
type RelationshipStatus string

const (
	StatusNone    RelationshipStatus = "none"
	StatusPending RelationshipStatus = "pending"
	StatusFriends RelationshipStatus = "friends"
)

// Direction qualifies StatusPending.
type Direction string

const (
	DirectionNone Direction = ""
	// DirectionOutgoing means self asked target.
	DirectionOutgoing Direction = "outgoing"
	// DirectionIncoming means target asked self.
	DirectionIncoming Direction = "incoming"
)

// Operation kinds journaled by relationship intents.
const (
	OpKindAcceptRequest = "accept_request"
	OpKindRemoveFriend  = "remove_friend"
)

// PairKey identifies the (self, target) pair in events and journal entries.
func PairKey(self, target string) string {
	return self + "|" + target
}

// relationshipEdges is the latest decoded state of the three streams.
type relationshipEdges struct {
	friends  snapshot.RelationshipEdge
	outgoing snapshot.RelationshipEdge
	incoming snapshot.RelationshipEdge
	seen     [3]bool
}

func (r *relationshipEdges) set(edge snapshot.RelationshipEdge) {
	switch edge.Kind {
	case snapshot.EdgeFriends:
		r.friends = edge
	case snapshot.EdgeOutgoing:
		r.outgoing = edge
	case snapshot.EdgeIncoming:
		r.incoming = edge
	default:
		return
	}
	r.seen[edge.Kind] = true
}

func (r *relationshipEdges) complete() bool {
	return r.seen[snapshot.EdgeFriends] && r.seen[snapshot.EdgeOutgoing] && r.seen[snapshot.EdgeIncoming]
}

// derive computes the status: friends edge first, then any request. An
// incoming request wins over an outgoing one so the view can offer accept.
func (r *relationshipEdges) derive() (RelationshipStatus, Direction) {
	switch {
	case r.friends.Present:
		return StatusFriends, DirectionNone
	case r.incoming.Present:
		return StatusPending, DirectionIncoming
	case r.outgoing.Present:
		return StatusPending, DirectionOutgoing
	default:
		return StatusNone, DirectionNone
	}
}

// RelationshipView is the relationship state machine for one
// (self, target) pair.
//
// It subscribes to three streams:
//   - users/{self}/friends/{target}
//   - users/{target}/friendRequests/{self} (outgoing request)
//   - users/{self}/friendRequests/{target} (incoming request)
//
// Nothing is displayed until all three have delivered once. Each view owns
// its guard; pairs and view instances never share one.
type RelationshipView struct {
	e      *Engine
	self   string
	target string
	key    string

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*store.Subscription

	latest relationshipEdges
	ready  bool

	// displayed is what the UI shows; confirmed is the last status applied
	// from authoritative snapshots.
	displayed    RelationshipStatus
	displayedDir Direction
	shown        bool
	confirmed    RelationshipStatus
	confirmedDir Direction

	guard      *GuardState
	timer      loop.Timer
	generation uint64

	healed bool
	closed bool
}

// Relationship mounts a view of the relationship between self and target.
func (e *Engine) Relationship(self, target string) (*RelationshipView, error) {
	key := PairKey(self, target)
	if self == target {
		return nil, invalidArgument("relationship", key, errors.New("self and target must differ"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	v := &RelationshipView{
		e:         e,
		self:      self,
		target:    target,
		key:       key,
		ctx:       ctx,
		cancel:    cancel,
		displayed: StatusNone,
		confirmed: StatusNone,
	}

	streams := []struct {
		kind snapshot.EdgeKind
		path string
	}{
		{snapshot.EdgeFriends, snapshot.FriendEdgePath(self, target)},
		{snapshot.EdgeOutgoing, snapshot.FriendRequestPath(target, self)},
		{snapshot.EdgeIncoming, snapshot.FriendRequestPath(self, target)},
	}
	for _, s := range streams {
		kind := s.kind
		sub, err := e.client.Subscribe(s.path, func(val snapshot.Value) {
			e.post(func() { v.observe(kind, val) })
		})
		if err != nil {
			v.Close()
			return nil, subscribeError("relationship", key, err)
		}
		v.subs = append(v.subs, sub)
	}
	return v, nil
}

// Key returns the pair key.
func (v *RelationshipView) Key() string { return v.key }

// Status returns the displayed status and direction.
func (v *RelationshipView) Status() (RelationshipStatus, Direction) {
	return v.displayed, v.displayedDir
}

// Ready reports whether all three streams have delivered.
func (v *RelationshipView) Ready() bool { return v.ready }

// Guard returns a copy of the active guard, or nil.
func (v *RelationshipView) Guard() *GuardState {
	if v.guard == nil {
		return nil
	}
	g := *v.guard
	return &g
}

func (v *RelationshipView) observe(kind snapshot.EdgeKind, val snapshot.Value) {
	if v.closed {
		return
	}
	edge, err := snapshot.DecodeEdge(kind, val)
	v.e.metrics.snapshot(kind.String(), err != nil)
	if err != nil {
		slog.Warn("malformed relationship snapshot", "pair", v.key, "stream", kind, "error", err)
	}
	v.latest.set(edge)

	if !v.ready {
		if !v.latest.complete() {
			return
		}
		v.ready = true
	}

	status, dir := v.latest.derive()
	if v.guard != nil {
		switch {
		case v.guard.Corroborates(status):
			v.e.metrics.guard("corroborated")
			slog.Debug("guard corroborated", "pair", v.key, "status", status)
			v.clearGuard()
		case v.guard.Active(v.e.clock.Now()):
			v.e.metrics.guard("suppressed")
			slog.Debug("guard suppressed snapshot", "pair", v.key, "stream", kind, "derived", status, "intended", v.guard.Intended)
			return
		default:
			v.e.metrics.guard("expired")
			v.clearGuard()
		}
	}
	v.apply(status, dir)
	v.heal()
}

// apply displays an authoritative status. Once friends has been confirmed
// a derived pending does not regress it unless the store shows both
// friends edges gone, which only an explicit unfriend does.
func (v *RelationshipView) apply(status RelationshipStatus, dir Direction) {
	if v.confirmed == StatusFriends && status == StatusPending && !v.unfriended() {
		status, dir = StatusFriends, DirectionNone
	}
	v.confirmed, v.confirmedDir = status, dir
	v.display(status, dir)
}

// unfriended reports whether neither friends edge of the pair is stored.
// A failed read counts as still friends; the next snapshot asks again.
func (v *RelationshipView) unfriended() bool {
	for _, path := range []string{
		snapshot.FriendEdgePath(v.self, v.target),
		snapshot.FriendEdgePath(v.target, v.self),
	} {
		present, err := v.storedEdge(path)
		if err != nil {
			slog.Warn("friends edge read failed", "pair", v.key, "path", path, "error", err)
			return false
		}
		if present {
			return false
		}
	}
	return true
}

// storedEdge reads a friends edge from the store rather than the streams,
// which are not ordered against each other.
func (v *RelationshipView) storedEdge(path string) (bool, error) {
	cur, err := v.e.client.Get(v.ctx, path)
	if err != nil {
		return false, err
	}
	edge, err := snapshot.DecodeEdge(snapshot.EdgeFriends, cur)
	if err != nil {
		return false, err
	}
	return edge.Present, nil
}

func (v *RelationshipView) display(status RelationshipStatus, dir Direction) {
	if v.shown && status == v.displayed && dir == v.displayedDir {
		return
	}
	v.shown = true
	v.displayed, v.displayedDir = status, dir
	v.e.sink.OnRelationshipStatusChanged(v.key, status, dir)
}

// begin shows the optimistic status and arms the guard.
func (v *RelationshipView) begin(intended RelationshipStatus, dir Direction) {
	v.clearGuard()
	window := v.e.settings.GuardWindow
	v.guard = &GuardState{ExpiresAt: v.e.clock.Now().Add(window), Intended: intended, Direction: dir}
	v.generation++
	gen := v.generation
	v.timer = v.e.clock.AfterFunc(window, func() {
		v.e.post(func() { v.expire(gen) })
	})
	v.display(intended, dir)
}

// expire applies the latest recorded edges unconditionally.
func (v *RelationshipView) expire(gen uint64) {
	if v.closed || v.guard == nil || gen != v.generation {
		return
	}
	v.e.metrics.guard("expired")
	slog.Debug("guard expired", "pair", v.key, "intended", v.guard.Intended)
	v.clearGuard()
	v.apply(v.latest.derive())
	v.heal()
}

func (v *RelationshipView) clearGuard() {
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	v.guard = nil
}

// fail drops the optimistic status, shows the latest authoritative one and
// reports err.
func (v *RelationshipView) fail(op string, err error) error {
	if v.guard != nil {
		v.e.metrics.guard("rolled_back")
		v.clearGuard()
	}
	if !v.closed {
		v.apply(v.latest.derive())
	}

	var serr *SyncError
	if !errors.As(err, &serr) {
		serr = transientError(op, v.key, err)
	}
	slog.Warn("relationship write failed", "pair", v.key, "op", op, "error", err)
	v.e.sink.OnTransientError(op, serr)
	return serr
}

// check rejects intents on closed or not yet ready views, and intents
// whose required displayed state does not hold.
func (v *RelationshipView) check(op string, status RelationshipStatus, dir Direction) error {
	if v.closed {
		return invalidTransition(op, v.key, "%w", errViewClosed)
	}
	if !v.ready {
		return notReady(op, v.key)
	}
	if v.displayed != status || v.displayedDir != dir {
		return invalidTransition(op, v.key, "displayed %s, need %s", describe(v.displayed, v.displayedDir), describe(status, dir))
	}
	return nil
}

func describe(status RelationshipStatus, dir Direction) string {
	if dir == DirectionNone {
		return string(status)
	}
	return fmt.Sprintf("%s/%s", status, dir)
}

// SendRequest asks target to become friends: none -> pending/outgoing.
func (v *RelationshipView) SendRequest(ctx context.Context) (err error) {
	ctx, span := startIntent(ctx, "SendRequest", v.key)
	defer func() {
		v.e.metrics.intent("send_request", err)
		endIntent(span, err)
	}()
	if err := v.check("send_request", StatusNone, DirectionNone); err != nil {
		return err
	}

	v.begin(StatusPending, DirectionOutgoing)
	now := v.e.clock.Now().UnixMilli()
	req := snapshot.FriendRequest{Timestamp: now, Status: snapshot.RequestStatusPending}
	if err := v.e.client.Set(ctx, snapshot.FriendRequestPath(v.target, v.self), req.Value()); err != nil {
		return v.fail("send_request", err)
	}

	// The request is the relationship state; a lost notification does not
	// undo it.
	notif := snapshot.Notification{
		ID:        v.e.ids.Generate(),
		Type:      snapshot.NotificationTypeFriendRequest,
		From:      v.self,
		Timestamp: now,
	}
	if err := v.e.client.Set(ctx, snapshot.NotificationPath(v.target, notif.ID), notif.Value()); err != nil {
		slog.Warn("friend request notification not written", "pair", v.key, "error", err)
	}
	return nil
}

// CancelRequest withdraws an outgoing request: pending/outgoing -> none.
func (v *RelationshipView) CancelRequest(ctx context.Context) (err error) {
	ctx, span := startIntent(ctx, "CancelRequest", v.key)
	defer func() {
		v.e.metrics.intent("cancel_request", err)
		endIntent(span, err)
	}()
	if err := v.check("cancel_request", StatusPending, DirectionOutgoing); err != nil {
		return err
	}

	v.begin(StatusNone, DirectionNone)
	if err := v.e.client.Delete(ctx, snapshot.FriendRequestPath(v.target, v.self)); err != nil {
		return v.fail("cancel_request", err)
	}
	return nil
}

// AcceptRequest accepts an incoming request: pending/incoming -> friends.
// The three writes run as a journaled MultiStepOperation.
func (v *RelationshipView) AcceptRequest(ctx context.Context) (err error) {
	ctx, span := startIntent(ctx, "AcceptRequest", v.key)
	defer func() {
		v.e.metrics.intent("accept_request", err)
		endIntent(span, err)
	}()
	if err := v.check("accept_request", StatusPending, DirectionIncoming); err != nil {
		return err
	}

	v.begin(StatusFriends, DirectionNone)
	op := AcceptRequestOperation(v.self, v.target)
	if err := v.e.runner.Run(ctx, op); err != nil {
		return v.fail("accept_request", err)
	}
	return nil
}

// RejectRequest declines an incoming request: pending/incoming -> none.
func (v *RelationshipView) RejectRequest(ctx context.Context) (err error) {
	ctx, span := startIntent(ctx, "RejectRequest", v.key)
	defer func() {
		v.e.metrics.intent("reject_request", err)
		endIntent(span, err)
	}()
	if err := v.check("reject_request", StatusPending, DirectionIncoming); err != nil {
		return err
	}

	v.begin(StatusNone, DirectionNone)
	if err := v.e.client.Delete(ctx, snapshot.FriendRequestPath(v.self, v.target)); err != nil {
		return v.fail("reject_request", err)
	}
	return nil
}

// RemoveFriend deletes both friends edges: friends -> none.
func (v *RelationshipView) RemoveFriend(ctx context.Context) (err error) {
	ctx, span := startIntent(ctx, "RemoveFriend", v.key)
	defer func() {
		v.e.metrics.intent("remove_friend", err)
		endIntent(span, err)
	}()
	if err := v.check("remove_friend", StatusFriends, DirectionNone); err != nil {
		return err
	}

	v.begin(StatusNone, DirectionNone)
	op := RemoveFriendOperation(v.self, v.target)
	if err := v.e.runner.Run(ctx, op); err != nil {
		return v.fail("remove_friend", err)
	}
	return nil
}

// heal deletes request records left behind next to an observed friends
// edge that the store still holds, once per observation.
func (v *RelationshipView) heal() {
	var orphans []string
	if v.latest.friends.Present {
		if v.latest.incoming.Present {
			orphans = append(orphans, snapshot.FriendRequestPath(v.self, v.target))
		}
		if v.latest.outgoing.Present {
			orphans = append(orphans, snapshot.FriendRequestPath(v.target, v.self))
		}
	}
	if len(orphans) == 0 {
		v.healed = false
		return
	}
	if v.healed || v.e.runner.InFlight(v.key) {
		return
	}

	// A request snapshot can overtake the removal of the friends edge. A
	// request next to a friends edge that is no longer stored is live.
	present, err := v.storedEdge(snapshot.FriendEdgePath(v.self, v.target))
	if err != nil {
		slog.Warn("self-heal read failed", "pair", v.key, "error", err)
		return
	}
	if !present {
		slog.Debug("friends edge gone, keeping request", "pair", v.key)
		return
	}
	v.healed = true

	for _, path := range orphans {
		cur, err := v.e.client.Get(v.ctx, path)
		if err != nil {
			slog.Warn("self-heal read failed", "pair", v.key, "path", path, "error", err)
			continue
		}
		if cur == nil {
			continue
		}
		if err := v.e.client.Delete(v.ctx, path); err != nil {
			slog.Warn("self-heal delete failed", "pair", v.key, "path", path, "error", err)
			continue
		}
		v.e.metrics.selfHeal()
		slog.Info("deleted orphaned friend request", "pair", v.key, "path", path)
	}
}

// Close stops the guard timer and releases all three subscriptions.
// Callbacks arriving afterwards are ignored.
func (v *RelationshipView) Close() {
	v.closed = true
	v.clearGuard()
	v.cancel()
	for _, sub := range v.subs {
		sub.Unsubscribe()
	}
}
