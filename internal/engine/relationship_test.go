package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/optisync/internal/snapshot"
)

const (
	self   = "a"
	target = "b"
)

var (
	friendsPath  = snapshot.FriendEdgePath(self, target)
	reverseEdge  = snapshot.FriendEdgePath(target, self)
	outgoingPath = snapshot.FriendRequestPath(target, self)
	incomingPath = snapshot.FriendRequestPath(self, target)
)

func mountRelationship(t *testing.T, f *fixture) *RelationshipView {
	t.Helper()
	v, err := f.eng.Relationship(self, target)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	f.deliver(t)
	require.True(t, v.Ready())
	return v
}

func assertStatus(t *testing.T, v *RelationshipView, status RelationshipStatus, dir Direction) {
	t.Helper()
	gotStatus, gotDir := v.Status()
	assert.Equal(t, status, gotStatus)
	assert.Equal(t, dir, gotDir)
}

func TestRelationship_NotReadyUntilAllStreamsDeliver(t *testing.T) {
	f := newFixture(t)
	v, err := f.eng.Relationship(self, target)
	require.NoError(t, err)
	defer v.Close()

	assert.False(t, v.Ready())
	err = v.SendRequest(context.Background())
	assert.True(t, IsNotReady(err))

	f.deliver(t)
	assert.True(t, v.Ready())
	assertStatus(t, v, StatusNone, DirectionNone)
}

func TestRelationship_SelfPairRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Relationship("a", "a")
	assert.True(t, IsInvalidArgument(err))
}

func TestRelationship_DerivesInitialStatus(t *testing.T) {
	tests := []struct {
		name   string
		setup  map[string]snapshot.Value
		status RelationshipStatus
		dir    Direction
	}{
		{"none", nil, StatusNone, DirectionNone},
		{"outgoing", map[string]snapshot.Value{outgoingPath: pending(1)}, StatusPending, DirectionOutgoing},
		{"incoming", map[string]snapshot.Value{incomingPath: pending(1)}, StatusPending, DirectionIncoming},
		{"friends", map[string]snapshot.Value{friendsPath: snapshot.Bool(true)}, StatusFriends, DirectionNone},
		{"explicit false edge", map[string]snapshot.Value{friendsPath: snapshot.Bool(false)}, StatusNone, DirectionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for p, val := range tt.setup {
				f.set(t, p, val)
			}
			v := mountRelationship(t, f)
			assertStatus(t, v, tt.status, tt.dir)
		})
	}
}

func TestRelationship_SendRequestWritesRequestAndNotification(t *testing.T) {
	f := newFixture(t)
	v := mountRelationship(t, f)

	require.NoError(t, v.SendRequest(context.Background()))
	assertStatus(t, v, StatusPending, DirectionOutgoing)

	now := f.clock.Now().UnixMilli()
	assert.Equal(t, pending(now), f.get(t, outgoingPath))
	assert.Equal(t, snapshot.Object{
		"type":      snapshot.String("friend_request"),
		"from":      snapshot.String(self),
		"timestamp": snapshot.Int(now),
	}, f.get(t, snapshot.NotificationPath(target, "id-1")))

	require.NotNil(t, v.Guard())
	assert.Equal(t, StatusPending, v.Guard().Intended)

	f.deliver(t)
	assert.Nil(t, v.Guard(), "own write corroborates and closes the guard")
	assertStatus(t, v, StatusPending, DirectionOutgoing)
}

func TestRelationship_SendRequestRejectedUnlessNone(t *testing.T) {
	f := newFixture(t)
	f.set(t, friendsPath, snapshot.Bool(true))
	v := mountRelationship(t, f)

	err := v.SendRequest(context.Background())
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
	assert.Nil(t, f.get(t, outgoingPath))
}

func TestRelationship_GuardSuppressesStaleEcho(t *testing.T) {
	f := newFixture(t)
	v := mountRelationship(t, f)
	ctx := context.Background()

	f.mem.Hold(outgoingPath)
	require.NoError(t, v.SendRequest(ctx))

	// Stale echo: the request is still absent in this snapshot.
	f.mem.Inject(outgoingPath, nil)
	f.deliver(t)
	assertStatus(t, v, StatusPending, DirectionOutgoing)
	require.NotNil(t, v.Guard(), "contradicting snapshot keeps the guard")

	// Corroborating snapshot closes the guard early.
	f.mem.Release(outgoingPath)
	f.deliver(t)
	assert.Nil(t, v.Guard())
	assertStatus(t, v, StatusPending, DirectionOutgoing)
	assert.Equal(t, 0, f.clock.Pending(), "guard timer stopped")

	// From here every snapshot is trusted: the target rejects.
	f.set(t, outgoingPath, nil)
	f.deliver(t)
	assertStatus(t, v, StatusNone, DirectionNone)

	statuses := f.rec.Kind(EventRelationshipChanged)
	require.Len(t, statuses, 3, "none, optimistic pending, none; no flicker")
	assert.Equal(t, "none", statuses[0].Fields["status"])
	assert.Equal(t, "pending", statuses[1].Fields["status"])
	assert.Equal(t, "outgoing", statuses[1].Fields["direction"])
	assert.Equal(t, "none", statuses[2].Fields["status"])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Guard.WithLabelValues("suppressed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Guard.WithLabelValues("corroborated")))
}

func TestRelationship_GuardTimeoutAppliesSuppressedChange(t *testing.T) {
	f := newFixture(t)
	v := mountRelationship(t, f)

	// The write is never echoed and the target's rejection is suppressed.
	f.mem.Hold(outgoingPath)
	require.NoError(t, v.SendRequest(context.Background()))
	f.mem.Inject(outgoingPath, nil)
	f.deliver(t)
	assertStatus(t, v, StatusPending, DirectionOutgoing)

	fired := f.clock.Advance(f.eng.Settings().GuardWindow)
	assert.Equal(t, 1, fired)
	assert.Nil(t, v.Guard())
	assertStatus(t, v, StatusNone, DirectionNone)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Guard.WithLabelValues("expired")))
}

func TestRelationship_SnapshotAfterExpiryIsTrusted(t *testing.T) {
	f := newFixture(t)
	v := mountRelationship(t, f)

	f.mem.Hold(outgoingPath)
	require.NoError(t, v.SendRequest(context.Background()))
	f.clock.Advance(f.eng.Settings().GuardWindow)
	// Expiry applied the recorded edges, which never saw the request.
	assertStatus(t, v, StatusNone, DirectionNone)

	f.mem.Release(outgoingPath)
	f.deliver(t)
	assertStatus(t, v, StatusPending, DirectionOutgoing)
}

func TestRelationship_FriendsNeverRegressesToPending(t *testing.T) {
	f := newFixture(t)
	f.set(t, friendsPath, snapshot.Bool(true))
	v := mountRelationship(t, f)
	assertStatus(t, v, StatusFriends, DirectionNone)

	// Stale streams: a request shows up, then the friends edge is
	// momentarily absent.
	f.mem.Inject(incomingPath, pending(1))
	f.mem.Inject(friendsPath, nil)
	f.deliver(t)
	assertStatus(t, v, StatusFriends, DirectionNone)

	// Removal of every edge returns to none.
	f.mem.Inject(incomingPath, nil)
	f.deliver(t)
	assertStatus(t, v, StatusNone, DirectionNone)
}

func TestRelationship_RequestAfterUnfriendOvertakingFriendsEdge(t *testing.T) {
	f := newFixture(t)
	f.set(t, friendsPath, snapshot.Bool(true))
	f.set(t, reverseEdge, snapshot.Bool(true))
	v := mountRelationship(t, f)
	assertStatus(t, v, StatusFriends, DirectionNone)

	// b unfriends a and asks again; a's friends stream lags behind.
	f.mem.Hold(friendsPath)
	f.set(t, friendsPath, nil)
	f.set(t, reverseEdge, nil)
	f.set(t, incomingPath, pending(5))
	f.deliver(t)

	assert.Equal(t, pending(5), f.get(t, incomingPath), "live request is not healed away")
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.SelfHeals))
	assertStatus(t, v, StatusFriends, DirectionNone)

	// The removal arrives: both edges are gone, so friends no longer pins.
	f.mem.Release(friendsPath)
	f.deliver(t)
	assertStatus(t, v, StatusPending, DirectionIncoming)

	require.NoError(t, v.AcceptRequest(context.Background()))
	assertStatus(t, v, StatusFriends, DirectionNone)
	assert.Nil(t, f.get(t, incomingPath))
}

func TestRelationship_PartialUnfriendKeepsFriends(t *testing.T) {
	f := newFixture(t)
	f.set(t, friendsPath, snapshot.Bool(true))
	f.set(t, reverseEdge, snapshot.Bool(true))
	v := mountRelationship(t, f)

	// Only one delete of an unfriend has landed; a stale request shows up.
	f.mem.Inject(incomingPath, pending(1))
	f.set(t, friendsPath, nil)
	f.deliver(t)
	assertStatus(t, v, StatusFriends, DirectionNone)

	// The second delete lands and b asks again.
	f.set(t, reverseEdge, nil)
	f.set(t, incomingPath, pending(7))
	f.deliver(t)
	assertStatus(t, v, StatusPending, DirectionIncoming)
	assert.Equal(t, pending(7), f.get(t, incomingPath))
}

func TestRelationship_CancelRequest(t *testing.T) {
	f := newFixture(t)
	f.set(t, outgoingPath, pending(1))
	v := mountRelationship(t, f)

	require.NoError(t, v.CancelRequest(context.Background()))
	assertStatus(t, v, StatusNone, DirectionNone)
	assert.Nil(t, f.get(t, outgoingPath))

	f.deliver(t)
	assert.Nil(t, v.Guard())
	assertStatus(t, v, StatusNone, DirectionNone)
}

func TestRelationship_AcceptRequest(t *testing.T) {
	f := newFixture(t)
	f.set(t, incomingPath, pending(1))
	v := mountRelationship(t, f)
	assertStatus(t, v, StatusPending, DirectionIncoming)

	require.NoError(t, v.AcceptRequest(context.Background()))
	assertStatus(t, v, StatusFriends, DirectionNone)

	assert.Equal(t, snapshot.Bool(true), f.get(t, friendsPath))
	assert.Equal(t, snapshot.Bool(true), f.get(t, reverseEdge))
	assert.Nil(t, f.get(t, incomingPath))

	open, err := f.journal.Open(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	f.deliver(t)
	assert.Nil(t, v.Guard())
	assertStatus(t, v, StatusFriends, DirectionNone)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.SelfHeals), "nothing orphaned")
}

func TestRelationship_RejectRequest(t *testing.T) {
	f := newFixture(t)
	f.set(t, incomingPath, pending(1))
	v := mountRelationship(t, f)

	require.NoError(t, v.RejectRequest(context.Background()))
	assertStatus(t, v, StatusNone, DirectionNone)
	assert.Nil(t, f.get(t, incomingPath))
}

func TestRelationship_RemoveFriend(t *testing.T) {
	f := newFixture(t)
	f.set(t, friendsPath, snapshot.Bool(true))
	f.set(t, reverseEdge, snapshot.Bool(true))
	v := mountRelationship(t, f)

	require.NoError(t, v.RemoveFriend(context.Background()))
	assertStatus(t, v, StatusNone, DirectionNone)
	assert.Nil(t, f.get(t, friendsPath))
	assert.Nil(t, f.get(t, reverseEdge))

	f.deliver(t)
	assertStatus(t, v, StatusNone, DirectionNone)
}

func TestRelationship_NoDirectTransitionFromNoneToFriends(t *testing.T) {
	f := newFixture(t)
	v := mountRelationship(t, f)

	err := v.AcceptRequest(context.Background())
	assert.True(t, IsInvalidTransition(err))
	assert.Nil(t, f.get(t, friendsPath))
}

func TestRelationship_WriteFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	v := mountRelationship(t, f)
	f.backend.FailPath(outgoingPath, errNetwork)

	err := v.SendRequest(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, errNetwork)

	assertStatus(t, v, StatusNone, DirectionNone)
	assert.Nil(t, v.Guard())
	assert.Equal(t, 0, f.clock.Pending())

	ev, ok := f.rec.Last(EventTransientError)
	require.True(t, ok)
	assert.Equal(t, "send_request", ev.Key)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Guard.WithLabelValues("rolled_back")))
}

func TestRelationship_NotificationFailureKeepsRequest(t *testing.T) {
	f := newFixture(t)
	v := mountRelationship(t, f)
	f.backend.FailPath(snapshot.NotificationPath(target, "id-1"), errNetwork)

	require.NoError(t, v.SendRequest(context.Background()))
	assertStatus(t, v, StatusPending, DirectionOutgoing)
	assert.NotNil(t, f.get(t, outgoingPath))
}

func TestRelationship_SelfHealsOrphanedRequest(t *testing.T) {
	f := newFixture(t)
	// A previous accept wrote the edges but never deleted the request.
	f.set(t, friendsPath, snapshot.Bool(true))
	f.set(t, reverseEdge, snapshot.Bool(true))
	f.set(t, incomingPath, pending(1))

	v := mountRelationship(t, f)
	assertStatus(t, v, StatusFriends, DirectionNone)
	assert.Nil(t, f.get(t, incomingPath), "orphaned request deleted on observation")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SelfHeals))

	f.deliver(t)
	assertStatus(t, v, StatusFriends, DirectionNone)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SelfHeals))
}

func TestRelationship_CloseReleasesTimerAndSubscriptions(t *testing.T) {
	f := newFixture(t)
	v := mountRelationship(t, f)

	f.mem.Hold(outgoingPath)
	require.NoError(t, v.SendRequest(context.Background()))
	require.Equal(t, 1, f.clock.Pending())
	before := len(f.rec.Events())

	v.Close()
	assert.Equal(t, 0, f.clock.Pending())

	f.mem.Release(outgoingPath)
	f.set(t, friendsPath, snapshot.Bool(true))
	f.deliver(t)
	f.clock.Advance(f.eng.Settings().GuardWindow)
	assert.Len(t, f.rec.Events(), before, "no events after close")

	err := v.CancelRequest(context.Background())
	assert.True(t, IsInvalidTransition(err))
}

func TestRelationship_GuardsAreIndependentPerPairAndInstance(t *testing.T) {
	f := newFixture(t)
	ab := mountRelationship(t, f)
	ac, err := f.eng.Relationship(self, "c")
	require.NoError(t, err)
	defer ac.Close()
	other, err := f.eng.Relationship(self, target)
	require.NoError(t, err)
	defer other.Close()
	f.deliver(t)

	f.mem.Hold(outgoingPath)
	require.NoError(t, ab.SendRequest(context.Background()))

	assert.NotNil(t, ab.Guard())
	assert.Nil(t, ac.Guard())
	assert.Nil(t, other.Guard(), "a second view of the same pair has its own guard")

	// The other instance trusts the stale echo.
	f.mem.Inject(outgoingPath, nil)
	f.deliver(t)
	assertStatus(t, other, StatusNone, DirectionNone)
	assertStatus(t, ab, StatusPending, DirectionOutgoing)
}
