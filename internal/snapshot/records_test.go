package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEntity(t *testing.T) {
	e, err := DecodeEntity("p1", Object{
		"score":     Int(1),
		"userVotes": Object{"u1": Int(1), "u2": Int(-1), "u3": Int(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", e.ID)
	assert.Equal(t, int64(1), e.Score)
	assert.Equal(t, int64(-1), e.Vote("u2"))
	assert.Equal(t, int64(0), e.Vote("nobody"))
	assert.Equal(t, int64(1), e.Sum())
}

func TestDecodeEntityAbsent(t *testing.T) {
	e, err := DecodeEntity("p1", nil)
	require.NoError(t, err)
	assert.Zero(t, e.Score)
	assert.Empty(t, e.UserVotes)
}

func TestDecodeEntityCoercesMissingScore(t *testing.T) {
	e, err := DecodeEntity("p1", Object{"userVotes": Object{"a": Int(1), "b": Int(1)}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Score)
}

func TestDecodeEntityDropsBadVotes(t *testing.T) {
	e, err := DecodeEntity("p1", Object{
		"score":     Int(1),
		"userVotes": Object{"a": Int(1), "b": Int(5), "c": String("up"), "d": Int(0)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, map[string]int64{"a": 1}, e.UserVotes)
	assert.Equal(t, int64(1), e.Score)
}

func TestDecodeEntityWrongShape(t *testing.T) {
	_, err := DecodeEntity("p1", String("nope"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEntityValueOmitsEmptyVotes(t *testing.T) {
	e := VotableEntity{ID: "p", Score: 0, UserVotes: map[string]int64{}}
	assert.Equal(t, Object{"score": Int(0)}, e.Value())
}

func TestDecodeEdge(t *testing.T) {
	edge, err := DecodeEdge(EdgeFriends, Bool(true))
	require.NoError(t, err)
	assert.True(t, edge.Present)

	edge, err = DecodeEdge(EdgeFriends, Bool(false))
	require.NoError(t, err)
	assert.False(t, edge.Present)

	edge, err = DecodeEdge(EdgeOutgoing, FriendRequest{Timestamp: 7}.Value())
	require.NoError(t, err)
	assert.True(t, edge.Present)
	assert.Equal(t, FriendRequest{Timestamp: 7, Status: "pending"}, edge.Request)

	edge, err = DecodeEdge(EdgeIncoming, nil)
	require.NoError(t, err)
	assert.False(t, edge.Present)
}

func TestDecodeEdgeMalformedRequestStillPresent(t *testing.T) {
	edge, err := DecodeEdge(EdgeIncoming, Bool(true))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.True(t, edge.Present)

	edge, err = DecodeEdge(EdgeIncoming, Object{"timestamp": String("yesterday")})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.True(t, edge.Present)
	assert.Equal(t, "pending", edge.Request.Status)
}

func TestDecodeMembershipAndDiff(t *testing.T) {
	before, err := DecodeMembership(Object{"a": Bool(true), "b": Bool(true), "z": Bool(false)})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": true}, before)

	after, err := DecodeMembership(Object{"b": Bool(true), "c": Bool(true)})
	require.NoError(t, err)

	assert.Equal(t, []MembershipRecord{
		{ItemID: "a", Present: false},
		{ItemID: "c", Present: true},
	}, DiffMembership(before, after))
}

func TestDecodeFeedNaturalOrder(t *testing.T) {
	items, err := DecodeFeed(Object{
		"c": FeedItem{AuthorID: "u", CreatedAt: 2}.Value(),
		"a": FeedItem{AuthorID: "u", CreatedAt: 3}.Value(),
		"b": FeedItem{AuthorID: "v", CreatedAt: 2}.Value(),
		"x": Int(1),
	})
	assert.ErrorIs(t, err, ErrMalformed)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{items[0].ID, items[1].ID, items[2].ID})
	assert.Equal(t, "v", items[0].AuthorID)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "entities/p1", EntityPath("p1"))
	assert.Equal(t, "users/a/friends/b", FriendEdgePath("a", "b"))
	assert.Equal(t, "users/b/friendRequests/a", FriendRequestPath("b", "a"))
	assert.Equal(t, "users/b/notifications/n1", NotificationPath("b", "n1"))
	assert.Equal(t, "users/u/savedItems/i", SavedItemPath("u", "i"))
	assert.Equal(t, "feeds/f/i", FeedItemPath("f", "i"))
}
