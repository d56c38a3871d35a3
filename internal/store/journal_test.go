package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/optisync/internal/snapshot"
)

func acceptSteps() []JournalStep {
	return []JournalStep{
		{Name: "friend_edge_self", Path: "users/a/friends/b", Value: snapshot.Bool(true)},
		{Name: "friend_edge_target", Path: "users/b/friends/a", Value: snapshot.Bool(true)},
		{Name: "delete_request", Path: "users/a/friendRequests/b"},
	}
}

func runJournalSuite(t *testing.T, open func(t *testing.T) Journal) {
	ctx := context.Background()

	t.Run("lifecycle", func(t *testing.T) {
		j := open(t)
		require.NoError(t, j.Begin(ctx, OperationRecord{ID: "op1", Kind: "accept_request", Key: "a|b", Steps: acceptSteps()}))

		open1, err := j.Open(ctx)
		require.NoError(t, err)
		require.Len(t, open1, 1)
		assert.Equal(t, OperationOpen, open1[0].Status)
		assert.Equal(t, 0, open1[0].Completed)
		assert.Equal(t, acceptSteps(), open1[0].Steps)

		require.NoError(t, j.StepDone(ctx, "op1", 0))
		require.NoError(t, j.StepDone(ctx, "op1", 1))
		require.NoError(t, j.Fail(ctx, "op1", errors.New("network down")))

		open2, err := j.Open(ctx)
		require.NoError(t, err)
		require.Len(t, open2, 1)
		assert.Equal(t, 2, open2[0].Completed)
		assert.Equal(t, "network down", open2[0].LastError)
		assert.Len(t, open2[0].Remaining(), 1)
		assert.Equal(t, "delete_request", open2[0].Remaining()[0].Name)
		assert.Nil(t, open2[0].Remaining()[0].Value)

		require.NoError(t, j.Finish(ctx, "op1"))
		open3, err := j.Open(ctx)
		require.NoError(t, err)
		assert.Empty(t, open3)
	})

	t.Run("creation order", func(t *testing.T) {
		j := open(t)
		for _, id := range []string{"z", "a", "m"} {
			require.NoError(t, j.Begin(ctx, OperationRecord{ID: id, Kind: "remove_friend", Key: id, Steps: acceptSteps()[:2]}))
		}
		ops, err := j.Open(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 3)
		assert.Equal(t, []string{"z", "a", "m"}, []string{ops[0].ID, ops[1].ID, ops[2].ID})
	})

	t.Run("unknown operation", func(t *testing.T) {
		j := open(t)
		assert.Error(t, j.StepDone(ctx, "nope", 0))
		assert.Error(t, j.Finish(ctx, "nope"))
	})

	t.Run("duplicate begin", func(t *testing.T) {
		j := open(t)
		rec := OperationRecord{ID: "dup", Kind: "k", Key: "k", Steps: acceptSteps()}
		require.NoError(t, j.Begin(ctx, rec))
		assert.Error(t, j.Begin(ctx, rec))
	})
}

func TestMemoryJournal(t *testing.T) {
	runJournalSuite(t, func(t *testing.T) Journal { return NewMemoryJournal() })
}

func TestSQLJournal(t *testing.T) {
	runJournalSuite(t, func(t *testing.T) Journal { return openTestSQLite(t).Journal() })
}

func TestMemoryJournal_Get(t *testing.T) {
	j := NewMemoryJournal()
	require.NoError(t, j.Begin(context.Background(), OperationRecord{ID: "x", Steps: acceptSteps()}))
	rec, ok := j.Get("x")
	require.True(t, ok)
	assert.Equal(t, OperationOpen, rec.Status)
	_, ok = j.Get("y")
	assert.False(t, ok)
}
