package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/optisync/internal/snapshot"
)

// deliveringBackend is a Backend whose notifications can be pumped
// synchronously.
type deliveringBackend interface {
	Backend
	Deliver(ctx context.Context) (int, error)
}

// recordingWatch collects delivered snapshots.
type recordingWatch struct {
	got []snapshot.Value
}

func (r *recordingWatch) fn(v snapshot.Value) { r.got = append(r.got, v) }

func deliver(t *testing.T, b deliveringBackend) {
	t.Helper()
	_, err := b.Deliver(context.Background())
	require.NoError(t, err)
}

// runBackendSuite checks the Backend contract shared by every implementation.
func runBackendSuite(t *testing.T, open func(t *testing.T) deliveringBackend) {
	ctx := context.Background()

	t.Run("read absent", func(t *testing.T) {
		b := open(t)
		v, ver, err := b.Read(ctx, "entities/missing")
		require.NoError(t, err)
		assert.Nil(t, v)
		assert.Equal(t, Version(0), ver)
	})

	t.Run("subtree read", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Set(ctx, "users/u/savedItems/i1", snapshot.Bool(true)))
		require.NoError(t, b.Set(ctx, "users/u/savedItems/i2", snapshot.Bool(true)))

		v, _, err := b.Read(ctx, "users/u/savedItems")
		require.NoError(t, err)
		assert.Equal(t, snapshot.Object{"i1": snapshot.Bool(true), "i2": snapshot.Bool(true)}, v)

		v, _, err = b.Read(ctx, "users/u")
		require.NoError(t, err)
		assert.Equal(t, snapshot.Object{"savedItems": snapshot.Object{"i1": snapshot.Bool(true), "i2": snapshot.Bool(true)}}, v)
	})

	t.Run("deleting last child deletes parent", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Set(ctx, "users/u/savedItems/i1", snapshot.Bool(true)))
		require.NoError(t, b.Set(ctx, "users/u/savedItems/i1", nil))

		v, _, err := b.Read(ctx, "users/u/savedItems")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("object write replaces subtree", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Set(ctx, "entities/e", snapshot.Object{
			"score": snapshot.Int(1), "userVotes": snapshot.Object{"a": snapshot.Int(1)},
		}))
		require.NoError(t, b.Set(ctx, "entities/e", snapshot.Object{"score": snapshot.Int(0)}))

		v, _, err := b.Read(ctx, "entities/e")
		require.NoError(t, err)
		assert.Equal(t, snapshot.Object{"score": snapshot.Int(0)}, v)
	})

	t.Run("write below a leaf replaces it", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Set(ctx, "a/b", snapshot.Int(1)))
		require.NoError(t, b.Set(ctx, "a/b/c", snapshot.Int(2)))

		v, _, err := b.Read(ctx, "a/b")
		require.NoError(t, err)
		assert.Equal(t, snapshot.Object{"c": snapshot.Int(2)}, v)
	})

	t.Run("compare and swap", func(t *testing.T) {
		b := open(t)
		_, ver, err := b.Read(ctx, "entities/e")
		require.NoError(t, err)

		ok, err := b.CompareAndSwap(ctx, "entities/e", ver, snapshot.Object{"score": snapshot.Int(1)})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = b.CompareAndSwap(ctx, "entities/e", ver, snapshot.Object{"score": snapshot.Int(2)})
		require.NoError(t, err)
		assert.False(t, ok, "stale version must lose")

		v, newVer, err := b.Read(ctx, "entities/e")
		require.NoError(t, err)
		assert.Equal(t, snapshot.Object{"score": snapshot.Int(1)}, v)
		assert.Greater(t, newVer, ver)
	})

	t.Run("sibling writes do not conflict", func(t *testing.T) {
		b := open(t)
		_, ver, err := b.Read(ctx, "users/a/friends/b")
		require.NoError(t, err)
		require.NoError(t, b.Set(ctx, "users/a/friends/c", snapshot.Bool(true)))

		ok, err := b.CompareAndSwap(ctx, "users/a/friends/b", ver, snapshot.Bool(true))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ancestor and descendant writes conflict", func(t *testing.T) {
		b := open(t)
		_, ver, err := b.Read(ctx, "entities/e/userVotes")
		require.NoError(t, err)
		require.NoError(t, b.Set(ctx, "entities/e", snapshot.Object{"score": snapshot.Int(0)}))
		ok, err := b.CompareAndSwap(ctx, "entities/e/userVotes", ver, nil)
		require.NoError(t, err)
		assert.False(t, ok, "ancestor write moves the version")

		_, ver, err = b.Read(ctx, "entities/e")
		require.NoError(t, err)
		require.NoError(t, b.Set(ctx, "entities/e/score", snapshot.Int(5)))
		ok, err = b.CompareAndSwap(ctx, "entities/e", ver, nil)
		require.NoError(t, err)
		assert.False(t, ok, "descendant write moves the version")
	})

	t.Run("watch delivers initial value then changes", func(t *testing.T) {
		b := open(t)
		rec := &recordingWatch{}
		cancel, err := b.Watch("users/u/savedItems", rec.fn)
		require.NoError(t, err)

		deliver(t, b)
		require.Len(t, rec.got, 1)
		assert.Nil(t, rec.got[0])

		require.NoError(t, b.Set(ctx, "users/u/savedItems/i1", snapshot.Bool(true)))
		deliver(t, b)
		require.Len(t, rec.got, 2)
		assert.Equal(t, snapshot.Object{"i1": snapshot.Bool(true)}, rec.got[1])

		require.NoError(t, b.Set(ctx, "users/other/savedItems/x", snapshot.Bool(true)))
		deliver(t, b)
		assert.Len(t, rec.got, 2, "unrelated path must not notify")

		cancel()
		cancel()
		require.NoError(t, b.Set(ctx, "users/u/savedItems/i2", snapshot.Bool(true)))
		deliver(t, b)
		assert.Len(t, rec.got, 2, "no delivery after cancel")
	})

	t.Run("ancestor write notifies descendant watcher", func(t *testing.T) {
		b := open(t)
		rec := &recordingWatch{}
		_, err := b.Watch("users/a/friends/b", rec.fn)
		require.NoError(t, err)
		deliver(t, b)

		require.NoError(t, b.Set(ctx, "users/a", snapshot.Object{"friends": snapshot.Object{"b": snapshot.Bool(true)}}))
		deliver(t, b)
		require.Len(t, rec.got, 2)
		assert.Equal(t, snapshot.Bool(true), rec.got[1])
	})

	t.Run("invalid path", func(t *testing.T) {
		b := open(t)
		_, _, err := b.Read(ctx, "a//b")
		assert.ErrorIs(t, err, ErrInvalidPath)
		assert.ErrorIs(t, b.Set(ctx, "a.b", snapshot.Int(1)), ErrInvalidPath)
		_, err = b.Watch("", func(snapshot.Value) {})
		assert.ErrorIs(t, err, ErrInvalidPath)
	})

	t.Run("closed", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Close())
		_, _, err := b.Read(ctx, "a")
		assert.ErrorIs(t, err, ErrClosed)
		assert.NoError(t, b.Close(), "close is idempotent")
	})
}
