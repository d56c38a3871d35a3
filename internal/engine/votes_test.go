package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
)

func TestCastVote_NewVote(t *testing.T) {
	f := newFixture(t)
	ent, err := f.eng.Counter().CastVote(context.Background(), "post1", "u", VoteUp)
	require.NoError(t, err)

	assert.Equal(t, int64(1), ent.Score)
	assert.Equal(t, int64(1), ent.Vote("u"))
	assert.Equal(t, snapshot.Object{
		"score":     snapshot.Int(1),
		"userVotes": snapshot.Object{"u": snapshot.Int(1)},
	}, f.get(t, "entities/post1"))
}

func TestCastVote_RetractionRestoresPreVoteState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.set(t, "entities/post1", snapshot.Object{
		"score":     snapshot.Int(2),
		"userVotes": snapshot.Object{"a": snapshot.Int(1), "b": snapshot.Int(1)},
	})
	before := snapshot.MustCanonical(f.get(t, "entities/post1"))

	_, err := f.eng.Counter().CastVote(ctx, "post1", "u", VoteDown)
	require.NoError(t, err)
	ent, err := f.eng.Counter().CastVote(ctx, "post1", "u", VoteDown)
	require.NoError(t, err)

	assert.Equal(t, int64(2), ent.Score)
	_, voted := ent.UserVotes["u"]
	assert.False(t, voted, "retracted vote is absent, not zero")
	assert.Equal(t, string(before), string(snapshot.MustCanonical(f.get(t, "entities/post1"))))
}

func TestCastVote_SwitchSubtractsTwo(t *testing.T) {
	f := newFixture(t)
	f.set(t, "entities/post1", snapshot.Object{
		"score":     snapshot.Int(3),
		"userVotes": snapshot.Object{"u": snapshot.Int(1), "a": snapshot.Int(1), "b": snapshot.Int(1)},
	})

	ent, err := f.eng.Counter().CastVote(context.Background(), "post1", "u", VoteDown)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ent.Score)
	assert.Equal(t, int64(-1), ent.Vote("u"))
}

func TestCastVote_InvalidDirectionMakesNoStoreCall(t *testing.T) {
	f := newFixture(t)
	before := f.mem.Version()

	for _, dir := range []int64{0, 2, -3} {
		_, err := f.eng.Counter().CastVote(context.Background(), "post1", "u", dir)
		require.Error(t, err)
		assert.True(t, IsInvalidArgument(err), "direction %d", dir)
	}
	assert.Equal(t, before, f.mem.Version())
}

func TestCastVote_InvalidUserID(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Counter().CastVote(context.Background(), "post1", "u.1", VoteUp)
	assert.True(t, IsInvalidArgument(err))
}

func TestCastVote_CoercesMalformedEntity(t *testing.T) {
	f := newFixture(t)
	f.set(t, "entities/post1", snapshot.Object{
		"userVotes": snapshot.Object{"a": snapshot.Int(1), "bad": snapshot.Int(7)},
	})

	ent, err := f.eng.Counter().CastVote(context.Background(), "post1", "u", VoteUp)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ent.Score, "missing score is the sum of valid votes")
	assert.Equal(t, ent.Sum(), ent.Score)
}

func TestCastVote_TransientFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.set(t, "entities/post1", snapshot.Object{"score": snapshot.Int(0)})
	f.backend.FailAll(errNetwork)

	_, err := f.eng.Counter().CastVote(context.Background(), "post1", "u", VoteUp)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, errNetwork)

	assert.Equal(t, snapshot.Object{"score": snapshot.Int(0)}, f.get(t, "entities/post1"))
	ev, ok := f.rec.Last(EventTransientError)
	require.True(t, ok)
	assert.Equal(t, "cast_vote", ev.Key)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Intents.WithLabelValues("cast_vote", "error")))
}

func runVoteConvergence(t *testing.T, backend store.Backend) {
	client := store.NewClient(backend, store.WithRetryPolicy(store.RetryPolicy{
		MaxRetries: 200, BaseDelay: time.Microsecond, MaxDelay: 2 * time.Millisecond,
	}))
	counter := New(client).Counter()
	ctx := context.Background()

	const users = 12
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < users; i++ {
		uid := fmt.Sprintf("u%d", i)
		g.Go(func() error {
			// up, switch down, and for even users retract.
			if _, err := counter.CastVote(gctx, "hot", uid, VoteUp); err != nil {
				return err
			}
			if _, err := counter.CastVote(gctx, "hot", uid, VoteDown); err != nil {
				return err
			}
			if i%2 == 0 {
				_, err := counter.CastVote(gctx, "hot", uid, VoteDown)
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	v, err := client.Get(ctx, "entities/hot")
	require.NoError(t, err)
	ent, err := snapshot.DecodeEntity("hot", v)
	require.NoError(t, err)

	assert.Equal(t, ent.Sum(), ent.Score, "score equals the sum of votes")
	assert.Equal(t, int64(-users/2), ent.Score)
	assert.Len(t, ent.UserVotes, users/2)
}

func TestCastVote_ConvergesUnderConcurrency(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		mem := store.NewMemory()
		t.Cleanup(func() { mem.Close() })
		runVoteConvergence(t, mem)
	})
	t.Run("sqlite", func(t *testing.T) {
		db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "votes.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		runVoteConvergence(t, db)
	})
}

func TestVoteView_EmitsAuthoritativeScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.eng.WatchVotes("post1", "u")
	require.NoError(t, err)
	f.deliver(t)
	require.True(t, view.Ready())
	assert.Equal(t, int64(0), view.Score())

	_, err = f.eng.Counter().CastVote(ctx, "post1", "u", VoteUp)
	require.NoError(t, err)
	_, err = f.eng.Counter().CastVote(ctx, "post1", "other", VoteUp)
	require.NoError(t, err)
	f.deliver(t)

	assert.Equal(t, int64(2), view.Score())
	assert.Equal(t, int64(1), view.MyVote())

	events := f.rec.Kind(EventScoreChanged)
	require.Len(t, events, 3)
	assert.Equal(t, map[string]string{"score": "0", "my_vote": "0"}, events[0].Fields)
	assert.Equal(t, map[string]string{"score": "1", "my_vote": "1"}, events[1].Fields)
	assert.Equal(t, map[string]string{"score": "2", "my_vote": "1"}, events[2].Fields)
}

func TestVoteView_CloseIgnoresLaterSnapshots(t *testing.T) {
	f := newFixture(t)
	view, err := f.eng.WatchVotes("post1", "u")
	require.NoError(t, err)
	f.deliver(t)

	_, err = f.eng.Counter().CastVote(context.Background(), "post1", "u", VoteUp)
	require.NoError(t, err)
	view.Close()
	f.deliver(t)

	assert.Len(t, f.rec.Kind(EventScoreChanged), 1)
	assert.Equal(t, int64(0), view.Score())
}
