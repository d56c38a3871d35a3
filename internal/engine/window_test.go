package engine

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/optisync/internal/snapshot"
)

func feedItems(ids ...string) []snapshot.FeedItem {
	items := make([]snapshot.FeedItem, len(ids))
	for i, id := range ids {
		items[i] = snapshot.FeedItem{ID: id, AuthorID: "author", CreatedAt: int64(i + 1)}
	}
	return items
}

func itemIDs(items []snapshot.FeedItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestFeedWindow_ChronologicalBatches(t *testing.T) {
	w := NewFeedWindow(WindowOptions{BatchSize: 3})
	items := feedItems("A", "B", "C", "D", "E", "F", "G")
	slices.Reverse(items) // natural order comes from createdAt, not input order

	batch, err := w.Initialize(items, PolicyChronological, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, itemIDs(batch))
	assert.False(t, w.Exhausted())

	assert.Equal(t, []string{"D", "E", "F"}, itemIDs(w.RequestMore()))
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F"}, itemIDs(w.Revealed()))
	assert.False(t, w.Exhausted())

	assert.Equal(t, []string{"G"}, itemIDs(w.RequestMore()))
	assert.True(t, w.Exhausted())
	assert.Equal(t, 7, w.RevealedCount())

	assert.Empty(t, w.RequestMore(), "no-op once exhausted")
	assert.Equal(t, 7, w.RevealedCount())
}

func TestFeedWindow_InitializeTwiceRejected(t *testing.T) {
	w := NewFeedWindow(WindowOptions{})
	_, err := w.Initialize(feedItems("A"), PolicyChronological, "")
	require.NoError(t, err)
	_, err = w.Initialize(feedItems("B"), PolicyChronological, "")
	assert.True(t, IsInvalidTransition(err))
	assert.Equal(t, []string{"A"}, w.Order())
}

func TestFeedWindow_RequestMoreBeforeInitialize(t *testing.T) {
	w := NewFeedWindow(WindowOptions{})
	assert.Nil(t, w.RequestMore())
	assert.False(t, w.BeginLoad())
}

func TestFeedWindow_LoadInFlightSuppressesTriggers(t *testing.T) {
	w := NewFeedWindow(WindowOptions{BatchSize: 2})
	_, err := w.Initialize(feedItems("A", "B", "C", "D", "E", "F"), PolicyChronological, "")
	require.NoError(t, err)

	require.True(t, w.BeginLoad())
	assert.False(t, w.BeginLoad())
	assert.Nil(t, w.RequestMore())
	assert.Equal(t, 2, w.RevealedCount())

	assert.Equal(t, []string{"C", "D"}, itemIDs(w.CompleteLoad()))
	assert.False(t, w.Loading())
	assert.Nil(t, w.CompleteLoad(), "completing without a load is a no-op")
}

func TestFeedWindow_ShuffleIsPermutationWithFocusFirst(t *testing.T) {
	all := feedItems("A", "B", "C", "D", "E", "F", "G", "H", "I", "J")
	for seed := uint64(0); seed < 20; seed++ {
		w := NewFeedWindow(WindowOptions{BatchSize: 4, Rand: rand.New(rand.NewPCG(seed, 7))})
		batch, err := w.Initialize(all, PolicyShuffled, "G")
		require.NoError(t, err)

		order := w.Order()
		assert.Equal(t, "G", order[0], "seed %d", seed)
		assert.Equal(t, "G", batch[0].ID)
		assert.ElementsMatch(t, itemIDs(all), order, "seed %d", seed)
	}
}

func TestFeedWindow_ShuffleFrozenForSession(t *testing.T) {
	w := NewFeedWindow(WindowOptions{BatchSize: 2, Rand: rand.New(rand.NewPCG(3, 4))})
	_, err := w.Initialize(feedItems("A", "B", "C", "D", "E"), PolicyShuffled, "")
	require.NoError(t, err)
	order := w.Order()

	w.RequestMore()
	w.RequestMore()
	assert.Equal(t, order, w.Order())
	assert.Equal(t, order, itemIDs(w.Revealed()))
}

func TestFeedWindow_ShuffleMissingFocusIgnored(t *testing.T) {
	w := NewFeedWindow(WindowOptions{Rand: rand.New(rand.NewPCG(1, 1))})
	_, err := w.Initialize(feedItems("A", "B", "C"), PolicyShuffled, "Z")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, w.Order())
}

func TestFeedWindow_ShuffleNeedsRand(t *testing.T) {
	w := NewFeedWindow(WindowOptions{})
	_, err := w.Initialize(feedItems("A"), PolicyShuffled, "")
	assert.True(t, IsInvalidArgument(err))
	assert.False(t, w.Initialized())
}

func TestFeedWindow_LastCrossingWins(t *testing.T) {
	w := NewFeedWindow(WindowOptions{BatchSize: 7})
	_, err := w.Initialize(feedItems("A", "B", "C", "D", "E", "F", "G"), PolicyChronological, "")
	require.NoError(t, err)

	assert.True(t, w.ReportVisibility("D", 0.9))
	assert.True(t, w.ReportVisibility("E", 0.9))
	assert.Equal(t, "E", w.Active())

	// D staying visible is not a new crossing.
	assert.False(t, w.ReportVisibility("D", 0.95))
	assert.Equal(t, "E", w.Active())

	// D leaves and comes back: a new upward crossing.
	assert.False(t, w.ReportVisibility("D", 0.2))
	assert.True(t, w.ReportVisibility("D", 0.8))
	assert.Equal(t, "D", w.Active())
}

func TestFeedWindow_VisibilityOfUnrevealedItemIgnored(t *testing.T) {
	w := NewFeedWindow(WindowOptions{BatchSize: 2})
	_, err := w.Initialize(feedItems("A", "B", "C"), PolicyChronological, "")
	require.NoError(t, err)

	assert.False(t, w.ReportVisibility("C", 1))
	assert.False(t, w.ReportVisibility("nope", 1))
	assert.Equal(t, "", w.Active())
}

func TestFeedWindow_BelowThresholdNeverActivates(t *testing.T) {
	w := NewFeedWindow(WindowOptions{BatchSize: 2, ActivationThreshold: 0.75})
	_, err := w.Initialize(feedItems("A", "B"), PolicyChronological, "")
	require.NoError(t, err)
	assert.False(t, w.ReportVisibility("A", 0.74))
	assert.True(t, w.ReportVisibility("A", 0.75))
}

func TestFeedWindow_EligibleAtMostThree(t *testing.T) {
	w := NewFeedWindow(WindowOptions{BatchSize: 10})
	_, err := w.Initialize(feedItems("A", "B", "C", "D", "E", "F"), PolicyChronological, "")
	require.NoError(t, err)

	assert.Empty(t, w.Eligible(), "nothing active yet")

	w.ReportVisibility("A", 1)
	assert.Equal(t, []string{"A", "B"}, w.Eligible())

	w.ReportVisibility("D", 1)
	assert.Equal(t, []string{"C", "D", "E"}, w.Eligible())

	w.ReportVisibility("F", 1)
	assert.Equal(t, []string{"E", "F"}, w.Eligible())
}

func TestFeedWindow_PrependKeepsRevealedCount(t *testing.T) {
	w := NewFeedWindow(WindowOptions{BatchSize: 2})
	_, err := w.Initialize(feedItems("A", "B", "C", "D"), PolicyChronological, "")
	require.NoError(t, err)
	w.ReportVisibility("B", 1)

	require.NoError(t, w.Prepend(snapshot.FeedItem{ID: "N", AuthorID: "me", CreatedAt: 99}))
	assert.Equal(t, "N", w.Active())
	assert.Equal(t, 2, w.RevealedCount())
	assert.Equal(t, []string{"N", "A", "B"}, itemIDs(w.Revealed()))
	assert.Equal(t, []string{"N", "A"}, w.Eligible())
	assert.Equal(t, []string{"A", "B", "C", "D"}, w.Order(), "prepended items stay outside the frozen order")

	assert.Equal(t, []string{"C", "D"}, itemIDs(w.RequestMore()))

	err = w.Prepend(snapshot.FeedItem{ID: "A"})
	assert.True(t, IsInvalidArgument(err))
}

func TestParseOrderingPolicy(t *testing.T) {
	p, err := ParseOrderingPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyChronological, p)

	p, err = ParseOrderingPolicy("shuffled")
	require.NoError(t, err)
	assert.Equal(t, PolicyShuffled, p)

	_, err = ParseOrderingPolicy("random")
	assert.Error(t, err)
}
