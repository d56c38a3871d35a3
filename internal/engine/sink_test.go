package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/optisync/internal/snapshot"
)

func TestRecorder_RecordsInOrder(t *testing.T) {
	r := NewRecorder()
	r.OnScoreChanged("p", 3, -1)
	r.OnRelationshipStatusChanged("a|b", StatusPending, DirectionOutgoing)
	r.OnRelationshipStatusChanged("a|b", StatusNone, DirectionNone)
	r.OnSavedChanged("i", true)
	r.OnFeedBatchRevealed([]snapshot.FeedItem{{ID: "A"}, {ID: "B"}})
	r.OnActiveItemChanged("B")
	r.OnFeedExhausted()
	r.OnTransientError("cast_vote", errNetwork)

	got := make([]string, 0, 8)
	for _, e := range r.Events() {
		got = append(got, e.String())
	}
	assert.Equal(t, []string{
		"score_changed p my_vote=-1 score=3",
		"relationship_changed a|b direction=outgoing status=pending",
		"relationship_changed a|b status=none",
		"saved_changed i saved=true",
		"feed_batch_revealed items=A,B",
		"active_item_changed B",
		"feed_exhausted",
		"transient_error cast_vote error=network unreachable",
	}, got)

	last, ok := r.Last(EventRelationshipChanged)
	require.True(t, ok)
	assert.Equal(t, "none", last.Fields["status"])
	assert.Len(t, r.Kind(EventRelationshipChanged), 2)

	r.Reset()
	assert.Empty(t, r.Events())
	_, ok = r.Last(EventFeedExhausted)
	assert.False(t, ok)
}
