package engine

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/roach88/optisync/internal/snapshot"
)

// OrderingPolicy decides the frozen master order of a feed session.
type OrderingPolicy string

const (
	// PolicyChronological keeps the natural order: createdAt, then id.
	PolicyChronological OrderingPolicy = "chronological"
	// PolicyShuffled applies one Fisher-Yates permutation at initialization.
	PolicyShuffled OrderingPolicy = "shuffled"
)

// ParseOrderingPolicy parses a policy name. Empty means chronological.
func ParseOrderingPolicy(s string) (OrderingPolicy, error) {
	switch OrderingPolicy(s) {
	case "", PolicyChronological:
		return PolicyChronological, nil
	case PolicyShuffled:
		return PolicyShuffled, nil
	default:
		return "", fmt.Errorf("unknown ordering policy %q (want chronological or shuffled)", s)
	}
}

// WindowOptions configures a FeedWindow. Zero fields take the engine
// defaults.
type WindowOptions struct {
	BatchSize           int
	ActivationThreshold float64
	// Rand drives the shuffled policy. Required for PolicyShuffled.
	Rand *rand.Rand
}

// FeedWindow is the pure state machine of windowed feed delivery:
// {masterOrder, revealedCount, activeItemId} plus load bookkeeping.
//
// The master order is frozen by Initialize. revealedCount only grows.
// The active item is always revealed or prepended.
type FeedWindow struct {
	batchSize int
	threshold float64
	rand      *rand.Rand

	initialized bool
	master      []snapshot.FeedItem
	position    map[string]int // master index by id
	prepended   []snapshot.FeedItem
	revealed    int
	active      string
	ratios      map[string]float64
	loading     bool
	exhausted   bool
}

// NewFeedWindow creates an uninitialized window.
func NewFeedWindow(opts WindowOptions) *FeedWindow {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ActivationThreshold <= 0 || opts.ActivationThreshold > 1 {
		opts.ActivationThreshold = DefaultActivationThreshold
	}
	return &FeedWindow{
		batchSize: opts.BatchSize,
		threshold: opts.ActivationThreshold,
		rand:      opts.Rand,
		position:  make(map[string]int),
		ratios:    make(map[string]float64),
	}
}

// Initialize freezes the master order and reveals the first batch.
//
// With PolicyShuffled a present focusID is moved to the front and the rest
// is shuffled; focusID is ignored by PolicyChronological. A second call is
// rejected.
func (w *FeedWindow) Initialize(items []snapshot.FeedItem, policy OrderingPolicy, focusID string) ([]snapshot.FeedItem, error) {
	if w.initialized {
		return nil, invalidTransition("feed_initialize", "", "feed window already initialized")
	}

	master := slices.Clone(items)
	switch policy {
	case PolicyChronological, "":
		slices.SortStableFunc(master, compareFeedItems)
	case PolicyShuffled:
		if w.rand == nil {
			return nil, invalidArgument("feed_initialize", "", fmt.Errorf("shuffled policy needs a random source"))
		}
		var focus []snapshot.FeedItem
		if i := slices.IndexFunc(master, func(it snapshot.FeedItem) bool { return it.ID == focusID }); focusID != "" && i >= 0 {
			focus = append(focus, master[i])
			master = slices.Delete(master, i, i+1)
		}
		w.rand.Shuffle(len(master), func(i, j int) { master[i], master[j] = master[j], master[i] })
		master = append(focus, master...)
	default:
		return nil, invalidArgument("feed_initialize", "", fmt.Errorf("unknown ordering policy %q", policy))
	}

	for i, it := range master {
		w.position[it.ID] = i
	}
	w.master = master
	w.initialized = true
	return w.reveal(), nil
}

func compareFeedItems(a, b snapshot.FeedItem) int {
	switch {
	case a.CreatedAt < b.CreatedAt:
		return -1
	case a.CreatedAt > b.CreatedAt:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// reveal extends the revealed prefix by one batch.
func (w *FeedWindow) reveal() []snapshot.FeedItem {
	n := min(w.batchSize, len(w.master)-w.revealed)
	batch := slices.Clone(w.master[w.revealed : w.revealed+n])
	w.revealed += n
	if w.revealed == len(w.master) {
		w.exhausted = true
	}
	return batch
}

// BeginLoad marks a load in flight. Returns false when a load is already
// in flight, the window is exhausted or not yet initialized.
func (w *FeedWindow) BeginLoad() bool {
	if !w.initialized || w.loading || w.exhausted {
		return false
	}
	w.loading = true
	return true
}

// CompleteLoad reveals the next batch and ends the load.
func (w *FeedWindow) CompleteLoad() []snapshot.FeedItem {
	if !w.loading {
		return nil
	}
	w.loading = false
	if w.exhausted {
		return nil
	}
	return w.reveal()
}

// RequestMore is BeginLoad followed by CompleteLoad.
func (w *FeedWindow) RequestMore() []snapshot.FeedItem {
	if !w.BeginLoad() {
		return nil
	}
	return w.CompleteLoad()
}

// ReportVisibility records a visibility ratio for a revealed item. An
// upward crossing of the activation threshold makes it active; the last
// crossing wins. Returns true if the active item changed.
func (w *FeedWindow) ReportVisibility(itemID string, ratio float64) bool {
	if !w.isRevealed(itemID) {
		return false
	}
	prev := w.ratios[itemID]
	w.ratios[itemID] = ratio
	if prev >= w.threshold || ratio < w.threshold || w.active == itemID {
		return false
	}
	w.active = itemID
	return true
}

// Prepend unshifts a new item into the revealed prefix, outside the
// frozen order, and makes it active. revealedCount is unchanged.
func (w *FeedWindow) Prepend(item snapshot.FeedItem) error {
	if !w.initialized {
		return invalidTransition("feed_prepend", item.ID, "feed window not initialized")
	}
	if w.Knows(item.ID) {
		return invalidArgument("feed_prepend", item.ID, fmt.Errorf("item already in feed"))
	}
	w.prepended = slices.Insert(w.prepended, 0, item)
	w.active = item.ID
	return nil
}

// Knows reports whether itemID is in the master order or was prepended.
func (w *FeedWindow) Knows(itemID string) bool {
	if _, ok := w.position[itemID]; ok {
		return true
	}
	return slices.ContainsFunc(w.prepended, func(it snapshot.FeedItem) bool { return it.ID == itemID })
}

func (w *FeedWindow) isRevealed(itemID string) bool {
	if i, ok := w.position[itemID]; ok {
		return i < w.revealed
	}
	return slices.ContainsFunc(w.prepended, func(it snapshot.FeedItem) bool { return it.ID == itemID })
}

// Revealed returns the prepended items followed by the revealed prefix.
func (w *FeedWindow) Revealed() []snapshot.FeedItem {
	out := make([]snapshot.FeedItem, 0, len(w.prepended)+w.revealed)
	out = append(out, w.prepended...)
	return append(out, w.master[:w.revealed]...)
}

// Order returns the frozen master order.
func (w *FeedWindow) Order() []string {
	ids := make([]string, len(w.master))
	for i, it := range w.master {
		ids[i] = it.ID
	}
	return ids
}

// RevealedCount returns how much of the master order is revealed.
func (w *FeedWindow) RevealedCount() int { return w.revealed }

// Active returns the active item id, or "".
func (w *FeedWindow) Active() string { return w.active }

// Initialized reports whether Initialize succeeded.
func (w *FeedWindow) Initialized() bool { return w.initialized }

// Loading reports whether a load is in flight.
func (w *FeedWindow) Loading() bool { return w.loading }

// Exhausted reports whether the whole master order is revealed.
func (w *FeedWindow) Exhausted() bool { return w.exhausted }

// Eligible returns the active item and its immediate neighbours in
// revealed order: the items allowed to hold heavy resources.
func (w *FeedWindow) Eligible() []string {
	if w.active == "" {
		return nil
	}
	revealed := w.Revealed()
	i := slices.IndexFunc(revealed, func(it snapshot.FeedItem) bool { return it.ID == w.active })
	if i < 0 {
		return nil
	}
	lo, hi := max(i-1, 0), min(i+2, len(revealed))
	ids := make([]string, 0, hi-lo)
	for _, it := range revealed[lo:hi] {
		ids = append(ids, it.ID)
	}
	return ids
}
