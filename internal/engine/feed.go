package engine

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
)

// SentinelID is the element near the end of the revealed prefix whose
// visibility triggers RequestMore.
const SentinelID = "__sentinel__"

// Viewport is the intersection source of a mounted feed.
type Viewport interface {
	Observe(id string)
	Unobserve(id string)
	Disconnect()
}

// Attacher attaches and detaches expensive per-item resources such as
// media decoders.
type Attacher interface {
	Attach(itemID string)
	Detach(itemID string)
}

// ObserverOptions configure the Viewport for a feed.
type ObserverOptions struct {
	// Threshold is the activation ratio.
	Threshold float64
	// RootMarginPx grows the root so the sentinel triggers early.
	RootMarginPx int
}

// FeedOptions configure one mounted feed.
type FeedOptions struct {
	Policy OrderingPolicy
	// FocusID is a deep-linked item shown first under PolicyShuffled.
	FocusID string
	// ViewerID is the viewing user. Items they author after the session
	// started are prepended.
	ViewerID string
	Viewport Viewport
	Attacher Attacher
}

type nopViewport struct{}

func (nopViewport) Observe(string)   {}
func (nopViewport) Unobserve(string) {}
func (nopViewport) Disconnect()      {}

type nopAttacher struct{}

func (nopAttacher) Attach(string) {}
func (nopAttacher) Detach(string) {}

// FeedView binds a FeedWindow to the feed subscription, a Viewport and an
// Attacher.
//
// The first snapshot initializes the window. Later snapshots only matter
// for items the viewer authored, which are prepended; everything else
// keeps the session's frozen order.
type FeedView struct {
	e      *Engine
	feedID string
	opts   FeedOptions
	window *FeedWindow
	sub    *store.Subscription

	attached          map[string]bool
	exhaustedNotified bool
	closed            bool
}

// Feed mounts a windowed view of feeds/{feedID}.
func (e *Engine) Feed(feedID string, opts FeedOptions) (*FeedView, error) {
	policy, err := ParseOrderingPolicy(string(opts.Policy))
	if err != nil {
		return nil, invalidArgument("feed", feedID, err)
	}
	opts.Policy = policy
	if opts.Viewport == nil {
		opts.Viewport = nopViewport{}
	}
	if opts.Attacher == nil {
		opts.Attacher = nopAttacher{}
	}

	v := &FeedView{
		e:      e,
		feedID: feedID,
		opts:   opts,
		window: NewFeedWindow(WindowOptions{
			BatchSize:           e.settings.BatchSize,
			ActivationThreshold: e.settings.ActivationThreshold,
			Rand:                e.rand,
		}),
		attached: make(map[string]bool),
	}
	sub, err := e.client.Subscribe(snapshot.FeedPath(feedID), func(val snapshot.Value) {
		e.post(func() { v.observe(val) })
	})
	if err != nil {
		return nil, subscribeError("feed", feedID, err)
	}
	v.sub = sub
	return v, nil
}

// Window returns the underlying state machine.
func (v *FeedView) Window() *FeedWindow { return v.window }

// ObserverOptions returns the options the Viewport should be created with.
func (v *FeedView) ObserverOptions() ObserverOptions {
	return ObserverOptions{
		Threshold:    v.e.settings.ActivationThreshold,
		RootMarginPx: v.e.settings.RootMarginPx,
	}
}

// Attached returns the items currently holding heavy resources, sorted.
func (v *FeedView) Attached() []string {
	return slices.Sorted(maps.Keys(v.attached))
}

func (v *FeedView) observe(val snapshot.Value) {
	if v.closed {
		return
	}
	items, err := snapshot.DecodeFeed(val)
	v.e.metrics.snapshot("feed", err != nil)
	if err != nil {
		slog.Warn("malformed feed snapshot", "feed", v.feedID, "error", err)
	}

	if !v.window.Initialized() {
		batch, err := v.window.Initialize(items, v.opts.Policy, v.opts.FocusID)
		if err != nil {
			slog.Error("feed initialization failed", "feed", v.feedID, "error", err)
			return
		}
		slog.Debug("feed initialized", "feed", v.feedID, "items", len(items), "policy", v.opts.Policy)
		if !v.window.Exhausted() {
			v.opts.Viewport.Observe(SentinelID)
		}
		v.revealed(batch)
		return
	}

	if v.opts.ViewerID == "" {
		return
	}
	for _, it := range items {
		if it.AuthorID != v.opts.ViewerID || v.window.Knows(it.ID) {
			continue
		}
		if err := v.Prepend(it); err != nil {
			slog.Warn("feed prepend rejected", "feed", v.feedID, "item", it.ID, "error", err)
		}
	}
}

func (v *FeedView) revealed(batch []snapshot.FeedItem) {
	for _, it := range batch {
		v.opts.Viewport.Observe(it.ID)
	}
	if len(batch) > 0 {
		v.e.metrics.revealed(len(batch))
		v.e.sink.OnFeedBatchRevealed(batch)
	}
	if v.window.Exhausted() && !v.exhaustedNotified {
		v.exhaustedNotified = true
		v.opts.Viewport.Unobserve(SentinelID)
		v.e.sink.OnFeedExhausted()
	}
}

// RequestMore reveals the next batch through the dispatcher. Triggers that
// arrive while a load is queued collapse into it.
func (v *FeedView) RequestMore() {
	if v.closed || !v.window.BeginLoad() {
		return
	}
	v.e.post(func() {
		if v.closed {
			return
		}
		v.revealed(v.window.CompleteLoad())
	})
}

// ReportVisibility feeds one intersection change. The sentinel becoming
// visible requests more items.
func (v *FeedView) ReportVisibility(itemID string, ratio float64) {
	if v.closed {
		return
	}
	if itemID == SentinelID {
		if ratio > 0 {
			v.RequestMore()
		}
		return
	}
	if v.window.ReportVisibility(itemID, ratio) {
		v.e.sink.OnActiveItemChanged(itemID)
		v.syncAttachments()
	}
}

// Prepend adds an item the viewer just authored without waiting for the
// store to echo it.
func (v *FeedView) Prepend(it snapshot.FeedItem) error {
	if v.closed {
		return invalidTransition("feed_prepend", it.ID, "%w", errViewClosed)
	}
	if err := v.window.Prepend(it); err != nil {
		return err
	}
	v.opts.Viewport.Observe(it.ID)
	v.e.metrics.revealed(1)
	v.e.sink.OnFeedBatchRevealed([]snapshot.FeedItem{it})
	v.e.sink.OnActiveItemChanged(it.ID)
	v.syncAttachments()
	return nil
}

// syncAttachments keeps heavy resources on exactly the eligible items.
func (v *FeedView) syncAttachments() {
	eligible := v.window.Eligible()
	want := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		want[id] = true
	}
	for _, id := range v.Attached() {
		if !want[id] {
			v.opts.Attacher.Detach(id)
			delete(v.attached, id)
		}
	}
	for _, id := range eligible {
		if !v.attached[id] {
			v.opts.Attacher.Attach(id)
			v.attached[id] = true
		}
	}
}

// Close detaches resources, disconnects the viewport and releases the
// subscription.
func (v *FeedView) Close() {
	if v.closed {
		return
	}
	v.closed = true
	for _, id := range v.Attached() {
		v.opts.Attacher.Detach(id)
	}
	v.attached = make(map[string]bool)
	v.opts.Viewport.Disconnect()
	if v.sub != nil {
		v.sub.Unsubscribe()
	}
}
