package engine

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
)

// SavedView binds a user's saved-item set directly to its subscription.
// Only the owning user writes the set, so there is no guard and no
// optimistic state: IsSaved always reflects the last snapshot.
type SavedView struct {
	e      *Engine
	userID string
	sub    *store.Subscription

	items  map[string]bool
	ready  bool
	closed bool
}

// Saved mounts the saved-items view of userID.
func (e *Engine) Saved(userID string) (*SavedView, error) {
	v := &SavedView{e: e, userID: userID, items: make(map[string]bool)}
	sub, err := e.client.Subscribe(snapshot.SavedItemsPath(userID), func(val snapshot.Value) {
		e.post(func() { v.observe(val) })
	})
	if err != nil {
		return nil, subscribeError("saved", userID, err)
	}
	v.sub = sub
	return v, nil
}

func (v *SavedView) observe(val snapshot.Value) {
	if v.closed {
		return
	}
	next, err := snapshot.DecodeMembership(val)
	v.e.metrics.snapshot("saved_items", err != nil)
	if err != nil {
		slog.Warn("malformed saved items snapshot", "user", v.userID, "error", err)
	}
	changes := snapshot.DiffMembership(v.items, next)
	v.items = next
	v.ready = true
	for _, rec := range changes {
		v.e.sink.OnSavedChanged(rec.ItemID, rec.Present)
	}
}

// Toggle saves itemID if it is not saved and unsaves it otherwise, based
// on the cached live value. Returns the presence written.
func (v *SavedView) Toggle(ctx context.Context, itemID string) (saved bool, err error) {
	ctx, span := startIntent(ctx, "ToggleSaved", itemID)
	defer func() {
		v.e.metrics.intent("toggle_saved", err)
		endIntent(span, err)
	}()

	if v.closed {
		return false, invalidTransition("toggle_saved", itemID, "%w", errViewClosed)
	}
	if !v.ready {
		return false, notReady("toggle_saved", itemID)
	}
	path := snapshot.SavedItemPath(v.userID, itemID)
	if err := snapshot.ValidatePath(path); err != nil {
		return false, invalidArgument("toggle_saved", itemID, err)
	}

	if v.items[itemID] {
		err = v.e.client.Delete(ctx, path)
	} else {
		saved = true
		err = v.e.client.Set(ctx, path, snapshot.Bool(true))
	}
	if err != nil {
		serr := transientError("toggle_saved", itemID, err)
		v.e.sink.OnTransientError("toggle_saved", serr)
		return false, serr
	}
	return saved, nil
}

// IsSaved reports the cached presence of itemID.
func (v *SavedView) IsSaved(itemID string) bool {
	return v.items[itemID]
}

// Items returns the saved item ids in sorted order.
func (v *SavedView) Items() []string {
	return slices.Sorted(maps.Keys(v.items))
}

// Ready reports whether the first snapshot has arrived.
func (v *SavedView) Ready() bool { return v.ready }

// Close releases the subscription.
func (v *SavedView) Close() {
	v.closed = true
	if v.sub != nil {
		v.sub.Unsubscribe()
	}
}
