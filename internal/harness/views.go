package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/optisync/internal/engine"
	"github.com/roach88/optisync/internal/snapshot"
)

// mounted adapts one engine view to scenario intents and state.
type mounted interface {
	invoke(ctx context.Context, intent string, args map[string]any) error
	state() map[string]string
	close()
}

func mount(eng *engine.Engine, m MountStep) (mounted, error) {
	switch m.Kind {
	case ViewVotes:
		v, err := eng.WatchVotes(m.Entity, m.User)
		if err != nil {
			return nil, err
		}
		return &votesView{eng: eng, entity: m.Entity, user: m.User, v: v}, nil
	case ViewRelationship:
		v, err := eng.Relationship(m.Self, m.Target)
		if err != nil {
			return nil, err
		}
		return &relationshipView{v: v}, nil
	case ViewSaved:
		v, err := eng.Saved(m.User)
		if err != nil {
			return nil, err
		}
		return &savedView{v: v}, nil
	case ViewFeed:
		att := &attachSet{ids: make(map[string]bool)}
		v, err := eng.Feed(m.Feed, engine.FeedOptions{
			Policy:   engine.OrderingPolicy(m.Policy),
			FocusID:  m.Focus,
			ViewerID: m.Viewer,
			Attacher: att,
		})
		if err != nil {
			return nil, err
		}
		return &feedView{v: v, feed: m.Feed, attached: att}, nil
	}
	return nil, fmt.Errorf("unknown view kind %q", m.Kind)
}

// scriptError is a mistake in the scenario itself, as opposed to an
// intent the engine rejected.
type scriptError struct {
	msg string
}

func (e *scriptError) Error() string { return e.msg }

func scriptErrorf(format string, args ...any) error {
	return &scriptError{msg: fmt.Sprintf(format, args...)}
}

func unknownIntent(kind, intent string) error {
	return scriptErrorf("unknown %s intent %q", kind, intent)
}

type votesView struct {
	eng    *engine.Engine
	entity string
	user   string
	v      *engine.VoteView
}

func (w *votesView) invoke(ctx context.Context, intent string, args map[string]any) error {
	switch intent {
	case "cast_vote":
		dir, err := argInt(args, "direction")
		if err != nil {
			return err
		}
		_, err = w.eng.Counter().CastVote(ctx, w.entity, w.user, dir)
		return err
	}
	return unknownIntent(ViewVotes, intent)
}

func (w *votesView) state() map[string]string {
	return map[string]string{
		"score":   strconv.FormatInt(w.v.Score(), 10),
		"my_vote": strconv.FormatInt(w.v.MyVote(), 10),
		"ready":   strconv.FormatBool(w.v.Ready()),
	}
}

func (w *votesView) close() { w.v.Close() }

type relationshipView struct {
	v *engine.RelationshipView
}

func (w *relationshipView) invoke(ctx context.Context, intent string, _ map[string]any) error {
	switch intent {
	case "send_request":
		return w.v.SendRequest(ctx)
	case "cancel_request":
		return w.v.CancelRequest(ctx)
	case "accept_request":
		return w.v.AcceptRequest(ctx)
	case "reject_request":
		return w.v.RejectRequest(ctx)
	case "remove_friend":
		return w.v.RemoveFriend(ctx)
	}
	return unknownIntent(ViewRelationship, intent)
}

func (w *relationshipView) state() map[string]string {
	status, dir := w.v.Status()
	guard := "none"
	if w.v.Guard() != nil {
		guard = "active"
	}
	return map[string]string{
		"status":    string(status),
		"direction": string(dir),
		"ready":     strconv.FormatBool(w.v.Ready()),
		"guard":     guard,
	}
}

func (w *relationshipView) close() { w.v.Close() }

type savedView struct {
	v *engine.SavedView
}

func (w *savedView) invoke(ctx context.Context, intent string, args map[string]any) error {
	switch intent {
	case "toggle":
		item, err := argString(args, "item")
		if err != nil {
			return err
		}
		_, err = w.v.Toggle(ctx, item)
		return err
	}
	return unknownIntent(ViewSaved, intent)
}

func (w *savedView) state() map[string]string {
	return map[string]string{
		"items": strings.Join(w.v.Items(), ","),
		"ready": strconv.FormatBool(w.v.Ready()),
	}
}

func (w *savedView) close() { w.v.Close() }

type feedView struct {
	v        *engine.FeedView
	feed     string
	attached *attachSet
}

func (w *feedView) invoke(_ context.Context, intent string, args map[string]any) error {
	switch intent {
	case "request_more":
		w.v.RequestMore()
		return nil
	case "visible":
		item, err := argString(args, "item")
		if err != nil {
			return err
		}
		ratio, err := argFloat(args, "ratio")
		if err != nil {
			return err
		}
		w.v.ReportVisibility(item, ratio)
		return nil
	case "sentinel":
		w.v.ReportVisibility(engine.SentinelID, 1)
		return nil
	case "prepend":
		id, err := argString(args, "id")
		if err != nil {
			return err
		}
		author, _ := args["author"].(string)
		created, _ := argInt(args, "created_at")
		return w.v.Prepend(snapshot.FeedItem{ID: id, AuthorID: author, CreatedAt: created})
	}
	return unknownIntent(ViewFeed, intent)
}

func (w *feedView) state() map[string]string {
	win := w.v.Window()
	revealed := win.Revealed()
	ids := make([]string, len(revealed))
	for i, it := range revealed {
		ids[i] = it.ID
	}
	return map[string]string{
		"revealed":  strings.Join(ids, ","),
		"order":     strings.Join(win.Order(), ","),
		"active":    win.Active(),
		"exhausted": strconv.FormatBool(win.Exhausted()),
		"attached":  strings.Join(w.attached.sorted(), ","),
	}
}

func (w *feedView) close() { w.v.Close() }

// attachSet is an engine.Attacher that remembers what is attached.
type attachSet struct {
	ids map[string]bool
}

func (a *attachSet) Attach(id string) { a.ids[id] = true }
func (a *attachSet) Detach(id string) { delete(a.ids, id) }

func (a *attachSet) sorted() []string {
	return slices.Sorted(maps.Keys(a.ids))
}

func argString(args map[string]any, name string) (string, error) {
	s, ok := args[name].(string)
	if !ok || s == "" {
		return "", scriptErrorf("argument %q: string required", name)
	}
	return s, nil
}

func argInt(args map[string]any, name string) (int64, error) {
	switch n := args[name].(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	}
	return 0, scriptErrorf("argument %q: integer required", name)
}

func argFloat(args map[string]any, name string) (float64, error) {
	switch n := args[name].(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, scriptErrorf("argument %q: number required", name)
}
