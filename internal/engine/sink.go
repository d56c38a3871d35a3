package engine

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/optisync/internal/snapshot"
)

// Sink receives UI-facing events. Views call it on the dispatcher
// goroutine.
type Sink interface {
	OnScoreChanged(entityID string, score, myVote int64)
	OnRelationshipStatusChanged(pairKey string, status RelationshipStatus, direction Direction)
	OnSavedChanged(itemID string, saved bool)
	OnFeedBatchRevealed(items []snapshot.FeedItem)
	OnActiveItemChanged(itemID string)
	OnFeedExhausted()
	// OnTransientError is a retryable, non-fatal notice.
	OnTransientError(op string, err error)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) OnScoreChanged(string, int64, int64)                               {}
func (NopSink) OnRelationshipStatusChanged(string, RelationshipStatus, Direction) {}
func (NopSink) OnSavedChanged(string, bool)                                       {}
func (NopSink) OnFeedBatchRevealed([]snapshot.FeedItem)                           {}
func (NopSink) OnActiveItemChanged(string)                                        {}
func (NopSink) OnFeedExhausted()                                                  {}
func (NopSink) OnTransientError(string, error)                                    {}

// Event kinds recorded by Recorder.
const (
	EventScoreChanged        = "score_changed"
	EventRelationshipChanged = "relationship_changed"
	EventSavedChanged        = "saved_changed"
	EventFeedBatchRevealed   = "feed_batch_revealed"
	EventActiveItemChanged   = "active_item_changed"
	EventFeedExhausted       = "feed_exhausted"
	EventTransientError      = "transient_error"
)

// Event is one recorded sink call. Fields are stringified so traces compare
// and serialize deterministically.
type Event struct {
	Kind   string            `json:"kind" yaml:"kind"`
	Key    string            `json:"key,omitempty" yaml:"key,omitempty"`
	Fields map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// String renders the event on one line, fields in sorted order.
func (e Event) String() string {
	var b strings.Builder
	b.WriteString(e.Kind)
	if e.Key != "" {
		b.WriteString(" ")
		b.WriteString(e.Key)
	}
	for _, k := range sortedFieldKeys(e.Fields) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(e.Fields[k])
	}
	return b.String()
}

// Recorder is a Sink that keeps every event in order.
//
// Thread-safety: Recorder is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kind returns the recorded events of one kind.
func (r *Recorder) Kind(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent event of kind.
func (r *Recorder) Last(kind string) (Event, bool) {
	events := r.Kind(kind)
	if len(events) == 0 {
		return Event{}, false
	}
	return events[len(events)-1], true
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) OnScoreChanged(entityID string, score, myVote int64) {
	r.record(Event{Kind: EventScoreChanged, Key: entityID, Fields: map[string]string{
		"score":   strconv.FormatInt(score, 10),
		"my_vote": strconv.FormatInt(myVote, 10),
	}})
}

func (r *Recorder) OnRelationshipStatusChanged(pairKey string, status RelationshipStatus, direction Direction) {
	fields := map[string]string{"status": string(status)}
	if direction != DirectionNone {
		fields["direction"] = string(direction)
	}
	r.record(Event{Kind: EventRelationshipChanged, Key: pairKey, Fields: fields})
}

func (r *Recorder) OnSavedChanged(itemID string, saved bool) {
	r.record(Event{Kind: EventSavedChanged, Key: itemID, Fields: map[string]string{
		"saved": strconv.FormatBool(saved),
	}})
}

func (r *Recorder) OnFeedBatchRevealed(items []snapshot.FeedItem) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	r.record(Event{Kind: EventFeedBatchRevealed, Fields: map[string]string{
		"items": strings.Join(ids, ","),
	}})
}

func (r *Recorder) OnActiveItemChanged(itemID string) {
	r.record(Event{Kind: EventActiveItemChanged, Key: itemID})
}

func (r *Recorder) OnFeedExhausted() {
	r.record(Event{Kind: EventFeedExhausted})
}

func (r *Recorder) OnTransientError(op string, err error) {
	fields := map[string]string{}
	if err != nil {
		fields["error"] = err.Error()
	}
	r.record(Event{Kind: EventTransientError, Key: op, Fields: fields})
}

func sortedFieldKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}

var (
	_ Sink = NopSink{}
	_ Sink = (*Recorder)(nil)
)
