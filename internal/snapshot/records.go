package snapshot

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrMalformed marks a snapshot that could not be coerced into a record.
var ErrMalformed = errors.New("malformed snapshot")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// VotableEntity is an entity carrying an aggregate score and the per-user
// votes that make it up. UserVotes holds only -1 and +1; an absent user has
// not voted.
type VotableEntity struct {
	ID        string
	Score     int64
	UserVotes map[string]int64
}

// Vote returns the direction userID voted, or 0.
func (e VotableEntity) Vote(userID string) int64 {
	return e.UserVotes[userID]
}

// Sum returns the sum of all user votes.
func (e VotableEntity) Sum() int64 {
	var sum int64
	for _, v := range e.UserVotes {
		sum += v
	}
	return sum
}

// Value encodes the entity as stored at its path. The id is the path key
// and is not stored.
func (e VotableEntity) Value() Value {
	obj := Object{"score": Int(e.Score)}
	if len(e.UserVotes) > 0 {
		votes := make(Object, len(e.UserVotes))
		for uid, dir := range e.UserVotes {
			votes[uid] = Int(dir)
		}
		obj["userVotes"] = votes
	}
	return obj
}

// Clone returns a deep copy.
func (e VotableEntity) Clone() VotableEntity {
	out := VotableEntity{ID: e.ID, Score: e.Score, UserVotes: make(map[string]int64, len(e.UserVotes))}
	for k, v := range e.UserVotes {
		out.UserVotes[k] = v
	}
	return out
}

// DecodeEntity coerces the snapshot at an entity path. Absence decodes to
// a zero entity. A missing score is taken as the sum of the votes. Votes
// outside {-1, 0, +1} are dropped and reported in the returned error, which
// may accompany a usable entity.
func DecodeEntity(id string, v Value) (VotableEntity, error) {
	e := VotableEntity{ID: id, UserVotes: make(map[string]int64)}
	if v == nil {
		return e, nil
	}
	obj, ok := v.(Object)
	if !ok {
		return e, malformed("entity %s: expected object, got %T", id, v)
	}

	var errs []error
	if raw, ok := obj["userVotes"]; ok {
		votes, isObj := raw.(Object)
		if !isObj {
			errs = append(errs, malformed("entity %s: userVotes is %T", id, raw))
		}
		for _, uid := range votes.SortedKeys() {
			dir, isInt := votes[uid].(Int)
			switch {
			case !isInt:
				errs = append(errs, malformed("entity %s: vote of %s is %T", id, uid, votes[uid]))
			case dir == 0:
			case dir == 1 || dir == -1:
				e.UserVotes[uid] = int64(dir)
			default:
				errs = append(errs, malformed("entity %s: vote of %s is %d", id, uid, dir))
			}
		}
	}

	switch score := obj["score"].(type) {
	case Int:
		e.Score = int64(score)
	case nil:
		e.Score = e.Sum()
	default:
		e.Score = e.Sum()
		errs = append(errs, malformed("entity %s: score is %T", id, score))
	}
	return e, errors.Join(errs...)
}

// RequestStatusPending is the only status a stored friend request carries.
const RequestStatusPending = "pending"

// FriendRequest is the record stored under the recipient.
type FriendRequest struct {
	Timestamp int64
	Status    string
}

// Value encodes the request.
func (r FriendRequest) Value() Value {
	status := r.Status
	if status == "" {
		status = RequestStatusPending
	}
	return Object{"timestamp": Int(r.Timestamp), "status": String(status)}
}

// EdgeKind names one of the three streams a relationship view observes.
type EdgeKind int

const (
	// EdgeFriends is users/{self}/friends/{target}.
	EdgeFriends EdgeKind = iota
	// EdgeOutgoing is users/{target}/friendRequests/{self}.
	EdgeOutgoing
	// EdgeIncoming is users/{self}/friendRequests/{target}.
	EdgeIncoming
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeFriends:
		return "friends"
	case EdgeOutgoing:
		return "outgoing_request"
	case EdgeIncoming:
		return "incoming_request"
	default:
		return fmt.Sprintf("EdgeKind(%d)", int(k))
	}
}

// RelationshipEdge is the decoded state of one relationship stream.
// Request is populated only for request edges that are present.
type RelationshipEdge struct {
	Kind    EdgeKind
	Present bool
	Request FriendRequest
}

// DecodeEdge coerces a snapshot of one relationship stream. Any existing
// value counts as presence, except an explicit false on a friends edge.
// Malformed request fields are reported but do not clear presence.
func DecodeEdge(kind EdgeKind, v Value) (RelationshipEdge, error) {
	edge := RelationshipEdge{Kind: kind}
	if kind == EdgeFriends {
		edge.Present = present(v)
		return edge, nil
	}
	if v == nil {
		return edge, nil
	}
	edge.Present = true
	edge.Request.Status = RequestStatusPending

	obj, ok := v.(Object)
	if !ok {
		return edge, malformed("%s: expected object, got %T", kind, v)
	}
	var errs []error
	switch ts := obj["timestamp"].(type) {
	case Int:
		edge.Request.Timestamp = int64(ts)
	case nil:
	default:
		errs = append(errs, malformed("%s: timestamp is %T", kind, ts))
	}
	switch st := obj["status"].(type) {
	case String:
		edge.Request.Status = string(st)
	case nil:
	default:
		errs = append(errs, malformed("%s: status is %T", kind, st))
	}
	return edge, errors.Join(errs...)
}

// present reports boolean presence: any value except absence and false.
func present(v Value) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(Bool); ok {
		return bool(b)
	}
	return true
}

// MembershipRecord is one entry of a user-scoped membership set.
type MembershipRecord struct {
	ItemID  string
	Present bool
}

// DecodeMembership coerces the snapshot of a whole membership set into
// the set of present item ids.
func DecodeMembership(v Value) (map[string]bool, error) {
	set := make(map[string]bool)
	if v == nil {
		return set, nil
	}
	obj, ok := v.(Object)
	if !ok {
		return set, malformed("membership set: expected object, got %T", v)
	}
	for id, child := range obj {
		if present(child) {
			set[id] = true
		}
	}
	return set, nil
}

// DiffMembership returns the records whose presence differs between two
// sets, ordered by item id.
func DiffMembership(before, after map[string]bool) []MembershipRecord {
	var out []MembershipRecord
	for id := range before {
		if !after[id] {
			out = append(out, MembershipRecord{ItemID: id, Present: false})
		}
	}
	for id := range after {
		if !before[id] {
			out = append(out, MembershipRecord{ItemID: id, Present: true})
		}
	}
	slices.SortFunc(out, func(a, b MembershipRecord) int { return strings.Compare(a.ItemID, b.ItemID) })
	return out
}

// FeedItem is one element of a feed collection.
type FeedItem struct {
	ID        string
	AuthorID  string
	CreatedAt int64
}

// Value encodes the item as stored under its feed.
func (it FeedItem) Value() Value {
	return Object{"authorId": String(it.AuthorID), "createdAt": Int(it.CreatedAt)}
}

// DecodeFeed coerces a feed collection snapshot into items in natural
// order: createdAt ascending, then id. Items that are not objects are
// skipped and reported; missing fields decode as zero values.
func DecodeFeed(v Value) ([]FeedItem, error) {
	if v == nil {
		return nil, nil
	}
	obj, ok := v.(Object)
	if !ok {
		return nil, malformed("feed: expected object, got %T", v)
	}
	items := make([]FeedItem, 0, len(obj))
	var errs []error
	for _, id := range obj.SortedKeys() {
		fields, ok := obj[id].(Object)
		if !ok {
			errs = append(errs, malformed("feed item %s: expected object, got %T", id, obj[id]))
			continue
		}
		it := FeedItem{ID: id}
		if a, ok := fields["authorId"].(String); ok {
			it.AuthorID = string(a)
		}
		if c, ok := fields["createdAt"].(Int); ok {
			it.CreatedAt = int64(c)
		}
		items = append(items, it)
	}
	slices.SortStableFunc(items, func(a, b FeedItem) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt < b.CreatedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return items, errors.Join(errs...)
}

// NotificationTypeFriendRequest is the type of the notification written
// alongside a friend request.
const NotificationTypeFriendRequest = "friend_request"

// Notification is a record under users/{uid}/notifications.
type Notification struct {
	ID        string
	Type      string
	From      string
	Timestamp int64
}

// Value encodes the notification.
func (n Notification) Value() Value {
	return Object{"type": String(n.Type), "from": String(n.From), "timestamp": Int(n.Timestamp)}
}
