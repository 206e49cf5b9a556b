// Package social defines the read-only collaborators the feed subsystem
// consumes: group membership, the follow graph, canonical content and the
// recipient directory.
package social

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/campusfeed/internal/feed"
)

// ErrGroupNotFound is returned when a group no longer exists.
var ErrGroupNotFound = errors.New("group not found")

// MembershipLookup answers group affiliation questions. Results may be
// eventually consistent.
type MembershipLookup interface {
	// GroupsForRecipient returns the groups a recipient belongs to.
	GroupsForRecipient(ctx context.Context, recipientID string) ([]string, error)
	// MembersOfGroup returns the members of a group or ErrGroupNotFound.
	MembersOfGroup(ctx context.Context, groupID string) ([]string, error)
}

// FollowGraph answers follower questions.
type FollowGraph interface {
	// Followers returns the recipients following author.
	Followers(ctx context.Context, authorID string) ([]string, error)
	// Following returns the authors recipient follows.
	Following(ctx context.Context, recipientID string) ([]string, error)
}

// ItemQuery selects content items for rebuilds and pull reads. An item
// matches when it satisfies any populated criterion.
type ItemQuery struct {
	AuthorIDs     []string // personal or group items written by these authors
	PersonalOf    []string // personal items of these authors only
	GroupIDs      []string // items posted to these groups
	IncludePublic bool     // any public item
	All           bool     // every item, regardless of the filters above
}

// ContentStore exposes canonical content and engagement counters.
type ContentStore interface {
	// GetItem returns an item or an error wrapping feed.ErrNotFound.
	GetItem(ctx context.Context, itemID string) (*feed.ContentItem, error)
	// ItemsSince returns items created at or after since matching q.
	ItemsSince(ctx context.Context, since time.Time, q ItemQuery) ([]feed.ContentItem, error)
	// Engagement returns the current counters for an item.
	Engagement(ctx context.Context, itemID string) (feed.Engagement, error)
	// RecordSignal appends a signal and bumps the matching counter.
	RecordSignal(ctx context.Context, s feed.Signal) error
	// HasEngaged reports whether actor liked, commented on or shared item.
	HasEngaged(ctx context.Context, actorID, itemID string) (bool, error)
}

// Recipient is a directory record.
type Recipient struct {
	ID           string    `json:"id"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// RecipientQuery pages through the directory ordered by ID.
type RecipientQuery struct {
	ActiveSince    *time.Time // last activity at or after
	InactiveBefore *time.Time // last activity strictly before
	AfterID        string     // keyset cursor
	Limit          int
}

// Directory lists recipients and their activity.
type Directory interface {
	// Exists reports whether a recipient is known.
	Exists(ctx context.Context, recipientID string) (bool, error)
	// ListRecipients returns up to q.Limit recipients with ID > q.AfterID.
	ListRecipients(ctx context.Context, q RecipientQuery) ([]Recipient, error)
}
