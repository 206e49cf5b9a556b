// Package feed defines the data model shared by the ranking, fan-out and
// read paths: content items, engagement signals, feed entries, cached
// projections and popular producer markers.
package feed

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Visibility controls who may see a content item.
type Visibility string

// Visibility values.
const (
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
)

// PreviewLength is the maximum number of runes kept in a projection preview.
const PreviewLength = 100

// ContentItem is the canonical content record. It is owned by the content
// store; the feed subsystem only reads it.
type ContentItem struct {
	ID         string     `json:"id"`
	AuthorID   string     `json:"author_id"`
	GroupID    *string    `json:"group_id,omitempty"` // nil for personal content
	Visibility Visibility `json:"visibility"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	CreatedAt  time.Time  `json:"created_at"`
}

// IsGroup reports whether the item belongs to a group.
func (c ContentItem) IsGroup() bool {
	return c.GroupID != nil && *c.GroupID != ""
}

// Group returns the group ID or an empty string for personal content.
func (c ContentItem) Group() string {
	if c.GroupID == nil {
		return ""
	}
	return *c.GroupID
}

// Restricted reports whether the item is visible to group members only.
func (c ContentItem) Restricted() bool {
	return c.Visibility == VisibilityRestricted
}

// Preview returns the first PreviewLength runes of the body.
func (c ContentItem) Preview() string {
	if utf8.RuneCountInString(c.Body) <= PreviewLength {
		return c.Body
	}
	runes := []rune(c.Body)
	return string(runes[:PreviewLength])
}

// Kind is the type of an engagement signal.
type Kind string

// Engagement kinds.
const (
	KindLike    Kind = "like"
	KindComment Kind = "comment"
	KindShare   Kind = "share"
	KindView    Kind = "view"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLike, KindComment, KindShare, KindView:
		return true
	}
	return false
}

// ParseKind converts s into a Kind, returning ErrValidation for unknown values.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown interaction kind %q", ErrValidation, s)
	}
	return k, nil
}

// Signal is an append-only engagement event.
type Signal struct {
	ItemID  string    `json:"item_id"`
	ActorID string    `json:"actor_id"`
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
}

// Engagement is a snapshot of the denormalized counters for one item.
type Engagement struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
	Views    int64 `json:"views"`
}

// Entry is a ranked feed row for one (recipient, item) pair.
//
// CreatedAt is when the row was written and drives retention pruning.
// ItemCreatedAt is denormalized from the content item for windowing and
// tie-breaks; the content store stays authoritative.
type Entry struct {
	RecipientID   string    `json:"recipient_id"`
	ItemID        string    `json:"item_id"`
	AuthorID      string    `json:"author_id"`
	Score         float64   `json:"score"`
	ItemCreatedAt time.Time `json:"item_created_at"`
	CreatedAt     time.Time `json:"created_at"`
	Viewed        bool      `json:"viewed"`
	Interacted    bool      `json:"interacted"`
}

// Flag names a boolean column on Entry that interactions may set.
type Flag int

// Entry flags.
const (
	FlagViewed Flag = iota + 1
	FlagInteracted
)

// FlagFor maps an interaction kind onto the entry flag it sets.
func FlagFor(k Kind) Flag {
	if k == KindView {
		return FlagViewed
	}
	return FlagInteracted
}

// Projection is the lightweight cached form of an entry.
type Projection struct {
	ItemID     string    `json:"item_id" cbor:"1,keyasint"`
	Score      float64   `json:"score" cbor:"2,keyasint"`
	CreatedAt  time.Time `json:"created_at" cbor:"3,keyasint"`
	AuthorID   string    `json:"author_id" cbor:"4,keyasint"`
	Title      string    `json:"title" cbor:"5,keyasint"`
	Preview    string    `json:"preview" cbor:"6,keyasint"`
	Viewed     bool      `json:"viewed" cbor:"7,keyasint"`
	Interacted bool      `json:"interacted" cbor:"8,keyasint"`
}

// NewProjection builds a projection for an entry of item.
func NewProjection(e Entry, item ContentItem) Projection {
	return Projection{
		ItemID:     item.ID,
		Score:      e.Score,
		CreatedAt:  item.CreatedAt,
		AuthorID:   item.AuthorID,
		Title:      item.Title,
		Preview:    item.Preview(),
		Viewed:     e.Viewed,
		Interacted: e.Interacted,
	}
}

// PopularMarker exempts an item from full push fan-out. Readers pull the
// author's content for recipients that were not pushed to.
type PopularMarker struct {
	ID             string    `json:"id"`
	AuthorID       string    `json:"author_id"`
	ItemID         string    `json:"item_id"`
	RecipientCount int       `json:"recipient_count"`
	ItemCreatedAt  time.Time `json:"item_created_at"`
	CreatedAt      time.Time `json:"created_at"`
}
