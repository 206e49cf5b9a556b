// Package audience resolves which recipients are entitled to see a content
// item, and answers the reverse question for a single viewer.
package audience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/social"
)

// Set is a set of recipient IDs.
type Set map[string]struct{}

// NewSet creates a set from ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id. Empty IDs are ignored.
func (s Set) Add(id string) {
	if id != "" {
		s[id] = struct{}{}
	}
}

// Contains reports whether id is in the set.
func (s Set) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of recipients.
func (s Set) Len() int {
	return len(s)
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resolver computes recipient sets from the follow graph and memberships.
type Resolver struct {
	follows     social.FollowGraph
	memberships social.MembershipLookup
	logger      *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(follows social.FollowGraph, memberships social.MembershipLookup, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{follows: follows, memberships: memberships, logger: logger}
}

// Resolve returns the recipients of item. The author is always included.
// Lookup failures, including a deleted group, degrade to the author alone
// and never surface as errors.
func (r *Resolver) Resolve(ctx context.Context, item feed.ContentItem) Set {
	set := NewSet(item.AuthorID)

	var (
		ids []string
		err error
	)
	if item.IsGroup() {
		ids, err = r.memberships.MembersOfGroup(ctx, item.Group())
	} else {
		ids, err = r.follows.Followers(ctx, item.AuthorID)
	}
	if err != nil {
		attrs := []any{
			slog.String("item_id", item.ID),
			slog.String("author_id", item.AuthorID),
			slog.String("error", err.Error()),
		}
		if errors.Is(err, social.ErrGroupNotFound) {
			r.logger.WarnContext(ctx, "group missing for content item, delivering to author only",
				append(attrs, slog.String("group_id", item.Group()))...)
		} else {
			r.logger.WarnContext(ctx, "recipient lookup failed, delivering to author only", attrs...)
		}
		return set
	}

	for _, id := range ids {
		set.Add(id)
	}
	return set
}

// Viewer is one recipient's follow and group affiliations, used to decide
// entitlement on the read and rebuild paths.
type Viewer struct {
	ID        string
	Following Set
	Groups    Set
	// Public admits public items from any author.
	Public bool
}

// LoadViewer fetches the affiliations of recipientID.
func (r *Resolver) LoadViewer(ctx context.Context, recipientID string) (Viewer, error) {
	following, err := r.follows.Following(ctx, recipientID)
	if err != nil {
		return Viewer{}, fmt.Errorf("failed to load follows for %s: %w", recipientID, err)
	}
	groups, err := r.memberships.GroupsForRecipient(ctx, recipientID)
	if err != nil {
		return Viewer{}, fmt.Errorf("failed to load groups for %s: %w", recipientID, err)
	}
	return Viewer{
		ID:        recipientID,
		Following: NewSet(following...),
		Groups:    NewSet(groups...),
	}, nil
}

// CanSee applies the same rules as Resolve from the viewer's side: authors
// see their own items, group items need membership and personal items
// need a follow. Restricted items never pass through the public rule.
func (v Viewer) CanSee(item feed.ContentItem) bool {
	if item.AuthorID == v.ID {
		return true
	}
	if item.IsGroup() {
		if v.Groups.Contains(item.Group()) {
			return true
		}
	} else if v.Following.Contains(item.AuthorID) {
		return true
	}
	return v.Public && !item.Restricted()
}

// Query returns the content query matching every item v may see.
func (v Viewer) Query() social.ItemQuery {
	return social.ItemQuery{
		AuthorIDs:     []string{v.ID},
		PersonalOf:    v.Following.Sorted(),
		GroupIDs:      v.Groups.Sorted(),
		IncludePublic: v.Public,
	}
}
