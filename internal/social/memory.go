package social

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/campusfeed/internal/feed"
)

// InMemory implements every collaborator interface with in-memory maps.
// Used by tests and local development. Thread-safe via RWMutex.
type InMemory struct {
	mu         sync.RWMutex
	followers  map[string]map[string]struct{} // author -> followers
	following  map[string]map[string]struct{} // recipient -> authors
	groups     map[string]map[string]struct{} // group -> members
	items      map[string]feed.ContentItem
	counters   map[string]*feed.Engagement
	engaged    map[string]map[string]struct{} // item -> actors that liked/commented/shared
	recipients map[string]time.Time           // recipient -> last activity
}

// NewInMemory creates an empty in-memory collaborator set.
func NewInMemory() *InMemory {
	return &InMemory{
		followers:  make(map[string]map[string]struct{}),
		following:  make(map[string]map[string]struct{}),
		groups:     make(map[string]map[string]struct{}),
		items:      make(map[string]feed.ContentItem),
		counters:   make(map[string]*feed.Engagement),
		engaged:    make(map[string]map[string]struct{}),
		recipients: make(map[string]time.Time),
	}
}

func addTo(m map[string]map[string]struct{}, key, val string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[val] = struct{}{}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AddRecipient registers a recipient with its last activity time.
func (m *InMemory) AddRecipient(id string, lastActive time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[id] = lastActive
}

// Follow records that follower follows author. Both become known recipients.
func (m *InMemory) Follow(follower, author string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.followers, author, follower)
	addTo(m.following, follower, author)
	m.ensureRecipient(follower)
	m.ensureRecipient(author)
}

// AddGroup creates an empty group.
func (m *InMemory) AddGroup(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		m.groups[groupID] = make(map[string]struct{})
	}
}

// AddMember adds recipient to group, creating the group if needed.
func (m *InMemory) AddMember(groupID, recipientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.groups, groupID, recipientID)
	m.ensureRecipient(recipientID)
}

// RemoveGroup deletes a group and its memberships.
func (m *InMemory) RemoveGroup(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, groupID)
}

// AddItem stores a content item.
func (m *InMemory) AddItem(item feed.ContentItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	m.ensureRecipient(item.AuthorID)
}

// SetEngagement overwrites the counters of an item.
func (m *InMemory) SetEngagement(itemID string, e feed.Engagement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := e
	m.counters[itemID] = &c
}

// ensureRecipient must be called with the write lock held.
func (m *InMemory) ensureRecipient(id string) {
	if _, ok := m.recipients[id]; !ok {
		m.recipients[id] = time.Now()
	}
}

// GroupsForRecipient returns the sorted groups recipient belongs to.
func (m *InMemory) GroupsForRecipient(ctx context.Context, recipientID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for g, members := range m.groups {
		if _, ok := members[recipientID]; ok {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MembersOfGroup returns the sorted members of a group.
func (m *InMemory) MembersOfGroup(ctx context.Context, groupID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrGroupNotFound)
	}
	return sortedKeys(members), nil
}

// Followers returns the sorted followers of author.
func (m *InMemory) Followers(ctx context.Context, authorID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.followers[authorID]), nil
}

// Following returns the sorted authors recipient follows.
func (m *InMemory) Following(ctx context.Context, recipientID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.following[recipientID]), nil
}

// GetItem returns a copy of an item.
func (m *InMemory) GetItem(ctx context.Context, itemID string) (*feed.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, feed.ErrNotFound)
	}
	return &item, nil
}

// ItemsSince returns matching items ordered by creation time descending.
func (m *InMemory) ItemsSince(ctx context.Context, since time.Time, q ItemQuery) ([]feed.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	authors := toSet(q.AuthorIDs)
	personal := toSet(q.PersonalOf)
	groups := toSet(q.GroupIDs)

	var out []feed.ContentItem
	for _, item := range m.items {
		if item.CreatedAt.Before(since) {
			continue
		}
		if q.All || matches(item, q.IncludePublic, authors, personal, groups) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matches(item feed.ContentItem, public bool, authors, personal, groups map[string]struct{}) bool {
	if _, ok := authors[item.AuthorID]; ok {
		return true
	}
	if !item.IsGroup() {
		if _, ok := personal[item.AuthorID]; ok {
			return true
		}
	} else if _, ok := groups[item.Group()]; ok {
		return true
	}
	return public && item.Visibility == feed.VisibilityPublic
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Engagement returns the counters for an item; unknown items have zero counters.
func (m *InMemory) Engagement(ctx context.Context, itemID string) (feed.Engagement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[itemID]; ok {
		return *c, nil
	}
	return feed.Engagement{}, nil
}

// RecordSignal bumps the counter for the signal kind and touches the actor's activity.
func (m *InMemory) RecordSignal(ctx context.Context, s feed.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[s.ItemID]
	if !ok {
		c = &feed.Engagement{}
		m.counters[s.ItemID] = c
	}
	switch s.Kind {
	case feed.KindLike:
		c.Likes++
	case feed.KindComment:
		c.Comments++
	case feed.KindShare:
		c.Shares++
	case feed.KindView:
		c.Views++
	}
	if s.Kind != feed.KindView {
		addTo(m.engaged, s.ItemID, s.ActorID)
	}
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	if prev, ok := m.recipients[s.ActorID]; !ok || at.After(prev) {
		m.recipients[s.ActorID] = at
	}
	return nil
}

// HasEngaged reports whether actor liked, commented on or shared item.
func (m *InMemory) HasEngaged(ctx context.Context, actorID, itemID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.engaged[itemID][actorID]
	return ok, nil
}

// Exists reports whether a recipient is known.
func (m *InMemory) Exists(ctx context.Context, recipientID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.recipients[recipientID]
	return ok, nil
}

// ListRecipients pages through recipients ordered by ID.
func (m *InMemory) ListRecipients(ctx context.Context, q RecipientQuery) ([]Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.recipients))
	for id := range m.recipients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Recipient
	for _, id := range ids {
		if id <= q.AfterID {
			continue
		}
		last := m.recipients[id]
		if q.ActiveSince != nil && last.Before(*q.ActiveSince) {
			continue
		}
		if q.InactiveBefore != nil && !last.Before(*q.InactiveBefore) {
			continue
		}
		out = append(out, Recipient{ID: id, LastActiveAt: last})
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}
