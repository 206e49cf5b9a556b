package feedstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/campusfeed/internal/feed"
)

// MemoryStore is an in-memory feed.Store. Thread-safe via RWMutex; all
// returned values are copies.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]feed.Entry // recipient -> item -> entry
	markers map[string]feed.PopularMarker    // author/item -> marker
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]map[string]feed.Entry),
		markers: make(map[string]feed.PopularMarker),
		now:     time.Now,
	}
}

// insertLocked must be called with the write lock held.
func (s *MemoryStore) insertLocked(e feed.Entry) bool {
	byItem, ok := s.entries[e.RecipientID]
	if !ok {
		byItem = make(map[string]feed.Entry)
		s.entries[e.RecipientID] = byItem
	}
	if _, exists := byItem[e.ItemID]; exists {
		return false
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	byItem[e.ItemID] = e
	return true
}

// InsertEntries inserts entries, ignoring pairs that already exist.
func (s *MemoryStore) InsertEntries(ctx context.Context, entries []feed.Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, e := range entries {
		if s.insertLocked(e) {
			inserted++
		}
	}
	return inserted, nil
}

// ReplaceEntries drops every entry of recipientID and inserts entries.
func (s *MemoryStore) ReplaceEntries(ctx context.Context, recipientID string, entries []feed.Entry) (int, error) {
	for _, e := range entries {
		if e.RecipientID != recipientID {
			return 0, fmt.Errorf("%w: entry for %s in rebuild of %s", feed.ErrValidation, e.RecipientID, recipientID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, recipientID)
	inserted := 0
	for _, e := range entries {
		if s.insertLocked(e) {
			inserted++
		}
	}
	return inserted, nil
}

// GetEntry returns a copy of the entry for a pair.
func (s *MemoryStore) GetEntry(ctx context.Context, recipientID, itemID string) (*feed.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[recipientID][itemID]
	if !ok {
		return nil, fmt.Errorf("entry %s/%s: %w", recipientID, itemID, feed.ErrNotFound)
	}
	return &e, nil
}

// ListEntries returns entries whose item was created at or after since,
// ordered by score descending.
func (s *MemoryStore) ListEntries(ctx context.Context, recipientID string, since time.Time) ([]feed.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []feed.Entry
	for _, e := range s.entries[recipientID] {
		if e.ItemCreatedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(es []feed.Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Score != es[j].Score {
			return es[i].Score > es[j].Score
		}
		if !es[i].ItemCreatedAt.Equal(es[j].ItemCreatedAt) {
			return es[i].ItemCreatedAt.After(es[j].ItemCreatedAt)
		}
		return es[i].ItemID < es[j].ItemID
	})
}

// SetFlag sets flag on an existing entry.
func (s *MemoryStore) SetFlag(ctx context.Context, recipientID, itemID string, flag feed.Flag) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[recipientID][itemID]
	if !ok {
		return false, nil
	}
	switch flag {
	case feed.FlagViewed:
		e.Viewed = true
	case feed.FlagInteracted:
		e.Interacted = true
	default:
		return false, fmt.Errorf("%w: unknown flag %d", feed.ErrValidation, flag)
	}
	s.entries[recipientID][itemID] = e
	return true, nil
}

// EntryCounts returns the number of entries per recipient.
func (s *MemoryStore) EntryCounts(ctx context.Context, recipientIDs []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64, len(recipientIDs))
	for _, id := range recipientIDs {
		if n := len(s.entries[id]); n > 0 {
			counts[id] = int64(n)
		}
	}
	return counts, nil
}

// expiredLocked returns the expired entries in deterministic order. Must be
// called with a lock held.
func (s *MemoryStore) expiredLocked(cutoff time.Time, recipientIDs []string) []feed.Entry {
	var scope []string
	if recipientIDs == nil {
		for id := range s.entries {
			scope = append(scope, id)
		}
	} else {
		scope = append(scope, recipientIDs...)
	}
	sort.Strings(scope)

	var out []feed.Entry
	for _, id := range scope {
		items := make([]string, 0, len(s.entries[id]))
		for itemID := range s.entries[id] {
			items = append(items, itemID)
		}
		sort.Strings(items)
		for _, itemID := range items {
			if e := s.entries[id][itemID]; e.CreatedAt.Before(cutoff) {
				out = append(out, e)
			}
		}
	}
	return out
}

// CountEntriesBefore counts entries created before cutoff.
func (s *MemoryStore) CountEntriesBefore(ctx context.Context, cutoff time.Time, recipientIDs []string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.expiredLocked(cutoff, recipientIDs))), nil
}

// DeleteEntriesBefore deletes at most limit entries created before cutoff.
func (s *MemoryStore) DeleteEntriesBefore(ctx context.Context, cutoff time.Time, recipientIDs []string, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := s.expiredLocked(cutoff, recipientIDs)
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, e := range expired {
		delete(s.entries[e.RecipientID], e.ItemID)
		if len(s.entries[e.RecipientID]) == 0 {
			delete(s.entries, e.RecipientID)
		}
	}
	return int64(len(expired)), nil
}

// CreateMarker stores a marker, ignoring an existing one for the same item.
func (s *MemoryStore) CreateMarker(ctx context.Context, marker feed.PopularMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := marker.AuthorID + "/" + marker.ItemID
	if _, ok := s.markers[key]; ok {
		return nil
	}
	if marker.CreatedAt.IsZero() {
		marker.CreatedAt = s.now()
	}
	s.markers[key] = marker
	return nil
}

// ListMarkers returns markers whose item was created at or after since,
// newest first.
func (s *MemoryStore) ListMarkers(ctx context.Context, since time.Time) ([]feed.PopularMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []feed.PopularMarker
	for _, m := range s.markers {
		if m.ItemCreatedAt.Before(since) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ItemCreatedAt.Equal(out[j].ItemCreatedAt) {
			return out[i].ItemCreatedAt.After(out[j].ItemCreatedAt)
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}

var _ feed.Store = (*MemoryStore)(nil)
