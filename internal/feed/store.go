package feed

import (
	"context"
	"time"
)

// Store is the durable FeedEntry and PopularMarker store.
//
// InsertEntries must be atomic per row with an ignore-on-conflict policy:
// an existing (recipient, item) row is never overwritten, so redelivery
// cannot reset interaction flags or change a score.
type Store interface {
	// InsertEntries writes entries, skipping pairs that already exist.
	// Returns the number of rows actually inserted.
	InsertEntries(ctx context.Context, entries []Entry) (int, error)

	// ReplaceEntries deletes every entry of recipient and inserts entries in
	// a single transaction. Used by full rebuilds.
	ReplaceEntries(ctx context.Context, recipientID string, entries []Entry) (int, error)

	// GetEntry returns the entry for a pair or ErrNotFound.
	GetEntry(ctx context.Context, recipientID, itemID string) (*Entry, error)

	// ListEntries returns the recipient's entries whose item was created at
	// or after since, ordered by score descending.
	ListEntries(ctx context.Context, recipientID string, since time.Time) ([]Entry, error)

	// SetFlag sets a flag to true on an existing entry. Returns false when no
	// entry exists for the pair.
	SetFlag(ctx context.Context, recipientID, itemID string, flag Flag) (bool, error)

	// EntryCounts returns the number of entries held by each recipient.
	// Recipients without entries are omitted.
	EntryCounts(ctx context.Context, recipientIDs []string) (map[string]int64, error)

	// CountEntriesBefore counts entries created before cutoff. A nil
	// recipientIDs slice means all recipients.
	CountEntriesBefore(ctx context.Context, cutoff time.Time, recipientIDs []string) (int64, error)

	// DeleteEntriesBefore deletes at most limit entries created before cutoff
	// in one transaction and returns the number deleted.
	DeleteEntriesBefore(ctx context.Context, cutoff time.Time, recipientIDs []string, limit int) (int64, error)

	// CreateMarker records a popular producer marker, ignoring duplicates.
	CreateMarker(ctx context.Context, marker PopularMarker) error

	// ListMarkers returns markers whose item was created at or after since.
	ListMarkers(ctx context.Context, since time.Time) ([]PopularMarker, error)
}

// Cache is the optional per-recipient ranked cache. A miss is never an
// error: Get reports ok=false and Update reports applied=false.
type Cache interface {
	// Get returns the cached projections for recipient.
	Get(ctx context.Context, recipientID string) ([]Projection, bool, error)

	// Set replaces the cached projections and sets the TTL.
	Set(ctx context.Context, recipientID string, projections []Projection, ttl time.Duration) error

	// Update performs a read-modify-write on an existing entry. fn is not
	// called on a miss. A zero ttl keeps the remaining TTL.
	Update(ctx context.Context, recipientID string, ttl time.Duration, fn func([]Projection) []Projection) (bool, error)

	// Delete drops the cached projections for recipient.
	Delete(ctx context.Context, recipientID string) error
}
