package feedcache

import (
	"context"
	"time"

	"github.com/onnwee/campusfeed/internal/feed"
)

// Noop is a cache that never holds anything.
type Noop struct{}

// Get always misses.
func (Noop) Get(ctx context.Context, recipientID string) ([]feed.Projection, bool, error) {
	return nil, false, nil
}

// Set discards projections.
func (Noop) Set(ctx context.Context, recipientID string, ps []feed.Projection, ttl time.Duration) error {
	return nil
}

// Update never applies.
func (Noop) Update(ctx context.Context, recipientID string, ttl time.Duration, fn func([]feed.Projection) []feed.Projection) (bool, error) {
	return false, nil
}

// Delete is a no-op.
func (Noop) Delete(ctx context.Context, recipientID string) error {
	return nil
}

// OrNoop returns c, or Noop when c is nil.
func OrNoop(c feed.Cache) feed.Cache {
	if c == nil {
		return Noop{}
	}
	return c
}

var _ feed.Cache = Noop{}
