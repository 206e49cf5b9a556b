// Package feedcache implements feed.Cache: a process-local LRU with TTL,
// a Redis-backed cache storing CBOR-encoded projections, and a no-op cache
// used when caching is disabled.
//
// All implementations treat a missing or expired entry as a miss.
package feedcache

import (
	"context"

	"github.com/onnwee/campusfeed/internal/feed"
)

// SweepFunc receives a recipient's cached projections and returns the ones
// to keep. Returning an empty slice drops the entry.
type SweepFunc func(recipientID string, ps []feed.Projection) []feed.Projection

// Sweeper is implemented by caches that can walk every cached recipient.
type Sweeper interface {
	Sweep(ctx context.Context, fn SweepFunc) (int, error)
}
