package feedcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/onnwee/campusfeed/internal/feed"
)

type lruItem struct {
	projections []feed.Projection
	expiresAt   time.Time
}

// LRU is a process-local cache bounded by recipient count.
type LRU struct {
	mu    sync.Mutex // serializes read-modify-write
	cache *lru.Cache[string, lruItem]
	now   func() time.Time
}

// NewLRU creates an LRU cache holding at most size recipients.
func NewLRU(size int) (*LRU, error) {
	c, err := lru.New[string, lruItem](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	return &LRU{cache: c, now: time.Now}, nil
}

func clone(ps []feed.Projection) []feed.Projection {
	if ps == nil {
		return nil
	}
	out := make([]feed.Projection, len(ps))
	copy(out, ps)
	return out
}

// getLocked returns the live item or reports a miss, evicting expired ones.
func (c *LRU) getLocked(recipientID string) (lruItem, bool) {
	item, ok := c.cache.Get(recipientID)
	if !ok {
		return lruItem{}, false
	}
	if !c.now().Before(item.expiresAt) {
		c.cache.Remove(recipientID)
		return lruItem{}, false
	}
	return item, true
}

// Get returns a copy of the cached projections.
func (c *LRU) Get(ctx context.Context, recipientID string) ([]feed.Projection, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.getLocked(recipientID)
	if !ok {
		return nil, false, nil
	}
	return clone(item.projections), true, nil
}

// Set stores a copy of ps for ttl.
func (c *LRU) Set(ctx context.Context, recipientID string, ps []feed.Projection, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(recipientID, lruItem{projections: clone(ps), expiresAt: c.now().Add(ttl)})
	return nil
}

// Update applies fn to a live entry. A zero ttl keeps the current expiry.
func (c *LRU) Update(ctx context.Context, recipientID string, ttl time.Duration, fn func([]feed.Projection) []feed.Projection) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.getLocked(recipientID)
	if !ok {
		return false, nil
	}
	next := lruItem{projections: clone(fn(clone(item.projections))), expiresAt: item.expiresAt}
	if ttl > 0 {
		next.expiresAt = c.now().Add(ttl)
	}
	c.cache.Add(recipientID, next)
	return true, nil
}

// Delete drops a recipient's entry.
func (c *LRU) Delete(ctx context.Context, recipientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(recipientID)
	return nil
}

// Sweep applies fn to every live entry and returns the number changed.
func (c *LRU) Sweep(ctx context.Context, fn SweepFunc) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := 0
	for _, key := range c.cache.Keys() {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		item, ok := c.cache.Peek(key)
		if !ok {
			continue
		}
		if !c.now().Before(item.expiresAt) {
			c.cache.Remove(key)
			continue
		}
		kept := fn(key, clone(item.projections))
		if len(kept) == len(item.projections) {
			continue
		}
		changed++
		if len(kept) == 0 {
			c.cache.Remove(key)
			continue
		}
		c.cache.Add(key, lruItem{projections: clone(kept), expiresAt: item.expiresAt})
	}
	return changed, nil
}

var (
	_ feed.Cache = (*LRU)(nil)
	_ Sweeper    = (*LRU)(nil)
)
