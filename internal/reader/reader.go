// Package reader assembles a recipient's ranked feed from the cache, the
// durable entry store and the pull path for popular items.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/campusfeed/internal/audience"
	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/feedcache"
	"github.com/onnwee/campusfeed/internal/ranking"
	"github.com/onnwee/campusfeed/internal/social"
	"github.com/onnwee/campusfeed/internal/tracing"
)

// Reader defaults.
const (
	DefaultWindow        = 30 * 24 * time.Hour
	DefaultCacheTTL      = 10 * time.Minute
	DefaultInteractedCap = 5
	DefaultPageSize      = 20
	MaxPageSize          = 100
)

// Config configures a Reader.
type Config struct {
	// Window bounds how far back stored entries and markers are read.
	Window        time.Duration
	CacheTTL      time.Duration
	CacheLimit    int
	InteractedCap int
	Logger        *slog.Logger
	Metrics       *Metrics
}

// Reader serves feed pages.
type Reader struct {
	store    feed.Store
	cache    feed.Cache
	content  social.ContentStore
	resolver *audience.Resolver
	scorer   *ranking.Scorer
	config   Config
	now      func() time.Time
}

// New creates a Reader. cache may be nil.
func New(
	store feed.Store,
	cache feed.Cache,
	content social.ContentStore,
	resolver *audience.Resolver,
	scorer *ranking.Scorer,
	config Config,
) *Reader {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.CacheLimit <= 0 {
		config.CacheLimit = feed.DefaultCacheLimit
	}
	if config.InteractedCap <= 0 {
		config.InteractedCap = DefaultInteractedCap
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if scorer == nil {
		scorer = ranking.NewScorer()
	}
	return &Reader{
		store:    store,
		cache:    feedcache.OrNoop(cache),
		content:  content,
		resolver: resolver,
		scorer:   scorer,
		config:   config,
		now:      time.Now,
	}
}

// GetFeed returns page (1-based) of recipientID's feed. Interacted items
// come first, capped at the interacted limit. pageSize is clamped to
// MaxPageSize. Page 1 is served from the cache when possible and cached
// after assembly otherwise.
func (r *Reader) GetFeed(ctx context.Context, recipientID string, page, pageSize int) (out []feed.Projection, err error) {
	if recipientID == "" {
		return nil, fmt.Errorf("%w: recipient id is required", feed.ErrValidation)
	}
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("%w: page and page size must be positive, got %d and %d",
			feed.ErrValidation, page, pageSize)
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	ctx, endSpan := tracing.StartSpan(ctx, "reader.get_feed",
		attribute.String("recipient_id", recipientID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize))
	defer func() { endSpan(err) }()

	if page == 1 {
		cached, ok, err := r.cache.Get(ctx, recipientID)
		switch {
		case err != nil:
			r.config.Metrics.cacheResult("error")
			r.config.Logger.WarnContext(ctx, "feed cache read failed, falling back to store",
				slog.String("recipient_id", recipientID),
				slog.String("error", err.Error()))
		case ok:
			r.config.Metrics.cacheResult("hit")
			return paginate(Arrange(cached, r.config.InteractedCap), 1, pageSize), nil
		default:
			r.config.Metrics.cacheResult("miss")
		}
	}

	assembled, err := r.assemble(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	if page == 1 {
		top := assembled
		if len(top) > r.config.CacheLimit {
			top = top[:r.config.CacheLimit]
		}
		if err := r.cache.Set(ctx, recipientID, top, r.config.CacheTTL); err != nil {
			r.config.Logger.WarnContext(ctx, "failed to cache feed",
				slog.String("recipient_id", recipientID),
				slog.String("error", err.Error()))
		}
	}
	return paginate(assembled, page, pageSize), nil
}

// assemble merges stored entries with pulled popular items and arranges them.
func (r *Reader) assemble(ctx context.Context, recipientID string) ([]feed.Projection, error) {
	start := time.Now()
	defer func() { r.config.Metrics.observeAssemble(time.Since(start).Seconds()) }()

	since := r.now().Add(-r.config.Window)
	entries, err := r.store.ListEntries(ctx, recipientID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list feed entries for %s: %w", recipientID, err)
	}

	seen := make(map[string]struct{}, len(entries))
	ps := make([]feed.Projection, 0, len(entries))
	for _, e := range entries {
		seen[e.ItemID] = struct{}{}
		item, err := r.content.GetItem(ctx, e.ItemID)
		if errors.Is(err, feed.ErrNotFound) {
			r.config.Logger.DebugContext(ctx, "skipping entry for deleted item",
				slog.String("recipient_id", recipientID),
				slog.String("item_id", e.ItemID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load item %s: %w", e.ItemID, err)
		}
		ps = append(ps, feed.NewProjection(e, *item))
	}

	pulled, err := r.pull(ctx, recipientID, since, seen)
	if err != nil {
		return nil, err
	}
	r.config.Metrics.addPulled(len(pulled))
	ps = append(ps, pulled...)

	return Arrange(ps, r.config.InteractedCap), nil
}

// pull scores popular items the recipient may see but was not pushed.
func (r *Reader) pull(ctx context.Context, recipientID string, since time.Time, seen map[string]struct{}) ([]feed.Projection, error) {
	markers, err := r.store.ListMarkers(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list popular markers: %w", err)
	}

	var pending []feed.PopularMarker
	for _, m := range markers {
		if _, ok := seen[m.ItemID]; !ok {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	viewer, err := r.resolver.LoadViewer(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	var out []feed.Projection
	for _, m := range pending {
		item, err := r.content.GetItem(ctx, m.ItemID)
		if errors.Is(err, feed.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load popular item %s: %w", m.ItemID, err)
		}
		if !viewer.CanSee(*item) {
			continue
		}

		engagement, err := r.content.Engagement(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load engagement for %s: %w", item.ID, err)
		}
		var groups []string
		if item.IsGroup() && viewer.Groups.Contains(item.Group()) {
			groups = []string{item.Group()}
		}
		// Pulled items have no entry to flag, so interactions come from the signals.
		interacted := item.AuthorID == recipientID
		if !interacted {
			interacted, err = r.content.HasEngaged(ctx, recipientID, item.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to check engagement of %s on %s: %w", recipientID, item.ID, err)
			}
		}

		entry := feed.Entry{
			RecipientID:   recipientID,
			ItemID:        item.ID,
			AuthorID:      item.AuthorID,
			Score:         r.scorer.Score(*item, engagement, groups, now),
			ItemCreatedAt: item.CreatedAt,
			CreatedAt:     now,
			Interacted:    interacted,
		}
		out = append(out, feed.NewProjection(entry, *item))
	}
	return out, nil
}
