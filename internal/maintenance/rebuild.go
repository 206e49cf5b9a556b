// Package maintenance holds the periodic feed jobs: full rebuilds of stale
// feeds, retention pruning and the scheduler that runs them.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/campusfeed/internal/audience"
	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/feedcache"
	"github.com/onnwee/campusfeed/internal/jobs"
	"github.com/onnwee/campusfeed/internal/ranking"
	"github.com/onnwee/campusfeed/internal/social"
	"github.com/onnwee/campusfeed/internal/tracing"
)

// Rebuild defaults.
const (
	DefaultFeedWindow        = 30 * 24 * time.Hour
	DefaultInactiveAfter     = 7 * 24 * time.Hour
	DefaultInactiveBatchSize = 100
	DefaultRebuildBatchSize  = 500
	DefaultActiveWindow      = 30 * 24 * time.Hour
	DefaultCacheTTL          = 10 * time.Minute
	DefaultMaxAttempts       = 3
)

// RebuilderConfig configures a Rebuilder.
type RebuilderConfig struct {
	// FeedWindow bounds which items a rebuilt feed contains.
	FeedWindow time.Duration
	// InactiveAfter is how long without activity makes a recipient stale.
	InactiveAfter     time.Duration
	InactiveBatchSize int
	// IncludePublic also admits public items from authors the recipient
	// does not follow.
	IncludePublic bool
	// ActiveWindow defines "active" for RebuildAll(activeOnly=true).
	ActiveWindow time.Duration
	CacheTTL     time.Duration
	CacheLimit   int
	MaxAttempts  int
	Logger       *slog.Logger
	Metrics      jobs.Reporter
}

// RebuildSummary reports a multi-recipient rebuild.
type RebuildSummary struct {
	Processed int
	Rebuilt   int
	Skipped   int // recipients that vanished mid-run
	Failed    int
	Entries   int
}

// Rebuilder recomputes feeds from the content store.
type Rebuilder struct {
	store     feed.Store
	cache     feed.Cache
	content   social.ContentStore
	directory social.Directory
	resolver  *audience.Resolver
	scorer    *ranking.Scorer
	config    RebuilderConfig
	now       func() time.Time
}

// NewRebuilder creates a Rebuilder. cache may be nil.
func NewRebuilder(
	store feed.Store,
	cache feed.Cache,
	content social.ContentStore,
	directory social.Directory,
	resolver *audience.Resolver,
	scorer *ranking.Scorer,
	config RebuilderConfig,
) *Rebuilder {
	if config.FeedWindow <= 0 {
		config.FeedWindow = DefaultFeedWindow
	}
	if config.InactiveAfter <= 0 {
		config.InactiveAfter = DefaultInactiveAfter
	}
	if config.InactiveBatchSize <= 0 {
		config.InactiveBatchSize = DefaultInactiveBatchSize
	}
	if config.ActiveWindow <= 0 {
		config.ActiveWindow = DefaultActiveWindow
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.CacheLimit <= 0 {
		config.CacheLimit = feed.DefaultCacheLimit
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if scorer == nil {
		scorer = ranking.NewScorer()
	}
	return &Rebuilder{
		store:     store,
		cache:     feedcache.OrNoop(cache),
		content:   content,
		directory: directory,
		resolver:  resolver,
		scorer:    scorer,
		config:    config,
		now:       time.Now,
	}
}

// RefreshFeed replaces recipientID's entries with a freshly scored feed of
// every item it may see from the feed window, then rewrites its cache.
// Entries are pre-marked interacted for the recipient's own items and for
// items it already liked, commented on or shared. Returns ErrNotFound for
// unknown recipients.
func (r *Rebuilder) RefreshFeed(ctx context.Context, recipientID string) (n int, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "maintenance.refresh_feed",
		attribute.String("recipient_id", recipientID))
	defer func() { endSpan(err) }()

	ok, err := r.directory.Exists(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to look up recipient %s: %w", recipientID, err)
	}
	if !ok {
		return 0, fmt.Errorf("recipient %s: %w", recipientID, feed.ErrNotFound)
	}

	viewer, err := r.resolver.LoadViewer(ctx, recipientID)
	if err != nil {
		return 0, err
	}
	viewer.Public = r.config.IncludePublic

	now := r.now()
	items, err := r.content.ItemsSince(ctx, now.Add(-r.config.FeedWindow), viewer.Query())
	if err != nil {
		return 0, fmt.Errorf("failed to load content for %s: %w", recipientID, err)
	}

	entries := make([]feed.Entry, 0, len(items))
	projections := make([]feed.Projection, 0, len(items))
	for _, item := range items {
		if !viewer.CanSee(item) {
			continue
		}
		entry, err := r.entryFor(ctx, viewer, item, now)
		if err != nil {
			return 0, err
		}
		entries = append(entries, entry)
		projections = append(projections, feed.NewProjection(entry, item))
	}

	n, err = r.store.ReplaceEntries(ctx, recipientID, entries)
	if err != nil {
		return 0, fmt.Errorf("failed to replace entries for %s: %w", recipientID, err)
	}

	feed.SortProjections(projections)
	if len(projections) > r.config.CacheLimit {
		projections = projections[:r.config.CacheLimit]
	}
	if err := r.cache.Set(ctx, recipientID, projections, r.config.CacheTTL); err != nil {
		r.config.Logger.WarnContext(ctx, "failed to cache rebuilt feed",
			slog.String("recipient_id", recipientID),
			slog.String("error", err.Error()))
	}

	r.config.Logger.DebugContext(ctx, "feed rebuilt",
		slog.String("recipient_id", recipientID),
		slog.Int("entries", n))
	return n, nil
}

func (r *Rebuilder) entryFor(ctx context.Context, viewer audience.Viewer, item feed.ContentItem, now time.Time) (feed.Entry, error) {
	engagement, err := r.content.Engagement(ctx, item.ID)
	if err != nil {
		return feed.Entry{}, fmt.Errorf("failed to load engagement for %s: %w", item.ID, err)
	}

	interacted := item.AuthorID == viewer.ID
	if !interacted {
		interacted, err = r.content.HasEngaged(ctx, viewer.ID, item.ID)
		if err != nil {
			return feed.Entry{}, fmt.Errorf("failed to check engagement of %s on %s: %w", viewer.ID, item.ID, err)
		}
	}

	var groups []string
	if item.IsGroup() && viewer.Groups.Contains(item.Group()) {
		groups = []string{item.Group()}
	}
	return feed.Entry{
		RecipientID:   viewer.ID,
		ItemID:        item.ID,
		AuthorID:      item.AuthorID,
		Score:         r.scorer.Score(item, engagement, groups, now),
		ItemCreatedAt: item.CreatedAt,
		CreatedAt:     now,
		Interacted:    interacted,
	}, nil
}

// refreshWithRetry retries RefreshFeed on transient failures.
func (r *Rebuilder) refreshWithRetry(ctx context.Context, recipientID string) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.config.MaxAttempts-1)), ctx)

	var n int
	err := backoff.Retry(func() error {
		var err error
		n, err = r.RefreshFeed(ctx, recipientID)
		if err != nil && !feed.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	return n, err
}

// rebuildPages walks the directory page by page and refreshes every
// recipient matching q. Per-recipient failures are logged and counted.
func (r *Rebuilder) rebuildPages(ctx context.Context, jobType string, q social.RecipientQuery) (RebuildSummary, error) {
	start := time.Now()
	var summary RebuildSummary

	finish := func(err error) (RebuildSummary, error) {
		status := jobs.StatusSuccess
		if err != nil || summary.Failed > 0 {
			status = jobs.StatusFailure
		}
		if r.config.Metrics != nil {
			r.config.Metrics.IncJobsTotal(jobType, status)
			r.config.Metrics.ObserveJobDuration(jobType, time.Since(start).Seconds())
		}
		r.config.Logger.InfoContext(ctx, "feed rebuild completed",
			slog.String("job_type", jobType),
			slog.Float64("duration_seconds", time.Since(start).Seconds()),
			slog.Int("processed", summary.Processed),
			slog.Int("rebuilt", summary.Rebuilt),
			slog.Int("skipped", summary.Skipped),
			slog.Int("failed", summary.Failed))
		return summary, err
	}

	for page := 1; ; page++ {
		recipients, err := r.directory.ListRecipients(ctx, q)
		if err != nil {
			if r.config.Metrics != nil {
				r.config.Metrics.IncJobErrors(jobType, "directory")
			}
			return finish(fmt.Errorf("failed to list recipients: %w", err))
		}
		if len(recipients) == 0 {
			return finish(nil)
		}

		r.config.Logger.DebugContext(ctx, "rebuilding batch",
			slog.String("job_type", jobType),
			slog.Int("batch", page),
			slog.Int("recipients", len(recipients)))

		for _, rec := range recipients {
			if err := ctx.Err(); err != nil {
				if r.config.Metrics != nil {
					r.config.Metrics.IncJobErrors(jobType, "timeout")
				}
				return finish(err)
			}
			summary.Processed++
			n, err := r.refreshWithRetry(ctx, rec.ID)
			switch {
			case errors.Is(err, feed.ErrNotFound):
				summary.Skipped++
			case err != nil:
				summary.Failed++
				if r.config.Metrics != nil {
					r.config.Metrics.IncJobErrors(jobType, "rebuild_error")
				}
				r.config.Logger.ErrorContext(ctx, "failed to rebuild feed",
					slog.String("recipient_id", rec.ID),
					slog.String("error", err.Error()))
			default:
				summary.Rebuilt++
				summary.Entries += n
			}
		}

		q.AfterID = recipients[len(recipients)-1].ID
		if len(recipients) < q.Limit {
			return finish(nil)
		}
	}
}

// RebuildInactive refreshes every recipient whose last activity is older
// than the inactivity threshold, in batches.
func (r *Rebuilder) RebuildInactive(ctx context.Context) (RebuildSummary, error) {
	cutoff := r.now().Add(-r.config.InactiveAfter)
	return r.rebuildPages(ctx, jobs.JobTypeInactiveRebuild, social.RecipientQuery{
		InactiveBefore: &cutoff,
		Limit:          r.config.InactiveBatchSize,
	})
}

// RebuildAll refreshes every recipient, or only those active within the
// active window when activeOnly is set.
func (r *Rebuilder) RebuildAll(ctx context.Context, activeOnly bool, batchSize int) (RebuildSummary, error) {
	if batchSize <= 0 {
		batchSize = DefaultRebuildBatchSize
	}
	q := social.RecipientQuery{Limit: batchSize}
	if activeOnly {
		since := r.now().Add(-r.config.ActiveWindow)
		q.ActiveSince = &since
	}
	return r.rebuildPages(ctx, jobs.JobTypeFeedRebuild, q)
}
