package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/feedcache"
	"github.com/onnwee/campusfeed/internal/jobs"
	"github.com/onnwee/campusfeed/internal/social"
	"github.com/onnwee/campusfeed/internal/tracing"
)

// Prune defaults.
const (
	DefaultRetentionDays = 90
	DefaultChunkSize     = 1000
	recipientPageSize    = 1000
)

// CleanupOptions selects what CleanupOldFeeds removes.
type CleanupOptions struct {
	// Days is the retention period. Entries written earlier are removed.
	Days int
	// InactiveOnly limits pruning to recipients inactive since the cutoff.
	InactiveOnly bool
	// DryRun counts without deleting.
	DryRun bool
}

// CleanupResult reports a pruning run.
type CleanupResult struct {
	Cutoff       time.Time
	Matched      int64
	Deleted      int64
	Chunks       int
	CacheTrimmed int
	DryRun       bool
}

// PrunerConfig configures a Pruner.
type PrunerConfig struct {
	ChunkSize int
	Logger    *slog.Logger
	Metrics   jobs.Reporter
}

// Pruner deletes feed entries past retention.
type Pruner struct {
	store     feed.Store
	cache     feed.Cache
	directory social.Directory
	config    PrunerConfig
	now       func() time.Time
}

// NewPruner creates a Pruner. cache may be nil.
func NewPruner(store feed.Store, cache feed.Cache, directory social.Directory, config PrunerConfig) *Pruner {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Pruner{
		store:     store,
		cache:     feedcache.OrNoop(cache),
		directory: directory,
		config:    config,
		now:       time.Now,
	}
}

// inactiveRecipients returns every recipient whose last activity is
// before cutoff. The result is non-nil so an empty directory scopes the
// prune to nobody.
func (p *Pruner) inactiveRecipients(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids := []string{}
	q := social.RecipientQuery{InactiveBefore: &cutoff, Limit: recipientPageSize}
	for {
		page, err := p.directory.ListRecipients(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to list inactive recipients: %w", err)
		}
		for _, r := range page {
			ids = append(ids, r.ID)
		}
		if len(page) < q.Limit {
			return ids, nil
		}
		q.AfterID = page[len(page)-1].ID
	}
}

// CleanupOldFeeds removes entries written more than opts.Days ago. Deletes
// run in chunks so each transaction holds its locks briefly. A full run
// also trims cached projections for items older than the cutoff.
func (p *Pruner) CleanupOldFeeds(ctx context.Context, opts CleanupOptions) (result CleanupResult, err error) {
	if opts.Days < 0 {
		return CleanupResult{}, fmt.Errorf("%w: retention days must not be negative", feed.ErrValidation)
	}
	if opts.Days == 0 {
		opts.Days = DefaultRetentionDays
	}

	ctx, endSpan := tracing.StartSpan(ctx, "maintenance.cleanup_old_feeds",
		attribute.Int("days", opts.Days),
		attribute.Bool("inactive_only", opts.InactiveOnly),
		attribute.Bool("dry_run", opts.DryRun))
	defer func() { endSpan(err) }()

	start := time.Now()
	defer func() {
		if p.config.Metrics == nil || opts.DryRun {
			return
		}
		status := jobs.StatusSuccess
		if err != nil {
			status = jobs.StatusFailure
			p.config.Metrics.IncJobErrors(jobs.JobTypeRetentionPrune, "store")
		}
		p.config.Metrics.IncJobsTotal(jobs.JobTypeRetentionPrune, status)
		p.config.Metrics.ObserveJobDuration(jobs.JobTypeRetentionPrune, time.Since(start).Seconds())
	}()

	cutoff := p.now().Add(-time.Duration(opts.Days) * 24 * time.Hour)
	result = CleanupResult{Cutoff: cutoff, DryRun: opts.DryRun}

	var scope []string
	if opts.InactiveOnly {
		if p.directory == nil {
			return result, fmt.Errorf("%w: inactive-only cleanup needs a recipient directory", feed.ErrValidation)
		}
		scope, err = p.inactiveRecipients(ctx, cutoff)
		if err != nil {
			return result, err
		}
	}

	result.Matched, err = p.store.CountEntriesBefore(ctx, cutoff, scope)
	if err != nil {
		return result, fmt.Errorf("failed to count expired entries: %w", err)
	}
	p.config.Logger.InfoContext(ctx, "feed cleanup scanned",
		slog.Time("cutoff", cutoff),
		slog.Bool("inactive_only", opts.InactiveOnly),
		slog.Int64("matched", result.Matched))

	if opts.DryRun {
		return result, nil
	}

	for {
		n, err := p.store.DeleteEntriesBefore(ctx, cutoff, scope, p.config.ChunkSize)
		if err != nil {
			return result, fmt.Errorf("failed to delete chunk %d: %w", result.Chunks+1, err)
		}
		if n == 0 {
			break
		}
		result.Chunks++
		result.Deleted += n
		if n < int64(p.config.ChunkSize) {
			break
		}
	}

	if !opts.InactiveOnly {
		result.CacheTrimmed = p.trimCache(ctx, cutoff)
	}

	p.config.Logger.InfoContext(ctx, "feed cleanup completed",
		slog.Int64("deleted", result.Deleted),
		slog.Int("chunks", result.Chunks),
		slog.Int("cache_trimmed", result.CacheTrimmed),
		slog.Float64("duration_seconds", time.Since(start).Seconds()))
	return result, nil
}

// trimCache drops cached projections of items created before cutoff.
// Cache failures are logged and never fail the cleanup.
func (p *Pruner) trimCache(ctx context.Context, cutoff time.Time) int {
	sweeper, ok := p.cache.(feedcache.Sweeper)
	if !ok {
		return 0
	}
	changed, err := sweeper.Sweep(ctx, func(_ string, ps []feed.Projection) []feed.Projection {
		kept := ps[:0]
		for _, proj := range ps {
			if !proj.CreatedAt.Before(cutoff) {
				kept = append(kept, proj)
			}
		}
		return kept
	})
	if err != nil {
		p.config.Logger.WarnContext(ctx, "failed to trim cached feeds",
			slog.String("error", err.Error()))
	}
	return changed
}
