package fanout

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
	"github.com/onnwee/campusfeed/internal/ranking"
	"github.com/onnwee/campusfeed/internal/social"
	"github.com/onnwee/campusfeed/internal/tracing"
)

// Engine defaults.
const (
	DefaultBatchSize            = 500
	DefaultMaxAttempts          = 3
	DefaultCacheTTL             = 10 * time.Minute
	DefaultRetryInitialInterval = 100 * time.Millisecond
)

// Batch is an independently retryable slice of recipients.
type Batch struct {
	Index      int
	Recipients []string
}

// Batches splits recipients into consecutive batches of at most size.
func Batches(recipients []string, size int) []Batch {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out []Batch
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		out = append(out, Batch{Index: len(out), Recipients: recipients[start:end]})
	}
	return out
}

// Report summarizes a synchronous delivery.
type Report struct {
	Strategy      Strategy
	Audience      int
	Pushed        int
	Batches       int
	FailedBatches int
	Inserted      int
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	BatchSize   int
	MaxAttempts int
	CacheTTL    time.Duration
	CacheLimit  int
	// RetryInitialInterval is the first backoff delay between batch attempts.
	RetryInitialInterval time.Duration
	Logger               *slog.Logger
	Metrics              *Metrics
}

// Engine scores and writes feed entries for batches of recipients.
type Engine struct {
	store       feed.Store
	cache       feed.Cache
	content     social.ContentStore
	memberships social.MembershipLookup
	scorer      *ranking.Scorer
	config      EngineConfig
	now         func() time.Time
}

// NewEngine creates an Engine. cache may be nil.
func NewEngine(
	store feed.Store,
	cache feed.Cache,
	content social.ContentStore,
	memberships social.MembershipLookup,
	scorer *ranking.Scorer,
	config EngineConfig,
) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.CacheLimit <= 0 {
		config.CacheLimit = feed.DefaultCacheLimit
	}
	if config.RetryInitialInterval <= 0 {
		config.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if scorer == nil {
		scorer = ranking.NewScorer()
	}
	return &Engine{
		store:       store,
		cache:       feedcache.OrNoop(cache),
		content:     content,
		memberships: memberships,
		scorer:      scorer,
		config:      config,
		now:         time.Now,
	}
}

// BatchSize returns the configured batch size.
func (e *Engine) BatchSize() int {
	return e.config.BatchSize
}

// MaxAttempts returns the configured attempt limit per batch.
func (e *Engine) MaxAttempts() int {
	return e.config.MaxAttempts
}

// groupMembers returns the members of item's group, or an empty set for
// personal items and deleted groups.
func (e *Engine) groupMembers(ctx context.Context, item feed.ContentItem) (audience.Set, error) {
	if !item.IsGroup() || e.memberships == nil {
		return audience.Set{}, nil
	}
	members, err := e.memberships.MembersOfGroup(ctx, item.Group())
	if errors.Is(err, social.ErrGroupNotFound) {
		return audience.Set{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group members: %w", err)
	}
	return audience.NewSet(members...), nil
}

// DeliverBatch makes one attempt at delivering item to batch: score every
// recipient, insert entries with conflicts ignored, then merge the new
// projection into each recipient's live cache. Cache failures are logged
// and never fail the batch. Returns the number of entries inserted.
func (e *Engine) DeliverBatch(ctx context.Context, item feed.ContentItem, batch Batch) (n int, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "fanout.deliver_batch",
		attribute.String("item_id", item.ID),
		attribute.Int("batch", batch.Index),
		attribute.Int("batch_size", len(batch.Recipients)))
	defer func() { endSpan(err) }()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		e.config.Metrics.observeBatch(status, time.Since(start).Seconds(), n)
	}()

	engagement, err := e.content.Engagement(ctx, item.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load engagement for %s: %w", item.ID, err)
	}
	members, err := e.groupMembers(ctx, item)
	if err != nil {
		return 0, err
	}

	now := e.now()
	entries := make([]feed.Entry, 0, len(batch.Recipients))
	for _, r := range batch.Recipients {
		var groups []string
		if members.Contains(r) {
			groups = []string{item.Group()}
		}
		entries = append(entries, feed.Entry{
			RecipientID:   r,
			ItemID:        item.ID,
			AuthorID:      item.AuthorID,
			Score:         e.scorer.Score(item, engagement, groups, now),
			ItemCreatedAt: item.CreatedAt,
			CreatedAt:     now,
			Interacted:    r == item.AuthorID,
		})
	}

	inserted, err := e.store.InsertEntries(ctx, entries)
	if err != nil {
		return 0, fmt.Errorf("failed to insert batch %d for %s: %w", batch.Index, item.ID, err)
	}

	for _, entry := range entries {
		e.mergeIntoCache(ctx, entry, item)
	}
	return inserted, nil
}

// mergeIntoCache adds the entry's projection to an existing cache entry.
// A miss stays a miss so the next read rebuilds the full page.
func (e *Engine) mergeIntoCache(ctx context.Context, entry feed.Entry, item feed.ContentItem) {
	p := feed.NewProjection(entry, item)
	_, err := e.cache.Update(ctx, entry.RecipientID, e.config.CacheTTL, func(ps []feed.Projection) []feed.Projection {
		return feed.InsertRanked(ps, p, e.config.CacheLimit)
	})
	if err != nil {
		e.config.Metrics.incCacheErrors()
		e.config.Logger.WarnContext(ctx, "failed to update feed cache",
			slog.String("recipient_id", entry.RecipientID),
			slog.String("item_id", entry.ItemID),
			slog.String("error", err.Error()))
	}
}

// retry runs op with exponential backoff while it fails transiently, up to
// MaxAttempts attempts in total.
func (e *Engine) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.RetryInitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.config.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !feed.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// DeliverBatchWithRetry retries DeliverBatch on transient failures.
func (e *Engine) DeliverBatchWithRetry(ctx context.Context, item feed.ContentItem, batch Batch) (int, error) {
	var inserted int
	attempt := 0
	err := e.retry(ctx, func() error {
		attempt++
		n, err := e.DeliverBatch(ctx, item, batch)
		if err != nil && feed.IsTransient(err) && attempt < e.config.MaxAttempts {
			e.config.Logger.WarnContext(ctx, "delivery batch failed, retrying",
				slog.String("item_id", item.ID),
				slog.Int("batch", batch.Index),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		}
		inserted = n
		return err
	})
	return inserted, err
}

// Deliver pushes item to recipients batch by batch. A failed batch is
// logged and counted; the remaining batches still run.
func (e *Engine) Deliver(ctx context.Context, item feed.ContentItem, recipients []string) Report {
	batches := Batches(recipients, e.config.BatchSize)
	report := Report{Pushed: len(recipients), Batches: len(batches)}

	for _, b := range batches {
		n, err := e.DeliverBatchWithRetry(ctx, item, b)
		if err != nil {
			report.FailedBatches++
			e.config.Logger.ErrorContext(ctx, "delivery batch failed",
				slog.String("item_id", item.ID),
				slog.Int("batch", b.Index),
				slog.Int("recipients", len(b.Recipients)),
				slog.String("error", err.Error()))
			continue
		}
		report.Inserted += n
	}
	return report
}
