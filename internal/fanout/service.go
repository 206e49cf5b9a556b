// Package fanout delivers new content to recipients' feeds. It chooses
// between full and limited push, splits recipients into independently
// retryable batches and dispatches them through the task queue.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/campusfeed/internal/audience"
	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/jobs"
	"github.com/onnwee/campusfeed/internal/social"
	"github.com/onnwee/campusfeed/internal/tracing"
)

// Service is the content-created entry point.
type Service struct {
	resolver *audience.Resolver
	selector *Selector
	engine   *Engine
	queue    *jobs.Queue
	content  social.ContentStore
	logger   *slog.Logger
	metrics  *Metrics

	mu       sync.Mutex
	lastSeen time.Time
}

// catchUpOverlap widens a catch-up window to cover items whose
// notifications were handled out of creation order.
const catchUpOverlap = time.Minute

// ServiceConfig wires a Service. Queue may be nil, in which case
// OnContentCreated delivers synchronously.
type ServiceConfig struct {
	Resolver *audience.Resolver
	Selector *Selector
	Engine   *Engine
	Queue    *jobs.Queue
	Content  social.ContentStore
	Logger   *slog.Logger
	Metrics  *Metrics
}

// NewService creates a Service.
func NewService(config ServiceConfig) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Service{
		resolver: config.Resolver,
		selector: config.Selector,
		engine:   config.Engine,
		queue:    config.Queue,
		content:  config.Content,
		logger:   config.Logger,
		metrics:  config.Metrics,
		lastSeen: time.Now(),
	}
}

// markSeen advances the newest handled creation time.
func (s *Service) markSeen(createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if createdAt.After(s.lastSeen) {
		s.lastSeen = createdAt
	}
}

// LastSeen returns the creation time of the newest item handled so far, or
// the construction time when nothing newer has been handled.
func (s *Service) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func validateItem(item feed.ContentItem) error {
	if item.ID == "" || item.AuthorID == "" {
		return fmt.Errorf("%w: content item requires id and author", feed.ErrValidation)
	}
	return nil
}

// plan resolves the audience and selects a strategy, retrying marker
// creation and recipient ranking on transient store failures.
func (s *Service) plan(ctx context.Context, item feed.ContentItem) (Plan, error) {
	recipients := s.resolver.Resolve(ctx, item)

	var plan Plan
	err := s.engine.retry(ctx, func() error {
		var err error
		plan, err = s.selector.Select(ctx, item, recipients)
		return err
	})
	if err != nil {
		return Plan{}, err
	}
	s.metrics.observeDelivery(plan.Strategy, plan.Audience)
	return plan, nil
}

// OnContentCreated plans delivery of item and enqueues one task per batch.
// It returns once the tasks are queued. A dropped task is logged and
// counted by the queue; the remaining batches are still enqueued.
func (s *Service) OnContentCreated(ctx context.Context, item feed.ContentItem) (err error) {
	if err := validateItem(item); err != nil {
		return err
	}
	if s.queue == nil {
		_, err := s.Process(ctx, item)
		return err
	}

	ctx, endSpan := tracing.StartSpan(ctx, "fanout.on_content_created",
		attribute.String("item_id", item.ID),
		attribute.String("author_id", item.AuthorID))
	defer func() { endSpan(err) }()

	plan, err := s.plan(ctx, item)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to plan fan-out",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()))
		return err
	}

	dropped := 0
	for _, b := range Batches(plan.Recipients, s.engine.BatchSize()) {
		batch := b
		task := jobs.Task{
			Type:        jobs.JobTypeFanoutBatch,
			MaxAttempts: s.engine.MaxAttempts(),
			Run: func(ctx context.Context) error {
				_, err := s.engine.DeliverBatch(ctx, item, batch)
				return err
			},
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			if !errors.Is(err, jobs.ErrQueueFull) && !errors.Is(err, jobs.ErrQueueClosed) {
				return err
			}
			dropped++
		}
	}

	s.logger.InfoContext(ctx, "fan-out enqueued",
		slog.String("item_id", item.ID),
		slog.String("strategy", string(plan.Strategy)),
		slog.Int("audience", plan.Audience),
		slog.Int("pushed", len(plan.Recipients)),
		slog.Int("dropped_batches", dropped))
	s.markSeen(item.CreatedAt)
	return nil
}

// OnContentCreatedByID loads the item from the content store and fans it out.
func (s *Service) OnContentCreatedByID(ctx context.Context, itemID string) error {
	if s.content == nil {
		return fmt.Errorf("%w: no content store configured", feed.ErrValidation)
	}
	item, err := s.content.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	return s.OnContentCreated(ctx, *item)
}

// Process plans and delivers item synchronously, batch by batch.
func (s *Service) Process(ctx context.Context, item feed.ContentItem) (report Report, err error) {
	if err := validateItem(item); err != nil {
		return Report{}, err
	}

	ctx, endSpan := tracing.StartSpan(ctx, "fanout.process",
		attribute.String("item_id", item.ID),
		attribute.String("author_id", item.AuthorID))
	defer func() { endSpan(err) }()

	plan, err := s.plan(ctx, item)
	if err != nil {
		return Report{}, err
	}

	report = s.engine.Deliver(ctx, item, plan.Recipients)
	report.Strategy = plan.Strategy
	report.Audience = plan.Audience

	s.logger.InfoContext(ctx, "fan-out delivered",
		slog.String("item_id", item.ID),
		slog.String("strategy", string(plan.Strategy)),
		slog.Int("audience", report.Audience),
		slog.Int("inserted", report.Inserted),
		slog.Int("failed_batches", report.FailedBatches))
	s.markSeen(item.CreatedAt)
	return report, nil
}

// CatchUp fans out every item created since LastSeen, less catchUpOverlap,
// oldest first. It recovers items whose notifications were lost while the
// listener was disconnected. Items that were already delivered are ignored
// by the store. A failing item is logged and skipped.
func (s *Service) CatchUp(ctx context.Context) (handled int, err error) {
	if s.content == nil {
		return 0, fmt.Errorf("%w: no content store configured", feed.ErrValidation)
	}
	since := s.LastSeen().Add(-catchUpOverlap)

	ctx, endSpan := tracing.StartSpan(ctx, "fanout.catch_up",
		attribute.String("since", since.UTC().Format(time.RFC3339)))
	defer func() { endSpan(err) }()

	items, err := s.content.ItemsSince(ctx, since, social.ItemQuery{All: true})
	if err != nil {
		return 0, fmt.Errorf("failed to list items created since %s: %w", since.UTC().Format(time.RFC3339), err)
	}

	for i := len(items) - 1; i >= 0; i-- {
		if err := s.OnContentCreated(ctx, items[i]); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return handled, ctxErr
			}
			s.logger.WarnContext(ctx, "catch-up fan-out failed",
				slog.String("item_id", items[i].ID),
				slog.String("error", err.Error()))
			continue
		}
		handled++
	}

	s.logger.InfoContext(ctx, "fan-out caught up",
		slog.Time("since", since),
		slog.Int("items", len(items)),
		slog.Int("handled", handled))
	return handled, nil
}
