package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/campusfeed/internal/audience"
	"github.com/onnwee/campusfeed/internal/feed"
)

// Strategy is how an item reaches its audience.
type Strategy string

// Strategies.
const (
	// StrategyPush writes an entry for every recipient.
	StrategyPush Strategy = "push"
	// StrategyPushLimited writes entries for the most engaged recipients
	// only; everyone else reads the item through the pull path.
	StrategyPushLimited Strategy = "push_limited"
)

// Selector defaults.
const (
	DefaultThreshold   = 1000
	DefaultLimitedPush = 100
)

// Plan is the outcome of strategy selection.
type Plan struct {
	Strategy   Strategy
	Recipients []string // recipients to push to, sorted for deterministic batching
	Audience   int      // size of the full resolved audience
	Marker     *feed.PopularMarker
}

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	// Threshold is the largest audience that still gets full push.
	Threshold int
	// LimitedPush is how many recipients a high fan-out item is pushed to.
	LimitedPush int
	Logger      *slog.Logger
}

// Selector chooses between full and limited push.
type Selector struct {
	store  feed.Store
	config SelectorConfig
	now    func() time.Time
}

// NewSelector creates a Selector.
func NewSelector(store feed.Store, config SelectorConfig) *Selector {
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	if config.LimitedPush <= 0 {
		config.LimitedPush = DefaultLimitedPush
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Selector{store: store, config: config, now: time.Now}
}

// Select plans delivery of item to recipients. Audiences larger than the
// threshold record a popular marker and push only to the recipients with
// the most existing feed entries, ties broken by recipient ID.
func (s *Selector) Select(ctx context.Context, item feed.ContentItem, recipients audience.Set) (Plan, error) {
	ids := recipients.Sorted()
	if len(ids) <= s.config.Threshold {
		return Plan{Strategy: StrategyPush, Recipients: ids, Audience: len(ids)}, nil
	}

	marker := feed.PopularMarker{
		ID:             uuid.NewString(),
		AuthorID:       item.AuthorID,
		ItemID:         item.ID,
		RecipientCount: len(ids),
		ItemCreatedAt:  item.CreatedAt,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateMarker(ctx, marker); err != nil {
		return Plan{}, fmt.Errorf("failed to record popular marker for %s: %w", item.ID, err)
	}

	top, err := s.mostEngaged(ctx, ids)
	if err != nil {
		return Plan{}, err
	}

	s.config.Logger.InfoContext(ctx, "high fan-out item, limiting push",
		slog.String("item_id", item.ID),
		slog.String("author_id", item.AuthorID),
		slog.Int("audience", len(ids)),
		slog.Int("pushed", len(top)))

	return Plan{
		Strategy:   StrategyPushLimited,
		Recipients: top,
		Audience:   len(ids),
		Marker:     &marker,
	}, nil
}

// mostEngaged returns the LimitedPush recipients with the most feed entries.
func (s *Selector) mostEngaged(ctx context.Context, ids []string) ([]string, error) {
	counts, err := s.store.EntryCounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to rank recipients: %w", err)
	}

	ranked := make([]string, len(ids))
	copy(ranked, ids)
	sort.SliceStable(ranked, func(i, j int) bool {
		ci, cj := counts[ranked[i]], counts[ranked[j]]
		if ci != cj {
			return ci > cj
		}
		return ranked[i] < ranked[j]
	})
	if len(ranked) > s.config.LimitedPush {
		ranked = ranked[:s.config.LimitedPush]
	}
	sort.Strings(ranked)
	return ranked, nil
}
