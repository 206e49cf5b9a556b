// Package interaction records recipient interactions on feed entries.
package interaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/feedcache"
	"github.com/onnwee/campusfeed/internal/social"
)

// MetricInteractionsTotal counts handled interactions by kind and outcome.
const MetricInteractionsTotal = "feed_interactions_total"

// Metrics for the interaction path. A nil *Metrics records nothing.
type Metrics struct {
	interactions *prometheus.CounterVec
}

// NewMetrics creates unregistered interaction metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		interactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricInteractionsTotal,
				Help: "Interactions handled, by kind and outcome (flagged, no_entry)",
			},
			[]string{"kind", "outcome"},
		),
	}
}

// Register registers the collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.interactions)
}

func (m *Metrics) inc(kind feed.Kind, outcome string) {
	if m != nil {
		m.interactions.WithLabelValues(string(kind), outcome).Inc()
	}
}

// Config wires an Updater. Content and Directory are optional.
type Config struct {
	Store     feed.Store
	Cache     feed.Cache
	Content   social.ContentStore
	Directory social.Directory
	Logger    *slog.Logger
	Metrics   *Metrics
}

// Updater sets entry flags in response to interactions.
type Updater struct {
	store     feed.Store
	cache     feed.Cache
	content   social.ContentStore
	directory social.Directory
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewUpdater creates an Updater.
func NewUpdater(config Config) *Updater {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Updater{
		store:     config.Store,
		cache:     feedcache.OrNoop(config.Cache),
		content:   config.Content,
		directory: config.Directory,
		logger:    config.Logger,
		metrics:   config.Metrics,
		now:       time.Now,
	}
}

// OnInteraction marks recipientID's entry for itemID as viewed (view) or
// interacted (like, comment, share) and patches the cached projection in
// place. Scores are not recomputed. A missing entry is not an error since
// the recipient may see the item through the pull path.
func (u *Updater) OnInteraction(ctx context.Context, recipientID, itemID string, kind feed.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown interaction kind %q", feed.ErrValidation, kind)
	}
	if recipientID == "" || itemID == "" {
		return fmt.Errorf("%w: recipient and item ids are required", feed.ErrValidation)
	}
	if u.directory != nil {
		ok, err := u.directory.Exists(ctx, recipientID)
		if err != nil {
			return fmt.Errorf("failed to look up recipient %s: %w", recipientID, err)
		}
		if !ok {
			return fmt.Errorf("%w: unknown recipient %s", feed.ErrValidation, recipientID)
		}
	}

	flag := feed.FlagFor(kind)
	found, err := u.store.SetFlag(ctx, recipientID, itemID, flag)
	if err != nil {
		return fmt.Errorf("failed to flag entry %s/%s: %w", recipientID, itemID, err)
	}
	if found {
		u.metrics.inc(kind, "flagged")
	} else {
		u.metrics.inc(kind, "no_entry")
		u.logger.DebugContext(ctx, "no feed entry for interaction",
			slog.String("recipient_id", recipientID),
			slog.String("item_id", itemID),
			slog.String("kind", string(kind)))
	}

	_, err = u.cache.Update(ctx, recipientID, 0, func(ps []feed.Projection) []feed.Projection {
		return feed.PatchFlag(ps, itemID, flag)
	})
	if err != nil {
		u.logger.WarnContext(ctx, "failed to patch cached projection",
			slog.String("recipient_id", recipientID),
			slog.String("item_id", itemID),
			slog.String("error", err.Error()))
	}

	if u.content != nil {
		signal := feed.Signal{ItemID: itemID, ActorID: recipientID, Kind: kind, At: u.now()}
		if err := u.content.RecordSignal(ctx, signal); err != nil {
			u.logger.WarnContext(ctx, "failed to record engagement signal",
				slog.String("recipient_id", recipientID),
				slog.String("item_id", itemID),
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
