package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/onnwee/campusfeed/internal/feed"
)

// ContentHandler receives new content items by ID.
type ContentHandler interface {
	OnContentCreatedByID(ctx context.Context, itemID string) error
}

// InteractionHandler receives recipient interactions.
type InteractionHandler interface {
	OnInteraction(ctx context.Context, recipientID, itemID string, kind feed.Kind) error
}

// InteractionEvent is the JSON payload of the feed_interaction channel.
type InteractionEvent struct {
	RecipientID string `json:"recipient_id"`
	ItemID      string `json:"item_id"`
	Kind        string `json:"kind"`
}

// DispatcherConfig configures a Dispatcher. Either handler may be nil, in
// which case its channel is ignored.
type DispatcherConfig struct {
	Content      ContentHandler
	Interactions InteractionHandler
	MaxAttempts  int
	RetryBase    time.Duration
	Logger       *slog.Logger
	Metrics      *Metrics
}

// Dispatcher decodes notification payloads and calls the matching handler.
type Dispatcher struct {
	config DispatcherConfig
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryBase <= 0 {
		config.RetryBase = 100 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{config: config, logger: logger}
}

// Channels returns the channels this dispatcher has handlers for.
func (d *Dispatcher) Channels() []string {
	var channels []string
	if d.config.Content != nil {
		channels = append(channels, ChannelContentCreated)
	}
	if d.config.Interactions != nil {
		channels = append(channels, ChannelInteraction)
	}
	return channels
}

// Handle dispatches one notification. Malformed payloads, unknown channels
// and references to missing items are logged and counted but return nil;
// only handler failures that survive retries are returned.
func (d *Dispatcher) Handle(ctx context.Context, channel, payload string) error {
	start := time.Now()
	defer func() { d.config.Metrics.observeHandle(channel, time.Since(start).Seconds()) }()

	var call func(context.Context) error
	switch channel {
	case ChannelContentCreated:
		if d.config.Content == nil {
			break
		}
		itemID := strings.TrimSpace(payload)
		if itemID == "" {
			return d.invalid(ctx, channel, errors.New("empty item id"))
		}
		call = func(ctx context.Context) error {
			return d.config.Content.OnContentCreatedByID(ctx, itemID)
		}
	case ChannelInteraction:
		if d.config.Interactions == nil {
			break
		}
		ev, kind, err := decodeInteraction(payload)
		if err != nil {
			return d.invalid(ctx, channel, err)
		}
		call = func(ctx context.Context) error {
			return d.config.Interactions.OnInteraction(ctx, ev.RecipientID, ev.ItemID, kind)
		}
	}
	if call == nil {
		d.config.Metrics.incNotification(channel, OutcomeUnknown)
		d.logger.WarnContext(ctx, "notification on unhandled channel", "channel", channel)
		return nil
	}

	if err := d.retry(ctx, call); err != nil {
		if errors.Is(err, feed.ErrValidation) || errors.Is(err, feed.ErrNotFound) {
			return d.invalid(ctx, channel, err)
		}
		d.config.Metrics.incNotification(channel, OutcomeFailed)
		return fmt.Errorf("handle %s: %w", channel, err)
	}
	d.config.Metrics.incNotification(channel, OutcomeHandled)
	return nil
}

func (d *Dispatcher) invalid(ctx context.Context, channel string, err error) error {
	d.config.Metrics.incNotification(channel, OutcomeInvalid)
	d.logger.WarnContext(ctx, "discarding invalid notification", "channel", channel, "error", err)
	return nil
}

func (d *Dispatcher) retry(ctx context.Context, call func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.RetryBase
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.config.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := call(ctx)
		if err != nil && !feed.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func decodeInteraction(payload string) (InteractionEvent, feed.Kind, error) {
	var ev InteractionEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, "", fmt.Errorf("decode interaction: %w", err)
	}
	if ev.RecipientID == "" || ev.ItemID == "" {
		return ev, "", errors.New("interaction needs recipient_id and item_id")
	}
	kind, err := feed.ParseKind(ev.Kind)
	if err != nil {
		return ev, "", err
	}
	return ev, kind, nil
}
