package feedcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/campusfeed/internal/feed"
)

// DefaultKeyPrefix namespaces feed cache keys.
const DefaultKeyPrefix = "feed:"

// DefaultMaxTxRetries bounds optimistic transaction retries in Update.
const DefaultMaxTxRetries = 3

// ErrContention is returned when Update lost every optimistic retry.
var ErrContention = errors.New("feed cache update contention")

// Redis stores each recipient's projections as one CBOR value.
type Redis struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	logger     *slog.Logger
}

// RedisOption configures a Redis cache.
type RedisOption func(*Redis)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithLogger sets the logger used for contention warnings.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = logger }
}

// NewRedis creates a Redis-backed cache.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client:     client,
		prefix:     DefaultKeyPrefix,
		maxRetries: DefaultMaxTxRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(recipientID string) string {
	return r.prefix + recipientID
}

// Get returns the cached projections for recipientID.
func (r *Redis) Get(ctx context.Context, recipientID string) ([]feed.Projection, bool, error) {
	data, err := r.client.Get(ctx, r.key(recipientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read feed cache: %w", err)
	}
	ps, err := decodeProjections(data)
	if err != nil {
		return nil, false, err
	}
	return ps, true, nil
}

// Set replaces the cached projections.
func (r *Redis) Set(ctx context.Context, recipientID string, ps []feed.Projection, ttl time.Duration) error {
	data, err := encodeProjections(ps)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(recipientID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write feed cache: %w", err)
	}
	return nil
}

// Update runs fn inside a WATCH/MULTI transaction, retrying when another
// writer touched the key. A zero ttl keeps the remaining TTL.
func (r *Redis) Update(ctx context.Context, recipientID string, ttl time.Duration, fn func([]feed.Projection) []feed.Projection) (bool, error) {
	key := r.key(recipientID)
	expiration := ttl
	if ttl <= 0 {
		expiration = redis.KeepTTL
	}

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		applied := false
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			ps, err := decodeProjections(data)
			if err != nil {
				return err
			}
			out, err := encodeProjections(fn(ps))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, expiration)
				return nil
			})
			if err == nil {
				applied = true
			}
			return err
		}, key)

		if err == nil {
			return applied, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return false, fmt.Errorf("failed to update feed cache: %w", err)
		}
		r.logger.DebugContext(ctx, "feed cache update conflict, retrying",
			slog.String("recipient_id", recipientID),
			slog.Int("attempt", attempt))
	}
	return false, fmt.Errorf("recipient %s: %w", recipientID, ErrContention)
}

// Delete drops the cached projections.
func (r *Redis) Delete(ctx context.Context, recipientID string) error {
	if err := r.client.Del(ctx, r.key(recipientID)).Err(); err != nil {
		return fmt.Errorf("failed to delete feed cache: %w", err)
	}
	return nil
}

// Sweep scans every feed key and applies fn. Entries reduced to nothing
// are deleted.
func (r *Redis) Sweep(ctx context.Context, fn SweepFunc) (int, error) {
	changed := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		recipientID := strings.TrimPrefix(iter.Val(), r.prefix)

		var before, after int
		applied, err := r.Update(ctx, recipientID, 0, func(ps []feed.Projection) []feed.Projection {
			before = len(ps)
			kept := fn(recipientID, ps)
			after = len(kept)
			return kept
		})
		if err != nil {
			return changed, err
		}
		if !applied || before == after {
			continue
		}
		changed++
		if after == 0 {
			if err := r.Delete(ctx, recipientID); err != nil {
				return changed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return changed, fmt.Errorf("failed to scan feed cache: %w", err)
	}
	return changed, nil
}

var (
	_ feed.Cache = (*Redis)(nil)
	_ Sweeper    = (*Redis)(nil)
)
