// Package ingest receives content and interaction events over PostgreSQL
// LISTEN/NOTIFY and dispatches them to the fan-out service and the
// interaction updater.
package ingest

import (
	"errors"
	"time"
)

// Notification channels.
const (
	ChannelContentCreated = "feed_content_created"
	ChannelInteraction    = "feed_interaction"
)

// Default values for listener configuration.
const (
	DefaultMinReconnect  = 100 * time.Millisecond
	DefaultMaxReconnect  = 30 * time.Second
	DefaultPingInterval  = 90 * time.Second
	DefaultHandleTimeout = 30 * time.Second
	DefaultMaxAttempts   = 3
)

// Configuration errors.
var (
	ErrEmptyDSN           = errors.New("listener DSN cannot be empty")
	ErrInvalidReconnect   = errors.New("min reconnect interval must be positive")
	ErrInvalidMaxInterval = errors.New("max reconnect interval must be >= min reconnect interval")
	ErrInvalidPing        = errors.New("ping interval must be positive")
)

// Config holds configuration for the notification listener.
type Config struct {
	// DSN is the PostgreSQL connection string. The listener holds its own
	// dedicated connection outside the database/sql pool.
	DSN string

	// MinReconnect and MaxReconnect bound pq's reconnect backoff.
	MinReconnect time.Duration
	MaxReconnect time.Duration

	// PingInterval is how often an idle connection is checked.
	PingInterval time.Duration

	// HandleTimeout bounds a single notification's dispatch.
	HandleTimeout time.Duration

	// MaxAttempts bounds retries of transient handler errors.
	MaxAttempts int
}

// DefaultConfig returns a Config with default values for dsn.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:           dsn,
		MinReconnect:  DefaultMinReconnect,
		MaxReconnect:  DefaultMaxReconnect,
		PingInterval:  DefaultPingInterval,
		HandleTimeout: DefaultHandleTimeout,
		MaxAttempts:   DefaultMaxAttempts,
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.DSN == "" {
		return ErrEmptyDSN
	}
	if c.MinReconnect <= 0 {
		return ErrInvalidReconnect
	}
	if c.MaxReconnect < c.MinReconnect {
		return ErrInvalidMaxInterval
	}
	if c.PingInterval <= 0 {
		return ErrInvalidPing
	}
	return nil
}
