package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// source is the subset of *pq.Listener the run loop uses.
type source interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Listener consumes LISTEN/NOTIFY notifications on a dedicated connection
// and hands them to a Dispatcher one at a time.
type Listener struct {
	config      Config
	dispatcher  *Dispatcher
	logger      *slog.Logger
	metrics     *Metrics
	onReconnect func(ctx context.Context)
	newSource   func(cfg Config, cb pq.EventCallbackType) source
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the listener's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// WithMetrics sets the listener's metrics.
func WithMetrics(m *Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// WithReconnectHook registers fn to run after the connection is re-established.
// Notifications sent while disconnected are lost, so fn should reconcile.
func WithReconnectHook(fn func(ctx context.Context)) Option {
	return func(l *Listener) { l.onReconnect = fn }
}

// NewListener creates a Listener. The connection is opened by Run.
func NewListener(config Config, dispatcher *Dispatcher, opts ...Option) (*Listener, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.HandleTimeout <= 0 {
		config.HandleTimeout = DefaultHandleTimeout
	}
	l := &Listener{
		config:     config,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		newSource: func(cfg Config, cb pq.EventCallbackType) source {
			return pq.NewListener(cfg.DSN, cfg.MinReconnect, cfg.MaxReconnect, cb)
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run listens on the dispatcher's channels until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	src := l.newSource(l.config, l.event)
	defer func() {
		l.metrics.setConnected(false)
		if err := src.Close(); err != nil {
			l.logger.Warn("closing notification listener", "error", err)
		}
	}()

	channels := l.dispatcher.Channels()
	for _, ch := range channels {
		if err := src.Listen(ch); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	l.logger.Info("notification listener started", "channels", channels)

	ticker := time.NewTicker(l.config.PingInterval)
	defer ticker.Stop()

	notifications := src.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("notification listener stopping due to context cancellation")
			return ctx.Err()
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			if n == nil {
				l.logger.Warn("notification connection re-established; notifications may have been missed")
				if l.onReconnect != nil {
					l.onReconnect(ctx)
				}
				continue
			}
			l.dispatch(ctx, n.Channel, n.Extra)
		case <-ticker.C:
			if err := src.Ping(); err != nil {
				l.logger.Warn("notification listener ping failed", "error", err)
			}
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, channel, payload string) {
	ctx, cancel := context.WithTimeout(ctx, l.config.HandleTimeout)
	defer cancel()
	if err := l.dispatcher.Handle(ctx, channel, payload); err != nil {
		l.logger.Error("notification handling failed", "channel", channel, "error", err)
	}
}

func (l *Listener) event(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		l.metrics.setConnected(true)
		l.logger.Info("notification listener connected")
	case pq.ListenerEventDisconnected:
		l.metrics.setConnected(false)
		l.logger.Warn("notification listener disconnected", "error", err)
	case pq.ListenerEventConnectionAttemptFailed:
		l.metrics.setConnected(false)
		l.logger.Warn("notification listener connection attempt failed", "error", err)
	}
}
