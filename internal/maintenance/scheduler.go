package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler defaults.
const (
	DefaultInterval = time.Hour
	DefaultTimeout  = 30 * time.Minute
)

// SchedulerConfig configures the maintenance scheduler.
type SchedulerConfig struct {
	// RebuildInterval is the time between inactive-feed rebuilds.
	RebuildInterval time.Duration
	// PruneInterval is the time between retention prunes.
	PruneInterval time.Duration
	// RetentionDays is passed to CleanupOldFeeds.
	RetentionDays int
	// Timeout bounds a single run of either job.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Scheduler runs inactive rebuilds and retention pruning periodically.
type Scheduler struct {
	config    SchedulerConfig
	rebuilder *Rebuilder
	pruner    *Pruner

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a Scheduler. Either job may be nil to disable it.
func NewScheduler(config SchedulerConfig, rebuilder *Rebuilder, pruner *Pruner) *Scheduler {
	if config.RebuildInterval <= 0 {
		config.RebuildInterval = DefaultInterval
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = DefaultInterval
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = DefaultRetentionDays
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Scheduler{config: config, rebuilder: rebuilder, pruner: pruner}
}

// Start begins the periodic loop. Returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits for the current run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	rebuild := time.NewTicker(s.config.RebuildInterval)
	defer rebuild.Stop()
	prune := time.NewTicker(s.config.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Info("maintenance scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.config.Logger.Info("maintenance scheduler stopping due to stop signal")
			return
		case <-rebuild.C:
			s.RebuildNow(ctx)
		case <-prune.C:
			s.PruneNow(ctx)
		}
	}
}

// RebuildNow runs one inactive rebuild without waiting for the ticker.
func (s *Scheduler) RebuildNow(parent context.Context) {
	if s.rebuilder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.config.Timeout)
	defer cancel()

	if _, err := s.rebuilder.RebuildInactive(ctx); err != nil {
		s.config.Logger.ErrorContext(ctx, "inactive feed rebuild failed",
			slog.String("error", err.Error()))
	}
}

// PruneNow runs one retention prune without waiting for the ticker.
func (s *Scheduler) PruneNow(parent context.Context) {
	if s.pruner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.config.Timeout)
	defer cancel()

	if _, err := s.pruner.CleanupOldFeeds(ctx, CleanupOptions{Days: s.config.RetentionDays}); err != nil {
		s.config.Logger.ErrorContext(ctx, "feed retention prune failed",
			slog.String("error", err.Error()))
	}
}
