package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/onnwee/campusfeed/internal/feed"
)

var (
	// ErrQueueFull is returned when a task is dropped because the queue is at capacity.
	ErrQueueFull = errors.New("task queue full")

	// ErrQueueClosed is returned when enqueueing after Close.
	ErrQueueClosed = errors.New("task queue closed")
)

// Task is a unit of asynchronous work. Run must be idempotent: tasks are
// delivered at least once.
type Task struct {
	ID          string
	Type        string
	Attempt     int // 1-based; set by the pool before each run
	MaxAttempts int // 0 or 1 disables re-enqueueing
	EnqueuedAt  time.Time
	Run         func(ctx context.Context) error
}

// Queue is a bounded FIFO of tasks. Enqueue never blocks.
type Queue struct {
	mu      sync.RWMutex
	ch      chan Task
	closed  bool
	metrics *Metrics
	logger  *slog.Logger
}

// NewQueue creates a queue holding at most size tasks. metrics may be nil.
func NewQueue(size int, metrics *Metrics, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{ch: make(chan Task, size), metrics: metrics, logger: logger}
}

// Enqueue adds t without blocking. When the queue is full the task is
// dropped, logged and counted, and ErrQueueFull is returned.
func (q *Queue) Enqueue(ctx context.Context, t Task) error {
	if t.Run == nil {
		return fmt.Errorf("%w: task has no run function", feed.ErrValidation)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop(ctx, t, "closed")
		return ErrQueueClosed
	}

	select {
	case q.ch <- t:
		if q.metrics != nil {
			q.metrics.SetQueueDepth(len(q.ch))
		}
		return nil
	default:
		q.drop(ctx, t, "full")
		return ErrQueueFull
	}
}

func (q *Queue) drop(ctx context.Context, t Task, reason string) {
	q.logger.ErrorContext(ctx, "task dropped",
		slog.String("task_id", t.ID),
		slog.String("job_type", t.Type),
		slog.Int("attempt", t.Attempt),
		slog.String("reason", reason))
	if q.metrics != nil {
		q.metrics.IncTasksDropped(t.Type, reason)
	}
}

// Len returns the number of waiting tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close stops accepting tasks. Waiting tasks remain consumable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// PoolConfig configures a worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent consumers.
	Workers int
	// TaskTimeout bounds a single task run.
	TaskTimeout time.Duration
	// RetryInitialInterval is the delay before the first re-enqueue.
	RetryInitialInterval time.Duration
	// Logger for task activity.
	Logger *slog.Logger
	// Metrics for task outcomes. Optional.
	Metrics *Metrics
}

// Default pool settings.
const (
	DefaultWorkers              = 4
	DefaultTaskTimeout          = 30 * time.Second
	DefaultRetryInitialInterval = 200 * time.Millisecond
)

// Pool consumes tasks from a Queue with a fixed number of workers.
type Pool struct {
	config PoolConfig
	queue  *Queue

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	retries sync.WaitGroup
	stopCh  chan struct{}
}

// NewPool creates a pool over queue.
func NewPool(queue *Queue, config PoolConfig) *Pool {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = DefaultTaskTimeout
	}
	if config.RetryInitialInterval <= 0 {
		config.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Pool{config: config, queue: queue}
}

// Start launches the workers. Returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.config.Logger.Info("task pool started", slog.Int("workers", p.config.Workers))
}

// Stop closes the queue, lets the workers drain it and waits for them.
// Pending retries scheduled after Stop are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.mu.Unlock()

	p.retries.Wait()
	p.queue.Close()
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.config.Logger.Info("task pool stopped")
}

func (p *Pool) work(ctx context.Context, worker int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.queue.ch:
			if !ok {
				return
			}
			if p.config.Metrics != nil {
				p.config.Metrics.SetQueueDepth(p.queue.Len())
			}
			p.execute(ctx, worker, t)
		}
	}
}

func (p *Pool) execute(parent context.Context, worker int, t Task) {
	if t.Attempt < 1 {
		t.Attempt = 1
	}
	ctx, cancel := context.WithTimeout(parent, p.config.TaskTimeout)
	defer cancel()

	start := time.Now()
	err := t.Run(ctx)
	duration := time.Since(start).Seconds()

	m := p.config.Metrics
	if m != nil {
		m.ObserveJobDuration(t.Type, duration)
	}
	if err == nil {
		if m != nil {
			m.IncJobsTotal(t.Type, StatusSuccess)
		}
		return
	}

	logger := p.config.Logger.With(
		slog.String("task_id", t.ID),
		slog.String("job_type", t.Type),
		slog.Int("attempt", t.Attempt),
		slog.Int("worker", worker),
		slog.String("error", err.Error()))

	if feed.IsTransient(err) && t.Attempt < t.MaxAttempts {
		logger.WarnContext(ctx, "task failed, scheduling retry")
		p.scheduleRetry(parent, t)
		return
	}

	errorType := "permanent"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		errorType = "timeout"
	case feed.IsTransient(err):
		errorType = "exhausted"
	}
	logger.ErrorContext(ctx, "task failed", slog.String("error_type", errorType))
	if m != nil {
		m.IncJobsTotal(t.Type, StatusFailure)
		m.IncJobErrors(t.Type, errorType)
	}
}

// retryDelay returns the exponential delay before attempt+1.
func (p *Pool) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.RetryInitialInterval
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (p *Pool) scheduleRetry(ctx context.Context, t Task) {
	delay := p.retryDelay(t.Attempt)
	t.Attempt++
	if p.config.Metrics != nil {
		p.config.Metrics.IncTaskRetries(t.Type)
	}

	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = p.queue.Enqueue(ctx, t)
		case <-p.stopCh:
			p.queue.drop(ctx, t, "stopped")
		case <-ctx.Done():
		}
	}()
}
