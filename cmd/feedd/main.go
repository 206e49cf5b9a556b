// Package main is the entry point for the feed fan-out daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/campusfeed/internal/audience"
	"github.com/onnwee/campusfeed/internal/config"
	"github.com/onnwee/campusfeed/internal/db"
	"github.com/onnwee/campusfeed/internal/fanout"
	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/feedcache"
	"github.com/onnwee/campusfeed/internal/feedstore"
	"github.com/onnwee/campusfeed/internal/health"
	"github.com/onnwee/campusfeed/internal/ingest"
	"github.com/onnwee/campusfeed/internal/interaction"
	"github.com/onnwee/campusfeed/internal/jobs"
	"github.com/onnwee/campusfeed/internal/maintenance"
	"github.com/onnwee/campusfeed/internal/middleware"
	"github.com/onnwee/campusfeed/internal/ranking"
	"github.com/onnwee/campusfeed/internal/social"
	"github.com/onnwee/campusfeed/internal/tracing"
	"github.com/onnwee/campusfeed/migrations"
)

const serviceName = "feedd"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file (environment overrides it)")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("campusfeed fan-out daemon")
		fmt.Println()
		fmt.Println("Usage: feedd [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("feedd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("feedd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting feedd", "version", version, "config", cfg.LogSummary())

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.OTLPExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.Env != "production",
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	cache, redisClient, err := newCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	weights, err := ranking.LoadCalibration(cfg.RankingCalibrationPath)
	if err != nil {
		logger.Warn("using default ranking weights", "error", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	jobMetrics := jobs.NewMetrics()
	fanoutMetrics := fanout.NewMetrics()
	interactionMetrics := interaction.NewMetrics()
	ingestMetrics := ingest.NewMetrics()
	for _, m := range []interface {
		Register(prometheus.Registerer) error
	}{jobMetrics, fanoutMetrics, interactionMetrics, ingestMetrics} {
		if err := m.Register(reg); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	socialDB := social.NewPostgres(pool)
	store := feedstore.NewPostgresStore(pool, logger)
	scorer := ranking.NewScorer(ranking.WithWeights(weights))
	resolver := audience.NewResolver(socialDB, socialDB, logger)

	queue := jobs.NewQueue(cfg.QueueSize, jobMetrics, logger)
	workers := jobs.NewPool(queue, jobs.PoolConfig{
		Workers: cfg.WorkerCount,
		Logger:  logger,
		Metrics: jobMetrics,
	})

	engine := fanout.NewEngine(store, cache, socialDB, socialDB, scorer, fanout.EngineConfig{
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxAttempts,
		CacheTTL:    cfg.CacheTTL,
		CacheLimit:  cfg.CacheSize,
		Logger:      logger,
		Metrics:     fanoutMetrics,
	})
	service := fanout.NewService(fanout.ServiceConfig{
		Resolver: resolver,
		Selector: fanout.NewSelector(store, fanout.SelectorConfig{
			Threshold:   cfg.FanoutThreshold,
			LimitedPush: cfg.FanoutLimitedPush,
			Logger:      logger,
		}),
		Engine:  engine,
		Queue:   queue,
		Content: socialDB,
		Logger:  logger,
		Metrics: fanoutMetrics,
	})
	updater := interaction.NewUpdater(interaction.Config{
		Store:     store,
		Cache:     cache,
		Content:   socialDB,
		Directory: socialDB,
		Logger:    logger,
		Metrics:   interactionMetrics,
	})

	rebuilder := maintenance.NewRebuilder(store, cache, socialDB, socialDB, resolver, scorer, maintenance.RebuilderConfig{
		FeedWindow:    cfg.FeedWindow(),
		InactiveAfter: cfg.InactiveAfter(),
		CacheTTL:      cfg.CacheTTL,
		CacheLimit:    cfg.CacheSize,
		MaxAttempts:   cfg.MaxAttempts,
		IncludePublic: cfg.RebuildIncludePublic,
		Logger:        logger,
		Metrics:       jobMetrics,
	})
	pruner := maintenance.NewPruner(store, cache, socialDB, maintenance.PrunerConfig{
		Logger:  logger,
		Metrics: jobMetrics,
	})
	scheduler := maintenance.NewScheduler(maintenance.SchedulerConfig{
		RebuildInterval: cfg.MaintenanceInterval,
		PruneInterval:   cfg.MaintenanceInterval,
		RetentionDays:   cfg.RetentionDays,
		Logger:          logger,
	}, rebuilder, pruner)

	listenerCfg := ingest.DefaultConfig(cfg.DatabaseURL)
	listenerCfg.MaxAttempts = cfg.MaxAttempts
	listener, err := ingest.NewListener(listenerCfg,
		ingest.NewDispatcher(ingest.DispatcherConfig{
			Content:      service,
			Interactions: updater,
			MaxAttempts:  cfg.MaxAttempts,
			Logger:       logger,
			Metrics:      ingestMetrics,
		}),
		ingest.WithLogger(logger),
		ingest.WithMetrics(ingestMetrics),
		ingest.WithReconnectHook(reconnectHook(logger, service, scheduler.RebuildNow)),
	)
	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}

	checks := health.NewHandler(logger, health.NewDBChecker(pool))
	if redisClient != nil {
		checks.Add("cache", health.NewRedisChecker(redisClient))
	}
	checks.Add("queue", health.QueueChecker(queue))

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      newOpsHandler(logger, reg, checks),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Workers outlive the signal so Stop can drain queued batches.
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()
	workers.Start(workerCtx)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	listenerDone := make(chan error, 1)
	go func() { listenerDone <- listener.Run(ctx) }()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting ops server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down feedd...")
	case err := <-serverErr:
		runErr = fmt.Errorf("ops server: %w", err)
	case err := <-listenerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("listener: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server forced to shutdown", "error", err)
	}
	scheduler.Stop()
	workers.Stop()

	return runErr
}

// newCache returns the Redis cache when redis_url is set and an in-process
// LRU otherwise. The Redis client is returned so it can be health checked
// and closed.
func newCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (feed.Cache, *redis.Client, error) {
	if cfg.RedisURL == "" {
		lru, err := feedcache.NewLRU(lruCapacity(cfg))
		if err != nil {
			return nil, nil, fmt.Errorf("feed cache: %w", err)
		}
		logger.Info("using in-process feed cache")
		return lru, nil, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// The cache is optional for correctness; start anyway and let /health report it.
		logger.Warn("redis not reachable at startup", "error", err)
	}
	logger.Info("using redis feed cache", "addr", opts.Addr)
	return feedcache.NewRedis(client, feedcache.WithLogger(logger)), client, nil
}

// lruCapacity is the number of recipients kept in the in-process cache.
func lruCapacity(cfg *config.Config) int {
	const recipientsPerWorker = 2500
	return recipientsPerWorker * max(cfg.WorkerCount, 1)
}

// newOpsHandler serves /livez, /health and /metrics behind
// RequestID -> Tracing -> Logging.
func newOpsHandler(logger *slog.Logger, reg *prometheus.Registry, checks *health.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", checks.Livez)
	mux.HandleFunc("/health", checks.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return middleware.RequestID(middleware.Tracing(serviceName)(middleware.Logging(logger)(mux)))
}

type catchUpper interface {
	CatchUp(ctx context.Context) (int, error)
}

// reconnectHook returns the listener's reconnect callback. Notifications
// sent while disconnected are lost, so it replays content created since the
// last handled item and then rebuilds inactive recipients. It runs in the
// background so the listener resumes immediately.
func reconnectHook(logger *slog.Logger, svc catchUpper, rebuild func(context.Context)) func(context.Context) {
	return func(ctx context.Context) {
		go func() {
			n, err := svc.CatchUp(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "catch-up after reconnect failed", "error", err)
			} else {
				logger.InfoContext(ctx, "caught up after reconnect", "items", n)
			}
			rebuild(ctx)
		}()
	}
}
