// Package main is feedctl, the operator CLI for rebuilding, pruning and
// inspecting recipient feeds.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/campusfeed/internal/audience"
	"github.com/onnwee/campusfeed/internal/config"
	"github.com/onnwee/campusfeed/internal/db"
	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/feedcache"
	"github.com/onnwee/campusfeed/internal/feedstore"
	"github.com/onnwee/campusfeed/internal/maintenance"
	"github.com/onnwee/campusfeed/internal/middleware"
	"github.com/onnwee/campusfeed/internal/ranking"
	"github.com/onnwee/campusfeed/internal/reader"
	"github.com/onnwee/campusfeed/internal/social"
	"github.com/onnwee/campusfeed/migrations"
)

const usage = `feedctl manages campusfeed feeds.

Usage:
  feedctl [-config FILE] rebuild [--recipient ID | --active-only] [--batch-size N]
  feedctl [-config FILE] cleanup [--days N] [--inactive-only] [--dry-run]
  feedctl [-config FILE] show --recipient ID [--page N] [--page-size N]
`

var errUsage = errors.New("usage")

// command is a parsed invocation.
type command struct {
	name string

	recipient  string
	activeOnly bool
	batchSize  int

	days         int
	inactiveOnly bool
	dryRun       bool

	page     int
	pageSize int
}

type rebuilder interface {
	RefreshFeed(ctx context.Context, recipientID string) (int, error)
	RebuildAll(ctx context.Context, activeOnly bool, batchSize int) (maintenance.RebuildSummary, error)
}

type pruner interface {
	CleanupOldFeeds(ctx context.Context, opts maintenance.CleanupOptions) (maintenance.CleanupResult, error)
}

type feedReader interface {
	GetFeed(ctx context.Context, recipientID string, page, pageSize int) ([]feed.Projection, error)
}

// services are the components a command runs against.
type services struct {
	rebuilder rebuilder
	pruner    pruner
	reader    feedReader
}

func main() {
	global := flag.NewFlagSet("feedctl", flag.ContinueOnError)
	global.SetOutput(os.Stderr)
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	configPath := global.String("config", "", "path to YAML config file (environment overrides it)")
	if err := global.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	cmd, err := parseCommand(global.Args(), cfg.RetentionDays)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := middleware.NewCLILogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, cmd, logger); err != nil {
		logger.Error("feedctl failed", "command", cmd.name, "error", err)
		os.Exit(1)
	}
}

// parseCommand parses the subcommand and its flags. defaultDays is the
// cleanup retention period when --days is not given.
func parseCommand(args []string, defaultDays int) (command, error) {
	if len(args) == 0 {
		return command{}, fmt.Errorf("%w: missing command", errUsage)
	}
	cmd := command{name: args[0]}
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	switch cmd.name {
	case "rebuild":
		fs.StringVar(&cmd.recipient, "recipient", "", "rebuild a single recipient")
		fs.BoolVar(&cmd.activeOnly, "active-only", false, "rebuild only recently active recipients")
		fs.IntVar(&cmd.batchSize, "batch-size", maintenance.DefaultRebuildBatchSize, "recipients per page")
	case "cleanup":
		fs.IntVar(&cmd.days, "days", defaultDays, "retention period in days")
		fs.BoolVar(&cmd.inactiveOnly, "inactive-only", false, "prune only inactive recipients")
		fs.BoolVar(&cmd.dryRun, "dry-run", false, "count without deleting")
	case "show":
		fs.StringVar(&cmd.recipient, "recipient", "", "recipient to show")
		fs.IntVar(&cmd.page, "page", 1, "page number, starting at 1")
		fs.IntVar(&cmd.pageSize, "page-size", reader.DefaultPageSize, "entries per page")
	default:
		return command{}, fmt.Errorf("%w: unknown command %q", errUsage, cmd.name)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command{}, fmt.Errorf("%w: %s: %v", errUsage, cmd.name, err)
	}
	if fs.NArg() > 0 {
		return command{}, fmt.Errorf("%w: %s: unexpected argument %q", errUsage, cmd.name, fs.Arg(0))
	}

	switch cmd.name {
	case "rebuild":
		if cmd.recipient != "" && cmd.activeOnly {
			return command{}, fmt.Errorf("%w: rebuild: --recipient and --active-only are exclusive", errUsage)
		}
		if cmd.batchSize <= 0 {
			return command{}, fmt.Errorf("%w: rebuild: --batch-size must be positive", errUsage)
		}
	case "cleanup":
		if cmd.days < 0 {
			return command{}, fmt.Errorf("%w: cleanup: --days must not be negative", errUsage)
		}
	case "show":
		if cmd.recipient == "" {
			return command{}, fmt.Errorf("%w: show: --recipient is required", errUsage)
		}
		if cmd.page < 1 || cmd.pageSize < 1 {
			return command{}, fmt.Errorf("%w: show: --page and --page-size must be positive", errUsage)
		}
	}
	return cmd, nil
}

func run(ctx context.Context, cfg *config.Config, cmd command, logger *slog.Logger) error {
	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer pool.Close()

	if needsMigrations(cmd) {
		if err := migrations.Apply(ctx, pool); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	cache, client, err := openCache(cfg)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
	}

	weights, err := ranking.LoadCalibration(cfg.RankingCalibrationPath)
	if err != nil {
		logger.Warn("using default ranking weights", "error", err)
	}

	socialDB := social.NewPostgres(pool)
	store := feedstore.NewPostgresStore(pool, logger)
	scorer := ranking.NewScorer(ranking.WithWeights(weights))
	resolver := audience.NewResolver(socialDB, socialDB, logger)

	svc := services{
		rebuilder: maintenance.NewRebuilder(store, cache, socialDB, socialDB, resolver, scorer, maintenance.RebuilderConfig{
			FeedWindow:    cfg.FeedWindow(),
			InactiveAfter: cfg.InactiveAfter(),
			CacheTTL:      cfg.CacheTTL,
			CacheLimit:    cfg.CacheSize,
			MaxAttempts:   cfg.MaxAttempts,
			IncludePublic: cfg.RebuildIncludePublic,
			Logger:        logger,
		}),
		pruner: maintenance.NewPruner(store, cache, socialDB, maintenance.PrunerConfig{Logger: logger}),
		reader: reader.New(store, cache, socialDB, resolver, scorer, reader.Config{
			Window:     cfg.FeedWindow(),
			CacheTTL:   cfg.CacheTTL,
			CacheLimit: cfg.CacheSize,
			Logger:     logger,
		}),
	}
	return execute(ctx, cmd, svc, os.Stdout)
}

// needsMigrations reports whether cmd writes feed state. show only reads,
// so it never changes the schema.
func needsMigrations(cmd command) bool {
	return cmd.name != "show"
}

// openCache connects to Redis when configured. Without Redis there is no
// shared cache to keep consistent, so the CLI runs uncached.
func openCache(cfg *config.Config) (feed.Cache, *redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return feedcache.NewRedis(client), client, nil
}

// execute runs cmd and writes its JSON result to out. A bulk rebuild with
// failed recipients prints its summary and then returns an error.
func execute(ctx context.Context, cmd command, svc services, out io.Writer) error {
	start := time.Now()
	var (
		result  any
		failure error
	)

	switch cmd.name {
	case "rebuild":
		if cmd.recipient != "" {
			n, err := svc.rebuilder.RefreshFeed(ctx, cmd.recipient)
			if err != nil {
				if errors.Is(err, feed.ErrNotFound) {
					return fmt.Errorf("recipient %s not found", cmd.recipient)
				}
				return err
			}
			result = map[string]any{"recipient_id": cmd.recipient, "entries": n}
			break
		}
		summary, err := svc.rebuilder.RebuildAll(ctx, cmd.activeOnly, cmd.batchSize)
		if err != nil {
			return err
		}
		result = map[string]any{
			"processed": summary.Processed,
			"rebuilt":   summary.Rebuilt,
			"skipped":   summary.Skipped,
			"failed":    summary.Failed,
			"entries":   summary.Entries,
		}
		if summary.Failed > 0 {
			failure = fmt.Errorf("%d of %d recipients failed to rebuild", summary.Failed, summary.Processed)
		}
	case "cleanup":
		res, err := svc.pruner.CleanupOldFeeds(ctx, maintenance.CleanupOptions{
			Days:         cmd.days,
			InactiveOnly: cmd.inactiveOnly,
			DryRun:       cmd.dryRun,
		})
		if err != nil {
			return err
		}
		result = map[string]any{
			"cutoff":        res.Cutoff.UTC().Format(time.RFC3339),
			"matched":       res.Matched,
			"deleted":       res.Deleted,
			"chunks":        res.Chunks,
			"cache_trimmed": res.CacheTrimmed,
			"dry_run":       res.DryRun,
		}
	case "show":
		items, err := svc.reader.GetFeed(ctx, cmd.recipient, cmd.page, cmd.pageSize)
		if err != nil {
			return err
		}
		if items == nil {
			items = []feed.Projection{}
		}
		result = map[string]any{
			"recipient_id": cmd.recipient,
			"page":         cmd.page,
			"page_size":    cmd.pageSize,
			"items":        items,
		}
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd.name)
	}

	slog.Debug("command finished", "command", cmd.name, "duration", time.Since(start))
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	return failure
}
