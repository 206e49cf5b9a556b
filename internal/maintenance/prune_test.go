package maintenance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/jobs"
)

const day = 24 * time.Hour

// seedAged writes n entries for recipient with the given row age.
func seedAged(t *testing.T, e *env, recipient string, n int, age time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.store.InsertEntries(context.Background(), []feed.Entry{{
			RecipientID:   recipient,
			ItemID:        fmt.Sprintf("%s-%s-%d", recipient, age, i),
			AuthorID:      "x",
			ItemCreatedAt: e.now.Add(-age),
			CreatedAt:     e.now.Add(-age),
		}})
		if err != nil {
			t.Fatalf("InsertEntries() error = %v", err)
		}
	}
}

func newPruner(e *env, chunk int) *Pruner {
	return NewPruner(e.store, e.cache, e.dir, PrunerConfig{
		ChunkSize: chunk,
		Logger:    discardLogger(),
		Metrics:   e.reporter,
	})
}

func TestCleanupOldFeeds(t *testing.T) {
	tests := []struct {
		name        string
		opts        CleanupOptions
		wantMatched int64
		wantDeleted int64
		wantChunks  int
		wantLeft    int64
	}{
		{"dry run counts only", CleanupOptions{Days: 90, DryRun: true}, 5, 0, 0, 8},
		{"deletes in chunks", CleanupOptions{Days: 90}, 5, 5, 3, 3},
		{"default retention", CleanupOptions{}, 5, 5, 3, 3},
		{"shorter retention", CleanupOptions{Days: 5}, 7, 7, 4, 1},
		{"inactive only", CleanupOptions{Days: 90, InactiveOnly: true}, 3, 3, 2, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(nil, nil)
			e.dir.AddRecipient("sleeper", e.now.Add(-120*day))
			e.dir.AddRecipient("regular", e.now)

			seedAged(t, e, "sleeper", 3, 100*day)
			seedAged(t, e, "regular", 2, 100*day)
			seedAged(t, e, "regular", 2, 10*day)
			seedAged(t, e, "regular", 1, day)

			result, err := newPruner(e, 2).CleanupOldFeeds(ctx, tt.opts)
			if err != nil {
				t.Fatalf("CleanupOldFeeds() error = %v", err)
			}
			if result.Matched != tt.wantMatched {
				t.Errorf("Matched = %d, want %d", result.Matched, tt.wantMatched)
			}
			if result.Deleted != tt.wantDeleted {
				t.Errorf("Deleted = %d, want %d", result.Deleted, tt.wantDeleted)
			}
			if result.Chunks != tt.wantChunks {
				t.Errorf("Chunks = %d, want %d", result.Chunks, tt.wantChunks)
			}
			left, _ := e.store.CountEntriesBefore(ctx, e.now.Add(time.Hour), nil)
			if left != tt.wantLeft {
				t.Errorf("remaining entries = %d, want %d", left, tt.wantLeft)
			}
		})
	}
}

func TestCleanupOldFeeds_TrimsCache(t *testing.T) {
	ctx := context.Background()
	e := newEnv(nil, nil)
	_ = e.cache.Set(ctx, "mixed", []feed.Projection{
		{ItemID: "new", CreatedAt: e.now.Add(-day)},
		{ItemID: "old", CreatedAt: e.now.Add(-100 * day)},
	}, time.Hour)
	_ = e.cache.Set(ctx, "ancient", []feed.Projection{
		{ItemID: "old", CreatedAt: e.now.Add(-100 * day)},
	}, time.Hour)

	result, err := newPruner(e, 10).CleanupOldFeeds(ctx, CleanupOptions{Days: 90})
	if err != nil {
		t.Fatalf("CleanupOldFeeds() error = %v", err)
	}
	if result.CacheTrimmed != 2 {
		t.Errorf("CacheTrimmed = %d, want 2", result.CacheTrimmed)
	}
	mixed, ok, _ := e.cache.Get(ctx, "mixed")
	if !ok || len(mixed) != 1 || mixed[0].ItemID != "new" {
		t.Errorf("mixed cache = %v (ok=%v), want [new]", mixed, ok)
	}
	if _, ok, _ := e.cache.Get(ctx, "ancient"); ok {
		t.Error("fully expired cache entry should be dropped")
	}

	// Inactive-only runs leave the cache alone.
	_ = e.cache.Set(ctx, "ancient", []feed.Projection{{ItemID: "old", CreatedAt: e.now.Add(-100 * day)}}, time.Hour)
	result, err = newPruner(e, 10).CleanupOldFeeds(ctx, CleanupOptions{Days: 90, InactiveOnly: true})
	if err != nil {
		t.Fatalf("CleanupOldFeeds() error = %v", err)
	}
	if result.CacheTrimmed != 0 {
		t.Errorf("inactive-only CacheTrimmed = %d, want 0", result.CacheTrimmed)
	}
}

func TestCleanupOldFeeds_Validation(t *testing.T) {
	e := newEnv(nil, nil)
	_, err := newPruner(e, 10).CleanupOldFeeds(context.Background(), CleanupOptions{Days: -1})
	if !errors.Is(err, feed.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}

	p := NewPruner(e.store, nil, nil, PrunerConfig{Logger: discardLogger()})
	_, err = p.CleanupOldFeeds(context.Background(), CleanupOptions{InactiveOnly: true})
	if !errors.Is(err, feed.ErrValidation) {
		t.Errorf("inactive-only without directory error = %v, want ErrValidation", err)
	}
}

func TestCleanupOldFeeds_ReportsMetrics(t *testing.T) {
	e := newEnv(nil, nil)
	p := newPruner(e, 10)

	if _, err := p.CleanupOldFeeds(context.Background(), CleanupOptions{DryRun: true}); err != nil {
		t.Fatalf("dry run error = %v", err)
	}
	if got := e.reporter.total(jobs.JobTypeRetentionPrune + "/" + jobs.StatusSuccess); got != 0 {
		t.Errorf("dry run reported %d runs, want 0", got)
	}

	if _, err := p.CleanupOldFeeds(context.Background(), CleanupOptions{}); err != nil {
		t.Fatalf("CleanupOldFeeds() error = %v", err)
	}
	if got := e.reporter.total(jobs.JobTypeRetentionPrune + "/" + jobs.StatusSuccess); got != 1 {
		t.Errorf("reported %d successful runs, want 1", got)
	}
}
