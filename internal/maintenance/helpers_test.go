package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/campusfeed/internal/audience"
	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/feedcache"
	"github.com/onnwee/campusfeed/internal/feedstore"
	"github.com/onnwee/campusfeed/internal/ranking"
	"github.com/onnwee/campusfeed/internal/social"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingReporter captures job metric calls.
type recordingReporter struct {
	mu     sync.Mutex
	totals map[string]int // "type/status"
	errors map[string]int // "type/errorType"
	timed  map[string]int
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{
		totals: make(map[string]int),
		errors: make(map[string]int),
		timed:  make(map[string]int),
	}
}

func (r *recordingReporter) IncJobsTotal(jobType, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals[jobType+"/"+status]++
}

func (r *recordingReporter) ObserveJobDuration(jobType string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timed[jobType]++
}

func (r *recordingReporter) IncJobErrors(jobType, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[jobType+"/"+errorType]++
}

func (r *recordingReporter) total(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals[key]
}

// brokenContent fails item queries issued on behalf of one recipient.
type brokenContent struct {
	*social.InMemory
	recipient string
}

func (b *brokenContent) ItemsSince(ctx context.Context, since time.Time, q social.ItemQuery) ([]feed.ContentItem, error) {
	if len(q.AuthorIDs) == 1 && q.AuthorIDs[0] == b.recipient {
		return nil, errors.New("content backend unavailable")
	}
	return b.InMemory.ItemsSince(ctx, since, q)
}

type env struct {
	dir       *social.InMemory
	store     *feedstore.MemoryStore
	cache     *feedcache.LRU
	rebuilder *Rebuilder
	reporter  *recordingReporter
	now       time.Time
}

func newEnv(content social.ContentStore, dir *social.InMemory) *env {
	if dir == nil {
		dir = social.NewInMemory()
	}
	if content == nil {
		content = dir
	}
	store := feedstore.NewMemoryStore()
	cache, _ := feedcache.NewLRU(64)
	reporter := newRecordingReporter()
	logger := discardLogger()

	r := NewRebuilder(store, cache, content, dir,
		audience.NewResolver(dir, dir, logger),
		ranking.NewScorer(ranking.WithJitter(ranking.NoJitter)),
		RebuilderConfig{Logger: logger, Metrics: reporter, InactiveBatchSize: 2})
	return &env{dir: dir, store: store, cache: cache, rebuilder: r, reporter: reporter, now: time.Now()}
}

func (e *env) addItem(id, author string, group *string, vis feed.Visibility, age time.Duration) {
	e.dir.AddItem(feed.ContentItem{
		ID:         id,
		AuthorID:   author,
		GroupID:    group,
		Visibility: vis,
		Title:      id,
		Body:       "body " + id,
		CreatedAt:  e.now.Add(-age),
	})
}

func strPtr(s string) *string { return &s }
