package fanout

import (
	"context"
	"fmt"
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

// flakyStore fails InsertEntries transiently for the first failures calls.
type flakyStore struct {
	feed.Store
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (s *flakyStore) InsertEntries(ctx context.Context, entries []feed.Entry) (int, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		if s.err != nil {
			return 0, s.err
		}
		return 0, fmt.Errorf("insert: %w", feed.ErrTransient)
	}
	return s.Store.InsertEntries(ctx, entries)
}

type fixture struct {
	dir      *social.InMemory
	store    *feedstore.MemoryStore
	cache    *feedcache.LRU
	engine   *Engine
	selector *Selector
	service  *Service
	now      time.Time
}

// newFixture wires an in-memory fan-out stack. wrap, when set, decorates
// the store seen by the engine and selector.
func newFixture(wrap func(feed.Store) feed.Store) *fixture {
	mem := feedstore.NewMemoryStore()
	var store feed.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	dir := social.NewInMemory()
	cache, _ := feedcache.NewLRU(2048)
	logger := discardLogger()

	scorer := ranking.NewScorer(ranking.WithJitter(ranking.NoJitter))
	engine := NewEngine(store, cache, dir, dir, scorer, EngineConfig{
		RetryInitialInterval: time.Millisecond,
		Logger:               logger,
	})
	selector := NewSelector(store, SelectorConfig{Logger: logger})
	service := NewService(ServiceConfig{
		Resolver: audience.NewResolver(dir, dir, logger),
		Selector: selector,
		Engine:   engine,
		Content:  dir,
		Logger:   logger,
	})
	return &fixture{
		dir:      dir,
		store:    mem,
		cache:    cache,
		engine:   engine,
		selector: selector,
		service:  service,
		now:      time.Now(),
	}
}

func (f *fixture) followers(author string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("follower-%04d", i)
		f.dir.Follow(ids[i], author)
	}
	return ids
}

func (f *fixture) item(id, author string) feed.ContentItem {
	item := feed.ContentItem{
		ID:         id,
		AuthorID:   author,
		Visibility: feed.VisibilityPublic,
		Title:      "title " + id,
		Body:       "body of " + id,
		CreatedAt:  f.now,
	}
	f.dir.AddItem(item)
	return item
}
