package fanout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/campusfeed/internal/feed"
)

func TestBatches(t *testing.T) {
	ids := make([]string, 1100)
	for i := range ids {
		ids[i] = fmt.Sprintf("r-%d", i)
	}

	tests := []struct {
		name  string
		ids   []string
		size  int
		sizes []int
	}{
		{"empty", nil, 500, nil},
		{"single partial batch", ids[:3], 500, []int{3}},
		{"exact multiple", ids[:1000], 500, []int{500, 500}},
		{"remainder", ids, 500, []int{500, 500, 100}},
		{"non-positive size uses default", ids, 0, []int{500, 500, 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Batches(tt.ids, tt.size)
			if len(got) != len(tt.sizes) {
				t.Fatalf("got %d batches, want %d", len(got), len(tt.sizes))
			}
			for i, b := range got {
				if b.Index != i {
					t.Errorf("batch %d has index %d", i, b.Index)
				}
				if len(b.Recipients) != tt.sizes[i] {
					t.Errorf("batch %d has %d recipients, want %d", i, len(b.Recipients), tt.sizes[i])
				}
			}
		})
	}
}

func TestDeliverBatch_IdempotentRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	item := f.item("i1", "author")
	batch := Batch{Recipients: []string{"author", "a", "b"}}

	n, err := f.engine.DeliverBatch(ctx, item, batch)
	if err != nil {
		t.Fatalf("DeliverBatch() error = %v", err)
	}
	if n != 3 {
		t.Errorf("first delivery inserted %d, want 3", n)
	}

	if _, err := f.store.SetFlag(ctx, "a", "i1", feed.FlagViewed); err != nil {
		t.Fatalf("SetFlag() error = %v", err)
	}

	n, err = f.engine.DeliverBatch(ctx, item, batch)
	if err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	if n != 0 {
		t.Errorf("redelivery inserted %d, want 0", n)
	}

	e, err := f.store.GetEntry(ctx, "a", "i1")
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if !e.Viewed {
		t.Error("redelivery reset the viewed flag")
	}
}

func TestDeliverBatch_AuthorEntryIsInteracted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	item := f.item("i1", "author")

	if _, err := f.engine.DeliverBatch(ctx, item, Batch{Recipients: []string{"author", "reader"}}); err != nil {
		t.Fatalf("DeliverBatch() error = %v", err)
	}

	tests := []struct {
		recipient  string
		interacted bool
	}{
		{"author", true},
		{"reader", false},
	}
	for _, tt := range tests {
		e, err := f.store.GetEntry(ctx, tt.recipient, "i1")
		if err != nil {
			t.Fatalf("GetEntry(%s) error = %v", tt.recipient, err)
		}
		if e.Interacted != tt.interacted {
			t.Errorf("%s: Interacted = %v, want %v", tt.recipient, e.Interacted, tt.interacted)
		}
		if !e.ItemCreatedAt.Equal(item.CreatedAt) {
			t.Errorf("%s: ItemCreatedAt = %v, want %v", tt.recipient, e.ItemCreatedAt, item.CreatedAt)
		}
	}
}

func TestDeliverBatch_GroupAffiliationBoost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)
	group := "chess-club"
	f.dir.AddMember(group, "member")

	item := f.item("i1", "author")
	item.GroupID = &group
	f.dir.AddItem(item)

	if _, err := f.engine.DeliverBatch(ctx, item, Batch{Recipients: []string{"member", "outsider"}}); err != nil {
		t.Fatalf("DeliverBatch() error = %v", err)
	}
	member, _ := f.store.GetEntry(ctx, "member", "i1")
	outsider, _ := f.store.GetEntry(ctx, "outsider", "i1")
	if member.Score <= outsider.Score {
		t.Errorf("member score %.2f should exceed outsider score %.2f", member.Score, outsider.Score)
	}

	// A deleted group scores everyone without the boost.
	f.dir.RemoveGroup(group)
	item2 := item
	item2.ID = "i2"
	f.dir.AddItem(item2)
	if _, err := f.engine.DeliverBatch(ctx, item2, Batch{Recipients: []string{"member", "outsider"}}); err != nil {
		t.Fatalf("DeliverBatch() after group removal error = %v", err)
	}
	member, _ = f.store.GetEntry(ctx, "member", "i2")
	outsider, _ = f.store.GetEntry(ctx, "outsider", "i2")
	if member.Score != outsider.Score {
		t.Errorf("scores differ after group removal: %.2f vs %.2f", member.Score, outsider.Score)
	}
}

func TestDeliverBatch_CacheMerge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(nil)

	old := feed.Projection{ItemID: "old", AuthorID: "x", Score: 0.1, CreatedAt: f.now.Add(-time.Hour)}
	if err := f.cache.Set(ctx, "warm", []feed.Projection{old}, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	item := f.item("i1", "author")
	if _, err := f.engine.DeliverBatch(ctx, item, Batch{Recipients: []string{"warm", "cold"}}); err != nil {
		t.Fatalf("DeliverBatch() error = %v", err)
	}

	warm, ok, _ := f.cache.Get(ctx, "warm")
	if !ok {
		t.Fatal("warm cache entry disappeared")
	}
	if len(warm) != 2 {
		t.Fatalf("warm cache holds %d projections, want 2", len(warm))
	}
	if warm[0].ItemID != "i1" {
		t.Errorf("new item should rank first, got %s", warm[0].ItemID)
	}

	if _, ok, _ := f.cache.Get(ctx, "cold"); ok {
		t.Error("delivery created a cache entry for a cold recipient")
	}
}

func TestDeliverBatchWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantErr   bool
		wantCalls int
	}{
		{"succeeds first time", 0, nil, false, 1},
		{"recovers after transient failures", 2, nil, false, 3},
		{"gives up after max attempts", 5, nil, true, 3},
		{"permanent error is not retried", 5, errors.New("constraint violation"), true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var flaky *flakyStore
			f := newFixture(func(s feed.Store) feed.Store {
				flaky = &flakyStore{Store: s, failures: tt.failures, err: tt.err}
				return flaky
			})
			item := f.item("i1", "author")

			n, err := f.engine.DeliverBatchWithRetry(context.Background(), item, Batch{Recipients: []string{"a", "b"}})
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if flaky.calls != tt.wantCalls {
				t.Errorf("InsertEntries called %d times, want %d", flaky.calls, tt.wantCalls)
			}
			if !tt.wantErr && n != 2 {
				t.Errorf("inserted %d, want 2", n)
			}
		})
	}
}

func TestDeliver_FailedBatchDoesNotStopOthers(t *testing.T) {
	f := newFixture(func(s feed.Store) feed.Store {
		return &flakyStore{Store: s, failures: 3}
	})
	f.engine.config.BatchSize = 2
	item := f.item("i1", "author")

	report := f.engine.Deliver(context.Background(), item, []string{"a", "b", "c", "d", "e"})

	if report.Batches != 3 {
		t.Errorf("Batches = %d, want 3", report.Batches)
	}
	if report.FailedBatches != 1 {
		t.Errorf("FailedBatches = %d, want 1", report.FailedBatches)
	}
	if report.Inserted != 3 {
		t.Errorf("Inserted = %d, want 3", report.Inserted)
	}
	if _, err := f.store.GetEntry(context.Background(), "a", "i1"); !errors.Is(err, feed.ErrNotFound) {
		t.Errorf("first batch should have failed, GetEntry error = %v", err)
	}
	for _, r := range []string{"c", "d", "e"} {
		if _, err := f.store.GetEntry(context.Background(), r, "i1"); err != nil {
			t.Errorf("recipient %s missing entry: %v", r, err)
		}
	}
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	f := newFixture(nil)
	f.engine.config.Metrics = m
	item := f.item("i1", "author")
	if _, err := f.engine.DeliverBatch(context.Background(), item, Batch{Recipients: []string{"a", "b"}}); err != nil {
		t.Fatalf("DeliverBatch() error = %v", err)
	}

	metric := &dto.Metric{}
	if err := m.batches.WithLabelValues("success").Write(metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 1 {
		t.Errorf("success batches = %v, want 1", got)
	}

	metric = &dto.Metric{}
	if err := m.inserted.Write(metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Errorf("inserted = %v, want 2", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.observeDelivery(StrategyPush, 3)
	m.observeBatch("success", 0.1, 3)
	m.incCacheErrors()
}
