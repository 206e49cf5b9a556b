package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/campusfeed/internal/config"
	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/maintenance"
	"github.com/onnwee/campusfeed/internal/reader"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    command
		wantErr bool
	}{
		{
			name: "rebuild defaults",
			args: []string{"rebuild"},
			want: command{name: "rebuild", batchSize: maintenance.DefaultRebuildBatchSize},
		},
		{
			name: "rebuild single recipient",
			args: []string{"rebuild", "--recipient", "u1"},
			want: command{name: "rebuild", recipient: "u1", batchSize: maintenance.DefaultRebuildBatchSize},
		},
		{
			name: "rebuild active only with batch size",
			args: []string{"rebuild", "--active-only", "--batch-size", "50"},
			want: command{name: "rebuild", activeOnly: true, batchSize: 50},
		},
		{
			name:    "rebuild recipient and active only",
			args:    []string{"rebuild", "--recipient", "u1", "--active-only"},
			wantErr: true,
		},
		{
			name:    "rebuild zero batch size",
			args:    []string{"rebuild", "--batch-size", "0"},
			wantErr: true,
		},
		{
			name: "cleanup uses default days",
			args: []string{"cleanup"},
			want: command{name: "cleanup", days: 90},
		},
		{
			name: "cleanup flags",
			args: []string{"cleanup", "--days", "30", "--inactive-only", "--dry-run"},
			want: command{name: "cleanup", days: 30, inactiveOnly: true, dryRun: true},
		},
		{
			name:    "cleanup negative days",
			args:    []string{"cleanup", "--days", "-1"},
			wantErr: true,
		},
		{
			name: "show",
			args: []string{"show", "--recipient", "u1", "--page", "2", "--page-size", "10"},
			want: command{name: "show", recipient: "u1", page: 2, pageSize: 10},
		},
		{
			name: "show defaults",
			args: []string{"show", "--recipient", "u1"},
			want: command{name: "show", recipient: "u1", page: 1, pageSize: reader.DefaultPageSize},
		},
		{
			name:    "show without recipient",
			args:    []string{"show"},
			wantErr: true,
		},
		{
			name:    "show page zero",
			args:    []string{"show", "--recipient", "u1", "--page", "0"},
			wantErr: true,
		},
		{name: "no command", args: nil, wantErr: true},
		{name: "unknown command", args: []string{"compact"}, wantErr: true},
		{name: "unknown flag", args: []string{"rebuild", "--all"}, wantErr: true},
		{name: "stray argument", args: []string{"cleanup", "extra"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand(tt.args, 90)
			if tt.wantErr {
				if !errors.Is(err, errUsage) {
					t.Fatalf("err = %v, want usage error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

type fakeRebuilder struct {
	refreshed  []string
	refreshErr error
	summary    maintenance.RebuildSummary
	allErr     error
	activeOnly bool
	batchSize  int
}

func (f *fakeRebuilder) RefreshFeed(_ context.Context, recipientID string) (int, error) {
	f.refreshed = append(f.refreshed, recipientID)
	if f.refreshErr != nil {
		return 0, f.refreshErr
	}
	return 7, nil
}

func (f *fakeRebuilder) RebuildAll(_ context.Context, activeOnly bool, batchSize int) (maintenance.RebuildSummary, error) {
	f.activeOnly = activeOnly
	f.batchSize = batchSize
	return f.summary, f.allErr
}

type fakePruner struct {
	opts maintenance.CleanupOptions
	err  error
}

func (f *fakePruner) CleanupOldFeeds(_ context.Context, opts maintenance.CleanupOptions) (maintenance.CleanupResult, error) {
	f.opts = opts
	if f.err != nil {
		return maintenance.CleanupResult{}, f.err
	}
	return maintenance.CleanupResult{
		Cutoff:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Matched: 12,
		Deleted: 12,
		Chunks:  1,
		DryRun:  opts.DryRun,
	}, nil
}

type fakeReader struct {
	items []feed.Projection
	err   error
	page  int
	size  int
}

func (f *fakeReader) GetFeed(_ context.Context, _ string, page, pageSize int) ([]feed.Projection, error) {
	f.page, f.size = page, pageSize
	return f.items, f.err
}

func decode(t *testing.T, out *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(out.Bytes(), &m); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	return m
}

func TestExecute_RebuildRecipient(t *testing.T) {
	rb := &fakeRebuilder{}
	var out bytes.Buffer

	err := execute(context.Background(), command{name: "rebuild", recipient: "u1"}, services{rebuilder: rb}, &out)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(rb.refreshed) != 1 || rb.refreshed[0] != "u1" {
		t.Errorf("refreshed = %v, want [u1]", rb.refreshed)
	}
	if got := decode(t, &out)["entries"]; got != float64(7) {
		t.Errorf("entries = %v, want 7", got)
	}
}

func TestExecute_RebuildMissingRecipient(t *testing.T) {
	rb := &fakeRebuilder{refreshErr: fmt.Errorf("recipient u9: %w", feed.ErrNotFound)}
	var out bytes.Buffer

	err := execute(context.Background(), command{name: "rebuild", recipient: "u9"}, services{rebuilder: rb}, &out)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not found", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output, got %q", out.String())
	}
}

func TestExecute_RebuildAll(t *testing.T) {
	tests := []struct {
		name    string
		summary maintenance.RebuildSummary
		allErr  error
		wantErr bool
		wantOut bool
	}{
		{name: "clean run", summary: maintenance.RebuildSummary{Processed: 3, Rebuilt: 3, Entries: 40}, wantOut: true},
		{name: "some failed", summary: maintenance.RebuildSummary{Processed: 3, Rebuilt: 2, Failed: 1}, wantErr: true, wantOut: true},
		{name: "aborted", allErr: errors.New("database gone"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := &fakeRebuilder{summary: tt.summary, allErr: tt.allErr}
			var out bytes.Buffer
			cmd := command{name: "rebuild", activeOnly: true, batchSize: 25}

			err := execute(context.Background(), cmd, services{rebuilder: rb}, &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !rb.activeOnly || rb.batchSize != 25 {
				t.Errorf("RebuildAll(%v, %d), want (true, 25)", rb.activeOnly, rb.batchSize)
			}
			if tt.wantOut {
				if got := decode(t, &out)["processed"]; got != float64(tt.summary.Processed) {
					t.Errorf("processed = %v, want %d", got, tt.summary.Processed)
				}
			} else if out.Len() != 0 {
				t.Errorf("expected no output, got %q", out.String())
			}
		})
	}
}

func TestExecute_Cleanup(t *testing.T) {
	pr := &fakePruner{}
	var out bytes.Buffer
	cmd := command{name: "cleanup", days: 30, inactiveOnly: true, dryRun: true}

	if err := execute(context.Background(), cmd, services{pruner: pr}, &out); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := maintenance.CleanupOptions{Days: 30, InactiveOnly: true, DryRun: true}
	if pr.opts != want {
		t.Errorf("opts = %+v, want %+v", pr.opts, want)
	}
	m := decode(t, &out)
	if m["dry_run"] != true {
		t.Errorf("dry_run = %v, want true", m["dry_run"])
	}
	if m["cutoff"] != "2026-01-01T00:00:00Z" {
		t.Errorf("cutoff = %v", m["cutoff"])
	}
}

func TestExecute_Show(t *testing.T) {
	t.Run("items", func(t *testing.T) {
		rd := &fakeReader{items: []feed.Projection{{ItemID: "i1", Interacted: true}, {ItemID: "i2"}}}
		var out bytes.Buffer
		cmd := command{name: "show", recipient: "u1", page: 2, pageSize: 10}

		if err := execute(context.Background(), cmd, services{reader: rd}, &out); err != nil {
			t.Fatalf("execute: %v", err)
		}
		if rd.page != 2 || rd.size != 10 {
			t.Errorf("GetFeed page=%d size=%d, want 2 and 10", rd.page, rd.size)
		}
		items, ok := decode(t, &out)["items"].([]any)
		if !ok || len(items) != 2 {
			t.Fatalf("items = %v", items)
		}
		first := items[0].(map[string]any)
		if first["item_id"] != "i1" || first["interacted"] != true {
			t.Errorf("first item = %v", first)
		}
	})

	t.Run("empty feed prints empty list", func(t *testing.T) {
		var out bytes.Buffer
		cmd := command{name: "show", recipient: "u1", page: 1, pageSize: 20}

		if err := execute(context.Background(), cmd, services{reader: &fakeReader{}}, &out); err != nil {
			t.Fatalf("execute: %v", err)
		}
		if !strings.Contains(out.String(), `"items": []`) {
			t.Errorf("output = %s", out.String())
		}
	})

	t.Run("reader error", func(t *testing.T) {
		var out bytes.Buffer
		cmd := command{name: "show", recipient: "u1", page: 1, pageSize: 20}
		rd := &fakeReader{err: feed.ErrValidation}

		if err := execute(context.Background(), cmd, services{reader: rd}, &out); !errors.Is(err, feed.ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})
}

func TestExecute_UnknownCommand(t *testing.T) {
	err := execute(context.Background(), command{name: "compact"}, services{}, &bytes.Buffer{})
	if !errors.Is(err, errUsage) {
		t.Errorf("err = %v, want usage error", err)
	}
}

func TestNeedsMigrations(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{name: "rebuild", want: true},
		{name: "cleanup", want: true},
		{name: "show", want: false},
	}
	for _, tt := range tests {
		if got := needsMigrations(command{name: tt.name}); got != tt.want {
			t.Errorf("needsMigrations(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOpenCache(t *testing.T) {
	cache, client, err := openCache(&config.Config{})
	if err != nil || cache != nil || client != nil {
		t.Errorf("openCache without redis = (%v, %v, %v), want all nil", cache, client, err)
	}

	if _, _, err := openCache(&config.Config{RedisURL: "://bad"}); err == nil {
		t.Error("expected error for invalid redis url")
	}

	cache, client, err = openCache(&config.Config{RedisURL: "redis://127.0.0.1:1/0"})
	if err != nil {
		t.Fatalf("openCache: %v", err)
	}
	defer client.Close()
	if cache == nil {
		t.Error("expected a redis cache")
	}
}
