package feedcache

import (
	"testing"
	"time"

	"github.com/onnwee/campusfeed/internal/feed"
)

func TestCodecPreservesProjection(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	in := []feed.Projection{{
		ItemID:     "item-1",
		Score:      17.25,
		CreatedAt:  created,
		AuthorID:   "author-1",
		Title:      "Open mic night",
		Preview:    "Bring your own instrument",
		Viewed:     true,
		Interacted: false,
	}}

	data, err := encodeProjections(in)
	if err != nil {
		t.Fatalf("encodeProjections() error = %v", err)
	}
	out, err := decodeProjections(data)
	if err != nil {
		t.Fatalf("decodeProjections() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("decoded %d projections, want 1", len(out))
	}
	if !out[0].CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v (nanoseconds must survive)", out[0].CreatedAt, created)
	}
	out[0].CreatedAt = in[0].CreatedAt
	if out[0] != in[0] {
		t.Errorf("decoded %+v, want %+v", out[0], in[0])
	}
}

func TestCodecEmptyList(t *testing.T) {
	data, err := encodeProjections(nil)
	if err != nil {
		t.Fatalf("encodeProjections(nil) error = %v", err)
	}
	out, err := decodeProjections(data)
	if err != nil {
		t.Fatalf("decodeProjections() error = %v", err)
	}
	if len(out) != 0 {
		t.Errorf("decoded %d projections, want 0", len(out))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := decodeProjections([]byte{0xff, 0x00}); err == nil {
		t.Error("decodeProjections(garbage) error = nil")
	}
}
