package ranking

import (
	"testing"
	"time"

	"github.com/onnwee/campusfeed/internal/feed"
)

func BenchmarkRecencyWeight(b *testing.B) {
	now := time.Now()
	created := now.Add(-36 * time.Hour)
	window := 7 * 24 * time.Hour

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		RecencyWeight(created, now, window)
	}
}

func BenchmarkEngagementWeight(b *testing.B) {
	e := feed.Engagement{Likes: 42, Comments: 7, Shares: 3}
	w := DefaultWeights()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		EngagementWeight(e, w)
	}
}

// BenchmarkScore covers a full per-recipient score, the hot path of a
// 500-recipient delivery batch.
func BenchmarkScore(b *testing.B) {
	g := "robotics"
	item := feed.ContentItem{ID: "item", AuthorID: "a", GroupID: &g, CreatedAt: time.Now().Add(-3 * time.Hour)}
	e := feed.Engagement{Likes: 12, Comments: 4, Shares: 1}
	groups := []string{"chess", "robotics", "debate"}
	s := NewScorer()
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Score(item, e, groups, now)
	}
}
