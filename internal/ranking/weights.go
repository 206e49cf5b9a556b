package ranking

import (
	"time"

	"github.com/onnwee/campusfeed/internal/feed"
)

// RecencyWeight computes a time-based recency score normalized to [0, 1].
// Newer items receive higher scores.
//
// Formula: 1 - (age / window) clamped to [0, 1]. Items created in the
// future are treated as brand new.
func RecencyWeight(createdAt, now time.Time, window time.Duration) float64 {
	if window <= 0 {
		return 1.0
	}

	age := now.Sub(createdAt)
	if age <= 0 {
		return 1.0
	}

	weight := 1.0 - float64(age)/float64(window)
	if weight < 0.0 {
		return 0.0
	}
	return weight
}

// EngagementPoints returns the weighted interaction count of e.
func EngagementPoints(e feed.Engagement, w *Weights) float64 {
	return float64(e.Likes)*w.LikeWeight +
		float64(e.Comments)*w.CommentWeight +
		float64(e.Shares)*w.ShareWeight
}

// EngagementWeight returns the engagement component normalized to [0, 1],
// saturating once the scaled points reach EngagementMax.
func EngagementWeight(e feed.Engagement, w *Weights) float64 {
	if w.EngagementMax <= 0 || w.EngagementDivisor <= 0 {
		return 0.0
	}
	weight := EngagementPoints(e, w) / w.EngagementDivisor / w.EngagementMax
	if weight < 0.0 {
		return 0.0
	}
	if weight > 1.0 {
		return 1.0
	}
	return weight
}

// AffiliationWeight is 1 when the item's group is among groups, otherwise 0.
// Personal items never carry affiliation.
func AffiliationWeight(item feed.ContentItem, groups []string) float64 {
	if !item.IsGroup() {
		return 0.0
	}
	g := item.Group()
	for _, candidate := range groups {
		if candidate == g {
			return 1.0
		}
	}
	return 0.0
}

// ScoreParams holds the normalized components of a feed score.
type ScoreParams struct {
	Recency     float64 // [0, 1]
	Engagement  float64 // [0, 1]
	Affiliation float64 // 0 or 1
}

// CompositeScore combines the components using the calibrated maxima.
// Jitter is not included.
//
// Default formula: recency*10 + engagement*5 + affiliation*5.
func CompositeScore(params ScoreParams, weights *Weights) float64 {
	if weights == nil {
		weights = DefaultWeights()
	}
	return params.Recency*weights.RecencyMax +
		params.Engagement*weights.EngagementMax +
		params.Affiliation*weights.AffiliationBoost
}
