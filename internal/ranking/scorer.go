package ranking

import (
	"math/rand/v2"
	"time"

	"github.com/onnwee/campusfeed/internal/feed"
)

// JitterFunc returns a value in [0, 1). It is scaled by Weights.JitterSpan.
type JitterFunc func() float64

// NoJitter disables jitter, making scores fully deterministic.
func NoJitter() float64 { return 0 }

// Scorer computes per-recipient relevance scores.
type Scorer struct {
	weights *Weights
	jitter  JitterFunc
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithWeights sets calibrated weights. Nil keeps the defaults.
func WithWeights(w *Weights) Option {
	return func(s *Scorer) {
		if w != nil {
			s.weights = w
		}
	}
}

// WithJitter replaces the jitter source.
func WithJitter(fn JitterFunc) Option {
	return func(s *Scorer) {
		if fn != nil {
			s.jitter = fn
		}
	}
}

// NewScorer creates a Scorer with default weights and random jitter.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		weights: DefaultWeights(),
		jitter:  rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Params computes the normalized score components.
func (s *Scorer) Params(item feed.ContentItem, e feed.Engagement, recipientGroups []string, now time.Time) ScoreParams {
	return ScoreParams{
		Recency:     RecencyWeight(item.CreatedAt, now, s.weights.RecencyWindow()),
		Engagement:  EngagementWeight(e, s.weights),
		Affiliation: AffiliationWeight(item, recipientGroups),
	}
}

// Score returns the relevance of item for a recipient in recipientGroups.
// The result is the composite score plus jitter in [0, JitterSpan).
func (s *Scorer) Score(item feed.ContentItem, e feed.Engagement, recipientGroups []string, now time.Time) float64 {
	base := CompositeScore(s.Params(item, e, recipientGroups, now), s.weights)
	return base + s.jitter()*s.weights.JitterSpan
}
