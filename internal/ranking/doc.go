// Package ranking computes per-recipient relevance scores for feed items,
// with calibration support for tuning the component weights.
//
// Basic Usage:
//
//	// Load calibration (typically at startup)
//	weights, err := ranking.LoadCalibration(cfg.RankingCalibrationPath)
//	if err != nil {
//		logger.Warn("using default weights", "error", err)
//	}
//
//	scorer := ranking.NewScorer(ranking.WithWeights(weights))
//	score := scorer.Score(item, engagement, recipientGroups, time.Now())
//
// Score components:
//
//   - Recency: linear decay from RecencyMax to 0 over the recency window.
//   - Engagement: likes, comments and shares weighted 1/2/3, divided by
//     EngagementDivisor and capped at EngagementMax.
//   - Affiliation: AffiliationBoost when the item's group is one of the
//     recipient's groups.
//   - Jitter: a uniform value in [0, JitterSpan) that breaks ties between
//     otherwise equal items.
//
// With default weights the deterministic part of a score is at most 20.
package ranking
