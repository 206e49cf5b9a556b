package ranking

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Weights holds the feed scoring calibration.
type Weights struct {
	RecencyMax         float64 `json:"recency_max"`          // Points for a brand new item (default: 10)
	RecencyWindowHours float64 `json:"recency_window_hours"` // Hours until recency reaches 0 (default: 168)
	EngagementMax      float64 `json:"engagement_max"`       // Cap on engagement points (default: 5)
	EngagementDivisor  float64 `json:"engagement_divisor"`   // Weighted interactions per point (default: 10)
	LikeWeight         float64 `json:"like_weight"`          // default: 1
	CommentWeight      float64 `json:"comment_weight"`       // default: 2
	ShareWeight        float64 `json:"share_weight"`         // default: 3
	AffiliationBoost   float64 `json:"affiliation_boost"`    // Points for a same-group item (default: 5)
	JitterSpan         float64 `json:"jitter_span"`          // Upper bound of random jitter (default: 0.5)
}

// RecencyWindow returns the recency window as a duration.
func (w *Weights) RecencyWindow() time.Duration {
	return time.Duration(w.RecencyWindowHours * float64(time.Hour))
}

// MaxScore is the largest deterministic score these weights can produce.
func (w *Weights) MaxScore() float64 {
	return w.RecencyMax + w.EngagementMax + w.AffiliationBoost
}

// CalibrationConfig represents the JSON structure of the calibration file.
type CalibrationConfig struct {
	Version string  `json:"version"`
	Weights Weights `json:"weights"`
}

// DefaultWeights returns the default feed scoring weights.
//
// Formula: score = recency(10 over 7 days) + min(5, (likes + 2*comments + 3*shares)/10)
// + 5 if same group, plus jitter in [0, 0.5).
func DefaultWeights() *Weights {
	return &Weights{
		RecencyMax:         10,
		RecencyWindowHours: 7 * 24,
		EngagementMax:      5,
		EngagementDivisor:  10,
		LikeWeight:         1,
		CommentWeight:      2,
		ShareWeight:        3,
		AffiliationBoost:   5,
		JitterSpan:         0.5,
	}
}

// LoadCalibration loads weights from a JSON calibration file. An empty
// path yields the defaults. On error the defaults are returned alongside
// the error so callers can degrade gracefully. Partial files are merged
// over the defaults.
func LoadCalibration(filePath string) (*Weights, error) {
	if filePath == "" {
		return DefaultWeights(), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		slog.Warn("failed to read calibration file, using defaults",
			"path", filePath,
			"error", err)
		return DefaultWeights(), fmt.Errorf("failed to read calibration file: %w", err)
	}

	var config CalibrationConfig
	if err := json.Unmarshal(data, &config); err != nil {
		slog.Warn("failed to parse calibration file, using defaults",
			"path", filePath,
			"error", err)
		return DefaultWeights(), fmt.Errorf("failed to parse calibration file: %w", err)
	}

	defaults := DefaultWeights()
	merged := MergeCalibration(defaults, &config.Weights)
	logCalibrationOverrides(defaults, merged)

	return merged, nil
}

// MergeCalibration returns base with every non-zero field of override applied.
func MergeCalibration(base *Weights, override *Weights) *Weights {
	if base == nil {
		return DefaultWeights()
	}

	result := *base
	if override == nil {
		return &result
	}

	merge := func(dst *float64, v float64) {
		if v != 0 {
			*dst = v
		}
	}
	merge(&result.RecencyMax, override.RecencyMax)
	merge(&result.RecencyWindowHours, override.RecencyWindowHours)
	merge(&result.EngagementMax, override.EngagementMax)
	merge(&result.EngagementDivisor, override.EngagementDivisor)
	merge(&result.LikeWeight, override.LikeWeight)
	merge(&result.CommentWeight, override.CommentWeight)
	merge(&result.ShareWeight, override.ShareWeight)
	merge(&result.AffiliationBoost, override.AffiliationBoost)
	merge(&result.JitterSpan, override.JitterSpan)

	return &result
}

// logCalibrationOverrides logs which weights differ from the defaults.
func logCalibrationOverrides(defaults *Weights, loaded *Weights) {
	fields := []struct {
		name      string
		def, load float64
	}{
		{"recency_max", defaults.RecencyMax, loaded.RecencyMax},
		{"recency_window_hours", defaults.RecencyWindowHours, loaded.RecencyWindowHours},
		{"engagement_max", defaults.EngagementMax, loaded.EngagementMax},
		{"engagement_divisor", defaults.EngagementDivisor, loaded.EngagementDivisor},
		{"like_weight", defaults.LikeWeight, loaded.LikeWeight},
		{"comment_weight", defaults.CommentWeight, loaded.CommentWeight},
		{"share_weight", defaults.ShareWeight, loaded.ShareWeight},
		{"affiliation_boost", defaults.AffiliationBoost, loaded.AffiliationBoost},
		{"jitter_span", defaults.JitterSpan, loaded.JitterSpan},
	}

	var overrides []string
	for _, f := range fields {
		if f.def != f.load {
			overrides = append(overrides, fmt.Sprintf("%s: %.2f -> %.2f", f.name, f.def, f.load))
		}
	}

	if len(overrides) > 0 {
		slog.Info("loaded ranking calibration with overrides",
			"overrides", overrides)
	} else {
		slog.Info("loaded ranking calibration (using all defaults)")
	}
}
