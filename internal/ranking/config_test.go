package ranking

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func weightsEqual(a, b *Weights) bool {
	return *a == *b
}

// TestDefaultWeights verifies the default weight configuration.
func TestDefaultWeights(t *testing.T) {
	w := DefaultWeights()

	if w.RecencyMax != 10 {
		t.Errorf("expected recency_max 10, got %f", w.RecencyMax)
	}
	if w.RecencyWindow() != 7*24*time.Hour {
		t.Errorf("expected recency window 7d, got %v", w.RecencyWindow())
	}
	if w.EngagementMax != 5 || w.EngagementDivisor != 10 {
		t.Errorf("expected engagement 5/10, got %f/%f", w.EngagementMax, w.EngagementDivisor)
	}
	if w.LikeWeight != 1 || w.CommentWeight != 2 || w.ShareWeight != 3 {
		t.Errorf("expected interaction weights 1/2/3, got %f/%f/%f", w.LikeWeight, w.CommentWeight, w.ShareWeight)
	}
	if w.AffiliationBoost != 5 {
		t.Errorf("expected affiliation_boost 5, got %f", w.AffiliationBoost)
	}
	if w.JitterSpan != 0.5 {
		t.Errorf("expected jitter_span 0.5, got %f", w.JitterSpan)
	}
	if w.MaxScore() != 20 {
		t.Errorf("expected max score 20, got %f", w.MaxScore())
	}
}

// TestLoadCalibration_DefaultFile loads the shipped calibration file.
func TestLoadCalibration_DefaultFile(t *testing.T) {
	configPath := filepath.Join("..", "..", "configs", "ranking.calibration.json")
	weights, err := LoadCalibration(configPath)
	if err != nil {
		t.Fatalf("expected no error loading default calibration file, got: %v", err)
	}
	if !weightsEqual(weights, DefaultWeights()) {
		t.Errorf("loaded weights don't match defaults:\nloaded: %+v\ndefaults: %+v",
			weights, DefaultWeights())
	}
}

func TestLoadCalibration_EmptyPath(t *testing.T) {
	weights, err := LoadCalibration("")
	if err != nil {
		t.Errorf("expected no error with empty path, got: %v", err)
	}
	if !weightsEqual(weights, DefaultWeights()) {
		t.Error("should return defaults when path is empty")
	}
}

func TestLoadCalibration_NonExistentFile(t *testing.T) {
	weights, err := LoadCalibration("/nonexistent/path/to/file.json")
	if err == nil {
		t.Error("expected error when file doesn't exist")
	}
	if !weightsEqual(weights, DefaultWeights()) {
		t.Error("should return defaults when file doesn't exist")
	}
}

func TestLoadCalibration_PartialOverride(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "custom.json")

	data, err := json.Marshal(CalibrationConfig{
		Version: "1.0",
		Weights: Weights{AffiliationBoost: 8, RecencyWindowHours: 72},
	})
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	weights, err := LoadCalibration(tmpFile)
	if err != nil {
		t.Fatalf("expected no error loading custom file, got: %v", err)
	}
	if weights.AffiliationBoost != 8 {
		t.Errorf("expected affiliation_boost 8, got %f", weights.AffiliationBoost)
	}
	if weights.RecencyWindow() != 72*time.Hour {
		t.Errorf("expected recency window 72h, got %v", weights.RecencyWindow())
	}
	if weights.RecencyMax != 10 {
		t.Errorf("unset recency_max should keep default 10, got %f", weights.RecencyMax)
	}
}

func TestLoadCalibration_InvalidJSON(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "invalid.json")
	if err := os.WriteFile(tmpFile, []byte("{invalid json}"), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	weights, err := LoadCalibration(tmpFile)
	if err == nil {
		t.Error("expected error when JSON is invalid")
	}
	if !weightsEqual(weights, DefaultWeights()) {
		t.Error("should return defaults when JSON is invalid")
	}
}

func TestMergeCalibration(t *testing.T) {
	tests := []struct {
		name     string
		base     *Weights
		override *Weights
		want     func() *Weights
	}{
		{
			name:     "nil base falls back to defaults",
			base:     nil,
			override: &Weights{RecencyMax: 99},
			want:     DefaultWeights,
		},
		{
			name:     "nil override copies base",
			base:     DefaultWeights(),
			override: nil,
			want:     DefaultWeights,
		},
		{
			name:     "zero fields keep base",
			base:     DefaultWeights(),
			override: &Weights{ShareWeight: 4, JitterSpan: 0.25},
			want: func() *Weights {
				w := DefaultWeights()
				w.ShareWeight = 4
				w.JitterSpan = 0.25
				return w
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeCalibration(tt.base, tt.override)
			if !weightsEqual(got, tt.want()) {
				t.Errorf("MergeCalibration() = %+v, want %+v", got, tt.want())
			}
		})
	}
}

func TestMergeCalibration_DoesNotMutateBase(t *testing.T) {
	base := DefaultWeights()
	_ = MergeCalibration(base, &Weights{RecencyMax: 3})
	if base.RecencyMax != 10 {
		t.Errorf("base mutated: recency_max = %f", base.RecencyMax)
	}
}
