package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestPresetSums(t *testing.T) {
	d := Defaults()
	for name, w := range d.ScorePresets {
		if got := w.Sum(); got != 100 {
			t.Fatalf("preset %s sums to %d", name, got)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	body := []byte("rp_start: 12\nbleed:\n  default_threshold: 9\n  threshold_floor: 5\n  near_miss_window: 2\n  near_miss_chance: 0.15\n  decay_per_depth: 0.7\n  max_cascade_depth: 3\n  reckoning_threshold_drop: 2\n  reckoning_depth_bonus: 1\n  instability_cutoff: 0.3\n  strong_embassy_cutoff: 0.8\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.RPStart != 12 {
		t.Fatalf("rp_start override not applied: %d", got.RPStart)
	}
	if got.Bleed.DefaultThreshold != 9 || got.Bleed.MaxCascadeDepth != 3 {
		t.Fatalf("bleed overrides not applied: %+v", got.Bleed)
	}
	// Untouched sections keep defaults.
	if got.Detection.CounterIntelCost != 3 {
		t.Fatalf("detection defaults lost: %+v", got.Detection)
	}
}

func TestValidateRejectsBadPreset(t *testing.T) {
	d := Defaults()
	d.ScorePresets["CUSTOM"] = ScoreWeights{Stability: 50, Influence: 49}
	if err := d.Validate(); err == nil {
		t.Fatal("expected preset sum error")
	}
}
