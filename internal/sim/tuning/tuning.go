package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	RPStart    int `yaml:"rp_start"`
	RPCap      int `yaml:"rp_cap"`
	RPPerCycle int `yaml:"rp_per_cycle"`

	Detection   Detection   `yaml:"detection"`
	Bleed       Bleed       `yaml:"bleed"`
	SideEffects SideEffects `yaml:"side_effects"`

	// Named score-weight presets. Each preset's five weights sum to 100.
	ScorePresets map[string]ScoreWeights `yaml:"score_presets"`
}

// Detection holds the secondary-roll and counter-intel knobs. The
// defender-side coefficients are tunable pending confirmed values.
type Detection struct {
	BaseChance              float64 `yaml:"base_chance"`
	CounterIntelCost        int     `yaml:"counter_intel_cost"`
	CounterIntelBonus       float64 `yaml:"counter_intel_bonus"`
	CounterIntelMilitaryHit int     `yaml:"counter_intel_military_hit"`
}

type Bleed struct {
	DefaultThreshold    int     `yaml:"default_threshold"`
	ThresholdFloor      int     `yaml:"threshold_floor"`
	NearMissWindow      int     `yaml:"near_miss_window"`
	NearMissChance      float64 `yaml:"near_miss_chance"`
	DecayPerDepth       float64 `yaml:"decay_per_depth"`
	MaxCascadeDepth     int     `yaml:"max_cascade_depth"`
	ReckoningDrop       int     `yaml:"reckoning_threshold_drop"`
	ReckoningDepthBonus int     `yaml:"reckoning_depth_bonus"`
	InstabilityCutoff   float64 `yaml:"instability_cutoff"`
	StrongEmbassyCutoff float64 `yaml:"strong_embassy_cutoff"`
}

type SideEffects struct {
	PropagandaImpactMin   int     `yaml:"propaganda_impact_min"`
	PropagandaImpactMax   int     `yaml:"propaganda_impact_max"`
	AssassinRelationHit   int     `yaml:"assassin_relation_hit"`
	AmbassadorBlockCycles int     `yaml:"ambassador_block_cycles"`
	EmbassySuppressCycles int     `yaml:"embassy_suppress_cycles"`
	EmbassySuppressFactor float64 `yaml:"embassy_suppress_factor"`
}

type ScoreWeights struct {
	Stability   int `yaml:"stability"`
	Influence   int `yaml:"influence"`
	Sovereignty int `yaml:"sovereignty"`
	Diplomatic  int `yaml:"diplomatic"`
	Military    int `yaml:"military"`
}

func (w ScoreWeights) Sum() int {
	return w.Stability + w.Influence + w.Sovereignty + w.Diplomatic + w.Military
}

func Defaults() Tuning {
	return Tuning{
		RPStart:    10,
		RPCap:      20,
		RPPerCycle: 2,
		Detection: Detection{
			BaseChance:              0.35,
			CounterIntelCost:        3,
			CounterIntelBonus:       0.25,
			CounterIntelMilitaryHit: 2,
		},
		Bleed: Bleed{
			DefaultThreshold:    8,
			ThresholdFloor:      5,
			NearMissWindow:      2,
			NearMissChance:      0.15,
			DecayPerDepth:       0.7,
			MaxCascadeDepth:     2,
			ReckoningDrop:       2,
			ReckoningDepthBonus: 1,
			InstabilityCutoff:   0.3,
			StrongEmbassyCutoff: 0.8,
		},
		SideEffects: SideEffects{
			PropagandaImpactMin:   3,
			PropagandaImpactMax:   5,
			AssassinRelationHit:   2,
			AmbassadorBlockCycles: 3,
			EmbassySuppressCycles: 3,
			EmbassySuppressFactor: 0.5,
		},
		ScorePresets: map[string]ScoreWeights{
			"BALANCED":  {Stability: 20, Influence: 20, Sovereignty: 20, Diplomatic: 20, Military: 20},
			"BUILDER":   {Stability: 30, Influence: 15, Sovereignty: 25, Diplomatic: 20, Military: 10},
			"WARMONGER": {Stability: 15, Influence: 20, Sovereignty: 15, Diplomatic: 10, Military: 40},
			"DIPLOMAT":  {Stability: 15, Influence: 15, Sovereignty: 20, Diplomatic: 35, Military: 15},
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.RPCap <= 0 || t.RPStart < 0 || t.RPStart > t.RPCap {
		return fmt.Errorf("rp bounds: start=%d cap=%d", t.RPStart, t.RPCap)
	}
	if t.RPPerCycle < 0 {
		return fmt.Errorf("rp per cycle %d is negative", t.RPPerCycle)
	}
	if t.Bleed.ThresholdFloor < 1 || t.Bleed.DefaultThreshold < t.Bleed.ThresholdFloor {
		return fmt.Errorf("bleed threshold %d below floor %d", t.Bleed.DefaultThreshold, t.Bleed.ThresholdFloor)
	}
	if t.Bleed.MaxCascadeDepth < 1 || t.Bleed.MaxCascadeDepth > 3 {
		return fmt.Errorf("max cascade depth %d out of range [1,3]", t.Bleed.MaxCascadeDepth)
	}
	for name, w := range t.ScorePresets {
		if w.Sum() != 100 {
			return fmt.Errorf("preset %s weights sum to %d, want 100", name, w.Sum())
		}
	}
	return nil
}
