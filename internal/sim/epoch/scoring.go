package epoch

import (
	"sort"

	"crucible/internal/sim/tuning"
)

// Dimensions holds the five score dimensions for one participant.
type Dimensions struct {
	Stability   float64 `json:"stability"`
	Influence   float64 `json:"influence"`
	Sovereignty float64 `json:"sovereignty"`
	Diplomatic  float64 `json:"diplomatic"`
	Military    float64 `json:"military"`
}

// Composite is the weighted sum of the five dimensions under the given
// preset. Weights are percentages summing to 100.
func Composite(d Dimensions, w tuning.ScoreWeights) float64 {
	return d.Stability*float64(w.Stability)/100 +
		d.Influence*float64(w.Influence)/100 +
		d.Sovereignty*float64(w.Sovereignty)/100 +
		d.Diplomatic*float64(w.Diplomatic)/100 +
		d.Military*float64(w.Military)/100
}

// LeaderboardEntry is a derived per-participant snapshot. It is recomputed
// from authoritative state on demand and never hand-edited.
type LeaderboardEntry struct {
	SimulationID string     `json:"simulation_id"`
	Scores       Dimensions `json:"scores"`
	Composite    float64    `json:"composite"`
	Rank         int        `json:"rank"`
	Titles       []string   `json:"titles,omitempty"`
}

// Display-only labels for dimension leaders. They never feed back into the
// composite.
var dimensionTitles = map[string]string{
	"stability":   "The Unshaken",
	"influence":   "The Resonant",
	"sovereignty": "The Inviolate",
	"diplomatic":  "The Silver-Tongued",
	"military":    "The Iron Hand",
}

const detectedMilitaryPenalty = 3

// score computes one participant's dimensions from authoritative history.
func (e *Epoch) score(p *Participant) Dimensions {
	var d Dimensions

	d.Stability = avgStability(e.world.ZoneStability(p.SimulationID)) * 100

	for _, id := range e.echoOrder {
		echo := e.echoes[id]
		if echo.State == EchoCompleted && echo.SourceSim == p.SimulationID {
			d.Influence += echo.Strength
		}
	}

	native := e.world.NativeImpact(p.SimulationID)
	total := native + p.bleedImpact
	if total <= 0 {
		d.Sovereignty = 100
	} else {
		d.Sovereignty = 100 * (1 - float64(p.bleedImpact)/float64(total))
	}

	embassy := 0.0
	for _, other := range e.joinOrder {
		if other == p.SimulationID {
			continue
		}
		embassy += e.world.EmbassyEffectiveness(p.SimulationID, other)
	}
	penalty := 0.20 * float64(p.betrayals)
	if penalty > 1 {
		penalty = 1
	}
	d.Diplomatic = embassy * 10 * (1 + 0.1*float64(e.allyCount(p.SimulationID))) * (1 - penalty)
	if d.Diplomatic < 0 {
		d.Diplomatic = 0
	}

	for _, id := range e.missionOrder {
		m := e.missions[id]
		if m.SourceSim != p.SimulationID {
			continue
		}
		switch m.Status {
		case MissionSuccess:
			d.Military += float64(operativeSpecs[m.Type].ScoreValue)
		case MissionDetected, MissionCaptured:
			d.Military -= detectedMilitaryPenalty
		}
	}
	d.Military -= float64(p.counterIntelHits * e.tune.Detection.CounterIntelMilitaryHit)

	return d
}

// Leaderboard recomputes the full ranking. Ties on composite are broken by
// higher military, then earlier join timestamp, so ranks form a total order.
func (e *Epoch) Leaderboard() []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(e.joinOrder))
	for _, id := range e.joinOrder {
		p := e.participants[id]
		d := e.score(p)
		entries = append(entries, LeaderboardEntry{
			SimulationID: id,
			Scores:       d,
			Composite:    Composite(d, e.Weights),
		})
	}

	joined := func(id string) int64 {
		return e.participants[id].JoinedAt.UnixNano()
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Composite != entries[j].Composite {
			return entries[i].Composite > entries[j].Composite
		}
		if entries[i].Scores.Military != entries[j].Scores.Military {
			return entries[i].Scores.Military > entries[j].Scores.Military
		}
		return joined(entries[i].SimulationID) < joined(entries[j].SimulationID)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	assignTitles(entries)
	return entries
}

func assignTitles(entries []LeaderboardEntry) {
	if len(entries) == 0 {
		return
	}
	dims := []struct {
		name string
		get  func(Dimensions) float64
	}{
		{"stability", func(d Dimensions) float64 { return d.Stability }},
		{"influence", func(d Dimensions) float64 { return d.Influence }},
		{"sovereignty", func(d Dimensions) float64 { return d.Sovereignty }},
		{"diplomatic", func(d Dimensions) float64 { return d.Diplomatic }},
		{"military", func(d Dimensions) float64 { return d.Military }},
	}
	for _, dim := range dims {
		best := 0
		for i := 1; i < len(entries); i++ {
			if dim.get(entries[i].Scores) > dim.get(entries[best].Scores) {
				best = i
			}
		}
		entries[best].Titles = append(entries[best].Titles, dimensionTitles[dim.name])
	}
}
