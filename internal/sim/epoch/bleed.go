package epoch

import (
	"errors"
	"fmt"
	"math"

	"crucible/internal/sim/worldstate"
)

// EchoState is the tagged lifecycle state of a propagation instance.
type EchoState string

const (
	EchoPending    EchoState = "PENDING"
	EchoGenerating EchoState = "GENERATING"
	EchoCompleted  EchoState = "COMPLETED"
	EchoRejected   EchoState = "REJECTED"
	EchoFailed     EchoState = "FAILED"
)

// Echo is one cross-simulation propagation instance. Depth strictly increases
// along a cascade chain, which rules out self-reference cycles by
// construction.
type Echo struct {
	ID           string    `json:"id"`
	SourceSim    string    `json:"source_sim"`
	TargetSim    string    `json:"target_sim"`
	SourceEvent  string    `json:"source_event"`
	State        EchoState `json:"state"`
	Strength     float64   `json:"strength"`
	Depth        int       `json:"depth"`
	CreatedEvent string    `json:"created_event,omitempty"` // event created in the target on completion
	Impact       int       `json:"impact,omitempty"`        // impact of that created event
	Cycle        int       `json:"cycle"`
}

// maxCascadeDepth is the configured bound, raised by one during reckoning.
func (e *Epoch) maxCascadeDepth() int {
	max := e.tune.Bleed.MaxCascadeDepth
	if e.Phase == PhaseReckoning {
		max += e.tune.Bleed.ReckoningDepthBonus
	}
	return max
}

// effectiveThreshold computes the bleed threshold for events flowing from
// source into target. High instability and strong embassy presence each lower
// it by one, independently, never below the floor. Reckoning lowers it
// further.
func (e *Epoch) effectiveThreshold(sourceSim, targetSim string) int {
	b := e.tune.Bleed
	thr := b.DefaultThreshold
	if v, ok := e.world.BleedThreshold(targetSim); ok {
		thr = v
	}
	if avgStability(e.world.ZoneStability(targetSim)) < b.InstabilityCutoff {
		thr--
	}
	if e.world.EmbassyEffectiveness(sourceSim, targetSim) > b.StrongEmbassyCutoff {
		thr--
	}
	if e.Phase == PhaseReckoning {
		thr -= b.ReckoningDrop
	}
	if thr < b.ThresholdFloor {
		thr = b.ThresholdFloor
	}
	return thr
}

// shouldPropagate applies the threshold rule: at or above the effective
// threshold propagation is guaranteed; within the near-miss window below it
// propagation is probabilistic.
func (e *Epoch) shouldPropagate(impact, threshold int) bool {
	if impact >= threshold {
		return true
	}
	if impact >= threshold-e.tune.Bleed.NearMissWindow {
		return e.roll() < e.tune.Bleed.NearMissChance
	}
	return false
}

// tagResonance measures overlap between event tags and a bleed vector's tags
// as a fraction of the vector's tag set.
func tagResonance(eventTags, vectorTags []string) float64 {
	if len(vectorTags) == 0 {
		return 0
	}
	set := make(map[string]bool, len(eventTags))
	for _, t := range eventTags {
		set[t] = true
	}
	n := 0
	for _, t := range vectorTags {
		if set[t] {
			n++
		}
	}
	return float64(n) / float64(len(vectorTags))
}

func avgStability(zones []float64) float64 {
	if len(zones) == 0 {
		return 1
	}
	sum := 0.0
	for _, z := range zones {
		sum += z
	}
	return sum / float64(len(zones))
}

type cascadeItem struct {
	sourceSim string
	eventID   string
	impact    int
	tags      []string
	depth     int
}

// propagateFromEvent runs one breadth-first bleed cascade starting from a
// high-impact event. The visited set prevents re-entering a simulation within
// the same cascade, so a cyclic connection graph always terminates.
func (e *Epoch) propagateFromEvent(sourceSim, eventID string, impact int, tags []string, depth int) {
	if e.graph == nil {
		return
	}
	visited := map[string]bool{sourceSim: true}
	queue := []cascadeItem{{sourceSim: sourceSim, eventID: eventID, impact: impact, tags: tags, depth: depth}}
	maxDepth := e.maxCascadeDepth()

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.depth >= maxDepth {
			// Internal guard, never surfaced as a user error.
			continue
		}
		for _, conn := range e.graph.Connections(item.sourceSim) {
			if visited[conn.To] {
				continue
			}
			// Tagged vectors only carry thematically matching events;
			// untagged vectors carry everything at baseline resonance.
			resonance := tagResonance(item.tags, conn.Tags)
			if len(conn.Tags) > 0 && resonance == 0 {
				continue
			}
			thr := e.effectiveThreshold(item.sourceSim, conn.To)
			if !e.shouldPropagate(item.impact, thr) {
				continue
			}
			echo := e.spawnEcho(item, conn, resonance)
			if echo.State == EchoCompleted {
				visited[conn.To] = true
				queue = append(queue, cascadeItem{
					sourceSim: conn.To,
					eventID:   echo.CreatedEvent,
					impact:    echo.Impact,
					tags:      item.tags,
					depth:     echo.Depth,
				})
			}
		}
	}
}

// spawnEcho creates one echo, runs content generation, and applies the
// completed echo's event to the target. A generation failure marks that one
// echo FAILED without aborting the rest of the cascade.
func (e *Epoch) spawnEcho(item cascadeItem, conn worldstate.Connection, resonance float64) *Echo {
	instability := 1 - avgStability(e.world.ZoneStability(conn.To))
	emb := e.world.EmbassyEffectiveness(item.sourceSim, conn.To)
	base := conn.Strength * float64(item.impact)
	decay := math.Pow(e.tune.Bleed.DecayPerDepth, float64(item.depth))
	strength := base * (1 + emb*0.3) * (1 + resonance*0.2) * decay * (1 + instability*0.2)

	echo := &Echo{
		ID:          e.newID(),
		SourceSim:   item.sourceSim,
		TargetSim:   conn.To,
		SourceEvent: item.eventID,
		State:       EchoPending,
		Strength:    strength,
		Depth:       item.depth + 1,
		Cycle:       e.Cycle,
	}
	e.echoes[echo.ID] = echo
	e.echoOrder = append(e.echoOrder, echo.ID)

	echo.State = EchoGenerating
	text, err := e.generate(echo)
	if err != nil {
		if errors.Is(err, worldstate.ErrGenerationRejected) {
			echo.State = EchoRejected
		} else {
			echo.State = EchoFailed
		}
		e.appendLog(LogEcho, item.sourceSim, conn.To, fmt.Sprintf("echo from %s into %s %s", item.sourceSim, conn.To, echo.State))
		return echo
	}

	// Completion requires materializing an event in the target; without a
	// writer the echo cannot complete.
	if e.writer == nil {
		echo.State = EchoFailed
		e.appendLog(LogEcho, item.sourceSim, conn.To, fmt.Sprintf("echo from %s into %s FAILED", item.sourceSim, conn.To))
		return echo
	}

	childImpact := int(math.Round(strength))
	if childImpact < 1 {
		childImpact = 1
	}
	if childImpact > 10 {
		childImpact = 10
	}
	eventID, werr := e.writer.CreateEvent(conn.To, worldstate.EventSpec{
		Title:       "Echo",
		Impact:      childImpact,
		Tags:        item.tags,
		SourceSim:   item.sourceSim,
		SourceEcho:  echo.ID,
		Description: text,
	})
	if werr != nil {
		echo.State = EchoFailed
		e.appendLog(LogEcho, item.sourceSim, conn.To, fmt.Sprintf("echo from %s into %s FAILED", item.sourceSim, conn.To))
		return echo
	}

	echo.State = EchoCompleted
	echo.Impact = childImpact
	echo.CreatedEvent = eventID
	if p, ok := e.participants[conn.To]; ok {
		p.bleedImpact += childImpact
	}
	e.appendLog(LogEcho, item.sourceSim, conn.To, fmt.Sprintf("an echo of strength %.2f reached %s from %s", strength, conn.To, item.sourceSim))
	e.emit("echo_completed", map[string]any{
		"echo_id":  echo.ID,
		"source":   item.sourceSim,
		"target":   conn.To,
		"strength": strength,
		"depth":    echo.Depth,
	})
	return echo
}

func (e *Epoch) generate(echo *Echo) (string, error) {
	if e.gen == nil {
		return "", nil
	}
	return e.gen.Generate(echo.SourceSim, echo.TargetSim, echo.SourceEvent, echo.Strength)
}

// Echoes returns all echoes in creation order.
func (e *Epoch) Echoes() []Echo {
	out := make([]Echo, 0, len(e.echoOrder))
	for _, id := range e.echoOrder {
		out = append(out, *e.echoes[id])
	}
	return out
}

// EvaluateEvent runs a bleed check for a platform event in a participating
// simulation, typically invoked during cycle resolution for native
// high-impact events.
func (e *Epoch) EvaluateEvent(simID, eventID string, impact int) error {
	if e.Phase.Terminal() {
		return ErrEpochInactive
	}
	if !e.Phase.Active() {
		return fmt.Errorf("%w: bleed runs only in active phases", ErrInvalidPhaseTransition)
	}
	if _, err := e.participant(simID); err != nil {
		return err
	}
	tags := e.world.EventTags(simID, eventID)
	e.propagateFromEvent(simID, eventID, impact, tags, 0)
	return nil
}
