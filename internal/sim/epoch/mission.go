package epoch

import (
	"fmt"

	"crucible/internal/sim/worldstate"
)

// OperativeType enumerates the deployable operative kinds.
type OperativeType string

const (
	OperativeSpy          OperativeType = "SPY"
	OperativeSaboteur     OperativeType = "SABOTEUR"
	OperativePropagandist OperativeType = "PROPAGANDIST"
	OperativeAssassin     OperativeType = "ASSASSIN"
	OperativeGuardian     OperativeType = "GUARDIAN"
	OperativeInfiltrator  OperativeType = "INFILTRATOR"
)

// MissionStatus is the tagged lifecycle state of a mission.
type MissionStatus string

const (
	MissionDeploying MissionStatus = "DEPLOYING"
	MissionActive    MissionStatus = "ACTIVE"
	MissionReturning MissionStatus = "RETURNING"
	MissionSuccess   MissionStatus = "SUCCESS"
	MissionFailed    MissionStatus = "FAILED"
	MissionDetected  MissionStatus = "DETECTED"
	MissionCaptured  MissionStatus = "CAPTURED"
)

type operativeSpec struct {
	Cost          int
	DeployCycles  int
	MissionCycles int
	ScoreValue    int
}

// Fixed per-type deployment table. Guardians persist until recalled
// (MissionCycles 0 means no scheduled resolution).
var operativeSpecs = map[OperativeType]operativeSpec{
	OperativeSpy:          {Cost: 3, DeployCycles: 0, MissionCycles: 1, ScoreValue: 2},
	OperativePropagandist: {Cost: 4, DeployCycles: 1, MissionCycles: 2, ScoreValue: 3},
	OperativeGuardian:     {Cost: 4, DeployCycles: 1, MissionCycles: 0, ScoreValue: 0},
	OperativeSaboteur:     {Cost: 5, DeployCycles: 1, MissionCycles: 2, ScoreValue: 5},
	OperativeInfiltrator:  {Cost: 6, DeployCycles: 1, MissionCycles: 2, ScoreValue: 4},
	OperativeAssassin:     {Cost: 8, DeployCycles: 2, MissionCycles: 3, ScoreValue: 8},
}

// Mission is one deployed operative action. A mission resolves exactly once;
// terminal missions are kept forever as historical record.
type Mission struct {
	ID            string        `json:"id"`
	Type          OperativeType `json:"type"`
	SourceSim     string        `json:"source_sim"`
	TargetSim     string        `json:"target_sim,omitempty"` // empty for guardians
	TargetRef     string        `json:"target_ref,omitempty"` // building or agent reference, type-dependent
	Status        MissionStatus `json:"status"`
	SuccessProb   float64       `json:"success_prob"`
	Cost          int           `json:"cost"`
	DeployedCycle int           `json:"deployed_cycle"`
	DeployLeft    int           `json:"deploy_left"`
	MissionLeft   int           `json:"mission_left"`
	ResolvedCycle int           `json:"resolved_cycle,omitempty"`
	Resolved      bool          `json:"resolved"`
	SweepChecked  bool          `json:"-"` // a defender counter-intel sweep already re-rolled this mission
}

// DeployInput carries a deploy_operative command.
type DeployInput struct {
	Type      OperativeType
	SourceSim string
	TargetSim string
	TargetRef string
}

func (e *Epoch) missionPhaseLegal(t OperativeType) error {
	if e.Phase.Terminal() {
		return ErrEpochInactive
	}
	if t == OperativeGuardian {
		if e.Phase != PhaseFoundation {
			return fmt.Errorf("%w: guardians deploy only during %s", ErrInvalidPhaseTransition, PhaseFoundation)
		}
		return nil
	}
	if e.Phase != PhaseCompetition && e.Phase != PhaseReckoning {
		return fmt.Errorf("%w: %s deploys only during %s and %s", ErrInvalidPhaseTransition, t, PhaseCompetition, PhaseReckoning)
	}
	return nil
}

// activeGuardians counts deployed, unresolved guardian missions protecting
// the given simulation.
func (e *Epoch) activeGuardians(simID string) int {
	n := 0
	for _, m := range e.missions {
		if m.Type == OperativeGuardian && m.SourceSim == simID && !m.Resolved &&
			(m.Status == MissionActive || m.Status == MissionDeploying) {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// successProbability computes the deployment-time success probability.
func (e *Epoch) successProbability(in DeployInput) float64 {
	qual := float64(e.world.OperativeQualification(in.SourceSim, string(in.Type)))
	p := 0.5 + qual*0.05
	if in.Type != OperativeGuardian {
		sec := e.world.ZoneSecurity(in.TargetSim)
		guards := float64(e.activeGuardians(in.TargetSim))
		emb := e.world.EmbassyEffectiveness(in.SourceSim, in.TargetSim)
		p += -sec*0.05 - guards*0.20 + emb*0.15
	}
	return clamp01(p)
}

// DeployOperative validates phase legality and RP affordability, decrements
// RP, and schedules the mission. A rejected deploy leaves state untouched.
func (e *Epoch) DeployOperative(in DeployInput) (*Mission, error) {
	spec, ok := operativeSpecs[in.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operative type %q", ErrBadInput, in.Type)
	}
	if err := e.missionPhaseLegal(in.Type); err != nil {
		return nil, err
	}
	src, err := e.participant(in.SourceSim)
	if err != nil {
		return nil, err
	}
	if in.Type == OperativeGuardian {
		if in.TargetSim != "" {
			return nil, fmt.Errorf("%w: guardians never take a target simulation", ErrBadInput)
		}
	} else {
		if _, err := e.participant(in.TargetSim); err != nil {
			return nil, err
		}
		if in.TargetSim == in.SourceSim {
			return nil, fmt.Errorf("%w: cannot target own simulation", ErrBadInput)
		}
	}
	prob := e.successProbability(in)
	if err := e.spendRP(src, spec.Cost); err != nil {
		return nil, err
	}
	m := &Mission{
		ID:            e.newID(),
		Type:          in.Type,
		SourceSim:     in.SourceSim,
		TargetSim:     in.TargetSim,
		TargetRef:     in.TargetRef,
		SuccessProb:   prob,
		Cost:          spec.Cost,
		DeployedCycle: e.Cycle,
		DeployLeft:    spec.DeployCycles,
		MissionLeft:   spec.MissionCycles,
	}
	if m.DeployLeft > 0 {
		m.Status = MissionDeploying
	} else {
		m.Status = MissionActive
	}
	e.missions[m.ID] = m
	e.missionOrder = append(e.missionOrder, m.ID)
	e.appendLog(LogMissionDeployed, in.SourceSim, in.TargetSim, fmt.Sprintf("%s deployed a %s", in.SourceSim, in.Type))
	return m, nil
}

// RecallOperative terminates an in-flight mission without an outcome. No RP
// is refunded and no score impact is recorded.
func (e *Epoch) RecallOperative(simID, missionID string) error {
	if e.Phase.Terminal() {
		return ErrEpochInactive
	}
	m, ok := e.missions[missionID]
	if !ok {
		return fmt.Errorf("%w: mission %s", ErrNotFound, missionID)
	}
	if m.SourceSim != simID {
		return fmt.Errorf("%w: mission belongs to %s", ErrNoPermission, m.SourceSim)
	}
	if m.Resolved || (m.Status != MissionDeploying && m.Status != MissionActive) {
		return fmt.Errorf("%w: mission is not in flight", ErrBadInput)
	}
	m.Status = MissionReturning
	m.Resolved = true
	m.ResolvedCycle = e.Cycle
	e.appendLog(LogMissionRecalled, simID, m.TargetSim, fmt.Sprintf("%s recalled its %s", simID, m.Type))
	return nil
}

// resolveMission draws the mission outcome. Resolution is idempotent:
// resolving an already-resolved mission is a no-op so at-least-once
// scheduling never double-applies side effects.
func (e *Epoch) resolveMission(m *Mission) {
	if m.Resolved {
		return
	}
	m.Resolved = true
	m.ResolvedCycle = e.Cycle

	if e.roll() < m.SuccessProb {
		m.Status = MissionSuccess
		e.applyMissionSuccess(m)
	} else if e.roll() < e.tune.Detection.BaseChance {
		// Secondary counter-intelligence roll, independent of the primary
		// outcome, applied only on non-success.
		m.Status = e.detectionOutcome(m)
	} else {
		m.Status = MissionFailed
	}

	if (m.Status == MissionDetected || m.Status == MissionCaptured) && e.sameTeam(m.SourceSim, m.TargetSim) {
		e.participants[m.SourceSim].betrayals++
		e.appendLog(LogBetrayal, m.SourceSim, m.TargetSim, fmt.Sprintf("%s was caught moving against ally %s", m.SourceSim, m.TargetSim))
	}

	e.appendLog(LogMissionResolved, m.SourceSim, m.TargetSim, fmt.Sprintf("%s mission by %s: %s", m.Type, m.SourceSim, m.Status))
	e.emit("mission_resolved", map[string]any{
		"mission_id":    m.ID,
		"type":          string(m.Type),
		"source":        m.SourceSim,
		"target":        m.TargetSim,
		"status":        string(m.Status),
	})
}

// detectionOutcome upgrades a detection to a capture when the target had
// guardians on station.
func (e *Epoch) detectionOutcome(m *Mission) MissionStatus {
	if m.TargetSim != "" && e.activeGuardians(m.TargetSim) > 0 {
		return MissionCaptured
	}
	return MissionDetected
}

func (e *Epoch) applyMissionSuccess(m *Mission) {
	if e.writer == nil {
		return
	}
	se := e.tune.SideEffects
	switch m.Type {
	case OperativeSaboteur:
		if from, to, err := e.writer.DegradeBuilding(m.TargetSim, m.TargetRef); err == nil {
			e.appendLog(LogMissionResolved, m.SourceSim, m.TargetSim, fmt.Sprintf("sabotage degraded %s from %s to %s", m.TargetRef, from, to))
		}
	case OperativePropagandist:
		impact := se.PropagandaImpactMin
		if span := se.PropagandaImpactMax - se.PropagandaImpactMin; span > 0 {
			impact += int(e.roll() * float64(span+1))
			if impact > se.PropagandaImpactMax {
				impact = se.PropagandaImpactMax
			}
		}
		eventID, err := e.writer.CreateEvent(m.TargetSim, propagandaEvent(m, impact))
		if err == nil {
			if p, ok := e.participants[m.TargetSim]; ok {
				p.bleedImpact += impact
			}
			e.propagateFromEvent(m.TargetSim, eventID, impact, []string{"unrest", "propaganda"}, 0)
		}
	case OperativeAssassin:
		_ = e.writer.WeakenAgentRelations(m.TargetSim, m.TargetRef, se.AssassinRelationHit)
		_ = e.writer.BlockAmbassador(m.TargetSim, m.TargetRef, se.AmbassadorBlockCycles)
	case OperativeInfiltrator:
		// The embassy the target maintains toward the attacker's simulation.
		_ = e.writer.SuppressEmbassy(m.TargetSim, m.TargetRef, se.EmbassySuppressFactor, se.EmbassySuppressCycles)
	case OperativeSpy, OperativeGuardian:
		// Spy success is pure score value; guardian effects are passive.
	}
}

// CounterIntelSweep is a defender-initiated re-roll of detection for missions
// that resolved against it this cycle without being caught. A flip penalizes
// the attacker's military score and is recorded in the battle log.
func (e *Epoch) CounterIntelSweep(simID string) (flipped int, err error) {
	if e.Phase.Terminal() {
		return 0, ErrEpochInactive
	}
	if e.Phase != PhaseCompetition && e.Phase != PhaseReckoning {
		return 0, fmt.Errorf("%w: counter-intel runs only during %s and %s", ErrInvalidPhaseTransition, PhaseCompetition, PhaseReckoning)
	}
	p, err := e.participant(simID)
	if err != nil {
		return 0, err
	}
	if err := e.spendRP(p, e.tune.Detection.CounterIntelCost); err != nil {
		return 0, err
	}
	chance := clamp01(e.tune.Detection.BaseChance + e.tune.Detection.CounterIntelBonus)
	for _, id := range e.missionOrder {
		m := e.missions[id]
		if m.TargetSim != simID || !m.Resolved || m.Status != MissionFailed || m.SweepChecked {
			continue
		}
		if m.ResolvedCycle != e.Cycle {
			continue
		}
		m.SweepChecked = true
		if e.roll() < chance {
			m.Status = e.detectionOutcome(m)
			flipped++
			if src, ok := e.participants[m.SourceSim]; ok {
				src.counterIntelHits++
				if e.sameTeam(m.SourceSim, m.TargetSim) {
					src.betrayals++
					e.appendLog(LogBetrayal, m.SourceSim, m.TargetSim, fmt.Sprintf("%s was exposed betraying ally %s", m.SourceSim, m.TargetSim))
				}
			}
			e.appendLog(LogCounterIntel, simID, m.SourceSim, fmt.Sprintf("counter-intel sweep exposed a %s from %s", m.Type, m.SourceSim))
			e.emit("counter_intel", map[string]any{"defender": simID, "attacker": m.SourceSim, "mission_id": m.ID})
		}
	}
	return flipped, nil
}

// Mission returns a copy of a mission by ID.
func (e *Epoch) Mission(id string) (Mission, bool) {
	m, ok := e.missions[id]
	if !ok {
		return Mission{}, false
	}
	return *m, true
}

// Missions lists missions involving the given simulation (as source or
// target), in deployment order. An empty simID lists everything.
func (e *Epoch) Missions(simID string) []Mission {
	var out []Mission
	for _, id := range e.missionOrder {
		m := e.missions[id]
		if simID == "" || m.SourceSim == simID || m.TargetSim == simID {
			out = append(out, *m)
		}
	}
	return out
}

func propagandaEvent(m *Mission, impact int) worldstate.EventSpec {
	return worldstate.EventSpec{
		Title:       "Whispers of discontent",
		Impact:      impact,
		Tags:        []string{"unrest", "propaganda"},
		SourceSim:   m.SourceSim,
		Description: "Destabilizing narratives spread through the population.",
	}
}
