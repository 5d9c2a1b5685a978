package epoch

import "fmt"

// Readiness is the current ready-count snapshot.
type Readiness struct {
	Ready int             `json:"ready"`
	Total int             `json:"total"`
	Flags map[string]bool `json:"flags"`
}

// SetReady toggles a participant's cycle-ready flag. Only that participant
// toggles its own flag; toggling against a terminal epoch fails.
func (e *Epoch) SetReady(simID string, ready bool) error {
	if e.Phase.Terminal() {
		return ErrEpochInactive
	}
	p, err := e.participant(simID)
	if err != nil {
		return err
	}
	if p.CycleReady == ready {
		return nil
	}
	p.CycleReady = ready
	r := e.Readiness()
	e.emit("ready_changed", map[string]any{
		"simulation_id": simID,
		"ready":         ready,
		"ready_count":   r.Ready,
		"total":         r.Total,
	})
	return nil
}

// Readiness reports ready-count vs total.
func (e *Epoch) Readiness() Readiness {
	r := Readiness{Flags: map[string]bool{}, Total: len(e.participants)}
	for id, p := range e.participants {
		r.Flags[id] = p.CycleReady
		if p.CycleReady {
			r.Ready++
		}
	}
	return r
}

func (e *Epoch) allReady() bool {
	for _, p := range e.participants {
		if !p.CycleReady {
			return false
		}
	}
	return len(e.participants) > 0
}

// ResolveCycle advances the epoch by one cycle: in-flight missions progress
// and due ones resolve (triggering bleed cascades), every participant gains
// the per-cycle RP stipend up to the cap, ready flags reset, and a new cycle
// number is assigned. The synchronizer never self-triggers; an external
// scheduler calls this when it observes full readiness, or an admin forces
// it.
func (e *Epoch) ResolveCycle(force bool) error {
	if e.Phase.Terminal() {
		return ErrEpochInactive
	}
	if !e.Phase.Active() {
		return fmt.Errorf("%w: cycles advance only in active phases", ErrInvalidPhaseTransition)
	}
	if !force && !e.allReady() {
		r := e.Readiness()
		return fmt.Errorf("%w: %d/%d ready", ErrNotReady, r.Ready, r.Total)
	}

	e.Cycle++

	for _, id := range e.missionOrder {
		m := e.missions[id]
		if m.Resolved {
			continue
		}
		switch m.Status {
		case MissionDeploying:
			m.DeployLeft--
			if m.DeployLeft <= 0 {
				m.Status = MissionActive
			}
		case MissionActive:
			// Guardians have no scheduled resolution; they hold until
			// recalled or the epoch ends.
			if m.Type == OperativeGuardian {
				continue
			}
			m.MissionLeft--
			if m.MissionLeft <= 0 {
				e.resolveMission(m)
			}
		}
	}

	for _, p := range e.participants {
		e.creditRP(p, e.tune.RPPerCycle)
		p.CycleReady = false
	}

	if t, ok := e.writer.(interface{ AdvanceCycle() }); ok {
		t.AdvanceCycle()
	}

	e.appendLog(LogCycleResolved, "", "", fmt.Sprintf("cycle %d resolved", e.Cycle))
	e.emit("score_updated", map[string]any{"leaderboard": e.Leaderboard()})
	return nil
}
