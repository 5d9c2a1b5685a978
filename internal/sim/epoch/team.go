package epoch

import (
	"fmt"
	"strings"
)

func (e *Epoch) teamPhaseLegal() error {
	if e.Phase.Terminal() {
		return ErrEpochInactive
	}
	if e.Phase != PhaseLobby && e.Phase != PhaseFoundation {
		return fmt.Errorf("%w: alliances form only during %s and %s", ErrInvalidPhaseTransition, PhaseLobby, PhaseFoundation)
	}
	return nil
}

// CreateTeam forms a new alliance and enrolls the creator.
func (e *Epoch) CreateTeam(simID, name string) (string, error) {
	if err := e.teamPhaseLegal(); err != nil {
		return "", err
	}
	p, err := e.participant(simID)
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: team name is required", ErrBadInput)
	}
	if p.TeamID != "" {
		return "", fmt.Errorf("%w: %s already belongs to a team", ErrBadInput, simID)
	}
	id := e.newID()
	e.teams[id] = &Team{ID: id, Name: name, CreatedAt: e.clock().UTC()}
	p.TeamID = id
	e.appendLog(LogTeamEvent, simID, id, fmt.Sprintf("%s founded alliance %q", simID, name))
	e.emit("team_event", map[string]any{"action": "created", "team_id": id, "name": name, "simulation_id": simID})
	return id, nil
}

// JoinTeam enrolls a participant in an existing alliance.
func (e *Epoch) JoinTeam(simID, teamID string) error {
	if err := e.teamPhaseLegal(); err != nil {
		return err
	}
	p, err := e.participant(simID)
	if err != nil {
		return err
	}
	t, ok := e.teams[teamID]
	if !ok || t.DissolvedAt != nil {
		return fmt.Errorf("%w: team %s", ErrNotFound, teamID)
	}
	if p.TeamID == teamID {
		return nil
	}
	if p.TeamID != "" {
		return fmt.Errorf("%w: %s already belongs to a team", ErrBadInput, simID)
	}
	p.TeamID = teamID
	e.appendLog(LogTeamEvent, simID, teamID, fmt.Sprintf("%s joined alliance %q", simID, t.Name))
	e.emit("team_event", map[string]any{"action": "joined", "team_id": teamID, "simulation_id": simID})
	return nil
}

// LeaveTeam removes a participant from its alliance. A team left with zero
// active members is implicitly dissolved.
func (e *Epoch) LeaveTeam(simID string) error {
	if e.Phase.Terminal() {
		return ErrEpochInactive
	}
	p, err := e.participant(simID)
	if err != nil {
		return err
	}
	if p.TeamID == "" {
		return fmt.Errorf("%w: %s", ErrNotTeamMember, simID)
	}
	teamID := p.TeamID
	p.TeamID = ""
	t := e.teams[teamID]
	e.appendLog(LogTeamEvent, simID, teamID, fmt.Sprintf("%s left alliance %q", simID, t.Name))
	e.emit("team_event", map[string]any{"action": "left", "team_id": teamID, "simulation_id": simID})
	if e.teamMemberCount(teamID) == 0 {
		now := e.clock().UTC()
		t.DissolvedAt = &now
		e.appendLog(LogTeamEvent, "", teamID, fmt.Sprintf("alliance %q dissolved", t.Name))
		e.emit("team_event", map[string]any{"action": "dissolved", "team_id": teamID})
	}
	return nil
}

func (e *Epoch) teamMemberCount(teamID string) int {
	n := 0
	for _, p := range e.participants {
		if p.TeamID == teamID {
			n++
		}
	}
	return n
}

// allyCount returns the number of teammates the participant has (excluding
// itself).
func (e *Epoch) allyCount(simID string) int {
	p, ok := e.participants[simID]
	if !ok || p.TeamID == "" {
		return 0
	}
	return e.teamMemberCount(p.TeamID) - 1
}

// sameTeam reports whether two participants are currently allied.
func (e *Epoch) sameTeam(a, b string) bool {
	pa, okA := e.participants[a]
	pb, okB := e.participants[b]
	return okA && okB && pa.TeamID != "" && pa.TeamID == pb.TeamID
}

// Teams returns all alliances, including dissolved ones.
func (e *Epoch) Teams() []Team {
	out := make([]Team, 0, len(e.teams))
	for _, t := range e.teams {
		out = append(out, *t)
	}
	return out
}
