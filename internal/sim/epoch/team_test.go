package epoch

import (
	"errors"
	"testing"
)

func TestTeamLifecycle(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)

	id, err := e.CreateTeam("sim_a", "The Concord")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.JoinTeam("sim_b", id); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !e.sameTeam("sim_a", "sim_b") {
		t.Fatal("teammates not recognized")
	}
	if got := e.allyCount("sim_a"); got != 1 {
		t.Fatalf("ally count: %d", got)
	}

	if err := e.LeaveTeam("sim_a"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if e.sameTeam("sim_a", "sim_b") {
		t.Fatal("stale team membership")
	}
	if err := e.LeaveTeam("sim_b"); err != nil {
		t.Fatalf("leave last member: %v", err)
	}
	teams := e.Teams()
	if len(teams) != 1 || teams[0].DissolvedAt == nil {
		t.Fatalf("team not dissolved: %+v", teams)
	}
	if err := e.JoinTeam("sim_a", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("join dissolved team: %v", err)
	}
}

func TestTeamPhaseGating(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	advanceTo(t, e, PhaseFoundation)
	// Still legal during foundation.
	id, err := e.CreateTeam("sim_a", "Late Bloomers")
	if err != nil {
		t.Fatalf("create in foundation: %v", err)
	}
	advanceTo(t, e, PhaseCompetition)
	if _, err := e.CreateTeam("sim_b", "Too Late"); !errors.Is(err, ErrInvalidPhaseTransition) {
		t.Fatalf("create in competition: %v", err)
	}
	if err := e.JoinTeam("sim_b", id); !errors.Is(err, ErrInvalidPhaseTransition) {
		t.Fatalf("join in competition: %v", err)
	}
	// Leaving stays legal so a betrayed alliance can break up mid-epoch.
	if err := e.LeaveTeam("sim_a"); err != nil {
		t.Fatalf("leave in competition: %v", err)
	}
}

func TestTeamMembershipRules(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	id, err := e.CreateTeam("sim_a", "Solo")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateTeam("sim_a", "Second"); !errors.Is(err, ErrBadInput) {
		t.Fatalf("double create: %v", err)
	}
	if _, err := e.CreateTeam("sim_b", "   "); !errors.Is(err, ErrBadInput) {
		t.Fatalf("blank name: %v", err)
	}
	if err := e.JoinTeam("sim_a", id); err != nil {
		t.Fatalf("re-join own team: %v", err)
	}
	if err := e.LeaveTeam("sim_b"); !errors.Is(err, ErrNotTeamMember) {
		t.Fatalf("leave without team: %v", err)
	}
	if err := e.JoinTeam("sim_c", id); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("join by non-participant: %v", err)
	}
}

func TestDetectedMissionAgainstAllyCountsAsBetrayal(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	id, err := e.CreateTeam("sim_a", "Pact")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.JoinTeam("sim_b", id); err != nil {
		t.Fatal(err)
	}
	advanceTo(t, e, PhaseCompetition)

	scriptRolls(e, 0.99, 0.0) // primary fails, detection hits
	deploy(t, e, DeployInput{Type: OperativeSpy, SourceSim: "sim_a", TargetSim: "sim_b"})
	if err := e.ResolveCycle(true); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	pa := e.participants["sim_a"]
	if pa.betrayals != 1 {
		t.Fatalf("betrayals: %d", pa.betrayals)
	}
	found := false
	entries, _ := e.BattleLog(0, 100)
	for _, entry := range entries {
		if entry.Kind == LogBetrayal {
			found = true
		}
	}
	if !found {
		t.Fatal("betrayal missing from battle log")
	}
	// The exposed betrayal drags the diplomatic score down.
	clean := *pa
	clean.betrayals = 0
	if e.score(pa).Diplomatic >= e.score(&clean).Diplomatic {
		t.Fatal("betrayal did not reduce diplomatic score")
	}
}
