package epoch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"crucible/internal/sim/tuning"
	"crucible/internal/sim/worldstate"
)

func testStore() *worldstate.Store {
	return worldstate.NewStore(worldstate.Config{
		Simulations: []worldstate.SimSpec{
			{
				ID:           "sim_a",
				Security:     1,
				NativeImpact: 20,
				Zones:        []worldstate.ZoneSpec{{ID: "z1", Stability: 0.8}},
				Buildings:    []worldstate.BuildingSpec{{Ref: "forge", Condition: worldstate.ConditionGood}},
				Agents:       []worldstate.AgentSpec{{Ref: "envoy", Relations: map[string]int{"rival": 5}}},
				Embassies:    []worldstate.EmbassySpec{{To: "sim_b", Effectiveness: 0.6}},
				Qualifications: map[string]int{
					"SPY": 3, "SABOTEUR": 3, "PROPAGANDIST": 3, "ASSASSIN": 3, "GUARDIAN": 3, "INFILTRATOR": 3,
				},
			},
			{
				ID:           "sim_b",
				Security:     1,
				NativeImpact: 20,
				Zones:        []worldstate.ZoneSpec{{ID: "z1", Stability: 0.2}},
				Buildings:    []worldstate.BuildingSpec{{Ref: "forge", Condition: worldstate.ConditionGood}},
				Agents:       []worldstate.AgentSpec{{Ref: "envoy", Relations: map[string]int{"rival": 5}}},
				Embassies:    []worldstate.EmbassySpec{{To: "sim_a", Effectiveness: 0.9}},
			},
			{
				ID:           "sim_c",
				Security:     1,
				NativeImpact: 20,
				Zones:        []worldstate.ZoneSpec{{ID: "z1", Stability: 0.5}},
			},
		},
		Connections: []worldstate.ConnectionSpec{
			{From: "sim_a", To: "sim_b", Strength: 0.8},
			{From: "sim_b", To: "sim_c", Strength: 0.6},
			{From: "sim_c", To: "sim_a", Strength: 0.5}, // cycle on purpose
		},
	})
}

func testDeps(store *worldstate.Store) Deps {
	seq := 0
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Deps{
		Tune:   tuning.Defaults(),
		World:  store,
		Writer: store,
		Graph:  store,
		Gen:    worldstate.StaticGenerator{},
		Clock: func() time.Time {
			seq++
			return base.Add(time.Duration(seq) * time.Second)
		},
		NewID: func() string {
			seq++
			return fmt.Sprintf("id_%04d", seq)
		},
	}
}

func newTestEpoch(t *testing.T) (*Epoch, *worldstate.Store) {
	t.Helper()
	store := testStore()
	e, err := New(Config{ID: "ep1", CreatorID: "admin", Preset: "BALANCED", Seed: 7}, testDeps(store))
	if err != nil {
		t.Fatalf("new epoch: %v", err)
	}
	return e, store
}

// scriptRolls makes the epoch consume the given rolls in order, then repeat
// the last one.
func scriptRolls(e *Epoch, rolls ...float64) {
	i := 0
	e.SetRoll(func() float64 {
		v := rolls[i]
		if i < len(rolls)-1 {
			i++
		}
		return v
	})
}

func join2(t *testing.T, e *Epoch) {
	t.Helper()
	for _, id := range []string{"sim_a", "sim_b"} {
		if err := e.Join(id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
}

func advanceTo(t *testing.T, e *Epoch, target Phase) {
	t.Helper()
	for e.Phase != target {
		if err := e.AdvancePhase("admin"); err != nil {
			t.Fatalf("advance from %s: %v", e.Phase, err)
		}
	}
}

func TestPhaseGraph(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)

	want := []Phase{PhaseFoundation, PhaseCompetition, PhaseReckoning, PhaseCompleted}
	for _, ph := range want {
		if err := e.AdvancePhase("admin"); err != nil {
			t.Fatalf("advance to %s: %v", ph, err)
		}
		if e.Phase != ph {
			t.Fatalf("phase %s, want %s", e.Phase, ph)
		}
	}
	if err := e.AdvancePhase("admin"); !errors.Is(err, ErrEpochInactive) {
		t.Fatalf("advance past completed: %v", err)
	}
}

func TestLobbyNeedsTwoParticipants(t *testing.T) {
	e, _ := newTestEpoch(t)
	if err := e.Join("sim_a"); err != nil {
		t.Fatal(err)
	}
	err := e.AdvancePhase("admin")
	if !errors.Is(err, ErrInvalidPhaseTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if e.Phase != PhaseLobby {
		t.Fatalf("failed advance mutated phase to %s", e.Phase)
	}
}

func TestAdvanceRequiresCreator(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	if err := e.AdvancePhase("sim_a"); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestCancelOnlyFromActivePhases(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	if err := e.Cancel("admin"); !errors.Is(err, ErrInvalidPhaseTransition) {
		t.Fatalf("cancel from lobby: %v", err)
	}
	advanceTo(t, e, PhaseCompetition)
	if err := e.Cancel("sim_a"); !errors.Is(err, ErrNoPermission) {
		t.Fatalf("cancel by non-creator: %v", err)
	}
	if err := e.Cancel("admin"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if e.Phase != PhaseCancelled || e.EndedAt == nil {
		t.Fatalf("cancel state: phase=%s ended=%v", e.Phase, e.EndedAt)
	}
	if err := e.SetReady("sim_a", true); !errors.Is(err, ErrEpochInactive) {
		t.Fatalf("ready after cancel: %v", err)
	}
}

func TestJoinLeaveOnlyInLobby(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	if err := e.Join("sim_a"); err == nil {
		t.Fatal("duplicate join accepted")
	}
	if err := e.Join("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown simulation join: %v", err)
	}
	if err := e.Leave("sim_b"); err != nil {
		t.Fatalf("leave in lobby: %v", err)
	}
	if err := e.Join("sim_b"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	advanceTo(t, e, PhaseFoundation)
	if err := e.Leave("sim_b"); !errors.Is(err, ErrInvalidPhaseTransition) {
		t.Fatalf("leave after start: %v", err)
	}
	if err := e.Join("sim_c"); !errors.Is(err, ErrInvalidPhaseTransition) {
		t.Fatalf("join after start: %v", err)
	}
}

func TestRPStaysWithinBounds(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	advanceTo(t, e, PhaseCompetition)
	p, _ := e.participant("sim_a")

	e.creditRP(p, 1000)
	if p.RP != e.tune.RPCap {
		t.Fatalf("RP above cap: %d", p.RP)
	}
	for {
		if _, err := e.DeployOperative(DeployInput{Type: OperativeSpy, SourceSim: "sim_a", TargetSim: "sim_b"}); err != nil {
			if !errors.Is(err, ErrInsufficientRP) {
				t.Fatalf("deploy: %v", err)
			}
			break
		}
	}
	if p.RP < 0 {
		t.Fatalf("RP went negative: %d", p.RP)
	}
}

func TestBattleLogCursorPagination(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	entries, next := e.BattleLog(0, 1)
	if len(entries) != 1 || entries[0].Kind != LogEpochJoined {
		t.Fatalf("first page: %+v", entries)
	}
	rest, _ := e.BattleLog(next, 10)
	if len(rest) != 1 || rest[0].Seq <= entries[0].Seq {
		t.Fatalf("second page: %+v", rest)
	}
}
