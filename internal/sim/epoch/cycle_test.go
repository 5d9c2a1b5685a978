package epoch

import (
	"errors"
	"testing"
)

func TestResolveRequiresActivePhase(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	if err := e.ResolveCycle(true); !errors.Is(err, ErrInvalidPhaseTransition) {
		t.Fatalf("resolve in lobby: %v", err)
	}
}

func TestResolveWaitsForFullReadiness(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	advanceTo(t, e, PhaseFoundation)

	if err := e.ResolveCycle(false); !errors.Is(err, ErrNotReady) {
		t.Fatalf("resolve with none ready: %v", err)
	}
	if err := e.SetReady("sim_a", true); err != nil {
		t.Fatal(err)
	}
	if err := e.ResolveCycle(false); !errors.Is(err, ErrNotReady) {
		t.Fatalf("resolve with one ready: %v", err)
	}
	if err := e.SetReady("sim_b", true); err != nil {
		t.Fatal(err)
	}
	if err := e.ResolveCycle(false); err != nil {
		t.Fatalf("resolve with all ready: %v", err)
	}
	if e.Cycle != 1 {
		t.Fatalf("cycle: %d", e.Cycle)
	}
	// Resolution clears every ready flag for the next cycle.
	r := e.Readiness()
	if r.Ready != 0 || r.Total != 2 {
		t.Fatalf("readiness after resolve: %+v", r)
	}
}

func TestForceResolveSkipsReadiness(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	advanceTo(t, e, PhaseFoundation)
	if err := e.ResolveCycle(true); err != nil {
		t.Fatalf("forced resolve: %v", err)
	}
	if e.Cycle != 1 {
		t.Fatalf("cycle: %d", e.Cycle)
	}
}

func TestCycleStipendCreditsRP(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	advanceTo(t, e, PhaseCompetition)
	scriptRolls(e, 0.99)

	deploy(t, e, DeployInput{Type: OperativeSpy, SourceSim: "sim_a", TargetSim: "sim_b"})
	pa, _ := e.participant("sim_a")
	pb, _ := e.participant("sim_b")
	if pa.RP != e.tune.RPStart-3 {
		t.Fatalf("rp after deploy: %d", pa.RP)
	}

	if err := e.ResolveCycle(true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pa.RP != e.tune.RPStart-3+e.tune.RPPerCycle {
		t.Fatalf("rp after stipend: %d", pa.RP)
	}

	// An idle participant regenerates every cycle but never past the cap.
	for i := 0; i < 6; i++ {
		if err := e.ResolveCycle(true); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if pb.RP != e.tune.RPCap {
		t.Fatalf("rp not clamped at cap: %d", pb.RP)
	}
}

func TestSetReadyEmitsOnlyOnChange(t *testing.T) {
	e, _ := newTestEpoch(t)
	join2(t, e)
	advanceTo(t, e, PhaseFoundation)
	e.DrainEvents()

	if err := e.SetReady("sim_a", true); err != nil {
		t.Fatal(err)
	}
	if err := e.SetReady("sim_a", true); err != nil {
		t.Fatal(err)
	}
	events := e.DrainEvents()
	n := 0
	for _, ev := range events {
		if ev.Kind == "ready_changed" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("ready_changed events: %d", n)
	}
	if err := e.SetReady("sim_c", true); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("ready for non-participant: %v", err)
	}
}

func TestResolveAdvancesWorldCycle(t *testing.T) {
	e, store := newTestEpoch(t)
	join2(t, e)
	advanceTo(t, e, PhaseCompetition)

	if err := store.SuppressEmbassy("sim_a", "sim_b", 0.5, 1); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	if eff := store.EmbassyEffectiveness("sim_a", "sim_b"); eff != 0.3 {
		t.Fatalf("suppressed effectiveness: %v", eff)
	}
	if err := e.ResolveCycle(true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Resolution advanced the world cycle, so the one-cycle suppression
	// expired.
	if eff := store.EmbassyEffectiveness("sim_a", "sim_b"); eff != 0.6 {
		t.Fatalf("effectiveness after expiry: %v", eff)
	}
}
