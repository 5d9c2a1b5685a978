package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"crucible/internal/protocol"
	"crucible/internal/sim/epoch"
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
				Embassies:    []worldstate.EmbassySpec{{To: "sim_b", Effectiveness: 0.6}},
			},
			{
				ID:           "sim_b",
				Security:     1,
				NativeImpact: 20,
				Zones:        []worldstate.ZoneSpec{{ID: "z1", Stability: 0.4}},
			},
		},
		Connections: []worldstate.ConnectionSpec{
			{From: "sim_a", To: "sim_b", Strength: 0.8},
		},
	})
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	store := testStore()
	seq := 0
	return NewManager(Options{
		Tune:   tuning.Defaults(),
		World:  store,
		Writer: store,
		Graph:  store,
		Gen:    worldstate.StaticGenerator{},
		Clock:  time.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("%06d", seq)
		},
		Logger: log.New(io.Discard, "", 0),
	})
}

func createJoined(t *testing.T, m *Manager) string {
	t.Helper()
	snap, err := m.CreateEpoch(CreateParams{CreatorID: "admin", Preset: "BALANCED", Seed: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()
	for _, sim := range []string{"sim_a", "sim_b"} {
		if err := m.Join(ctx, snap.ID, sim); err != nil {
			t.Fatalf("join %s: %v", sim, err)
		}
	}
	return snap.ID
}

func TestCreateAndSnapshot(t *testing.T) {
	m := testManager(t)
	id := createJoined(t, m)

	snap, err := m.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Phase != string(epoch.PhaseLobby) || len(snap.Participants) != 2 {
		t.Fatalf("snapshot: %+v", snap)
	}
	if len(snap.Leaderboard) != 2 {
		t.Fatalf("leaderboard size: %d", len(snap.Leaderboard))
	}
	if got := m.EpochIDs(); len(got) != 1 || got[0] != id {
		t.Fatalf("epoch ids: %v", got)
	}
}

func TestUnknownEpoch(t *testing.T) {
	m := testManager(t)
	if err := m.Join(context.Background(), "ep_missing", "sim_a"); !errors.Is(err, ErrEpochNotFound) {
		t.Fatalf("join unknown epoch: %v", err)
	}
}

func TestSetReadyResolvesWhenAllReady(t *testing.T) {
	m := testManager(t)
	id := createJoined(t, m)
	ctx := context.Background()
	if _, err := m.AdvancePhase(ctx, id, "admin"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	r, err := m.SetReady(ctx, id, "sim_a", true)
	if err != nil {
		t.Fatalf("ready a: %v", err)
	}
	if r.Ready != 1 {
		t.Fatalf("readiness after first flip: %+v", r)
	}
	r, err = m.SetReady(ctx, id, "sim_b", true)
	if err != nil {
		t.Fatalf("ready b: %v", err)
	}
	// The completing flip triggers resolution, which resets the flags.
	if r.Ready != 0 {
		t.Fatalf("readiness after resolve: %+v", r)
	}
	snap, err := m.Snapshot(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Cycle != 1 {
		t.Fatalf("cycle: %d", snap.Cycle)
	}
}

func TestForceResolveRequiresCreator(t *testing.T) {
	m := testManager(t)
	id := createJoined(t, m)
	ctx := context.Background()
	if _, err := m.AdvancePhase(ctx, id, "admin"); err != nil {
		t.Fatal(err)
	}
	if err := m.ResolveCycle(ctx, id, "sim_a"); !errors.Is(err, epoch.ErrNoPermission) {
		t.Fatalf("force by participant: %v", err)
	}
	if err := m.ResolveCycle(ctx, id, "admin"); err != nil {
		t.Fatalf("force by creator: %v", err)
	}
}

func TestHubDeliversEvents(t *testing.T) {
	m := testManager(t)
	id := createJoined(t, m)
	sub := m.Hub().Subscribe(id, 16)
	defer m.Hub().Unsubscribe(sub)

	if _, err := m.AdvancePhase(context.Background(), id, "admin"); err != nil {
		t.Fatal(err)
	}

	select {
	case frame := <-sub.Out:
		var msg protocol.EventMsg
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if msg.Type != protocol.TypeEvent || msg.Kind != protocol.EventPhaseChange {
			t.Fatalf("frame: %+v", msg)
		}
		if msg.Seq == 0 || msg.EpochID != id {
			t.Fatalf("frame envelope: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubDropsOnFullQueue(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("ep1", 1)
	events := []epoch.Event{
		{Kind: "a", EpochID: "ep1"},
		{Kind: "b", EpochID: "ep1"},
		{Kind: "c", EpochID: "ep1"},
	}
	h.Publish(events)
	if got := sub.Dropped(); got != 2 {
		t.Fatalf("dropped: %d", got)
	}
	h.Unsubscribe(sub)
	if _, ok := <-sub.Out; !ok {
		t.Fatal("expected one buffered frame before close")
	}
}

func TestCommandsSerializePerEpoch(t *testing.T) {
	m := testManager(t)
	snap, err := m.CreateEpoch(CreateParams{CreatorID: "admin", Preset: "BALANCED", Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Duplicate joins fail; the map must still end up consistent.
			_ = m.Join(ctx, snap.ID, "sim_a")
			_ = m.Join(ctx, snap.ID, "sim_b")
		}()
	}
	wg.Wait()
	got, err := m.Snapshot(ctx, snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Participants) != 2 {
		t.Fatalf("participants: %+v", got.Participants)
	}
}

func TestBusyLaneSurfacesAsError(t *testing.T) {
	m := testManager(t)
	id := createJoined(t, m)

	m.mu.RLock()
	rt := m.epochs[id]
	m.mu.RUnlock()
	rt.lane <- struct{}{} // simulate a stuck command
	defer func() { <-rt.lane }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Snapshot(ctx, id); !errors.Is(err, ErrEpochBusy) {
		t.Fatalf("busy lane: %v", err)
	}
	if m.MetricsSnapshot().Busy == 0 {
		t.Fatal("busy counter not incremented")
	}
}

type captureArchiver struct {
	mu    sync.Mutex
	snaps []EpochSnapshot
}

func (a *captureArchiver) ArchiveEpoch(snap EpochSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snaps = append(a.snaps, snap)
	return nil
}

type captureIndex struct {
	mu    sync.Mutex
	snaps []EpochSnapshot
}

func (ix *captureIndex) UpsertEpoch(snap EpochSnapshot) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.snaps = append(ix.snaps, snap)
}

func (ix *captureIndex) InsertBattleEntries([]epoch.BattleLogEntry) {}

func TestIndexTracksPhaseAndCycle(t *testing.T) {
	m := testManager(t)
	ix := &captureIndex{}
	m.SetIndexer(ix)

	id := createJoined(t, m)
	ctx := context.Background()
	if _, err := m.AdvancePhase(ctx, id, "admin"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := m.ResolveCycle(ctx, id, "admin"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.snaps) != 3 {
		t.Fatalf("upserts: %d", len(ix.snaps))
	}
	if got := ix.snaps[1]; got.Phase != string(epoch.PhaseFoundation) || got.Cycle != 0 {
		t.Fatalf("post-advance upsert: phase=%s cycle=%d", got.Phase, got.Cycle)
	}
	if got := ix.snaps[2]; got.Phase != string(epoch.PhaseFoundation) || got.Cycle != 1 {
		t.Fatalf("post-resolve upsert: phase=%s cycle=%d", got.Phase, got.Cycle)
	}
}

type captureBattle struct {
	mu      sync.Mutex
	entries []epoch.BattleLogEntry
}

func (b *captureBattle) WriteEntry(entry epoch.BattleLogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	return nil
}

func TestTerminalEpochIsArchived(t *testing.T) {
	m := testManager(t)
	arch := &captureArchiver{}
	battle := &captureBattle{}
	m.SetArchiver(arch)
	m.SetBattleLogger(battle)

	id := createJoined(t, m)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := m.AdvancePhase(ctx, id, "admin"); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if len(arch.snaps) != 1 {
		t.Fatalf("archived snapshots: %d", len(arch.snaps))
	}
	snap := arch.snaps[0]
	if snap.Phase != string(epoch.PhaseCompleted) || len(snap.BattleLog) == 0 {
		t.Fatalf("archived snapshot: phase=%s log=%d", snap.Phase, len(snap.BattleLog))
	}

	battle.mu.Lock()
	defer battle.mu.Unlock()
	if len(battle.entries) == 0 {
		t.Fatal("battle logger received nothing")
	}
	if got := m.MetricsSnapshot(); got.EpochsArchived != 1 || got.EpochsCreated != 1 {
		t.Fatalf("metrics: %+v", got)
	}
}
