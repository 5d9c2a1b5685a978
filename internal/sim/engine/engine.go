package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"crucible/internal/sim/epoch"
	"crucible/internal/sim/tuning"
	"crucible/internal/sim/worldstate"
)

// commandTimeout bounds how long a caller waits for an epoch's command lane.
const commandTimeout = 3 * time.Second

var (
	ErrEpochNotFound = errors.New("epoch not found")
	ErrEpochBusy     = errors.New("epoch busy")
)

// BattleLogger receives committed battle-log entries for durable storage.
type BattleLogger interface {
	WriteEntry(epoch.BattleLogEntry) error
}

// EventLogger receives every published event for durable storage.
type EventLogger interface {
	WriteEvent(epoch.Event) error
}

// Indexer receives queryable state changes. Implementations are expected to
// absorb writes asynchronously and never block the command path.
type Indexer interface {
	UpsertEpoch(EpochSnapshot)
	InsertBattleEntries([]epoch.BattleLogEntry)
}

// Archiver stores a terminal epoch's complete record.
type Archiver interface {
	ArchiveEpoch(EpochSnapshot) error
}

// EpochSnapshot is the externally visible state of one epoch. BattleLog and
// Echoes are populated only for archives.
type EpochSnapshot struct {
	ID           string                   `json:"id"`
	CreatorID    string                   `json:"creator_id"`
	Phase        string                   `json:"phase"`
	Cycle        int                      `json:"cycle"`
	Preset       string                   `json:"preset,omitempty"`
	Weights      tuning.ScoreWeights      `json:"weights"`
	CreatedAt    time.Time                `json:"created_at"`
	StartedAt    *time.Time               `json:"started_at,omitempty"`
	EndedAt      *time.Time               `json:"ended_at,omitempty"`
	Participants []epoch.Participant      `json:"participants"`
	Teams        []epoch.Team             `json:"teams,omitempty"`
	Readiness    epoch.Readiness          `json:"readiness"`
	Leaderboard  []epoch.LeaderboardEntry `json:"leaderboard"`
	Missions     []epoch.Mission          `json:"missions,omitempty"`
	Echoes       []epoch.Echo             `json:"echoes,omitempty"`
	BattleLog    []epoch.BattleLogEntry   `json:"battle_log,omitempty"`
}

// CreateParams carries an epoch creation request.
type CreateParams struct {
	CreatorID string
	Preset    string
	Weights   tuning.ScoreWeights
	Seed      int64
}

// Options wires the manager's collaborators.
type Options struct {
	Tune   tuning.Tuning
	World  worldstate.Reader
	Writer worldstate.Writer
	Graph  worldstate.Graph
	Gen    worldstate.Generator
	Clock  func() time.Time
	NewID  func() string
	Logger *log.Logger
}

type runtime struct {
	lane chan struct{} // capacity 1; holding a token means holding the epoch
	ep   *epoch.Epoch
}

// Manager owns all live epochs. Epochs are not safe for concurrent use, so
// every command and query acquires the epoch's command lane first; a lane
// held past the command timeout surfaces as ErrEpochBusy rather than a stuck
// caller.
type Manager struct {
	opts Options
	hub  *Hub

	mu     sync.RWMutex
	epochs map[string]*runtime
	order  []string

	battle   BattleLogger
	eventLog EventLogger
	index    Indexer
	archiver Archiver

	metrics Metrics
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Manager{
		opts:   opts,
		hub:    NewHub(),
		epochs: map[string]*runtime{},
	}
}

func (m *Manager) Hub() *Hub { return m.hub }

func (m *Manager) SetBattleLogger(l BattleLogger) { m.battle = l }
func (m *Manager) SetEventLogger(l EventLogger)   { m.eventLog = l }
func (m *Manager) SetIndexer(ix Indexer)          { m.index = ix }
func (m *Manager) SetArchiver(a Archiver)         { m.archiver = a }

// CreateEpoch registers a new epoch in the lobby phase.
func (m *Manager) CreateEpoch(params CreateParams) (EpochSnapshot, error) {
	seed := params.Seed
	if seed == 0 {
		seed = m.opts.Clock().UnixNano()
	}
	id := "ep_" + m.opts.NewID()
	ep, err := epoch.New(epoch.Config{
		ID:        id,
		CreatorID: params.CreatorID,
		Preset:    params.Preset,
		Weights:   params.Weights,
		Seed:      seed,
	}, epoch.Deps{
		Tune:   m.opts.Tune,
		World:  m.opts.World,
		Writer: m.opts.Writer,
		Graph:  m.opts.Graph,
		Gen:    m.opts.Gen,
		Clock:  m.opts.Clock,
		NewID:  m.opts.NewID,
	})
	if err != nil {
		return EpochSnapshot{}, err
	}

	m.mu.Lock()
	m.epochs[id] = &runtime{lane: make(chan struct{}, 1), ep: ep}
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.metrics.epochsCreated.Add(1)
	m.opts.Logger.Printf("epoch %s created by %s (preset=%s seed=%d)", id, params.CreatorID, params.Preset, seed)

	snap := snapshotOf(ep)
	if m.index != nil {
		m.index.UpsertEpoch(snap)
	}
	return snap, nil
}

// EpochIDs lists live epochs in creation order.
func (m *Manager) EpochIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// withEpoch runs fn holding the epoch's command lane, then flushes whatever
// the command emitted. fn's error passes through untouched.
func (m *Manager) withEpoch(ctx context.Context, id string, fn func(*epoch.Epoch) error) error {
	m.mu.RLock()
	rt := m.epochs[id]
	m.mu.RUnlock()
	if rt == nil {
		return fmt.Errorf("%w: %s", ErrEpochNotFound, id)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	select {
	case rt.lane <- struct{}{}:
	case <-ctx.Done():
		m.metrics.busy.Add(1)
		return fmt.Errorf("%w: %s", ErrEpochBusy, id)
	}
	defer func() { <-rt.lane }()

	m.metrics.commands.Add(1)
	err := fn(rt.ep)
	if err != nil {
		m.metrics.commandErrors.Add(1)
	}
	m.flush(rt.ep)
	return err
}

// flush drains and distributes everything the last command accumulated.
// Called while still holding the epoch's lane so ordering is preserved.
func (m *Manager) flush(ep *epoch.Epoch) {
	events := ep.DrainEvents()
	entries := ep.DrainLogEntries()
	if len(events) > 0 {
		m.hub.Publish(events)
		m.metrics.eventsPublished.Add(uint64(len(events)))
		if m.eventLog != nil {
			for _, ev := range events {
				if err := m.eventLog.WriteEvent(ev); err != nil {
					m.opts.Logger.Printf("event log write: %v", err)
				}
			}
		}
	}
	if len(entries) > 0 {
		m.metrics.battleEntries.Add(uint64(len(entries)))
		if m.battle != nil {
			for _, entry := range entries {
				if err := m.battle.WriteEntry(entry); err != nil {
					m.opts.Logger.Printf("battle log write: %v", err)
				}
			}
		}
		if m.index != nil {
			m.index.InsertBattleEntries(entries)
		}
	}
}

func (m *Manager) Join(ctx context.Context, id, simID string) error {
	return m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		return e.Join(simID)
	})
}

func (m *Manager) Leave(ctx context.Context, id, simID string) error {
	return m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		return e.Leave(simID)
	})
}

func (m *Manager) AdvancePhase(ctx context.Context, id, actorID string) (EpochSnapshot, error) {
	var snap EpochSnapshot
	err := m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		if err := e.AdvancePhase(actorID); err != nil {
			return err
		}
		snap = snapshotOf(e)
		if e.Phase.Terminal() {
			m.archive(e)
		} else {
			m.reindex(e)
		}
		return nil
	})
	return snap, err
}

func (m *Manager) Cancel(ctx context.Context, id, actorID string) error {
	return m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		if err := e.Cancel(actorID); err != nil {
			return err
		}
		m.archive(e)
		return nil
	})
}

// SetReady flips a participant's ready flag. The manager is the cycle
// synchronizer: when the flip completes the ready set, it resolves the cycle
// in the same critical section.
func (m *Manager) SetReady(ctx context.Context, id, simID string, ready bool) (epoch.Readiness, error) {
	var r epoch.Readiness
	err := m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		if err := e.SetReady(simID, ready); err != nil {
			return err
		}
		r = e.Readiness()
		if ready && r.Ready == r.Total && e.Phase.Active() {
			if err := e.ResolveCycle(false); err != nil {
				return err
			}
			m.metrics.cyclesResolved.Add(1)
			m.reindex(e)
			r = e.Readiness()
		}
		return nil
	})
	return r, err
}

// ResolveCycle forces a cycle resolution regardless of readiness. Reserved
// for the epoch creator and operational tooling.
func (m *Manager) ResolveCycle(ctx context.Context, id, actorID string) error {
	return m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		if actorID != e.CreatorID {
			return fmt.Errorf("%w: only the epoch creator forces resolution", epoch.ErrNoPermission)
		}
		if err := e.ResolveCycle(true); err != nil {
			return err
		}
		m.metrics.cyclesResolved.Add(1)
		m.reindex(e)
		return nil
	})
}

func (m *Manager) CreateTeam(ctx context.Context, id, simID, name string) (string, error) {
	var teamID string
	err := m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		var err error
		teamID, err = e.CreateTeam(simID, name)
		return err
	})
	return teamID, err
}

func (m *Manager) JoinTeam(ctx context.Context, id, simID, teamID string) error {
	return m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		return e.JoinTeam(simID, teamID)
	})
}

func (m *Manager) LeaveTeam(ctx context.Context, id, simID string) error {
	return m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		return e.LeaveTeam(simID)
	})
}

func (m *Manager) Teams(ctx context.Context, id string) ([]epoch.Team, error) {
	var out []epoch.Team
	err := m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		out = e.Teams()
		return nil
	})
	return out, err
}

func (m *Manager) DeployOperative(ctx context.Context, id string, in epoch.DeployInput) (epoch.Mission, error) {
	var out epoch.Mission
	err := m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		mission, err := e.DeployOperative(in)
		if err != nil {
			return err
		}
		out = *mission
		return nil
	})
	return out, err
}

func (m *Manager) RecallOperative(ctx context.Context, id, simID, missionID string) error {
	return m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		return e.RecallOperative(simID, missionID)
	})
}

func (m *Manager) CounterIntelSweep(ctx context.Context, id, simID string) (int, error) {
	var flipped int
	err := m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		var err error
		flipped, err = e.CounterIntelSweep(simID)
		return err
	})
	return flipped, err
}

// EvaluateEvent runs a bleed check for a native platform event.
func (m *Manager) EvaluateEvent(ctx context.Context, id, simID, eventID string, impact int) error {
	return m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		return e.EvaluateEvent(simID, eventID, impact)
	})
}

func (m *Manager) Snapshot(ctx context.Context, id string) (EpochSnapshot, error) {
	var snap EpochSnapshot
	err := m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		snap = snapshotOf(e)
		return nil
	})
	return snap, err
}

func (m *Manager) Leaderboard(ctx context.Context, id string) ([]epoch.LeaderboardEntry, error) {
	var out []epoch.LeaderboardEntry
	err := m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		out = e.Leaderboard()
		return nil
	})
	return out, err
}

func (m *Manager) Missions(ctx context.Context, id, simID string) ([]epoch.Mission, error) {
	var out []epoch.Mission
	err := m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		out = e.Missions(simID)
		return nil
	})
	return out, err
}

func (m *Manager) Echoes(ctx context.Context, id string) ([]epoch.Echo, error) {
	var out []epoch.Echo
	err := m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		out = e.Echoes()
		return nil
	})
	return out, err
}

func (m *Manager) BattleLog(ctx context.Context, id string, cursor uint64, limit int) ([]epoch.BattleLogEntry, uint64, error) {
	var (
		out  []epoch.BattleLogEntry
		next uint64
	)
	err := m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		out, next = e.BattleLog(cursor, limit)
		return nil
	})
	return out, next, err
}

func (m *Manager) Readiness(ctx context.Context, id string) (epoch.Readiness, error) {
	var r epoch.Readiness
	err := m.withEpoch(ctx, id, func(e *epoch.Epoch) error {
		r = e.Readiness()
		return nil
	})
	return r, err
}

// reindex pushes the epoch's current state into the read-model index so
// queries see phase and cycle changes before the epoch turns terminal. Called
// while holding the epoch's lane.
func (m *Manager) reindex(e *epoch.Epoch) {
	if m.index == nil {
		return
	}
	m.index.UpsertEpoch(snapshotOf(e))
}

// archive persists the complete record of a terminal epoch. Called while
// holding the epoch's lane.
func (m *Manager) archive(e *epoch.Epoch) {
	snap := snapshotOf(e)
	snap.Missions = e.Missions("")
	snap.Echoes = e.Echoes()
	snap.BattleLog = fullBattleLog(e)
	if m.index != nil {
		m.index.UpsertEpoch(snap)
	}
	if m.archiver != nil {
		if err := m.archiver.ArchiveEpoch(snap); err != nil {
			m.opts.Logger.Printf("archive epoch %s: %v", e.ID, err)
			return
		}
	}
	m.metrics.epochsArchived.Add(1)
	m.opts.Logger.Printf("epoch %s archived in phase %s after %d cycles", e.ID, e.Phase, e.Cycle)
}

func snapshotOf(e *epoch.Epoch) EpochSnapshot {
	return EpochSnapshot{
		ID:           e.ID,
		CreatorID:    e.CreatorID,
		Phase:        string(e.Phase),
		Cycle:        e.Cycle,
		Preset:       e.PresetName,
		Weights:      e.Weights,
		CreatedAt:    e.CreatedAt,
		StartedAt:    e.StartedAt,
		EndedAt:      e.EndedAt,
		Participants: e.Participants(),
		Teams:        e.Teams(),
		Readiness:    e.Readiness(),
		Leaderboard:  e.Leaderboard(),
	}
}

func fullBattleLog(e *epoch.Epoch) []epoch.BattleLogEntry {
	var out []epoch.BattleLogEntry
	var cursor uint64
	for {
		page, next := e.BattleLog(cursor, 200)
		if len(page) == 0 {
			return out
		}
		out = append(out, page...)
		cursor = next
	}
}
