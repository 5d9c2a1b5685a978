// Package epoch implements the competitive layer engine: the phase state
// machine, operative mission resolution, bleed/echo propagation, scoring
// aggregation, and cycle-readiness synchronization. An Epoch is not safe for
// concurrent use; the engine manager serializes commands per epoch.
package epoch

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"crucible/internal/sim/tuning"
	"crucible/internal/sim/worldstate"
)

// Phase is the lifecycle state of an epoch.
type Phase string

const (
	PhaseLobby       Phase = "LOBBY"
	PhaseFoundation  Phase = "FOUNDATION"
	PhaseCompetition Phase = "COMPETITION"
	PhaseReckoning   Phase = "RECKONING"
	PhaseCompleted   Phase = "COMPLETED"
	PhaseCancelled   Phase = "CANCELLED"
)

// nextPhase is the only legal forward transition per phase. Cancellation is
// the single escape edge, handled separately.
var nextPhase = map[Phase]Phase{
	PhaseLobby:       PhaseFoundation,
	PhaseFoundation:  PhaseCompetition,
	PhaseCompetition: PhaseReckoning,
	PhaseReckoning:   PhaseCompleted,
}

// Terminal reports whether the phase accepts no further mutation.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// Active reports whether cycles advance in this phase.
func (p Phase) Active() bool {
	return p == PhaseFoundation || p == PhaseCompetition || p == PhaseReckoning
}

var (
	ErrInvalidPhaseTransition = errors.New("invalid phase transition")
	ErrInsufficientRP         = errors.New("insufficient resonance points")
	ErrNotParticipant         = errors.New("not a participant")
	ErrNotTeamMember          = errors.New("not a team member")
	ErrEpochInactive          = errors.New("epoch inactive")
	ErrNotReady               = errors.New("participants not ready")
	ErrNotFound               = errors.New("not found")
	ErrNoPermission           = errors.New("not allowed")
	ErrBadInput               = errors.New("bad input")
)

// Participant is one simulation's membership in an epoch.
type Participant struct {
	SimulationID string    `json:"simulation_id"`
	RP           int       `json:"rp"`
	TeamID       string    `json:"team_id,omitempty"`
	CycleReady   bool      `json:"cycle_ready"`
	JoinedAt     time.Time `json:"joined_at"`

	// Scoring tallies maintained by the engine.
	bleedImpact      int // incoming echo + propagandist impact against this sim
	betrayals        int // detected missions this sim ran against teammates
	counterIntelHits int // detection flips forced by defender sweeps
}

// Team is a named alliance of participants within one epoch.
type Team struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"created_at"`
	DissolvedAt *time.Time `json:"dissolved_at,omitempty"`
}

// Config carries an epoch's construction parameters.
type Config struct {
	ID        string
	CreatorID string
	Preset    string
	Weights   tuning.ScoreWeights // used when Preset is empty
	Seed      int64
}

// Deps are the epoch's collaborators.
type Deps struct {
	Tune   tuning.Tuning
	World  worldstate.Reader
	Writer worldstate.Writer
	Graph  worldstate.Graph
	Gen    worldstate.Generator
	Clock  func() time.Time
	NewID  func() string
}

// Epoch is one competitive run across participating simulations.
type Epoch struct {
	ID         string
	CreatorID  string
	Phase      Phase
	Cycle      int
	PresetName string
	Weights    tuning.ScoreWeights
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time

	participants map[string]*Participant
	joinOrder    []string
	teams        map[string]*Team
	missions     map[string]*Mission
	missionOrder []string
	echoes       map[string]*Echo
	echoOrder    []string

	log           []BattleLogEntry
	logSeq        uint64
	pendingEvents []Event
	pendingLog    []BattleLogEntry

	tune   tuning.Tuning
	world  worldstate.Reader
	writer worldstate.Writer
	graph  worldstate.Graph
	gen    worldstate.Generator
	clock  func() time.Time
	newID  func() string
	roll   func() float64
}

// New creates an epoch in the lobby phase.
func New(cfg Config, deps Deps) (*Epoch, error) {
	if cfg.ID == "" || cfg.CreatorID == "" {
		return nil, fmt.Errorf("%w: epoch id and creator are required", ErrBadInput)
	}
	weights := cfg.Weights
	preset := cfg.Preset
	if preset != "" {
		w, ok := deps.Tune.ScorePresets[preset]
		if !ok {
			return nil, fmt.Errorf("%w: unknown score preset %q", ErrBadInput, preset)
		}
		weights = w
	}
	if weights.Sum() != 100 {
		return nil, fmt.Errorf("%w: score weights sum to %d, want 100", ErrBadInput, weights.Sum())
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	e := &Epoch{
		ID:           cfg.ID,
		CreatorID:    cfg.CreatorID,
		Phase:        PhaseLobby,
		PresetName:   preset,
		Weights:      weights,
		CreatedAt:    deps.Clock().UTC(),
		participants: map[string]*Participant{},
		teams:        map[string]*Team{},
		missions:     map[string]*Mission{},
		echoes:       map[string]*Echo{},
		tune:         deps.Tune,
		world:        deps.World,
		writer:       deps.Writer,
		graph:        deps.Graph,
		gen:          deps.Gen,
		clock:        deps.Clock,
		newID:        deps.NewID,
		roll:         rng.Float64,
	}
	return e, nil
}

// SetRoll replaces the outcome roll source. Tests use this to force outcomes.
func (e *Epoch) SetRoll(roll func() float64) { e.roll = roll }

func (e *Epoch) participant(simID string) (*Participant, error) {
	p, ok := e.participants[simID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, simID)
	}
	return p, nil
}

// Participant returns a copy of the participant's public state.
func (e *Epoch) Participant(simID string) (Participant, bool) {
	p, ok := e.participants[simID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Participants returns participants in join order.
func (e *Epoch) Participants() []Participant {
	out := make([]Participant, 0, len(e.joinOrder))
	for _, id := range e.joinOrder {
		out = append(out, *e.participants[id])
	}
	return out
}

// Join adds a simulation to the epoch. Legal only while the epoch is in the
// lobby.
func (e *Epoch) Join(simID string) error {
	if e.Phase.Terminal() {
		return ErrEpochInactive
	}
	if e.Phase != PhaseLobby {
		return fmt.Errorf("%w: join is only legal in %s", ErrInvalidPhaseTransition, PhaseLobby)
	}
	if simID == "" {
		return fmt.Errorf("%w: simulation id is required", ErrBadInput)
	}
	if _, exists := e.participants[simID]; exists {
		return fmt.Errorf("%w: %s already joined", ErrBadInput, simID)
	}
	if e.world != nil && !e.world.SimulationExists(simID) {
		return fmt.Errorf("%w: unknown simulation %s", ErrNotFound, simID)
	}
	e.participants[simID] = &Participant{
		SimulationID: simID,
		RP:           e.tune.RPStart,
		JoinedAt:     e.clock().UTC(),
	}
	e.joinOrder = append(e.joinOrder, simID)
	e.appendLog(LogEpochJoined, simID, "", fmt.Sprintf("%s entered the epoch", simID))
	e.emit("participant_joined", map[string]any{"simulation_id": simID, "participants": len(e.participants)})
	return nil
}

// Leave removes a simulation. Legal only while the epoch is in the lobby.
func (e *Epoch) Leave(simID string) error {
	if e.Phase.Terminal() {
		return ErrEpochInactive
	}
	if e.Phase != PhaseLobby {
		return fmt.Errorf("%w: leave is only legal in %s", ErrInvalidPhaseTransition, PhaseLobby)
	}
	if _, err := e.participant(simID); err != nil {
		return err
	}
	delete(e.participants, simID)
	for i, id := range e.joinOrder {
		if id == simID {
			e.joinOrder = append(e.joinOrder[:i], e.joinOrder[i+1:]...)
			break
		}
	}
	e.appendLog(LogEpochLeft, simID, "", fmt.Sprintf("%s withdrew from the epoch", simID))
	e.emit("participant_left", map[string]any{"simulation_id": simID, "participants": len(e.participants)})
	return nil
}

// AdvancePhase moves the epoch to the next phase. Only the creator advances
// phases; lobby->foundation additionally requires at least two participants.
// Failed attempts perform no mutation.
func (e *Epoch) AdvancePhase(actorID string) error {
	if e.Phase.Terminal() {
		return ErrEpochInactive
	}
	if actorID != e.CreatorID {
		return fmt.Errorf("%w: only the epoch creator advances phases", ErrNoPermission)
	}
	next, ok := nextPhase[e.Phase]
	if !ok {
		return fmt.Errorf("%w: no transition from %s", ErrInvalidPhaseTransition, e.Phase)
	}
	if e.Phase == PhaseLobby && len(e.participants) < 2 {
		return fmt.Errorf("%w: need at least 2 participants, have %d", ErrInvalidPhaseTransition, len(e.participants))
	}
	e.Phase = next
	now := e.clock().UTC()
	switch next {
	case PhaseFoundation:
		e.StartedAt = &now
	case PhaseCompleted:
		e.EndedAt = &now
	}
	e.appendLog(LogPhaseChange, actorID, "", fmt.Sprintf("epoch entered %s at cycle %d", next, e.Cycle))
	e.emit("phase_change", map[string]any{"phase": string(next), "cycle": e.Cycle})
	return nil
}

// Cancel aborts the epoch. The escape edge exists only from foundation,
// competition, and reckoning, and only for the creator.
func (e *Epoch) Cancel(actorID string) error {
	if e.Phase.Terminal() {
		return ErrEpochInactive
	}
	if actorID != e.CreatorID {
		return fmt.Errorf("%w: only the epoch creator cancels", ErrNoPermission)
	}
	if !e.Phase.Active() {
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidPhaseTransition, e.Phase)
	}
	e.Phase = PhaseCancelled
	now := e.clock().UTC()
	e.EndedAt = &now
	e.appendLog(LogPhaseChange, actorID, "", fmt.Sprintf("epoch cancelled at cycle %d", e.Cycle))
	e.emit("phase_change", map[string]any{"phase": string(PhaseCancelled), "cycle": e.Cycle})
	return nil
}

func (e *Epoch) spendRP(p *Participant, cost int) error {
	if p.RP < cost {
		return fmt.Errorf("%w: need %d RP, have %d", ErrInsufficientRP, cost, p.RP)
	}
	p.RP -= cost
	return nil
}

func (e *Epoch) creditRP(p *Participant, amount int) {
	p.RP += amount
	if p.RP > e.tune.RPCap {
		p.RP = e.tune.RPCap
	}
	if p.RP < 0 {
		p.RP = 0
	}
}
