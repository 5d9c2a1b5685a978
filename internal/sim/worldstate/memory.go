package worldstate

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the yaml world-topology file loaded at server start. It seeds the
// in-memory Store with the simulations the engine can see and the connection
// graph between them.
type Config struct {
	Simulations []SimSpec        `yaml:"simulations"`
	Connections []ConnectionSpec `yaml:"connections"`
}

type SimSpec struct {
	ID             string         `yaml:"id"`
	BleedThreshold int            `yaml:"bleed_threshold,omitempty"`
	Security       float64        `yaml:"security"`
	NativeImpact   int            `yaml:"native_impact"`
	Zones          []ZoneSpec     `yaml:"zones"`
	Buildings      []BuildingSpec `yaml:"buildings,omitempty"`
	Agents         []AgentSpec    `yaml:"agents,omitempty"`
	Embassies      []EmbassySpec  `yaml:"embassies,omitempty"`
	Qualifications map[string]int `yaml:"qualifications,omitempty"`
}

type ZoneSpec struct {
	ID        string  `yaml:"id"`
	Stability float64 `yaml:"stability"`
}

type BuildingSpec struct {
	Ref       string `yaml:"ref"`
	Condition string `yaml:"condition"`
}

type AgentSpec struct {
	Ref       string         `yaml:"ref"`
	Relations map[string]int `yaml:"relations,omitempty"`
}

type EmbassySpec struct {
	To            string  `yaml:"to"`
	Effectiveness float64 `yaml:"effectiveness"`
}

type ConnectionSpec struct {
	From     string   `yaml:"from"`
	To       string   `yaml:"to"`
	Strength float64  `yaml:"strength"`
	Tags     []string `yaml:"tags,omitempty"`
}

func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	seen := map[string]bool{}
	for _, s := range c.Simulations {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return fmt.Errorf("simulation with empty id")
		}
		if seen[id] {
			return fmt.Errorf("duplicate simulation id %q", id)
		}
		seen[id] = true
		for _, b := range s.Buildings {
			switch b.Condition {
			case "", ConditionGood, ConditionFair, ConditionPoor, ConditionRuined:
			default:
				return fmt.Errorf("simulation %s building %s: unknown condition %q", id, b.Ref, b.Condition)
			}
		}
	}
	for _, conn := range c.Connections {
		if !seen[conn.From] || !seen[conn.To] {
			return fmt.Errorf("connection %s->%s references unknown simulation", conn.From, conn.To)
		}
		if conn.From == conn.To {
			return fmt.Errorf("connection %s->%s is a self loop", conn.From, conn.To)
		}
	}
	return nil
}

// Store is the in-memory world state. All methods are safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	cycle int
	sims  map[string]*simState
	conns map[string][]Connection
}

type simState struct {
	bleedThreshold int
	security       float64
	nativeImpact   int
	zones          []float64
	buildings      map[string]string
	agents         map[string]*agentState
	embassies      map[string]*embassyState
	qualifications map[string]int
	events         map[string]eventState
}

type agentState struct {
	relations           map[string]int
	ambassadorBlockedTo int // cycle until which ambassador eligibility is blocked
}

type embassyState struct {
	effectiveness  float64
	suppressFactor float64
	suppressedTo   int
}

type eventState struct {
	tags   []string
	impact int
	bleed  bool
}

func NewStore(cfg Config) *Store {
	s := &Store{
		sims:  map[string]*simState{},
		conns: map[string][]Connection{},
	}
	for _, spec := range cfg.Simulations {
		st := &simState{
			bleedThreshold: spec.BleedThreshold,
			security:       spec.Security,
			nativeImpact:   spec.NativeImpact,
			buildings:      map[string]string{},
			agents:         map[string]*agentState{},
			embassies:      map[string]*embassyState{},
			qualifications: map[string]int{},
			events:         map[string]eventState{},
		}
		for _, z := range spec.Zones {
			st.zones = append(st.zones, z.Stability)
		}
		for _, b := range spec.Buildings {
			cond := b.Condition
			if cond == "" {
				cond = ConditionGood
			}
			st.buildings[b.Ref] = cond
		}
		for _, a := range spec.Agents {
			rel := map[string]int{}
			for k, v := range a.Relations {
				rel[k] = v
			}
			st.agents[a.Ref] = &agentState{relations: rel}
		}
		for _, e := range spec.Embassies {
			st.embassies[e.To] = &embassyState{effectiveness: e.Effectiveness}
		}
		for k, v := range spec.Qualifications {
			st.qualifications[k] = v
		}
		s.sims[spec.ID] = st
	}
	for _, c := range cfg.Connections {
		s.conns[c.From] = append(s.conns[c.From], Connection{
			From:     c.From,
			To:       c.To,
			Strength: c.Strength,
			Tags:     append([]string(nil), c.Tags...),
		})
	}
	return s
}

// AdvanceCycle moves the store's cycle counter forward so timed effects
// (embassy suppression, ambassador blocks) can expire. The engine calls this
// once per resolved cycle.
func (s *Store) AdvanceCycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle++
}

func (s *Store) SimulationExists(simID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sims[simID]
	return ok
}

func (s *Store) ZoneStability(simID string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sims[simID]
	if !ok {
		return nil
	}
	return append([]float64(nil), st.zones...)
}

func (s *Store) ZoneSecurity(simID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sims[simID]; ok {
		return st.security
	}
	return 0
}

func (s *Store) EmbassyEffectiveness(from, to string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sims[from]
	if !ok {
		return 0
	}
	emb, ok := st.embassies[to]
	if !ok {
		return 0
	}
	eff := emb.effectiveness
	if emb.suppressedTo > s.cycle {
		eff *= emb.suppressFactor
	}
	return eff
}

func (s *Store) OperativeQualification(simID, operativeType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sims[simID]; ok {
		return st.qualifications[operativeType]
	}
	return 0
}

func (s *Store) BuildingCondition(simID, ref string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sims[simID]; ok {
		cond, ok := st.buildings[ref]
		return cond, ok
	}
	return "", false
}

func (s *Store) EventTags(simID, eventID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sims[simID]; ok {
		if ev, ok := st.events[eventID]; ok {
			return append([]string(nil), ev.tags...)
		}
	}
	return nil
}

func (s *Store) NativeImpact(simID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sims[simID]; ok {
		return st.nativeImpact
	}
	return 0
}

func (s *Store) BleedThreshold(simID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sims[simID]; ok && st.bleedThreshold > 0 {
		return st.bleedThreshold, true
	}
	return 0, false
}

func (s *Store) Connections(simID string) []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Connection(nil), s.conns[simID]...)
}

func (s *Store) DegradeBuilding(simID, ref string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sims[simID]
	if !ok {
		return "", "", fmt.Errorf("unknown simulation %q", simID)
	}
	cond, ok := st.buildings[ref]
	if !ok {
		return "", "", fmt.Errorf("unknown building %s/%s", simID, ref)
	}
	next := DegradeCondition(cond)
	st.buildings[ref] = next
	return cond, next, nil
}

func (s *Store) CreateEvent(simID string, spec EventSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sims[simID]
	if !ok {
		return "", fmt.Errorf("unknown simulation %q", simID)
	}
	id := uuid.NewString()
	bleed := spec.SourceEcho != "" || spec.SourceSim != ""
	st.events[id] = eventState{
		tags:   append([]string(nil), spec.Tags...),
		impact: spec.Impact,
		bleed:  bleed,
	}
	if !bleed {
		st.nativeImpact += spec.Impact
	}
	return id, nil
}

func (s *Store) WeakenAgentRelations(simID, agentRef string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sims[simID]
	if !ok {
		return fmt.Errorf("unknown simulation %q", simID)
	}
	a, ok := st.agents[agentRef]
	if !ok {
		return fmt.Errorf("unknown agent %s/%s", simID, agentRef)
	}
	for k, v := range a.relations {
		v -= delta
		if v < 0 {
			v = 0
		}
		a.relations[k] = v
	}
	return nil
}

func (s *Store) BlockAmbassador(simID, agentRef string, cycles int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sims[simID]
	if !ok {
		return fmt.Errorf("unknown simulation %q", simID)
	}
	a, ok := st.agents[agentRef]
	if !ok {
		return fmt.Errorf("unknown agent %s/%s", simID, agentRef)
	}
	a.ambassadorBlockedTo = s.cycle + cycles
	return nil
}

// AmbassadorBlocked reports whether the agent's ambassador eligibility is
// currently suspended.
func (s *Store) AmbassadorBlocked(simID, agentRef string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sims[simID]; ok {
		if a, ok := st.agents[agentRef]; ok {
			return a.ambassadorBlockedTo > s.cycle
		}
	}
	return false
}

func (s *Store) SuppressEmbassy(from, to string, factor float64, cycles int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sims[from]
	if !ok {
		return fmt.Errorf("unknown simulation %q", from)
	}
	emb, ok := st.embassies[to]
	if !ok {
		return fmt.Errorf("no embassy %s->%s", from, to)
	}
	emb.suppressFactor = factor
	emb.suppressedTo = s.cycle + cycles
	return nil
}

// AgentRelations returns a copy of the agent's relationship intensities.
func (s *Store) AgentRelations(simID, agentRef string) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sims[simID]; ok {
		if a, ok := st.agents[agentRef]; ok {
			out := make(map[string]int, len(a.relations))
			for k, v := range a.relations {
				out[k] = v
			}
			return out
		}
	}
	return nil
}

// StaticGenerator is the default echo content generator: a deterministic
// template, always successful. Production deployments swap in the AI-backed
// collaborator.
type StaticGenerator struct{}

func (StaticGenerator) Generate(sourceSim, targetSim, sourceEvent string, strength float64) (string, error) {
	return fmt.Sprintf("Echoes of %s ripple from %s into %s (strength %.2f).", sourceEvent, sourceSim, targetSim, strength), nil
}
