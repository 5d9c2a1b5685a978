// Package worldstate defines the engine's view of the simulation platform:
// read access to zone/building/agent/embassy state, write access for mission
// side effects, the cross-simulation connection graph, and the echo content
// generator boundary. The engine core depends only on these interfaces; the
// yaml-backed Store in this package is the default implementation used by the
// server and by tests.
package worldstate

import "errors"

// Building condition steps. A saboteur success degrades exactly one step.
const (
	ConditionGood   = "GOOD"
	ConditionFair   = "FAIR"
	ConditionPoor   = "POOR"
	ConditionRuined = "RUINED"
)

// DegradeCondition returns the next condition step down, flooring at RUINED.
func DegradeCondition(c string) string {
	switch c {
	case ConditionGood:
		return ConditionFair
	case ConditionFair:
		return ConditionPoor
	case ConditionPoor:
		return ConditionRuined
	default:
		return ConditionRuined
	}
}

// Connection is one directed bleed vector between two simulations.
type Connection struct {
	From     string
	To       string
	Strength float64
	Tags     []string
}

// EventSpec describes an event the engine writes into a simulation
// (propagandist destabilization, completed echoes).
type EventSpec struct {
	Title       string
	Impact      int
	Tags        []string
	SourceSim   string
	SourceEcho  string
	Description string
}

// Reader is the world-state read boundary.
type Reader interface {
	// SimulationExists reports whether the simulation is known to the platform.
	SimulationExists(simID string) bool
	// ZoneStability returns per-zone stability values in [0,1].
	ZoneStability(simID string) []float64
	// ZoneSecurity returns the target simulation's security level (0..5 scale).
	ZoneSecurity(simID string) float64
	// EmbassyEffectiveness returns the effectiveness in [0,1] of the embassy
	// the source simulation maintains in the target, or 0 when none exists.
	EmbassyEffectiveness(from, to string) float64
	// OperativeQualification returns the qualification level (0..5 scale) of
	// the best operative candidate the simulation can field for the type.
	OperativeQualification(simID, operativeType string) int
	// BuildingCondition returns a building's current condition step.
	BuildingCondition(simID, ref string) (string, bool)
	// EventTags returns the thematic tags of a platform event.
	EventTags(simID, eventID string) []string
	// NativeImpact returns the cumulative impact of the simulation's own
	// (non-bleed) events, the denominator baseline for sovereignty.
	NativeImpact(simID string) int
	// BleedThreshold returns the simulation's configured bleed threshold, if set.
	BleedThreshold(simID string) (int, bool)
}

// Writer applies mission and propagation side effects to world state.
type Writer interface {
	DegradeBuilding(simID, ref string) (from, to string, err error)
	CreateEvent(simID string, spec EventSpec) (eventID string, err error)
	WeakenAgentRelations(simID, agentRef string, delta int) error
	BlockAmbassador(simID, agentRef string, cycles int) error
	SuppressEmbassy(from, to string, factor float64, cycles int) error
}

// Graph is the connection-graph read boundary used by propagation.
type Graph interface {
	Connections(simID string) []Connection
}

// ErrGenerationRejected marks a policy rejection (echo becomes REJECTED
// rather than FAILED).
var ErrGenerationRejected = errors.New("echo content rejected")

// Generator synthesizes narrative content for an echo. The engine only needs
// success/failure; the text itself is opaque to it. Implementations may block;
// the engine invokes them inside the resolution pass and records one echo
// outcome per call.
type Generator interface {
	Generate(sourceSim, targetSim, sourceEvent string, strength float64) (text string, err error)
}
