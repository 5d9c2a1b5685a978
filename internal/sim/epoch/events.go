package epoch

import "time"

// Event is one domain event emitted by a mutating command. The manager drains
// pending events after the critical section commits and broadcasts them to
// subscribers; delivery is at-least-once and consumers tolerate duplicates.
type Event struct {
	Kind    string         `json:"kind"`
	EpochID string         `json:"epoch_id"`
	Cycle   int            `json:"cycle"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Battle log entry kinds.
const (
	LogPhaseChange     = "phase_change"
	LogCycleResolved   = "cycle_resolved"
	LogMissionDeployed = "mission_deployed"
	LogMissionRecalled = "mission_recalled"
	LogMissionResolved = "mission_resolved"
	LogCounterIntel    = "counter_intel"
	LogEcho            = "echo"
	LogTeamEvent       = "team_event"
	LogBetrayal        = "betrayal"
	LogEpochJoined     = "epoch_joined"
	LogEpochLeft       = "epoch_left"
)

// BattleLogEntry is an immutable narrative record. Entries are append-only;
// once a cycle resolution completes they are never mutated or deleted.
type BattleLogEntry struct {
	Seq     uint64    `json:"seq"`
	EpochID string    `json:"epoch_id"`
	Cycle   int       `json:"cycle"`
	Kind    string    `json:"kind"`
	Actor   string    `json:"actor,omitempty"`
	Target  string    `json:"target,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (e *Epoch) emit(kind string, payload map[string]any) {
	e.pendingEvents = append(e.pendingEvents, Event{
		Kind:    kind,
		EpochID: e.ID,
		Cycle:   e.Cycle,
		Payload: payload,
	})
}

func (e *Epoch) appendLog(kind, actor, target, message string) BattleLogEntry {
	e.logSeq++
	entry := BattleLogEntry{
		Seq:     e.logSeq,
		EpochID: e.ID,
		Cycle:   e.Cycle,
		Kind:    kind,
		Actor:   actor,
		Target:  target,
		Message: message,
		At:      e.clock().UTC(),
	}
	e.log = append(e.log, entry)
	e.pendingLog = append(e.pendingLog, entry)
	return entry
}

// DrainEvents returns and clears the events accumulated by commands since the
// last drain. Called by the manager while still holding the epoch lock.
func (e *Epoch) DrainEvents() []Event {
	out := e.pendingEvents
	e.pendingEvents = nil
	return out
}

// DrainLogEntries returns and clears battle-log entries appended since the
// last drain, for the persistence sinks.
func (e *Epoch) DrainLogEntries() []BattleLogEntry {
	out := e.pendingLog
	e.pendingLog = nil
	return out
}

// BattleLog returns up to limit entries with Seq > cursor, oldest first,
// plus the cursor to resume from.
func (e *Epoch) BattleLog(cursor uint64, limit int) ([]BattleLogEntry, uint64) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	var out []BattleLogEntry
	next := cursor
	for _, entry := range e.log {
		if entry.Seq <= cursor {
			continue
		}
		out = append(out, entry)
		next = entry.Seq
		if len(out) >= limit {
			break
		}
	}
	return out, next
}
