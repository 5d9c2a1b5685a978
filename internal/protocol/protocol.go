package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeEvent   = "EVENT"
	TypeAck     = "ACK"
)

// Domain event kinds pushed to subscribers.
const (
	EventPhaseChange       = "phase_change"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventMissionResolved   = "mission_resolved"
	EventEchoCompleted     = "echo_completed"
	EventScoreUpdated      = "score_updated"
	EventReadyChanged      = "ready_changed"
	EventTeamEvent         = "team_event"
	EventCounterIntel      = "counter_intel"
	EventBattleLog         = "battle_log"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
