package protocol

// HELLO (subscriber -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	EpochID         string            `json:"epoch_id"`
	SimulationID    string            `json:"simulation_id,omitempty"`
	Capabilities    HelloCapabilities `json:"capabilities,omitempty"`
	Auth            *HelloAuth        `json:"auth,omitempty"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> subscriber)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EpochID         string `json:"epoch_id"`
	Phase           string `json:"phase"`
	Cycle           int    `json:"cycle"`
	Participants    int    `json:"participants"`
}

// EVENT (server -> subscriber): one domain event.
type EventMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Kind            string         `json:"kind"`
	EpochID         string         `json:"epoch_id"`
	Cycle           int            `json:"cycle"`
	Seq             uint64         `json:"seq"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// AckMsg is the REST error/success envelope and the ws command ack.
type AckMsg struct {
	Type    string `json:"type,omitempty"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
