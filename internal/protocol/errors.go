package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Epoch routing/state.
	ErrEpochNotFound = "E_EPOCH_NOT_FOUND"
	ErrEpochInactive = "E_EPOCH_INACTIVE"
	ErrEpochBusy     = "E_EPOCH_BUSY"

	// Command layer.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrPhaseTransition = "E_PHASE_TRANSITION"
	ErrInsufficientRP  = "E_INSUFFICIENT_RP"
	ErrNotParticipant  = "E_NOT_PARTICIPANT"
	ErrNotTeamMember   = "E_NOT_TEAM_MEMBER"
	ErrNotReady        = "E_NOT_READY"
	ErrNotFound        = "E_NOT_FOUND"
	ErrConflict        = "E_CONFLICT"
	ErrNoPermission    = "E_NO_PERMISSION"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrEpochNotFound:   {},
	ErrEpochInactive:   {},
	ErrEpochBusy:       {},
	ErrBadRequest:      {},
	ErrPhaseTransition: {},
	ErrInsufficientRP:  {},
	ErrNotParticipant:  {},
	ErrNotTeamMember:   {},
	ErrNotReady:        {},
	ErrNotFound:        {},
	ErrConflict:        {},
	ErrNoPermission:    {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
