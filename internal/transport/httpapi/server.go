// Package httpapi exposes the epoch engine over REST. Mutating endpoints
// take JSON bodies and return either the affected resource or an ACK
// envelope; errors map to stable protocol codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"crucible/internal/protocol"
	"crucible/internal/sim/engine"
	"crucible/internal/sim/epoch"
	"crucible/internal/sim/tuning"
)

type Server struct {
	mgr *engine.Manager
	log *log.Logger
}

func NewServer(mgr *engine.Manager, logger *log.Logger) *Server {
	return &Server{mgr: mgr, log: logger}
}

// Register installs all /v1 epoch routes on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/epochs", s.handleCreate)
	mux.HandleFunc("GET /v1/epochs", s.handleList)
	mux.HandleFunc("GET /v1/epochs/{id}", s.handleSnapshot)
	mux.HandleFunc("POST /v1/epochs/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /v1/epochs/{id}/leave", s.handleLeave)
	mux.HandleFunc("POST /v1/epochs/{id}/advance", s.handleAdvance)
	mux.HandleFunc("POST /v1/epochs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/epochs/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /v1/epochs/{id}/ready", s.handleReady)
	mux.HandleFunc("GET /v1/epochs/{id}/readiness", s.handleReadiness)
	mux.HandleFunc("POST /v1/epochs/{id}/teams", s.handleCreateTeam)
	mux.HandleFunc("GET /v1/epochs/{id}/teams", s.handleTeams)
	mux.HandleFunc("POST /v1/epochs/{id}/teams/{tid}/join", s.handleJoinTeam)
	mux.HandleFunc("POST /v1/epochs/{id}/teams/leave", s.handleLeaveTeam)
	mux.HandleFunc("POST /v1/epochs/{id}/operatives", s.handleDeploy)
	mux.HandleFunc("GET /v1/epochs/{id}/missions", s.handleMissions)
	mux.HandleFunc("POST /v1/epochs/{id}/operatives/{mid}/recall", s.handleRecall)
	mux.HandleFunc("POST /v1/epochs/{id}/counter-intel", s.handleSweep)
	mux.HandleFunc("GET /v1/epochs/{id}/echoes", s.handleEchoes)
	mux.HandleFunc("GET /v1/epochs/{id}/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /v1/epochs/{id}/battle-log", s.handleBattleLog)
	mux.HandleFunc("POST /v1/epochs/{id}/events", s.handleEvaluateEvent)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (s *Server) writeErr(rw http.ResponseWriter, err error) {
	status, code := errorCode(err)
	if status == http.StatusInternalServerError {
		s.log.Printf("internal error: %v", err)
	}
	writeJSON(rw, status, protocol.AckMsg{OK: false, Code: code, Message: err.Error()})
}

// errorCode maps engine and epoch errors to an HTTP status and a stable
// protocol error code.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrEpochNotFound):
		return http.StatusNotFound, protocol.ErrEpochNotFound
	case errors.Is(err, engine.ErrEpochBusy):
		return http.StatusServiceUnavailable, protocol.ErrEpochBusy
	case errors.Is(err, epoch.ErrNotFound):
		return http.StatusNotFound, protocol.ErrNotFound
	case errors.Is(err, epoch.ErrEpochInactive):
		return http.StatusConflict, protocol.ErrEpochInactive
	case errors.Is(err, epoch.ErrInvalidPhaseTransition):
		return http.StatusConflict, protocol.ErrPhaseTransition
	case errors.Is(err, epoch.ErrInsufficientRP):
		return http.StatusConflict, protocol.ErrInsufficientRP
	case errors.Is(err, epoch.ErrNotReady):
		return http.StatusConflict, protocol.ErrNotReady
	case errors.Is(err, epoch.ErrNotParticipant):
		return http.StatusForbidden, protocol.ErrNotParticipant
	case errors.Is(err, epoch.ErrNotTeamMember):
		return http.StatusForbidden, protocol.ErrNotTeamMember
	case errors.Is(err, epoch.ErrNoPermission):
		return http.StatusForbidden, protocol.ErrNoPermission
	case errors.Is(err, epoch.ErrBadInput):
		return http.StatusBadRequest, protocol.ErrBadRequest
	default:
		return http.StatusInternalServerError, protocol.ErrInternal
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleCreate(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		CreatorID string               `json:"creator_id"`
		Preset    string               `json:"preset,omitempty"`
		Weights   *tuning.ScoreWeights `json:"weights,omitempty"`
		Seed      int64                `json:"seed,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	params := engine.CreateParams{CreatorID: body.CreatorID, Preset: body.Preset, Seed: body.Seed}
	if body.Weights != nil {
		params.Weights = *body.Weights
	}
	snap, err := s.mgr.CreateEpoch(params)
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, snap)
}

func (s *Server) handleList(rw http.ResponseWriter, r *http.Request) {
	type summary struct {
		ID           string `json:"id"`
		Phase        string `json:"phase"`
		Cycle        int    `json:"cycle"`
		Participants int    `json:"participants"`
	}
	out := []summary{}
	for _, id := range s.mgr.EpochIDs() {
		snap, err := s.mgr.Snapshot(r.Context(), id)
		if err != nil {
			continue
		}
		out = append(out, summary{ID: snap.ID, Phase: snap.Phase, Cycle: snap.Cycle, Participants: len(snap.Participants)})
	}
	writeJSON(rw, http.StatusOK, map[string]any{"epochs": out})
}

func (s *Server) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	snap, err := s.mgr.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, snap)
}

type simBody struct {
	SimulationID string `json:"simulation_id"`
}

type actorBody struct {
	ActorID string `json:"actor_id"`
}

func (s *Server) handleJoin(rw http.ResponseWriter, r *http.Request) {
	var body simBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	if err := s.mgr.Join(r.Context(), r.PathValue("id"), body.SimulationID); err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.AckMsg{OK: true})
}

func (s *Server) handleLeave(rw http.ResponseWriter, r *http.Request) {
	var body simBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	if err := s.mgr.Leave(r.Context(), r.PathValue("id"), body.SimulationID); err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.AckMsg{OK: true})
}

func (s *Server) handleAdvance(rw http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	snap, err := s.mgr.AdvancePhase(r.Context(), r.PathValue("id"), body.ActorID)
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, snap)
}

func (s *Server) handleCancel(rw http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	if err := s.mgr.Cancel(r.Context(), r.PathValue("id"), body.ActorID); err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.AckMsg{OK: true})
}

func (s *Server) handleResolve(rw http.ResponseWriter, r *http.Request) {
	var body actorBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	if err := s.mgr.ResolveCycle(r.Context(), r.PathValue("id"), body.ActorID); err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.AckMsg{OK: true})
}

func (s *Server) handleReady(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		SimulationID string `json:"simulation_id"`
		Ready        bool   `json:"ready"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	readiness, err := s.mgr.SetReady(r.Context(), r.PathValue("id"), body.SimulationID, body.Ready)
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, readiness)
}

func (s *Server) handleReadiness(rw http.ResponseWriter, r *http.Request) {
	readiness, err := s.mgr.Readiness(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, readiness)
}

func (s *Server) handleCreateTeam(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		SimulationID string `json:"simulation_id"`
		Name         string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	teamID, err := s.mgr.CreateTeam(r.Context(), r.PathValue("id"), body.SimulationID, body.Name)
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, map[string]string{"team_id": teamID})
}

func (s *Server) handleTeams(rw http.ResponseWriter, r *http.Request) {
	teams, err := s.mgr.Teams(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"teams": teams})
}

func (s *Server) handleJoinTeam(rw http.ResponseWriter, r *http.Request) {
	var body simBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	if err := s.mgr.JoinTeam(r.Context(), r.PathValue("id"), body.SimulationID, r.PathValue("tid")); err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.AckMsg{OK: true})
}

func (s *Server) handleLeaveTeam(rw http.ResponseWriter, r *http.Request) {
	var body simBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	if err := s.mgr.LeaveTeam(r.Context(), r.PathValue("id"), body.SimulationID); err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.AckMsg{OK: true})
}

func (s *Server) handleDeploy(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		Type      string `json:"type"`
		SourceSim string `json:"source_sim"`
		TargetSim string `json:"target_sim,omitempty"`
		TargetRef string `json:"target_ref,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	mission, err := s.mgr.DeployOperative(r.Context(), r.PathValue("id"), epoch.DeployInput{
		Type:      epoch.OperativeType(body.Type),
		SourceSim: body.SourceSim,
		TargetSim: body.TargetSim,
		TargetRef: body.TargetRef,
	})
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, mission)
}

func (s *Server) handleMissions(rw http.ResponseWriter, r *http.Request) {
	missions, err := s.mgr.Missions(r.Context(), r.PathValue("id"), r.URL.Query().Get("simulation_id"))
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"missions": missions})
}

func (s *Server) handleRecall(rw http.ResponseWriter, r *http.Request) {
	var body simBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	if err := s.mgr.RecallOperative(r.Context(), r.PathValue("id"), body.SimulationID, r.PathValue("mid")); err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.AckMsg{OK: true})
}

func (s *Server) handleSweep(rw http.ResponseWriter, r *http.Request) {
	var body simBody
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	flipped, err := s.mgr.CounterIntelSweep(r.Context(), r.PathValue("id"), body.SimulationID)
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]int{"flipped": flipped})
}

func (s *Server) handleEchoes(rw http.ResponseWriter, r *http.Request) {
	echoes, err := s.mgr.Echoes(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"echoes": echoes})
}

func (s *Server) handleLeaderboard(rw http.ResponseWriter, r *http.Request) {
	entries, err := s.mgr.Leaderboard(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"leaderboard": entries})
}

func (s *Server) handleBattleLog(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cursor, _ := strconv.ParseUint(q.Get("cursor"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, next, err := s.mgr.BattleLog(r.Context(), r.PathValue("id"), cursor, limit)
	if err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"entries": entries, "next_cursor": next})
}

func (s *Server) handleEvaluateEvent(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		SimulationID string `json:"simulation_id"`
		EventID      string `json:"event_id"`
		Impact       int    `json:"impact"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.AckMsg{OK: false, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	if err := s.mgr.EvaluateEvent(r.Context(), r.PathValue("id"), body.SimulationID, body.EventID, body.Impact); err != nil {
		s.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.AckMsg{OK: true})
}
