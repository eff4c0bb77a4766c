package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tachyon-beep/lighthouse-sub001/internal/elicitation"
)

type contextKey string

const agentIDKey contextKey = "agent_id"

func withAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

func agentIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey).(string)
	return id
}

// ============================================================================
// HEALTH & STATS
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  "lighthouse-bridge",
		"sequence": s.store.CurrentSequence(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	if s.flags == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.flags.All())
}

// ============================================================================
// ELICITATION
// ============================================================================

type createElicitationRequest struct {
	ToAgent     string                 `json:"to_agent"`
	Message     string                 `json:"message"`
	Schema      map[string]interface{} `json:"schema"`
	TimeoutSecs int                    `json:"timeout_secs"`
}

func (s *Server) handleCreateElicitation(w http.ResponseWriter, r *http.Request) {
	var req createElicitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	id, err := s.manager.CreateElicitation(
		r.Context(),
		agentIDFrom(r.Context()),
		req.ToAgent,
		req.Message,
		req.Schema,
		time.Duration(req.TimeoutSecs)*time.Second,
	)
	if err != nil {
		writeElicitationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"elicitation_id": id})
}

type respondRequest struct {
	Type string                 `json:"type"` // accept | decline | cancel
	Data map[string]interface{} `json:"data"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	err := s.manager.RespondToElicitation(r.Context(), elicitation.RespondParams{
		ElicitationID: mux.Vars(r)["id"],
		AgentID:       agentIDFrom(r.Context()),
		Type:          elicitation.ResponseType(req.Type),
		Data:          req.Data,
		SessionToken:  r.Header.Get("X-Session-Token"),
		IP:            r.RemoteAddr,
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		writeElicitationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	views := s.manager.GetPending(agentIDFrom(r.Context()))
	if views == nil {
		views = []elicitation.SafeView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.Status(mux.Vars(r)["id"])
	if err != nil {
		writeElicitationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeElicitationError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch elicitation.KindOf(err) {
	case elicitation.KindInvalidInput, elicitation.KindSchemaViolation:
		status = http.StatusBadRequest
	case elicitation.KindUnauthorized, elicitation.KindUnauthorizedResponse,
		elicitation.KindUnauthorizedCancel, elicitation.KindReplayAttack:
		status = http.StatusForbidden
	case elicitation.KindRateLimited:
		status = http.StatusTooManyRequests
	case elicitation.KindNotFound:
		status = http.StatusNotFound
	case elicitation.KindExpired:
		status = http.StatusGone
	case elicitation.KindShutdown:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(elicitation.KindOf(err)),
	})
}

// ============================================================================
// EXPERT COORDINATION
// ============================================================================

type registerExpertRequest struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
	Challenge    string   `json:"challenge"`
}

func (s *Server) handleRegisterExpert(w http.ResponseWriter, r *http.Request) {
	var req registerExpertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	token, err := s.coordinator.RegisterExpert(req.AgentID, req.Capabilities, req.Challenge)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"auth_token": token})
}

type delegateRequest struct {
	ExpertToken  string                 `json:"expert_token"`
	CommandType  string                 `json:"command_type"`
	CommandData  map[string]interface{} `json:"command_data"`
	RequiredCaps []string               `json:"required_capabilities"`
	TimeoutSecs  int                    `json:"timeout_secs"`
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	id, err := s.coordinator.DelegateCommand(
		req.ExpertToken, req.CommandType, req.CommandData, req.RequiredCaps, req.TimeoutSecs)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"delegation_id": id})
}

type startSessionRequest struct {
	CoordinatorToken string                 `json:"coordinator_token"`
	Participants     []string               `json:"participants"`
	Context          map[string]interface{} `json:"context"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	id, err := s.coordinator.StartCollaborationSession(req.CoordinatorToken, req.Participants, req.Context)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "requested"
	}
	if err := s.coordinator.EndCollaborationSession(mux.Vars(r)["id"], reason); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}
