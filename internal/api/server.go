// Package api exposes the bridge over REST/JSON plus the websocket
// notification endpoint.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tachyon-beep/lighthouse-sub001/internal/elicitation"
	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
	"github.com/tachyon-beep/lighthouse-sub001/internal/expert"
	"github.com/tachyon-beep/lighthouse-sub001/internal/flags"
	"github.com/tachyon-beep/lighthouse-sub001/internal/identity"
	"github.com/tachyon-beep/lighthouse-sub001/internal/monitoring"
	"github.com/tachyon-beep/lighthouse-sub001/internal/notify"
)

// Server bundles the HTTP surface over the bridge components.
type Server struct {
	manager     *elicitation.Manager
	coordinator *expert.Coordinator
	store       *eventstore.Store
	registry    *identity.Registry
	flags       *flags.File
	metrics     *monitoring.Metrics
	gateway     *notify.Gateway
	logger      *slog.Logger
}

func NewServer(
	manager *elicitation.Manager,
	coordinator *expert.Coordinator,
	store *eventstore.Store,
	registry *identity.Registry,
	flagFile *flags.File,
	metrics *monitoring.Metrics,
	gateway *notify.Gateway,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:     manager,
		coordinator: coordinator,
		store:       store,
		registry:    registry,
		flags:       flagFile,
		metrics:     metrics,
		gateway:     gateway,
		logger:      logger.With("component", "api"),
	}
}

// Router builds the route table. Agent-facing routes sit behind the token
// middleware; health, metrics, and expert registration do not (registration
// authenticates with its own challenge).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	r.HandleFunc("/api/v1/experts/register", s.handleRegisterExpert).Methods("POST")
	if s.gateway != nil {
		r.Handle("/ws/notifications", s.gateway)
	}

	agent := r.PathPrefix("/api/v1").Subrouter()
	agent.Use(s.agentAuthMiddleware)
	agent.HandleFunc("/elicitations", s.handleCreateElicitation).Methods("POST")
	agent.HandleFunc("/elicitations/pending", s.handlePending).Methods("GET")
	agent.HandleFunc("/elicitations/{id}/respond", s.handleRespond).Methods("POST")
	agent.HandleFunc("/elicitations/{id}/status", s.handleStatus).Methods("GET")
	agent.HandleFunc("/stats", s.handleStats).Methods("GET")
	agent.HandleFunc("/flags", s.handleFlags).Methods("GET")
	agent.HandleFunc("/experts/delegate", s.handleDelegate).Methods("POST")
	agent.HandleFunc("/experts/sessions", s.handleStartSession).Methods("POST")
	agent.HandleFunc("/experts/sessions/{id}", s.handleEndSession).Methods("DELETE")
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(started).Milliseconds())
	})
}

// agentAuthMiddleware verifies the X-Agent-ID / X-Agent-Token pair against
// the identity registry and stashes the agent id in the request context.
func (s *Server) agentAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get("X-Agent-ID")
		token := r.Header.Get("X-Agent-Token")
		if agentID == "" || token == "" {
			writeError(w, http.StatusUnauthorized, "missing agent credentials")
			return
		}
		if err := s.registry.VerifyToken(agentID, token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid agent token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withAgentID(r.Context(), agentID)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
