package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soyeahso/unisync/internal/apierr"
	"github.com/soyeahso/unisync/internal/domain"
	"github.com/soyeahso/unisync/internal/fallback"
	"github.com/soyeahso/unisync/internal/health"
	"github.com/soyeahso/unisync/internal/store"
	"github.com/soyeahso/unisync/internal/syncer"
	"github.com/soyeahso/unisync/internal/version"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// registerRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/agents", s.requireToken(s.handleListAgents))
	mux.HandleFunc("POST /api/agents", s.requireToken(s.handleCreateAgent))
	mux.HandleFunc("GET /api/agents/{id}", s.requireToken(s.handleGetAgent))
	mux.HandleFunc("PATCH /api/agents/{id}", s.requireToken(s.handleUpdateAgent))
	mux.HandleFunc("POST /api/agents/{id}/invoke", s.requireToken(s.handleInvoke))
	mux.HandleFunc("GET /api/agents/{id}/stream", s.requireToken(s.handleStream))

	mux.HandleFunc("GET /api/events", s.requireToken(s.handleEvents))

	mux.HandleFunc("POST /api/sync", s.requireToken(s.handleSyncBatch))
	mux.HandleFunc("GET /api/sync/health", s.requireToken(s.handleSyncHealth))
	mux.HandleFunc("POST /api/sync/agents/{id}", s.requireToken(s.handleSyncAgent))
	mux.HandleFunc("POST /api/sync/conversations/{id}", s.requireToken(s.handleSyncConversation))

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status   string               `json:"status"` // ok | degraded | error
	Version  string               `json:"version"`
	External health.Snapshot      `json:"external"`
	Sync     *syncer.HealthReport `json:"sync,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// handleHealth reports liveness. It answers 503 only when the local store
// fails; a down external service or sync errors make it degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: version.Version}
	healthy := s.health.IsHealthy(r.Context())
	resp.External = s.health.Snapshot()

	rep, err := s.sync.CheckSyncHealth(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:   "error",
			Version:  version.Version,
			External: resp.External,
			Error:    err.Error(),
		})
		return
	}
	resp.Sync = &rep
	if !healthy || !rep.Healthy {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AgentFilter{UserID: q.Get("userId")}
	if v := q.Get("public"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "public must be true or false")
			return
		}
		filter.IsPublic = &b
	}

	agents, err := s.agents.List(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("listing agents failed")
		writeError(w, http.StatusInternalServerError, "listing agents failed")
		return
	}
	if agents == nil {
		agents = []*domain.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var in domain.AgentInput
	if !decodeBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	a, err := s.agents.Create(r.Context(), in)
	if err != nil {
		s.log.Error().Err(err).Msg("creating agent failed")
		writeError(w, http.StatusInternalServerError, "creating agent failed")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agents.Get(r.Context(), r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var patch domain.AgentPatch
	if !decodeBody(w, r, &patch) {
		return
	}

	a, err := s.agents.Update(r.Context(), r.PathValue("id"), patch)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	case err != nil:
		s.log.Error().Err(err).Str("agent", r.PathValue("id")).Msg("updating agent failed")
		writeError(w, http.StatusInternalServerError, "updating agent failed")
	default:
		writeJSON(w, http.StatusOK, a)
	}
}

// InvokeRequest is the body of an invocation.
type InvokeRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	msg, err := s.agents.Invoke(r.Context(), r.PathValue("id"), req.Message, req.ConversationID)
	switch {
	case errors.Is(err, fallback.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, fallback.ErrNoService):
		writeError(w, http.StatusServiceUnavailable, apierr.FormatForUser(err))
	case err != nil:
		writeError(w, http.StatusInternalServerError, apierr.FormatForUser(err))
	default:
		writeJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	var res syncer.BatchResult
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		res = s.sync.SyncAll(r.Context())
	} else {
		res = s.sync.SyncPendingEntities(r.Context())
	}

	status := http.StatusOK
	if slices.Contains(res.Errors, syncer.ErrSyncInProgress.Error()) {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) handleSyncAgent(w http.ResponseWriter, r *http.Request) {
	dir, err := domain.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, s.sync.SyncEntity(r.Context(), r.PathValue("id"), dir))
}

func (s *Server) handleSyncConversation(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.sync.SyncConversation(r.Context(), r.PathValue("id")))
}

// writeResult answers 409 when the record was already being synced.
func writeResult(w http.ResponseWriter, res syncer.Result) {
	status := http.StatusOK
	if res.Error == syncer.ErrSyncInProgress.Error() {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) handleSyncHealth(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sync.CheckSyncHealth(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("checking sync health failed")
		writeError(w, http.StatusInternalServerError, "checking sync health failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
