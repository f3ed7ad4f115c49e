// Package api is the HTTP surface: REST endpoints for session lifecycle and
// health, a websocket command channel, and a devtools passthrough.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/browsertrace/browsertrace/internal/profile"
	"github.com/browsertrace/browsertrace/internal/session"
	"github.com/browsertrace/browsertrace/internal/storage"
	"github.com/browsertrace/browsertrace/pkg/models"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	manager  *session.Manager
	registry *storage.Registry
	profiles *profile.Manager
	log      *zap.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(manager *session.Manager, registry *storage.Registry, profiles *profile.Manager, log *zap.Logger) *Handler {
	return &Handler{
		manager:  manager,
		registry: registry,
		profiles: profiles,
		log:      log,
	}
}

// CreateSession handles POST /v1/sessions. Blocks while the pool is full, so
// the client's own timeout (via request context) bounds the wait.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	s, err := h.manager.CreateSession(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, s.Meta())
}

// GetSession handles GET /v1/sessions/{id}. Closed sessions are served from
// the registry.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if s, err := h.manager.GetSession(id); err == nil {
		writeJSON(w, http.StatusOK, s.Meta())
		return
	}
	stored, err := h.registry.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	stored.Status = models.StatusClosed
	writeJSON(w, http.StatusOK, stored)
}

// ListSessions handles GET /v1/sessions. ?live=true restricts to sessions
// currently holding a pool slot.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("live") == "true" {
		live := h.manager.ListSessions()
		metas := make([]*models.Session, 0, len(live))
		for _, s := range live {
			metas = append(metas, s.Meta())
		}
		writeJSON(w, http.StatusOK, metas)
		return
	}

	sessions, err := h.registry.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// CloseSession handles DELETE /v1/sessions/{id}.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.manager.CloseSession(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetResponsiveness handles GET /v1/sessions/{id}/responsive, the health
// probe answering "does this session look stuck".
func (h *Handler) GetResponsiveness(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if s, err := h.manager.GetSession(id); err == nil {
		writeJSON(w, http.StatusOK, s.Responsiveness())
		return
	}
	stored, err := h.registry.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, models.Responsiveness{CloseDate: stored.CloseDate})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
