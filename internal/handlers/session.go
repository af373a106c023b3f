package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jwebster45206/bazaar-engine/internal/session"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

// SessionResponse describes one session over REST.
type SessionResponse struct {
	SessionID  string            `json:"session_id"`
	State      session.State     `json:"state,omitempty"`
	WorldState *world.WorldState `json:"world_state"`
	Mission    *world.Mission    `json:"mission"`
}

type DeleteResponse struct {
	Status string `json:"status"`
}

// SessionHandler serves session lifecycle requests.
type SessionHandler struct {
	registry *session.Registry
	logger   *slog.Logger
}

func NewSessionHandler(registry *session.Registry, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		logger:   logger,
	}
}

// RegisterRoutes mounts:
//
//	POST   /session       create a session
//	GET    /session/{id}  read a session
//	DELETE /session/{id}  delete a session
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreate)
	r.Get("/session/{sessionID}", h.handleGet)
	r.Delete("/session/{sessionID}", h.handleDelete)
}

func (h *SessionHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Create(r.Context())
	if err != nil {
		h.logger.Error("Failed to create session", "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "Failed to create session")
		return
	}

	ws, err := s.World()
	if err != nil {
		h.logger.Error("New session has no world", "session_id", s.ID(), "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "Failed to create session")
		return
	}

	writeJSON(w, h.logger, http.StatusCreated, SessionResponse{
		SessionID:  s.ID(),
		WorldState: ws,
		Mission:    ws.CurrentMission,
	})
}

func (h *SessionHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	s, err := h.registry.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, h.logger, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load session", "session_id", id, "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "Failed to load session")
		return
	}

	ws, err := s.World()
	if err != nil {
		// Deleted between Get and World.
		writeError(w, h.logger, http.StatusNotFound, "Session not found")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, SessionResponse{
		SessionID:  s.ID(),
		State:      s.State(),
		WorldState: ws,
		Mission:    ws.CurrentMission,
	})
}

func (h *SessionHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	err := h.registry.Delete(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, h.logger, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		// Snapshot lookup failed; the session may or may not exist.
		h.logger.Warn("Session delete could not reach storage", "session_id", id, "error", err)
		writeError(w, h.logger, http.StatusServiceUnavailable, "Session storage unavailable")
		return
	}

	writeJSON(w, h.logger, http.StatusOK, DeleteResponse{Status: "deleted"})
}
