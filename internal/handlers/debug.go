package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jwebster45206/bazaar-engine/internal/pipeline"
	"github.com/jwebster45206/bazaar-engine/internal/session"
)

type ProcessRequest struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
}

type ProcessErrorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

// DebugHandler runs pipeline passes synchronously. Mounted only when DEBUG is
// set.
type DebugHandler struct {
	registry *session.Registry
	logger   *slog.Logger
}

func NewDebugHandler(registry *session.Registry, logger *slog.Logger) *DebugHandler {
	return &DebugHandler{
		registry: registry,
		logger:   logger,
	}
}

// RegisterRoutes mounts POST /debug/process.
func (h *DebugHandler) RegisterRoutes(r chi.Router) {
	r.Post("/debug/process", h.handleProcess)
}

func (h *DebugHandler) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Transcript) == "" {
		writeError(w, h.logger, http.StatusBadRequest, "session_id and transcript are required")
		return
	}

	s, err := h.registry.Get(r.Context(), req.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, h.logger, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load session", "session_id", req.SessionID, "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "Failed to load session")
		return
	}

	result, err := s.Pipeline().Process(r.Context(), req.Transcript)
	if err != nil {
		var collabErr *pipeline.CollaboratorError
		switch {
		case errors.Is(err, pipeline.ErrClosed):
			writeError(w, h.logger, http.StatusGone, "Session is closed")
		case errors.As(err, &collabErr):
			h.logger.Warn("Debug pass failed", "session_id", req.SessionID, "stage", collabErr.Stage, "error", err)
			writeJSON(w, h.logger, http.StatusBadGateway, ProcessErrorResponse{
				Error: err.Error(),
				Stage: collabErr.Stage,
			})
		default:
			h.logger.Error("Debug pass failed", "session_id", req.SessionID, "error", err)
			writeError(w, h.logger, http.StatusInternalServerError, "Pipeline failed")
		}
		return
	}

	writeJSON(w, h.logger, http.StatusOK, result)
}
