package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jwebster45206/bazaar-engine/internal/storage"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// HistoryLister reads recorded interactions, newest first.
type HistoryLister interface {
	List(ctx context.Context, sessionID string, limit int) ([]storage.Interaction, error)
}

type HistoryResponse struct {
	SessionID    string                `json:"session_id"`
	Interactions []storage.Interaction `json:"interactions"`
}

type HistoryHandler struct {
	store  HistoryLister // nil when history is disabled
	logger *slog.Logger
}

func NewHistoryHandler(store HistoryLister, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		store:  store,
		logger: logger,
	}
}

// RegisterRoutes mounts GET /session/{id}/history?limit=N.
func (h *HistoryHandler) RegisterRoutes(r chi.Router) {
	r.Get("/session/{sessionID}/history", h.handleList)
}

func (h *HistoryHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, h.logger, http.StatusServiceUnavailable, "Interaction history is disabled")
		return
	}

	id := chi.URLParam(r, "sessionID")
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, h.logger, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	items, err := h.store.List(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("Failed to list interactions", "session_id", id, "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "Failed to load history")
		return
	}
	if items == nil {
		items = []storage.Interaction{}
	}

	writeJSON(w, h.logger, http.StatusOK, HistoryResponse{
		SessionID:    id,
		Interactions: items,
	})
}
