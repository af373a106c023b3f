package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/jwebster45206/bazaar-engine/internal/middleware"
	"github.com/jwebster45206/bazaar-engine/internal/session"
)

// RouterConfig collects what the HTTP surface needs. Optional dependencies
// are nil interfaces when their backing store is not configured.
type RouterConfig struct {
	Registry  *session.Registry
	Redis     Pinger
	History   HistoryStore
	Events    Subscriber
	WebSocket WebSocketConfig
	Debug     bool
	Logger    *slog.Logger
}

// HistoryStore is the interaction history as the HTTP layer sees it.
type HistoryStore interface {
	Pinger
	HistoryLister
}

// NewRouter wires every route onto a chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(chimw.Recoverer)

	var historyPinger Pinger
	var historyLister HistoryLister
	if cfg.History != nil {
		historyPinger = cfg.History
		historyLister = cfg.History
	}

	r.Method(http.MethodGet, "/health", NewHealthHandler(cfg.Redis, historyPinger, cfg.Registry, cfg.Logger))

	r.Route("/api", func(api chi.Router) {
		NewSessionHandler(cfg.Registry, cfg.Logger).RegisterRoutes(api)
		NewHistoryHandler(historyLister, cfg.Logger).RegisterRoutes(api)
		NewEventsHandler(cfg.Events, cfg.Logger).RegisterRoutes(api)
		if cfg.Debug {
			NewDebugHandler(cfg.Registry, cfg.Logger).RegisterRoutes(api)
		}
	})

	NewWebSocketHandler(cfg.Registry, cfg.WebSocket, cfg.Logger).RegisterRoutes(r)

	return r
}
