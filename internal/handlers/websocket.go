package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jwebster45206/bazaar-engine/internal/logger"
	"github.com/jwebster45206/bazaar-engine/internal/pipeline"
	"github.com/jwebster45206/bazaar-engine/internal/session"
	"github.com/jwebster45206/bazaar-engine/pkg/protocol"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 60 * time.Second

	writeWait      = 5 * time.Second
	maxFrameBytes  = 1 << 20
	outboundBuffer = 64
)

const audioUnavailable = "Audio transcription is not available on this server; send transcript messages instead"

type WebSocketConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	// AllowedOrigins limits browser origins. Empty allows any origin.
	AllowedOrigins []string
}

// WebSocketHandler serves the session transport at /ws/{sessionID}.
type WebSocketHandler struct {
	registry *session.Registry
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewWebSocketHandler(registry *session.Registry, cfg WebSocketConfig, logger *slog.Logger) *WebSocketHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	h := &WebSocketHandler{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Not a browser.
		return true
	}
	if slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin) {
		return true
	}
	if u, err := url.Parse(origin); err == nil && slices.Contains(h.cfg.AllowedOrigins, u.Host) {
		return true
	}
	h.logger.Warn("Rejected websocket origin", "origin", origin)
	return false
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, h.logger, http.StatusBadRequest, "sessionID is required")
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, h.logger, http.StatusForbidden, "Origin not allowed")
		return
	}

	s, err := h.registry.Attach(r.Context(), sessionID)
	switch {
	case errors.Is(err, session.ErrRetired):
		writeError(w, h.logger, http.StatusGone, "Session has been deleted")
		return
	case err != nil:
		logger.WithError(logger.WithSession(h.logger, sessionID), err).Error("Failed to attach session")
		writeError(w, h.logger, http.StatusInternalServerError, "Failed to open session")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	log := logger.WithSession(h.logger, sessionID)
	wc := newWSConn(conn, log)
	go wc.writeLoop(h.cfg.PingInterval)

	if err := s.AttachConn(wc); err != nil {
		log.Info("Session closed before attach", "error", err)
		wc.Close("session closed")
		return
	}
	defer func() {
		s.DetachConn(wc)
		wc.Close("")
		log.Info("Websocket disconnected")
	}()

	log.Info("Websocket connected", "remote_addr", r.RemoteAddr)
	h.readLoop(s, wc, log)
}

// readLoop handles inbound frames until the connection fails or closes.
func (h *WebSocketHandler) readLoop(s *session.Session, wc *wsConn, log *slog.Logger) {
	conn := wc.conn
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		s.Touch()
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	audioNoticeSent := false
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("Websocket read error", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		s.Touch()

		switch messageType {
		case websocket.BinaryMessage:
			if len(data)%2 != 0 {
				log.Warn("Dropping malformed audio frame", "bytes", len(data))
				continue
			}
			buffered := s.AppendAudio(data)
			log.Debug("Buffered audio frame", "bytes", len(data), "buffered", buffered)
			if !audioNoticeSent {
				audioNoticeSent = true
				wc.Send(protocol.Error{Message: audioUnavailable, Recoverable: true})
			}
		case websocket.TextMessage:
			h.handleText(s, wc, log, data)
		}
	}
}

func (h *WebSocketHandler) handleText(s *session.Session, wc *wsConn, log *slog.Logger, data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		log.Warn("Dropping malformed message", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.Ping:
		wc.Send(protocol.Pong{})
	case protocol.Transcript:
		if strings.TrimSpace(m.Text) == "" {
			return
		}
		wc.Send(m)
		if !m.IsFinal {
			return
		}
		result := s.Pipeline().Submit(pipeline.Utterance{
			Text:       m.Text,
			IsFinal:    true,
			ReceivedAt: time.Now(),
		})
		log.Debug("Transcript submitted", "result", result.String())
		if result == pipeline.Rejected {
			wc.Send(protocol.Error{Message: "Session is closed", Recoverable: false})
		}
	case protocol.UnknownClientMessage:
		log.Debug("Ignoring unknown message type", "type", m.Type())
	}
}

// wsConn is the session.Conn for one websocket. A single writer goroutine owns
// every write to the socket.
type wsConn struct {
	conn   *websocket.Conn
	logger *slog.Logger
	send   chan []byte

	closeOnce   sync.Once
	done        chan struct{}
	closeReason string
}

func newWSConn(conn *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, outboundBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues msg without blocking. A full buffer drops the message.
func (c *wsConn) Send(msg protocol.ServerMessage) {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("Failed to encode server message", "type", msg.Type(), "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("Outbound buffer full, dropping message", "type", msg.Type())
	}
}

// Close asks the writer to send a normal close frame and hang up.
func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.done)
	})
}

func (c *wsConn) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("Websocket ping failed", "error", err)
				return
			}
		case <-c.done:
			c.flush()
			frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason)
			_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is already queued so a close does not swallow it.
func (c *wsConn) flush() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
