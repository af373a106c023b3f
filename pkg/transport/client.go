// Package transport is the client side of the bazaar websocket channel. It owns
// session creation, the socket, heartbeats, and a single-shot reconnect timer.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jwebster45206/bazaar-engine/pkg/protocol"
)

const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPongTimeout       = 10 * time.Second

	writeWait      = 5 * time.Second
	dialTimeout    = 15 * time.Second
	outboundBuffer = 64
)

type Config struct {
	BaseURL           string // http(s) base of the API, e.g. http://localhost:8000
	SessionID         string // reuse an existing session; empty creates one
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// afterFunc schedules f and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Client is safe for concurrent use.
type Client struct {
	cfg        Config
	handler    Handler
	logger     *slog.Logger
	dialer     *websocket.Dialer
	httpClient *http.Client
	after      afterFunc

	mu           sync.Mutex
	sessionID    string
	link         *link
	closed       bool
	reconnecting bool
	stopTimer    func() bool
}

// link is one live socket and its goroutines. wg covers the write loop and
// heartbeat; readDone closes when the read loop, which runs the handlers, ends.
type link struct {
	conn        *websocket.Conn
	out         chan outbound
	done        chan struct{}
	readDone    chan struct{}
	closeOnce   sync.Once
	lastSeen    atomic.Int64 // unix nanos of the last inbound frame
	dispatching atomic.Bool
	wg          sync.WaitGroup
}

type outbound struct {
	kind int
	data []byte
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

func NewClient(cfg Config, h Handler) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		cfg:        cfg,
		handler:    h,
		logger:     logger,
		dialer:     &websocket.Dialer{HandshakeTimeout: dialTimeout},
		httpClient: httpClient,
		after:      timeAfterFunc,
		sessionID:  cfg.SessionID,
	}
}

// SessionID returns the id in use, which may be a local fallback id.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Connect creates a session if none is held and opens the socket. A failed
// dial schedules a reconnect and returns a *ConnectionError.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.link != nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID == "" {
		id, err := c.createSession(ctx)
		if err != nil {
			createErr := &SessionCreateError{Err: err}
			c.logger.Warn("Session create failed, using a local session id", "error", err)
			c.handler.transportError(createErr)
			id = "local-" + uuid.NewString()
		}
		sessionID = id
		c.mu.Lock()
		c.sessionID = id
		c.mu.Unlock()
	}

	wsURL, err := websocketURL(c.cfg.BaseURL, sessionID)
	if err != nil {
		return &ConnectionError{URL: c.cfg.BaseURL, Err: err}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		connErr := &ConnectionError{URL: wsURL, Err: err}
		c.logger.Warn("WebSocket dial failed", "url", wsURL, "error", err)
		c.handler.transportError(connErr)
		c.scheduleReconnect()
		return connErr
	}

	l := &link{
		conn: conn,
		out:      make(chan outbound, outboundBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	l.lastSeen.Store(time.Now().UnixNano())

	c.mu.Lock()
	if c.closed || c.link != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.link = l
	c.mu.Unlock()

	l.wg.Add(2)
	go c.readLoop(l)
	go c.writeLoop(l)
	go c.heartbeat(l)

	c.logger.Info("WebSocket connected", "session_id", sessionID)
	c.handler.status(true, sessionID)
	return nil
}

// Send encodes msg and queues it. When the socket is not open the message is
// dropped with a warning; the return value reports whether it was queued.
func (c *Client) Send(msg protocol.ClientMessage) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Warn("Dropping unencodable message", "type", msg.Type(), "error", err)
		return false
	}
	return c.enqueue(outbound{kind: websocket.TextMessage, data: data}, msg.Type())
}

// SendAudio queues one binary PCM16 frame.
func (c *Client) SendAudio(frame []byte) bool {
	return c.enqueue(outbound{kind: websocket.BinaryMessage, data: append([]byte(nil), frame...)}, "audio")
}

func (c *Client) enqueue(o outbound, what string) bool {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		c.logger.Warn("WebSocket not connected, dropping message", "type", what)
		return false
	}
	select {
	case l.out <- o:
		return true
	case <-l.done:
		c.logger.Warn("WebSocket closing, dropping message", "type", what)
		return false
	default:
		c.logger.Warn("Outbound buffer full, dropping message", "type", what)
		return false
	}
}

// Close is an expected close: no reconnect follows, and a pending reconnect is
// cancelled. Once Close returns no further messages are dispatched. Close may
// be called from a Handler callback; it then returns without waiting for the
// callback that is running.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.reconnecting = false
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	l := c.link
	c.link = nil
	sessionID := c.sessionID
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	l.close()
	l.wg.Wait()
	if !l.dispatching.Load() {
		<-l.readDone
	}
	c.handler.status(false, sessionID)
	return nil
}

func (c *Client) readLoop(l *link) {
	defer close(l.readDone)
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			c.disconnected(l, err)
			return
		}
		l.lastSeen.Store(time.Now().UnixNano())
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			c.logger.Warn("Dropping malformed server message", "error", err)
			continue
		}
		l.dispatching.Store(true)
		c.handler.dispatch(msg)
		l.dispatching.Store(false)
	}
}

func (c *Client) writeLoop(l *link) {
	defer l.wg.Done()
	for {
		select {
		case o := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(o.kind, o.data); err != nil {
				c.logger.Warn("WebSocket write failed", "error", err)
				l.close()
				return
			}
		case <-l.done:
			return
		}
	}
}

// heartbeat sends a JSON ping every interval and force-closes the socket if
// nothing arrives within the pong timeout.
func (c *Client) heartbeat(l *link) {
	defer l.wg.Done()
	ping, _ := protocol.Encode(protocol.Ping{})

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-l.done:
			return
		}

		sentAt := time.Now().UnixNano()
		select {
		case l.out <- outbound{kind: websocket.TextMessage, data: ping}:
		case <-l.done:
			return
		}

		select {
		case <-time.After(c.cfg.PongTimeout):
			if l.lastSeen.Load() < sentAt {
				c.logger.Warn("No pong within timeout, closing connection", "timeout", c.cfg.PongTimeout)
				l.close()
				return
			}
		case <-l.done:
			return
		}
	}
}

// disconnected runs once per link when its read loop ends.
func (c *Client) disconnected(l *link, err error) {
	l.close()

	c.mu.Lock()
	if c.link != l {
		// Close already detached it.
		c.mu.Unlock()
		return
	}
	c.link = nil
	sessionID := c.sessionID
	expected := c.closed
	c.mu.Unlock()

	c.handler.status(false, sessionID)
	if expected {
		return
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.handler.transportError(&ConnectionError{URL: c.cfg.BaseURL, Err: err})
	}
	c.logger.Info("WebSocket closed unexpectedly, scheduling reconnect", "session_id", sessionID, "delay", c.cfg.ReconnectDelay)
	c.scheduleReconnect()
}

// scheduleReconnect arms at most one reconnect timer.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnecting {
		return
	}
	c.reconnecting = true
	c.stopTimer = c.after(c.cfg.ReconnectDelay, c.reconnect)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnecting = false
	c.stopTimer = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.Connect(context.Background()); err != nil {
		c.logger.Debug("Reconnect attempt failed", "error", err)
	}
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (c *Client) createSession(ctx context.Context) (string, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/session"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.SessionID == "" {
		return "", errors.New("response has no session_id")
	}
	return out.SessionID, nil
}

func websocketURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("base URL must use http(s) or ws(s), got %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(sessionID)
	return u.String(), nil
}
