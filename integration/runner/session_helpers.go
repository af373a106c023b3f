package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jwebster45206/bazaar-engine/pkg/protocol"
	"github.com/jwebster45206/bazaar-engine/pkg/transport"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

const (
	// TurnTimeout is max time to wait for the server to answer a transcript
	TurnTimeout = 30 * time.Second

	inboxSize = 256
)

// SessionResponse is the subset of the session endpoints the runner reads.
type SessionResponse struct {
	SessionID  string            `json:"session_id"`
	WorldState *world.WorldState `json:"world_state"`
}

// CreateSession starts a fresh bazaar via POST /api/session.
func CreateSession(ctx context.Context, client *http.Client, baseURL string) (*SessionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/session", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create session request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("create session returned %d: %s", resp.StatusCode, string(body))
	}

	var created SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("failed to decode created session: %w", err)
	}
	return &created, nil
}

// DeleteSession removes a session. A 404 counts as success.
func DeleteSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/api/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete session returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Turn is the server's answer to one final transcript.
type Turn struct {
	Result protocol.ActionResult
	World  *world.WorldState
}

// Dialogue returns the NPC line spoken this turn, if any.
func (t Turn) Dialogue() string {
	if t.Result.WorldDiff == nil {
		return ""
	}
	return t.Result.WorldDiff.NPCDialogue
}

// Conversation is one websocket attached to a session.
type Conversation struct {
	client *transport.Client
	inbox  chan protocol.ServerMessage
	world  *world.WorldState
}

// Dial connects to sessionID and waits for the initial world_state.
func Dial(ctx context.Context, httpClient *http.Client, baseURL, sessionID string) (*Conversation, error) {
	c := &Conversation{inbox: make(chan protocol.ServerMessage, inboxSize)}
	handler := transport.HandleAll(func(msg protocol.ServerMessage) {
		select {
		case c.inbox <- msg:
		default:
		}
	})
	c.client = transport.NewClient(transport.Config{
		BaseURL:    baseURL,
		SessionID:  sessionID,
		HTTPClient: httpClient,
		Logger:     slog.New(slog.DiscardHandler),
	}, handler)

	if err := c.client.Connect(ctx); err != nil {
		c.client.Close()
		return nil, fmt.Errorf("failed to connect websocket: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, TurnTimeout)
	defer cancel()
	for {
		msg, err := c.next(ctx)
		if err != nil {
			c.client.Close()
			return nil, fmt.Errorf("waiting for initial world_state: %w", err)
		}
		if ws, ok := msg.(protocol.WorldState); ok {
			c.world = ws.State
			return c, nil
		}
	}
}

// World is the latest world state the server sent.
func (c *Conversation) World() *world.WorldState {
	return c.world
}

// Say sends text as a final transcript and waits for the action_result and
// the world_state that follows it.
func (c *Conversation) Say(ctx context.Context, text string) (*Turn, error) {
	if !c.client.Send(protocol.Transcript{Text: text, IsFinal: true}) {
		return nil, errors.New("websocket not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, TurnTimeout)
	defer cancel()

	var turn *Turn
	for {
		msg, err := c.next(ctx)
		if err != nil {
			return nil, fmt.Errorf("timeout waiting for turn: %w", err)
		}
		switch m := msg.(type) {
		case protocol.ActionResult:
			turn = &Turn{Result: m}
		case protocol.WorldState:
			c.world = m.State
			if turn != nil {
				turn.World = m.State
				return turn, nil
			}
		case protocol.Error:
			return nil, fmt.Errorf("server error: %s", m.Message)
		}
	}
}

func (c *Conversation) next(ctx context.Context) (protocol.ServerMessage, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conversation) Close() {
	_ = c.client.Close()
}
