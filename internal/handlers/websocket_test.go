package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/bazaar-engine/internal/session"
	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/protocol"
)

func wsURL(env *testEnv, sessionID string) string {
	return "ws" + strings.TrimPrefix(env.Server.URL, "http") + "/ws/" + sessionID
}

func dial(t *testing.T, env *testEnv, sessionID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(env, sessionID), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// next returns the next server message, skipping reasoning steps.
func next(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, messageType)

		msg, err := protocol.DecodeServerMessage(data)
		require.NoError(t, err)
		if msg.Type() != protocol.TypeReasoning {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// expectPong proves every frame sent before it has been handled.
func expectPong(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, protocol.Ping{})
	assert.Equal(t, protocol.TypePong, next(t, conn).Type())
}

// closeErr reads until the connection fails and returns the close error.
func closeErr(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
			return ce
		}
	}
}

func TestWebSocket_Conversation(t *testing.T) {
	env := newTestEnv(t, false, nil)
	s, err := env.Registry.Create(context.Background())
	require.NoError(t, err)

	conn := dial(t, env, s.ID())

	first, ok := next(t, conn).(protocol.WorldState)
	require.True(t, ok, "world_state comes first")
	assert.Equal(t, 100, first.State.Player.Gold)
	assert.Equal(t, session.StateActive, s.State())

	expectPong(t, conn)

	t.Run("interim transcript is echoed only", func(t *testing.T) {
		send(t, conn, protocol.Transcript{Text: "I would like", IsFinal: false})
		echo, ok := next(t, conn).(protocol.Transcript)
		require.True(t, ok)
		assert.Equal(t, "I would like", echo.Text)
		assert.False(t, echo.IsFinal)
		expectPong(t, conn)
	})

	t.Run("final transcript runs the pipeline", func(t *testing.T) {
		send(t, conn, protocol.Transcript{Text: "I would like to buy 3 apples, please", IsFinal: true})

		echo, ok := next(t, conn).(protocol.Transcript)
		require.True(t, ok)
		assert.True(t, echo.IsFinal)

		result, ok := next(t, conn).(protocol.ActionResult)
		require.True(t, ok)
		assert.True(t, result.ValidationPassed)
		assert.Equal(t, action.IntentBuyItem, result.ParsedAction.Intent)

		state, ok := next(t, conn).(protocol.WorldState)
		require.True(t, ok)
		assert.Equal(t, 85, state.State.Player.Gold)
	})

	t.Run("bad frames keep the connection open", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"text":"no type"}`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
		send(t, conn, protocol.Transcript{Text: "   ", IsFinal: true})
		expectPong(t, conn)
	})

	t.Run("audio frames are buffered", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))

		notice, ok := next(t, conn).(protocol.Error)
		require.True(t, ok, "first audio frame gets a notice")
		assert.True(t, notice.Recoverable)
		assert.Contains(t, notice.Message, "transcript")

		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{5, 6, 7, 8}))
		expectPong(t, conn)
		assert.Equal(t, 8, s.AudioBuffered(), "odd frame dropped")
	})
}

func TestWebSocket_AdoptsClientID(t *testing.T) {
	env := newTestEnv(t, false, nil)

	conn := dial(t, env, "local-1234")
	_, ok := next(t, conn).(protocol.WorldState)
	require.True(t, ok)

	s, err := env.Registry.Get(context.Background(), "local-1234")
	require.NoError(t, err)
	assert.True(t, s.Connected())
}

func TestWebSocket_DeletedSessionIsGone(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()
	s, err := env.Registry.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, env.Registry.Delete(ctx, s.ID()))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env, s.ID()), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestWebSocket_DeleteClosesConnection(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()
	s, err := env.Registry.Create(ctx)
	require.NoError(t, err)

	conn := dial(t, env, s.ID())
	next(t, conn)

	require.NoError(t, env.Registry.Delete(ctx, s.ID()))

	ce := closeErr(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "session deleted", ce.Text)
}

func TestWebSocket_SecondConnectionReplacesFirst(t *testing.T) {
	env := newTestEnv(t, false, nil)
	s, err := env.Registry.Create(context.Background())
	require.NoError(t, err)

	first := dial(t, env, s.ID())
	next(t, first)
	second := dial(t, env, s.ID())
	_, ok := next(t, second).(protocol.WorldState)
	require.True(t, ok)

	ce := closeErr(t, first)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "replaced by a new connection", ce.Text)

	expectPong(t, second)
	assert.True(t, s.Connected())
}

func TestWebSocket_ClosesSilentClient(t *testing.T) {
	env := newTestEnv(t, false, func(c *RouterConfig) {
		c.WebSocket = WebSocketConfig{PingInterval: 20 * time.Millisecond, PongTimeout: 100 * time.Millisecond}
	})
	s, err := env.Registry.Create(context.Background())
	require.NoError(t, err)

	// The client never reads, so it never answers control pings.
	dial(t, env, s.ID())

	assert.Eventually(t, func() bool { return s.State() == session.StateActive && !s.Connected() },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.StateActive, s.State(), "a dropped connection can come back")
}

func TestWebSocket_OriginAllowList(t *testing.T) {
	env := newTestEnv(t, false, func(c *RouterConfig) {
		c.WebSocket.AllowedOrigins = []string{"https://bazaar.example"}
	})

	header := http.Header{"Origin": []string{"https://elsewhere.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env, "local-origin"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_, err = env.Registry.Get(context.Background(), "local-origin")
	assert.ErrorIs(t, err, session.ErrNotFound, "rejected origin adopts nothing")

	header = http.Header{"Origin": []string{"https://bazaar.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(env, "local-origin"), header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()
	_, ok := next(t, conn).(protocol.WorldState)
	assert.True(t, ok)
}
