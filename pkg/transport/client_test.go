package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/bazaar-engine/pkg/protocol"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTimers records scheduled reconnects without firing them.
type fakeTimers struct {
	mu      sync.Mutex
	pending []func()
	stopped int
}

func (f *fakeTimers) after(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, fn)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stopped++
		return true
	}
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *fakeTimers) fire(i int) {
	f.mu.Lock()
	fn := f.pending[i]
	f.mu.Unlock()
	fn()
}

func TestScheduleReconnect_SingleTimer(t *testing.T) {
	timers := &fakeTimers{}
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", Logger: testLogger()}, Handler{})
	c.after = timers.after

	c.scheduleReconnect()
	c.scheduleReconnect()
	assert.Equal(t, 1, timers.count(), "a second close before the timer fires must not schedule another")

	// Close cancels the pending timer and blocks further scheduling.
	require.NoError(t, c.Close())
	assert.Equal(t, 1, timers.stopped)
	c.scheduleReconnect()
	assert.Equal(t, 1, timers.count())
}

func TestScheduleReconnect_RearmsAfterFiring(t *testing.T) {
	timers := &fakeTimers{}
	var connErrs int
	var mu sync.Mutex
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", SessionID: "s1", Logger: testLogger()}, Handler{
		OnTransportError: func(err error) {
			var ce *ConnectionError
			if errors.As(err, &ce) {
				mu.Lock()
				connErrs++
				mu.Unlock()
			}
		},
	})
	c.after = timers.after

	c.scheduleReconnect()
	require.Equal(t, 1, timers.count())

	// The dial fails (nothing listens on port 1), which schedules exactly one more timer.
	timers.fire(0)
	assert.Equal(t, 2, timers.count())
	mu.Lock()
	assert.Equal(t, 1, connErrs)
	mu.Unlock()
	assert.False(t, c.IsConnected())
}

func TestSend_NotConnectedIsDropped(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", Logger: testLogger()}, Handler{})
	assert.False(t, c.Send(protocol.Transcript{Text: "hello", IsFinal: true}))
	assert.False(t, c.SendAudio(make([]byte, 3200)))
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base     string
		expected string
		wantErr  bool
	}{
		{base: "http://localhost:8000", expected: "ws://localhost:8000/ws/abc"},
		{base: "https://bazaar.example/", expected: "wss://bazaar.example/ws/abc"},
		{base: "ws://localhost:8000/prefix", expected: "ws://localhost:8000/prefix/ws/abc"},
		{base: "ftp://nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := websocketURL(tt.base, "abc")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

// echoServer creates sessions, sends a world_state on attach, answers pings,
// and echoes transcripts.
func echoServer(t *testing.T, sessionCreateStatus int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		if sessionCreateStatus != http.StatusCreated {
			w.WriteHeader(sessionCreateStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "server-session"})
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		data, _ := protocol.Encode(protocol.WorldState{State: world.NewBazaar(time.Now())})
		_ = conn.WriteMessage(websocket.TextMessage, data)

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			msg, err := protocol.DecodeClientMessage(data)
			if err != nil {
				continue
			}
			var reply protocol.ServerMessage
			switch m := msg.(type) {
			case protocol.Ping:
				reply = protocol.Pong{}
			case protocol.Transcript:
				reply = m
			default:
				continue
			}
			out, _ := protocol.Encode(reply)
			_ = conn.WriteMessage(websocket.TextMessage, out)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_RoundTrip(t *testing.T) {
	srv := echoServer(t, http.StatusCreated)

	worldStates := make(chan protocol.WorldState, 1)
	echoes := make(chan protocol.Transcript, 1)
	c := NewClient(Config{BaseURL: srv.URL, Logger: testLogger()}, Handler{
		OnWorldState: func(m protocol.WorldState) { worldStates <- m },
		OnTranscript: func(m protocol.Transcript) { echoes <- m },
	})
	timers := &fakeTimers{}
	c.after = timers.after

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	assert.True(t, c.IsConnected())
	assert.Equal(t, "server-session", c.SessionID())

	select {
	case ws := <-worldStates:
		assert.Len(t, ws.State.NPCs, 4)
	case <-time.After(2 * time.Second):
		t.Fatal("no world_state received")
	}

	require.True(t, c.Send(protocol.Transcript{Text: "hello there", IsFinal: true}))
	select {
	case echo := <-echoes:
		assert.Equal(t, "hello there", echo.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript echo received")
	}

	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
	assert.Equal(t, 0, timers.count(), "an expected close must not reconnect")
}

func TestClient_CloseFromHandler(t *testing.T) {
	srv := echoServer(t, http.StatusCreated)

	closed := make(chan error, 1)
	var c *Client
	c = NewClient(Config{BaseURL: srv.URL, Logger: testLogger()}, Handler{
		OnWorldState: func(protocol.WorldState) { closed <- c.Close() },
	})
	timers := &fakeTimers{}
	c.after = timers.after

	require.NoError(t, c.Connect(context.Background()))

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close called from a handler did not return")
	}
	assert.False(t, c.IsConnected())
	assert.Equal(t, 0, timers.count())
}

func TestClient_SessionCreateFallsBackToLocalID(t *testing.T) {
	srv := echoServer(t, http.StatusInternalServerError)

	var createErr *SessionCreateError
	var mu sync.Mutex
	c := NewClient(Config{BaseURL: srv.URL, Logger: testLogger()}, Handler{
		OnTransportError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			errors.As(err, &createErr)
		},
	})
	c.after = (&fakeTimers{}).after

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	assert.True(t, strings.HasPrefix(c.SessionID(), "local-"))
	mu.Lock()
	assert.NotNil(t, createErr)
	mu.Unlock()
	assert.True(t, c.IsConnected())
}

func TestClient_MissedPongForcesReconnect(t *testing.T) {
	// A server that reads but never replies.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	disconnected := make(chan struct{}, 1)
	timers := &fakeTimers{}
	c := NewClient(Config{
		BaseURL:           srv.URL,
		SessionID:         "quiet",
		HeartbeatInterval: 20 * time.Millisecond,
		PongTimeout:       20 * time.Millisecond,
		Logger:            testLogger(),
	}, Handler{
		OnStatus: func(connected bool, _ string) {
			if !connected {
				select {
				case disconnected <- struct{}{}:
				default:
				}
			}
		},
	})
	c.after = timers.after

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("missed pong did not close the connection")
	}
	assert.Eventually(t, func() bool { return timers.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, c.IsConnected())
}
