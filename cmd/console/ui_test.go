package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/audio"
	"github.com/jwebster45206/bazaar-engine/pkg/projector"
	"github.com/jwebster45206/bazaar-engine/pkg/protocol"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	connected bool
	sent      []protocol.ClientMessage
	frames    atomic.Int32
}

func (f *fakeConn) Connect(ctx context.Context) error { return nil }
func (f *fakeConn) SessionID() string                 { return "sess-1" }

func (f *fakeConn) Send(msg protocol.ClientMessage) bool {
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeConn) SendAudio(frame []byte) bool {
	f.frames.Add(1)
	return f.connected
}

func newTestUI(conn *fakeConn) ConsoleUI {
	m := NewConsoleUI(&ConsoleConfig{APIBaseURL: "http://localhost:0"}, http.DefaultClient, conn, testLogger())
	model, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return model.(ConsoleUI)
}

func typeAndEnter(t *testing.T, m ConsoleUI, text string) ConsoleUI {
	t.Helper()
	m.textarea.SetValue(text)
	model, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return model.(ConsoleUI)
}

func TestConsoleUI_SendsFinalTranscript(t *testing.T) {
	conn := &fakeConn{connected: true}
	m := newTestUI(conn)

	m = typeAndEnter(t, m, "Good morning, Gregor!")
	require.Len(t, conn.sent, 1)
	assert.Equal(t, protocol.Transcript{Text: "Good morning, Gregor!", IsFinal: true}, conn.sent[0])
	assert.True(t, m.pending)
	assert.Empty(t, m.textarea.Value())

	// Input is held until the server answers.
	m = typeAndEnter(t, m, "hello again")
	assert.Len(t, conn.sent, 1)

	reply := projector.View{
		World:      world.NewBazaar(time.Now()),
		LastAction: &action.ParsedAction{Intent: action.IntentGreet},
		Transcripts: []projector.Entry{
			{Kind: projector.EntryPlayer, Speaker: "player", Text: "Good morning, Gregor!"},
			{Kind: projector.EntryNPC, Speaker: "Gregor the Apple Merchant", Text: "Good morning to you!"},
		},
	}
	model, _ := m.Update(viewMsg{view: reply})
	m = model.(ConsoleUI)
	assert.False(t, m.pending)
	assert.Contains(t, m.chatViewport.View(), "Good morning to you!")
}

func TestConsoleUI_NotConnected(t *testing.T) {
	conn := &fakeConn{}
	m := newTestUI(conn)

	m = typeAndEnter(t, m, "hello")
	assert.False(t, m.pending)
	assert.Equal(t, "hello", m.textarea.Value(), "unsent input is kept")
	require.NotEmpty(t, m.notes)
	assert.Contains(t, m.notes[len(m.notes)-1], "Not connected")
}

func TestConsoleUI_StatusUpdatesMetadata(t *testing.T) {
	m := newTestUI(&fakeConn{connected: true})

	model, _ := m.Update(statusMsg{connected: true, sessionID: "abc123"})
	m = model.(ConsoleUI)
	assert.True(t, m.connected)
	assert.Equal(t, "abc123", m.sessionID)

	m.pending = true
	model, _ = m.Update(statusMsg{connected: false})
	m = model.(ConsoleUI)
	assert.False(t, m.pending, "a dropped socket will not answer")
	assert.Equal(t, "abc123", m.sessionID)
}

func TestConsoleUI_Commands(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect string
	}{
		{name: "help", input: "/help", expect: "/history"},
		{name: "unknown", input: "/dance", expect: "Unknown command /dance"},
		{name: "mic without file", input: "/mic", expect: "--audio-file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{connected: true}
			m := typeAndEnter(t, newTestUI(conn), tt.input)
			require.NotEmpty(t, m.notes)
			assert.Contains(t, m.notes[len(m.notes)-1], tt.expect)
			assert.Empty(t, conn.sent, "commands are not sent to the server")
		})
	}
}

func TestConsoleUI_MicStreamsAudioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.wav")
	pcm := make([]byte, audio.FrameBytes*3)
	require.NoError(t, os.WriteFile(path, audio.EncodeWAV(pcm, audio.SampleRate, 1), 0o644))

	conn := &fakeConn{connected: true}
	m := newTestUI(conn)
	m.config.AudioFile = path

	m = typeAndEnter(t, m, "/mic")
	assert.Contains(t, m.notes[len(m.notes)-1], "Microphone on")
	assert.Eventually(t, func() bool { return !m.capture.Running() }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, conn.frames.Load(), int32(3))
}

func TestWriteMetadata(t *testing.T) {
	assert.Contains(t, writeMetadata(nil, false, "", nil), "Waiting for the market")
	assert.Contains(t, writeMetadata(world.NewBazaar(time.Now()), true, "s", nil), "All missions complete!")

	ws := world.NewBazaar(time.Now())
	ws.Player.Inventory["apple"] = 3
	ws.CurrentMission = &world.Mission{Title: "Greet the Merchant", GrammarRequirement: "greeting"}
	out := writeMetadata(ws, true, "0123456789abcdef", nil)
	for _, want := range []string{"Gold: 100", "Reputation: 50%", "apple ×3", "Gregor the Apple Merchant", "0123456789ab...", "Greet the Merchant"} {
		assert.Contains(t, out, want)
	}
}

func TestFormatEntry(t *testing.T) {
	assert.Contains(t, formatEntry(projector.Entry{Kind: projector.EntryPlayer, Text: "hi"}, 40), "You: ")
	assert.Contains(t, formatEntry(projector.Entry{Kind: projector.EntryNPC, Speaker: "Martha", Text: "Fresh bread!"}, 40), "Martha: ")
	assert.Contains(t, formatEntry(projector.Entry{Kind: projector.EntryError, Text: "oops"}, 40), "Error: oops")

	long := strings.Repeat("word ", 30)
	wrapped := formatEntry(projector.Entry{Kind: projector.EntrySystem, Text: long}, 30)
	assert.Greater(t, strings.Count(wrapped, "\n"), 2)
}

func TestClipSaver(t *testing.T) {
	dir := t.TempDir()
	var got []tea.Msg
	saver := newClipSaver(dir, testLogger(), func(msg tea.Msg) { got = append(got, msg) })
	saver.now = func() time.Time { return time.UnixMilli(42) }

	wav := audio.EncodeWAV(make([]byte, audio.SampleRate*2), audio.SampleRate, 1)
	require.NoError(t, saver.Play(wav, "Gregor the Apple Merchant", "friendly"))

	path := filepath.Join(dir, "gregor_the_apple_merchant-friendly-42.wav")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, wav, data)

	require.Len(t, got, 1)
	saved := got[0].(clipSavedMsg)
	assert.Equal(t, path, saved.path)
	assert.Equal(t, time.Second, saved.duration)

	assert.Error(t, saver.Play([]byte("not a wav"), "Martha", "neutral"))
}

type recordingPlayer struct {
	calls []string
	err   error
}

func (r *recordingPlayer) Play(wav []byte, npcName, mood string) error {
	r.calls = append(r.calls, npcName+"/"+mood)
	return r.err
}

func TestPlayers_FanOut(t *testing.T) {
	first := &recordingPlayer{err: errors.New("disk full")}
	second := &recordingPlayer{}

	err := players{first, second}.Play([]byte("clip"), "Martha the Baker", "neutral")
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, []string{"Martha the Baker/neutral"}, first.calls)
	assert.Equal(t, []string{"Martha the Baker/neutral"}, second.calls, "a failing output does not starve the next")

	assert.NoError(t, players{second}.Play([]byte("clip"), "Boris", "angry"))
}

func TestGetHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/session/s-1/history" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "Interaction history is not enabled"})
			return
		}
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(HistoryResponse{
			SessionID: "s-1",
			Interactions: []Interaction{
				{Transcript: "Give me bread", Intent: action.IntentBuyItem, Turn: 2, Feedback: []string{"Try adding please"}},
				{Transcript: "Hello", Intent: action.IntentGreet, Passed: true, Turn: 1, NPCDialogue: "Welcome!"},
			},
		})
	}))
	defer srv.Close()

	h, err := getHistory(context.Background(), srv.Client(), srv.URL, "s-1", 5)
	require.NoError(t, err)
	require.Len(t, h.Interactions, 2)

	out := formatHistory(h)
	assert.Less(t, strings.Index(out, "Hello"), strings.Index(out, "Give me bread"), "oldest first")
	assert.Contains(t, out, "rejected")
	assert.Contains(t, out, "> Welcome!")

	_, err = getHistory(context.Background(), srv.Client(), srv.URL, "other", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Interaction history is not enabled")

	assert.Equal(t, "No interactions recorded.\n", formatHistory(&HistoryResponse{}))
}
