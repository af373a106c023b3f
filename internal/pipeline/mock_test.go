package pipeline

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jwebster45206/bazaar-engine/internal/worldstore"
	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/conditionals"
	"github.com/jwebster45206/bazaar-engine/pkg/protocol"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockInterpreter records utterances and delegates to InterpretFunc.
type mockInterpreter struct {
	mu            sync.Mutex
	calls         []string
	InterpretFunc func(ctx context.Context, u Utterance, pc Context) (*action.ParsedAction, error)
}

func (m *mockInterpreter) Interpret(ctx context.Context, u Utterance, pc Context) (*action.ParsedAction, error) {
	m.mu.Lock()
	m.calls = append(m.calls, u.Text)
	m.mu.Unlock()
	if m.InterpretFunc != nil {
		return m.InterpretFunc(ctx, u, pc)
	}
	return buyApples(u.Text), nil
}

func (m *mockInterpreter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type mockVerifier struct {
	VerifyFunc func(ctx context.Context, a *action.ParsedAction, mission *world.Mission) (Verdict, error)
}

func (m *mockVerifier) Verify(ctx context.Context, a *action.ParsedAction, mission *world.Mission) (Verdict, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, a, mission)
	}
	return Verdict{Passed: true, Feedback: []string{"Good attempt!"}, GrammarScore: 0.8, MissionProgress: 0.5}, nil
}

type mockExecutor struct {
	mu          sync.Mutex
	calls       int
	ExecuteFunc func(ctx context.Context, a *action.ParsedAction, ws *world.WorldState) (*world.WorldDiff, error)
}

func (m *mockExecutor) Execute(ctx context.Context, a *action.ParsedAction, ws *world.WorldState) (*world.WorldDiff, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, a, ws)
	}
	return purchaseDiff(5, 3), nil
}

func (m *mockExecutor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockPlanner hands out mission_2_transaction unless NextFunc is set.
type mockPlanner struct {
	NextFunc func(ctx context.Context, ws *world.WorldState, history []ActionRecord) (world.Mission, error)
}

func (mockPlanner) Initial() world.Mission {
	return world.Mission{
		ID:      "mission_1_greeting",
		Title:   "First Contact",
		Success: conditionals.When{Intent: action.IntentGreet},
	}
}

func (m mockPlanner) Next(ctx context.Context, ws *world.WorldState, history []ActionRecord) (world.Mission, error) {
	if m.NextFunc != nil {
		return m.NextFunc(ctx, ws, history)
	}
	return world.Mission{ID: "mission_2_transaction", Title: "The Polite Purchase"}, nil
}

type mockSynth struct {
	SynthesizeFunc func(ctx context.Context, text string, mood world.Mood) ([]byte, error)
}

func (m *mockSynth) Synthesize(ctx context.Context, text string, mood world.Mood) ([]byte, error) {
	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, text, mood)
	}
	return []byte("RIFF"), nil
}

// recordingOutbox keeps every message sent to it.
type recordingOutbox struct {
	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func (o *recordingOutbox) Send(msg protocol.ServerMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
}

func (o *recordingOutbox) Messages() []protocol.ServerMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.ServerMessage(nil), o.msgs...)
}

// Types lists message types, leaving out reasoning.
func (o *recordingOutbox) Types() []string {
	var out []string
	for _, m := range o.Messages() {
		if m.Type() == protocol.TypeReasoning {
			continue
		}
		out = append(out, m.Type())
	}
	return out
}

func buyApples(text string) *action.ParsedAction {
	return &action.ParsedAction{
		Intent: action.IntentBuyItem,
		Entities: action.Entities{
			Item:     action.Ptr("apple"),
			Quantity: action.Ptr(3),
			Target:   action.Ptr("merchant_apple"),
		},
		Grammar: action.GrammarFeatures{
			Tense:      action.TenseConditional,
			Politeness: action.PolitenessPolite,
			Constructs: []string{action.ConstructPlease, action.ConstructWouldLike},
		},
		Confidence:          0.95,
		CanonicalTranscript: text,
	}
}

func purchaseDiff(price, qty int) *world.WorldDiff {
	d := world.NewDiff()
	d.PlayerChanges.Gold = -price * qty
	d.PlayerChanges.InventoryAdd = map[string]int{"apple": qty}
	d.SetNPC("merchant_apple", world.NPCChanges{InventoryRemove: map[string]int{"apple": qty}})
	d.NPCID = "merchant_apple"
	d.NPCDialogue = "Here are your apples."
	return d
}

type harness struct {
	pipeline    *Pipeline
	store       *worldstore.Store
	outbox      *recordingOutbox
	interpreter *mockInterpreter
	verifier    *mockVerifier
	executor    *mockExecutor
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:       worldstore.New(nil, testLogger()),
		outbox:      &recordingOutbox{},
		interpreter: &mockInterpreter{},
		verifier:    &mockVerifier{},
		executor:    &mockExecutor{},
	}

	ws := world.NewBazaar(time.Now())
	m := mockPlanner{}.Initial()
	ws.CurrentMission = &m
	if err := h.store.Init(context.Background(), "s-1", ws); err != nil {
		t.Fatalf("init world: %v", err)
	}

	cfg := Config{
		SessionID:   "s-1",
		QueueDepth:  4,
		Timeout:     2 * time.Second,
		Interpreter: h.interpreter,
		Verifier:    h.verifier,
		Executor:    h.executor,
		Planner:     mockPlanner{},
		Worlds:      h.store,
		Outbox:      h.outbox,
		Logger:      testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(p.Close)
	h.pipeline = p
	return h
}
