package agents

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/bazaar-engine/internal/pipeline"
	"github.com/jwebster45206/bazaar-engine/pkg/action"
)

const missionReply = `{"mission":{"id":"mission_5_thanks","title":"Say Thank You","description":"Thank the baker after buying bread.","grammar_requirement":"thank you","success_condition":"Gratitude expressed","success":{"intent":"buy_item","any_construct":["thank_you"]}}}`

func TestLLMPlanner_Next(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"wrapped", missionReply},
		{"fenced", "```json\n" + missionReply + "\n```"},
		{"bare mission", `{"id":"mission_5_thanks","title":"Say Thank You","success":{"intent":"buy_item","any_construct":["thank_you"]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewLLMPlanner(&fakeChatModel{reply: tt.reply}, testLogger())
			ws := testWorld()
			ws.CompletedMissions = []string{"mission_1_greeting"}

			m, err := p.Next(context.Background(), ws, nil)
			require.NoError(t, err)
			assert.Equal(t, "mission_5_thanks", m.ID)
			assert.Equal(t, "Say Thank You", m.Title)
			assert.Equal(t, action.IntentBuyItem, m.Success.Intent)
			assert.Equal(t, []string{action.ConstructThankYou}, m.Success.AnyConstruct)
		})
	}
}

func TestLLMPlanner_PromptCarriesRecentActions(t *testing.T) {
	fake := &fakeChatModel{reply: missionReply}
	p := NewLLMPlanner(fake, testLogger())
	ws := testWorld()
	ws.CompletedMissions = []string{"mission_1_greeting", "mission_2_transaction"}

	var history []pipeline.ActionRecord
	for i := range 15 {
		history = append(history, pipeline.ActionRecord{
			Intent:     action.IntentAskInfo,
			Transcript: fmt.Sprintf("question %d", i),
			Success:    i%2 == 0,
			Feedback:   []string{fmt.Sprintf("note %d", i)},
		})
	}

	_, err := p.Next(context.Background(), ws, history)
	require.NoError(t, err)
	require.Len(t, fake.received, 2)

	prompt := fake.received[1].Content
	assert.Contains(t, prompt, "mission_1_greeting, mission_2_transaction")
	assert.Contains(t, prompt, "World time: morning")
	assert.Contains(t, prompt, "Player gold: 100")
	assert.Contains(t, prompt, "note 14")
	assert.Contains(t, prompt, "note 5")
	assert.NotContains(t, prompt, "note 4\n")
}

func TestLLMPlanner_FallsBackToCurriculum(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeChatModel
	}{
		{"model error", &fakeChatModel{err: errors.New("upstream unavailable")}},
		{"not json", &fakeChatModel{reply: "Let me think about that."}},
		{"broken json", &fakeChatModel{reply: `{"mission": {"id": }`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := testWorld()
			ws.CompletedMissions = []string{"mission_1_greeting"}

			m, err := NewLLMPlanner(tt.fake, testLogger()).Next(context.Background(), ws, nil)
			require.NoError(t, err)
			assert.Equal(t, "mission_2_transaction", m.ID)
		})
	}
}

func TestLLMPlanner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewLLMPlanner(&fakeChatModel{err: context.Canceled}, testLogger())
	_, err := p.Next(ctx, testWorld(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLLMPlanner_SettlesMission(t *testing.T) {
	reply := `{"mission":{"id":"mission_1_greeting","is_complete":true,"attempts":4,"success":{"intent":"dance","any_intent":["greet","juggle"],"politeness":"grumpy"}}}`
	ws := testWorld()
	ws.CompletedMissions = []string{"mission_1_greeting", "mission_2_transaction"}

	m, err := NewLLMPlanner(&fakeChatModel{reply: reply}, testLogger()).Next(context.Background(), ws, nil)
	require.NoError(t, err)

	assert.Equal(t, "mission_3", m.ID)
	assert.Equal(t, "New Mission", m.Title)
	assert.Equal(t, "any", m.GrammarRequirement)
	assert.False(t, m.IsComplete)
	assert.Zero(t, m.Attempts)
	assert.Empty(t, m.Success.Intent)
	assert.Equal(t, []action.Intent{action.IntentGreet}, m.Success.AnyIntent)
	assert.Empty(t, m.Success.Politeness)
}

func TestLLMPlanner_InitialIsCurriculum(t *testing.T) {
	p := NewLLMPlanner(&fakeChatModel{}, testLogger())
	assert.Equal(t, NewPlanner().Initial(), p.Initial())
}
