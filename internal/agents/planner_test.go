package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/bazaar-engine/pkg/action"
)

func TestPlanner_Sequence(t *testing.T) {
	p := NewPlanner()
	ws := testWorld()

	first := p.Initial()
	assert.Equal(t, "mission_1_greeting", first.ID)
	assert.Equal(t, action.IntentGreet, first.Success.Intent)

	var order []string
	for range 6 {
		m, err := p.Next(context.Background(), ws, nil)
		require.NoError(t, err)
		order = append(order, m.ID)
		ws.CompletedMissions = append(ws.CompletedMissions, m.ID)
	}

	assert.Equal(t, []string{
		"mission_1_greeting",
		"mission_2_transaction",
		"mission_3_negotiate",
		"mission_4_causal",
		"challenge_4",
		"challenge_5",
	}, order)
}

func TestPlanner_SkipsCompletedOutOfOrder(t *testing.T) {
	ws := testWorld()
	ws.CompletedMissions = []string{"mission_1_greeting", "mission_3_negotiate"}

	m, err := NewPlanner().Next(context.Background(), ws, nil)
	require.NoError(t, err)
	assert.Equal(t, "mission_2_transaction", m.ID)
}

func TestPlanner_ReturnsCopies(t *testing.T) {
	p := NewPlanner()

	m := p.Initial()
	m.Attempts = 7
	m.Success.AnyConstruct = append(m.Success.AnyConstruct, "mutated")

	again := p.Initial()
	assert.Zero(t, again.Attempts)
	assert.Empty(t, again.Success.AnyConstruct)
}

func TestPlanner_ChallengeIsOpen(t *testing.T) {
	ws := testWorld()
	ws.CompletedMissions = []string{"mission_1_greeting", "mission_2_transaction", "mission_3_negotiate", "mission_4_causal"}

	m, err := NewPlanner().Next(context.Background(), ws, nil)
	require.NoError(t, err)
	assert.Equal(t, "Free Exploration", m.Title)
	assert.Equal(t, "any", m.GrammarRequirement)
	assert.True(t, m.Success.IsEmpty())
}
