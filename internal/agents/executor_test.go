package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

func buyAction(item string, quantity int, target string, politeness action.Politeness) *action.ParsedAction {
	return &action.ParsedAction{
		Intent: action.IntentBuyItem,
		Entities: action.Entities{
			Item:     action.Ptr(item),
			Quantity: action.Ptr(quantity),
			Target:   action.Ptr(target),
		},
		Grammar:             action.GrammarFeatures{Tense: action.TensePresent, Politeness: politeness, Constructs: []string{}},
		Confidence:          0.95,
		CanonicalTranscript: "I would like some " + item,
	}
}

// applies checks that the diff is accepted by the world store's rules.
func applies(t *testing.T, ws *world.WorldState, d *world.WorldDiff) *world.WorldState {
	t.Helper()
	next, err := world.ApplyCopy(ws, d, time.Now())
	require.NoError(t, err)
	return next
}

func TestExecutor_PolitePurchase(t *testing.T) {
	ws := testWorld()

	d, err := NewExecutor().Execute(context.Background(), buyAction("apple", 3, "merchant_apple", action.PolitenessPolite), ws)
	require.NoError(t, err)

	assert.Equal(t, -15, d.PlayerChanges.Gold)
	assert.Equal(t, map[string]int{"apple": 3}, d.PlayerChanges.InventoryAdd)
	assert.Equal(t, politeReputation, d.PlayerChanges.Reputation)
	assert.Equal(t, map[string]int{"apple": 3}, d.NPCChanges["merchant_apple"].InventoryRemove)
	assert.Equal(t, "Of course! Here you go. Thank you for your business!", d.NPCDialogue)
	assert.Equal(t, "merchant_apple", d.NPCID)
	assert.Equal(t, "Purchased 3 apple for 15 gold", d.WorldEvent)
	assert.Equal(t, []string{
		"Player: I would like some apple",
		"Gregor the Apple Merchant: Of course! Here you go. Thank you for your business!",
	}, d.NPCChanges["merchant_apple"].Dialogue)
	assert.Empty(t, d.WorldTime)

	next := applies(t, ws, d)
	assert.Equal(t, 85, next.Player.Gold)
	assert.Equal(t, 47, next.NPC("merchant_apple").Inventory["apple"])
	assert.Equal(t, 100, ws.Player.Gold, "input world must not change")
}

func TestExecutor_RudePurchaseDemotesMood(t *testing.T) {
	ws := testWorld()

	d, err := NewExecutor().Execute(context.Background(), buyAction("bread", 1, "merchant_bread", action.PolitenessRude), ws)
	require.NoError(t, err)

	c := d.NPCChanges["merchant_bread"]
	assert.Equal(t, world.MoodAnnoyed, c.Mood)
	require.NotNil(t, c.Patience)
	assert.Equal(t, 0.6, *c.Patience)
	assert.Equal(t, rudeReputation, d.PlayerChanges.Reputation)
	assert.Equal(t, "How rude. That's 8 gold, take it or leave it.", d.NPCDialogue)

	next := applies(t, ws, d)
	assert.Equal(t, world.MoodAnnoyed, next.NPC("merchant_bread").Mood)
}

func TestExecutor_NeutralPurchaseCostsPatience(t *testing.T) {
	ws := testWorld()

	d, err := NewExecutor().Execute(context.Background(), buyAction("apple", 2, "merchant_apple", action.PolitenessNeutral), ws)
	require.NoError(t, err)

	assert.Equal(t, "Hmm, a simple 'please' would be nice, but here you go.", d.NPCDialogue)
	c := d.NPCChanges["merchant_apple"]
	assert.Equal(t, world.MoodNeutral, c.Mood)
	require.NotNil(t, c.Patience)
	assert.Equal(t, 0.8, *c.Patience)
	assert.Zero(t, d.PlayerChanges.Reputation, "only rude speech costs reputation")

	next := applies(t, ws, d)
	assert.Equal(t, 90, next.Player.Gold)
	assert.Equal(t, world.MoodNeutral, next.NPC("merchant_apple").Mood)
}

func TestExecutor_PurchaseFailures(t *testing.T) {
	tests := []struct {
		name     string
		action   *action.ParsedAction
		dialogue string
	}{
		{"not enough gold", buyAction("sword", 2, "merchant_apple", action.PolitenessPolite), lineInsufficientGold},
		{"out of stock", buyAction("apple", 51, "merchant_apple", action.PolitenessPolite), lineItemNotFound},
		{"unpriced item", buyAction("dragon", 1, "merchant_apple", action.PolitenessPolite), lineItemNotFound},
		{"no item", &action.ParsedAction{Intent: action.IntentBuyItem}, lineWhatToBuy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewExecutor().Execute(context.Background(), tt.action, testWorld())
			require.NoError(t, err)

			assert.Equal(t, tt.dialogue, d.NPCDialogue)
			assert.Zero(t, d.PlayerChanges.Gold)
			assert.Empty(t, d.PlayerChanges.InventoryAdd)
			assert.Empty(t, d.WorldEvent)
		})
	}
}

func TestExecutor_DiscountIsConsumed(t *testing.T) {
	ws := testWorld()
	ws.NPC("merchant_apple").Discount = 0.2

	d, err := NewExecutor().Execute(context.Background(), buyAction("apple", 10, "merchant_apple", action.PolitenessPolite), ws)
	require.NoError(t, err)

	assert.Equal(t, -40, d.PlayerChanges.Gold)
	require.NotNil(t, d.NPCChanges["merchant_apple"].Discount)
	assert.Zero(t, *d.NPCChanges["merchant_apple"].Discount)

	next := applies(t, ws, d)
	assert.Zero(t, next.NPC("merchant_apple").Discount)
}

func TestExecutor_Negotiate(t *testing.T) {
	negotiate := func(target string, constructs ...string) *action.ParsedAction {
		return &action.ParsedAction{
			Intent:   action.IntentNegotiate,
			Entities: action.Entities{Target: action.Ptr(target)},
			Grammar: action.GrammarFeatures{
				Tense:      action.TenseConditional,
				Politeness: action.PolitenessNeutral,
				Constructs: constructs,
			},
			Confidence: 0.95,
		}
	}

	t.Run("friendly merchant accepts a conditional offer", func(t *testing.T) {
		ws := testWorld()
		d, err := NewExecutor().Execute(context.Background(), negotiate("merchant_apple", action.ConstructIf, action.ConstructWould), ws)
		require.NoError(t, err)

		require.NotNil(t, d.NPCChanges["merchant_apple"].Discount)
		assert.Equal(t, negotiatedDiscount, *d.NPCChanges["merchant_apple"].Discount)
		assert.Equal(t, "You drive a hard bargain! Fine, discounted gold for you.", d.NPCDialogue)
		assert.Equal(t, "Negotiation successful! 20% discount applied to next purchase.", d.WorldEvent)
		assert.Zero(t, d.PlayerChanges.Reputation)

		next := applies(t, ws, d)
		assert.Equal(t, negotiatedDiscount, next.NPC("merchant_apple").Discount)
	})

	t.Run("impatient merchant refuses", func(t *testing.T) {
		ws := testWorld()
		d, err := NewExecutor().Execute(context.Background(), negotiate("merchant_meat"), ws)
		require.NoError(t, err)

		c := d.NPCChanges["merchant_meat"]
		assert.Nil(t, c.Discount)
		require.NotNil(t, c.Patience)
		assert.Equal(t, 0.5, *c.Patience)
		assert.Equal(t, "No deal. My prices are fair.", d.NPCDialogue)
		assert.Equal(t, "Negotiation failed.", d.WorldEvent)
		applies(t, ws, d)
	})
}

func TestExecutor_OtherIntents(t *testing.T) {
	ws := testWorld()
	ex := NewExecutor()

	t.Run("polite greeting", func(t *testing.T) {
		a := &action.ParsedAction{
			Intent:   action.IntentGreet,
			Entities: action.Entities{Target: action.Ptr("merchant_bread")},
			Grammar:  action.GrammarFeatures{Politeness: action.PolitenessPolite},
		}
		d, err := ex.Execute(context.Background(), a, ws)
		require.NoError(t, err)

		assert.Equal(t, world.MoodFriendly, d.NPCChanges["merchant_bread"].Mood)
		assert.Equal(t, 1.0, *d.NPCChanges["merchant_bread"].Patience)
		assert.Equal(t, "Welcome to my stall, traveler! How may I help you today?", d.NPCDialogue)
		assert.Equal(t, politeReputation, d.PlayerChanges.Reputation)
	})

	t.Run("guard has nothing to sell", func(t *testing.T) {
		a := &action.ParsedAction{Intent: action.IntentAskInfo, Entities: action.Entities{Target: action.Ptr("guard_1")}}
		d, err := ex.Execute(context.Background(), a, ws)
		require.NoError(t, err)
		assert.Equal(t, lineGuardInfo, d.NPCDialogue)
		assert.Equal(t, "guard_1", d.NPCID)
	})

	t.Run("price of an item", func(t *testing.T) {
		a := &action.ParsedAction{Intent: action.IntentAskInfo, Entities: action.Entities{Item: action.Ptr("cheese")}}
		d, err := ex.Execute(context.Background(), a, ws)
		require.NoError(t, err)
		assert.Equal(t, "A cheese costs 15 gold. How many would you like?", d.NPCDialogue)
	})

	t.Run("stall inventory", func(t *testing.T) {
		a := &action.ParsedAction{Intent: action.IntentAskInfo, Entities: action.Entities{Target: action.Ptr("merchant_meat")}}
		d, err := ex.Execute(context.Background(), a, ws)
		require.NoError(t, err)
		assert.Equal(t, "I sell the finest goods in the bazaar! We have cheese, fish, meat. What interests you?", d.NPCDialogue)
	})

	t.Run("give without the item", func(t *testing.T) {
		a := &action.ParsedAction{Intent: action.IntentGiveItem, Entities: action.Entities{Item: action.Ptr("apple")}}
		d, err := ex.Execute(context.Background(), a, ws)
		require.NoError(t, err)
		assert.Equal(t, lineNotHeld, d.NPCDialogue)
		assert.Empty(t, d.PlayerChanges.InventoryRemove)
	})

	t.Run("give a held item", func(t *testing.T) {
		gifted := ws.Clone()
		gifted.Player.Inventory["apple"] = 2
		a := &action.ParsedAction{
			Intent:   action.IntentGiveItem,
			Entities: action.Entities{Item: action.Ptr("apple"), Target: action.Ptr("guard_1")},
		}
		d, err := ex.Execute(context.Background(), a, gifted)
		require.NoError(t, err)

		assert.Equal(t, lineThanks, d.NPCDialogue)
		assert.Equal(t, map[string]int{"apple": 1}, d.PlayerChanges.InventoryRemove)
		next := applies(t, gifted, d)
		assert.Equal(t, 1, next.NPC("guard_1").Inventory["apple"])
		assert.Equal(t, world.MoodFriendly, next.NPC("guard_1").Mood)
	})

	t.Run("move to an npc", func(t *testing.T) {
		a := &action.ParsedAction{Intent: action.IntentMove, Entities: action.Entities{Target: action.Ptr("guard_1")}}
		d, err := ex.Execute(context.Background(), a, ws)
		require.NoError(t, err)

		require.NotNil(t, d.PlayerChanges.Position)
		assert.Equal(t, world.Vec3{10, 0, 10}, *d.PlayerChanges.Position)
		assert.Equal(t, "Moving toward Sir Roland", d.WorldEvent)
		assert.Empty(t, d.NPCDialogue)
	})

	t.Run("move without a target", func(t *testing.T) {
		d, err := ex.Execute(context.Background(), &action.ParsedAction{Intent: action.IntentMove}, ws)
		require.NoError(t, err)
		assert.Nil(t, d.PlayerChanges.Position)
		assert.Equal(t, "Where would you like to go?", d.WorldEvent)
	})

	t.Run("unknown", func(t *testing.T) {
		d, err := ex.Execute(context.Background(), action.Unknown("hmm"), ws)
		require.NoError(t, err)
		assert.Equal(t, lineConfused, d.NPCDialogue)
		assert.True(t, d.PlayerChanges.IsEmpty())
	})
}

func TestExecutor_AdvancesWorldTime(t *testing.T) {
	ws := testWorld()
	ws.Turn = TurnsPerPhase - 1

	d, err := NewExecutor().Execute(context.Background(), &action.ParsedAction{Intent: action.IntentInteract}, ws)
	require.NoError(t, err)
	assert.Equal(t, world.TimeAfternoon, d.WorldTime)

	next := applies(t, ws, d)
	assert.Equal(t, world.TimeAfternoon, next.WorldTime)
	assert.Equal(t, TurnsPerPhase, next.Turn)
}
