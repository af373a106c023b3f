package agents

import (
	"context"
	"fmt"

	"github.com/jwebster45206/bazaar-engine/internal/pipeline"
	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/conditionals"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

// curriculum is the fixed mission sequence. Once every mission is complete the
// planner hands out open-ended challenges.
var curriculum = []world.Mission{
	{
		ID:                 "mission_1_greeting",
		Title:              "Greet the Merchant",
		Description:        "Approach the apple merchant and greet them politely. Try: 'Good morning! How are you today?'",
		GrammarRequirement: "polite greeting",
		SuccessCondition:   "Polite greeting detected with friendly tone",
		Success: conditionals.When{
			Intent:     action.IntentGreet,
			Politeness: action.PolitenessPolite,
		},
	},
	{
		ID:                 "mission_2_transaction",
		Title:              "Buy Some Apples",
		Description:        "Purchase apples from the merchant. Remember to be polite and specify the quantity. Try: 'I would like to buy three apples, please.'",
		GrammarRequirement: "quantity + politeness (please, would like)",
		SuccessCondition:   "Buy item with polite form and quantity specified",
		Success: conditionals.When{
			Intent:          action.IntentBuyItem,
			Politeness:      action.PolitenessPolite,
			QuantityPresent: action.Ptr(true),
		},
	},
	{
		ID:                 "mission_3_negotiate",
		Title:              "Negotiate a Better Price",
		Description:        "The prices seem high. Try to negotiate a discount using a conditional. Try: 'Would you lower the price if I bought ten?'",
		GrammarRequirement: "conditional clause (if...then, would...if)",
		SuccessCondition:   "Use conditional to negotiate",
		Success: conditionals.When{
			Intent:       action.IntentNegotiate,
			AnyConstruct: action.ConditionalConstructs,
		},
	},
	{
		ID:                 "mission_4_causal",
		Title:              "Explain Your Need",
		Description:        "Tell a merchant why you need something. Try: 'I need two loaves of bread because my family is hungry.'",
		GrammarRequirement: "causal connector (because, since, therefore)",
		SuccessCondition:   "Use causal reasoning in speech",
		Success: conditionals.When{
			AnyConstruct: action.CausalConstructs,
		},
	},
}

// Planner chooses the next mission from what the player has completed.
type Planner struct{}

func NewPlanner() *Planner {
	return &Planner{}
}

// Initial returns the first mission of a new session.
func (p *Planner) Initial() world.Mission {
	return curriculum[0].Clone()
}

// Next returns the first curriculum mission not yet completed in ws. The
// curriculum does not depend on history and never fails.
func (p *Planner) Next(_ context.Context, ws *world.WorldState, _ []pipeline.ActionRecord) (world.Mission, error) {
	return p.next(ws.CompletedMissions), nil
}

func (p *Planner) next(completed []string) world.Mission {
	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}
	for _, m := range curriculum {
		if !done[m.ID] {
			return m.Clone()
		}
	}
	return world.Mission{
		ID:                 fmt.Sprintf("challenge_%d", len(completed)),
		Title:              "Free Exploration",
		Description:        "Explore the bazaar and talk to the merchants. Practise everything you have learned.",
		GrammarRequirement: "any",
		SuccessCondition:   "successful interaction",
	}
}
