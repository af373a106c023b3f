package agents

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

const (
	// The world clock advances one phase every this many applied turns.
	TurnsPerPhase = 5

	negotiatedDiscount = 0.2
	politeReputation   = 0.02
	rudeReputation     = -0.05
)

var npcResponses = map[string]map[world.Mood]string{
	"greet": {
		world.MoodFriendly: "Welcome to my stall, traveler! How may I help you today?",
		world.MoodNeutral:  "Hello. What do you need?",
		world.MoodAnnoyed:  "Yes, what is it?",
		world.MoodAngry:    "*glares* Make it quick.",
	},
	"buy_polite": {
		world.MoodFriendly: "Of course! Here you go. Thank you for your business!",
		world.MoodNeutral:  "That will be {price} gold. Here you are.",
		world.MoodAnnoyed:  "Fine, {price} gold.",
	},
	"buy_rude": {
		world.MoodFriendly: "Hmm, a simple 'please' would be nice, but here you go.",
		world.MoodNeutral:  "How rude. That's {price} gold, take it or leave it.",
		world.MoodAnnoyed:  "Excuse me?! Learn some manners!",
	},
	"negotiate_success": {
		world.MoodFriendly: "You drive a hard bargain! Fine, {price} gold for you.",
		world.MoodNeutral:  "Alright, alright. {price} gold, final offer.",
	},
	"negotiate_fail": {
		world.MoodFriendly: "I'm sorry, but I can't go any lower than that.",
		world.MoodNeutral:  "No deal. My prices are fair.",
		world.MoodAnnoyed:  "Absolutely not! The price is the price!",
	},
}

const (
	lineInsufficientGold = "You don't have enough gold for that, traveler."
	lineItemNotFound     = "I'm sorry, I don't have that item."
	lineWhatToBuy        = "What would you like to buy?"
	lineNotHeld          = "You don't have that item."
	lineThanks           = "Oh, thank you so much! How generous of you!"
	lineConfused         = "Hmm? I'm not sure what you mean."
	lineGuardInfo        = "I'm just passing through, traveler."
)

func respond(key string, mood world.Mood, fallback string, price string) string {
	line, ok := npcResponses[key][mood]
	if !ok {
		line = fallback
	}
	return strings.ReplaceAll(line, "{price}", price)
}

// Executor applies the bazaar's game rules. It never mutates the world it is
// given; every change is expressed in the returned diff.
type Executor struct{}

func NewExecutor() *Executor {
	return &Executor{}
}

// outcome is what a handler reports back besides the diff.
type outcome struct {
	succeeded bool
}

func (e *Executor) Execute(ctx context.Context, a *action.ParsedAction, ws *world.WorldState) (*world.WorldDiff, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, fmt.Errorf("execute %s: nil world state", a.Intent)
	}

	diff := world.NewDiff()

	npc := ws.NPC(a.Entities.TargetID())
	if npc == nil && len(ws.NPCs) > 0 {
		npc = &ws.NPCs[0]
	}

	var out outcome
	switch a.Intent {
	case action.IntentGreet:
		out = e.greet(a, npc, diff)
	case action.IntentBuyItem:
		out = e.buy(a, ws, npc, diff)
	case action.IntentNegotiate:
		out = e.negotiate(a, npc, diff)
	case action.IntentAskInfo:
		e.askInfo(a, npc, diff)
	case action.IntentGiveItem:
		out = e.give(a, ws, npc, diff)
	case action.IntentMove:
		e.move(a, ws, diff)
	case action.IntentInteract:
		e.interact(npc, diff)
	default:
		diff.NPCDialogue = lineConfused
	}

	switch {
	case a.Grammar.Politeness == action.PolitenessRude:
		diff.PlayerChanges.Reputation = rudeReputation
	case out.succeeded && a.Grammar.Politeness == action.PolitenessPolite:
		diff.PlayerChanges.Reputation = politeReputation
	}

	if diff.NPCDialogue != "" && npc != nil {
		diff.NPCID = npc.ID
		c := diff.NPC(npc.ID)
		c.Dialogue = append(c.Dialogue,
			"Player: "+a.CanonicalTranscript,
			npc.Name+": "+diff.NPCDialogue,
		)
		diff.SetNPC(npc.ID, c)
	}

	if (ws.Turn+1)%TurnsPerPhase == 0 {
		diff.WorldTime = ws.WorldTime.Next()
	}
	return diff, nil
}

func (e *Executor) greet(a *action.ParsedAction, npc *world.NPC, diff *world.WorldDiff) outcome {
	if npc == nil {
		diff.NPCDialogue = "There's no one nearby to greet."
		return outcome{}
	}
	mood := npc.Mood
	if a.Grammar.Politeness == action.PolitenessPolite {
		mood = world.MoodFriendly
		diff.SetNPC(npc.ID, world.NPCChanges{
			Mood:     mood,
			Patience: action.Ptr(round2(math.Min(1, npc.Patience+0.2))),
		})
	}
	diff.NPCDialogue = respond("greet", mood, "Hello.", "")
	return outcome{succeeded: true}
}

func (e *Executor) buy(a *action.ParsedAction, ws *world.WorldState, npc *world.NPC, diff *world.WorldDiff) outcome {
	if npc == nil {
		diff.NPCDialogue = "There's no merchant here."
		return outcome{}
	}
	item := strings.ToLower(a.Entities.ItemName())
	if item == "" {
		diff.NPCDialogue = lineWhatToBuy
		return outcome{}
	}
	unit, ok := Prices[item]
	if !ok {
		diff.NPCDialogue = lineItemNotFound
		return outcome{}
	}
	quantity := a.Entities.QuantityOr(1)
	if quantity < 1 {
		quantity = 1
	}
	stock, stocked := npc.Inventory[item]
	if stocked && stock < quantity {
		diff.NPCDialogue = lineItemNotFound
		return outcome{}
	}

	price := unit * quantity
	changes := world.NPCChanges{}
	if npc.Discount > 0 {
		price = int(math.Round(float64(price) * (1 - npc.Discount)))
		changes.Discount = action.Ptr(0.0)
	}
	if ws.Player.Gold < price {
		diff.NPCDialogue = lineInsufficientGold
		return outcome{}
	}

	diff.PlayerChanges.Gold = -price
	diff.PlayerChanges.InventoryAdd = map[string]int{item: quantity}
	if stocked {
		changes.InventoryRemove = map[string]int{item: quantity}
	}

	key := "buy_rude"
	if a.Grammar.Politeness == action.PolitenessPolite {
		key = "buy_polite"
	}
	diff.NPCDialogue = respond(key, npc.Mood, "Here you go.", fmt.Sprint(price))

	if a.Grammar.Politeness != action.PolitenessPolite {
		if npc.Mood == world.MoodFriendly || npc.Mood == world.MoodNeutral {
			changes.Mood = npc.Mood.Demote()
		}
		changes.Patience = action.Ptr(round2(math.Max(0, npc.Patience-0.2)))
	}
	diff.SetNPC(npc.ID, changes)
	diff.WorldEvent = fmt.Sprintf("Purchased %d %s for %d gold", quantity, item, price)
	return outcome{succeeded: true}
}

func (e *Executor) negotiate(a *action.ParsedAction, npc *world.NPC, diff *world.WorldDiff) outcome {
	if npc == nil {
		diff.NPCDialogue = "There's no one to negotiate with."
		return outcome{}
	}

	chance := 0.3
	if a.Grammar.Has(action.ConstructIf) {
		chance += 0.3
	}
	if a.Grammar.Politeness == action.PolitenessPolite {
		chance += 0.2
	}
	switch npc.Mood {
	case world.MoodFriendly:
		chance += 0.2
	case world.MoodAnnoyed:
		chance -= 0.3
	case world.MoodAngry:
		chance -= 0.5
	}

	success := round2(chance) > round2(1-npc.Patience)
	if success {
		diff.SetNPC(npc.ID, world.NPCChanges{Discount: action.Ptr(negotiatedDiscount)})
		diff.WorldEvent = "Negotiation successful! 20% discount applied to next purchase."
		diff.NPCDialogue = respond("negotiate_success", npc.Mood, "We'll see.", "discounted")
		return outcome{succeeded: true}
	}

	diff.SetNPC(npc.ID, world.NPCChanges{Patience: action.Ptr(round2(math.Max(0, npc.Patience-0.1)))})
	diff.WorldEvent = "Negotiation failed."
	diff.NPCDialogue = respond("negotiate_fail", npc.Mood, "We'll see.", "")
	return outcome{}
}

func (e *Executor) askInfo(a *action.ParsedAction, npc *world.NPC, diff *world.WorldDiff) {
	if npc == nil {
		diff.NPCDialogue = "There's no one to ask."
		return
	}
	if npc.Role != "merchant" {
		diff.NPCDialogue = lineGuardInfo
		return
	}
	if item := a.Entities.ItemName(); item != "" {
		if price, ok := Prices[item]; ok {
			diff.NPCDialogue = fmt.Sprintf("A %s costs %d gold. How many would you like?", item, price)
			return
		}
	}
	goods := sortedItems(npc.Inventory)
	if len(goods) == 0 {
		goods = sortedPriceList()
	}
	diff.NPCDialogue = fmt.Sprintf("I sell the finest goods in the bazaar! We have %s. What interests you?", strings.Join(goods, ", "))
}

func (e *Executor) give(a *action.ParsedAction, ws *world.WorldState, npc *world.NPC, diff *world.WorldDiff) outcome {
	if npc == nil {
		diff.NPCDialogue = "There's no one to give to."
		return outcome{}
	}
	item := strings.ToLower(a.Entities.ItemName())
	held := ws.Player.Inventory[item]
	if item == "" || held == 0 {
		diff.NPCDialogue = lineNotHeld
		return outcome{}
	}
	quantity := min(max(a.Entities.QuantityOr(1), 1), held)

	diff.PlayerChanges.InventoryRemove = map[string]int{item: quantity}
	diff.SetNPC(npc.ID, world.NPCChanges{
		Mood:         world.MoodFriendly,
		Patience:     action.Ptr(round2(math.Min(1, npc.Patience+0.3))),
		InventoryAdd: map[string]int{item: quantity},
	})
	diff.NPCDialogue = lineThanks
	diff.WorldEvent = fmt.Sprintf("Gave %d %s to %s", quantity, item, npc.Name)
	return outcome{succeeded: true}
}

func (e *Executor) move(a *action.ParsedAction, ws *world.WorldState, diff *world.WorldDiff) {
	target := ws.NPC(a.Entities.TargetID())
	if target == nil {
		diff.WorldEvent = "Where would you like to go?"
		return
	}
	pos := target.Position
	diff.PlayerChanges.Position = &pos
	diff.WorldEvent = "Moving toward " + target.Name
}

func (e *Executor) interact(npc *world.NPC, diff *world.WorldDiff) {
	if npc == nil {
		diff.WorldEvent = "You look around the bustling bazaar."
		return
	}
	diff.NPCDialogue = npc.Name + " looks at you expectantly."
}
