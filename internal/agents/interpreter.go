package agents

import (
	"context"
	"strconv"
	"strings"

	"github.com/jwebster45206/bazaar-engine/internal/pipeline"
	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/textfilter"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
	"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19, "twenty": 20,
	"dozen": 12, "couple": 2,
}

// constructCues are matched as whole phrases against the folded transcript.
var constructCues = []struct {
	construct string
	phrases   []string
}{
	{action.ConstructPlease, []string{"please"}},
	{action.ConstructWouldLike, []string{"would like", "i'd like", "would love"}},
	{action.ConstructCouldI, []string{"could i", "could you"}},
	{action.ConstructMayI, []string{"may i"}},
	{action.ConstructThankYou, []string{"thank you", "thanks"}},
	{action.ConstructExcuseMe, []string{"excuse me", "pardon me"}},
	{action.ConstructIf, []string{"if"}},
	{action.ConstructWould, []string{"would", "i'd"}},
	{action.ConstructCould, []string{"could"}},
	{action.ConstructMight, []string{"might"}},
	{action.ConstructBecause, []string{"because", "'cause"}},
	{action.ConstructSince, []string{"since"}},
	{action.ConstructTherefore, []string{"therefore", "so that"}},
}

// Checked in order; the first intent with a matching cue wins.
var intentCues = []struct {
	intent  action.Intent
	phrases []string
}{
	{action.IntentNegotiate, []string{"discount", "lower the price", "lower price", "cheaper", "bargain", "negotiate", "a deal", "best price", "too expensive", "reduce the price", "better price"}},
	{action.IntentGiveItem, []string{"give you", "gift", "take this", "present for you", "for you"}},
	{action.IntentMove, []string{"go to", "walk to", "move to", "head to", "approach", "come closer", "walk over"}},
	{action.IntentBuyItem, []string{"buy", "purchase", "sell me", "i'll take", "i will take"}},
	{action.IntentAskInfo, []string{"how much", "price", "cost", "what do you", "do you have", "do you sell", "tell me", "where", "what", "which", "who"}},
	{action.IntentBuyItem, []string{"would like", "i'd like", "want", "need", "give me", "gimme", "can i have", "could i have", "may i have", "i'll have"}},
	{action.IntentGreet, []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening", "greetings", "how are you", "howdy"}},
	{action.IntentInteract, []string{"look", "inspect", "examine", "smile", "wave", "talk to", "nod", "bow"}},
}

var imperativeOpeners = []string{"give me", "gimme", "hand me", "hand over"}

// Courteous phrases make an utterance polite without being a tracked construct.
var courteousPhrases = []string{"good morning", "good afternoon", "good evening", "good day", "how are you", "nice to meet you", "pleased to meet you"}

var pastMarkers = []string{"was", "were", "did", "bought", "had", "gave", "went", "said", "yesterday", "sold"}

// Words in NPC names that do not identify anyone.
var nameStopWords = map[string]bool{"the": true, "sir": true, "of": true, "merchant": true}

// RuleInterpreter turns a transcript into an action with keyword rules. It
// needs no network and gives the same answer for the same input.
type RuleInterpreter struct {
	filter *textfilter.Filter
}

func NewRuleInterpreter() *RuleInterpreter {
	return &RuleInterpreter{filter: textfilter.New()}
}

func (r *RuleInterpreter) Interpret(ctx context.Context, u pipeline.Utterance, pc pipeline.Context) (*action.ParsedAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.Parse(u.Text, pc.World, pc.Emit), nil
}

// Parse interprets text against ws, which may be nil. emit may be nil.
func (r *RuleInterpreter) Parse(text string, ws *world.WorldState, emit func(string, map[string]any)) *action.ParsedAction {
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	folded := r.filter.Fold(text)
	padded := " " + folded + " "
	words := strings.Fields(folded)

	a := &action.ParsedAction{
		Intent:              action.IntentUnknown,
		CanonicalTranscript: r.filter.Canonicalize(text),
		Grammar: action.GrammarFeatures{
			Constructs: detectConstructs(padded),
		},
		FeedbackKeys: []string{},
	}

	items := knownItems(ws)
	if item := findItem(words, items); item != "" {
		a.Entities.Item = action.Ptr(item)
	}
	if n, ok := findQuantity(words); ok {
		a.Entities.Quantity = action.Ptr(n)
	}
	if target := findTarget(words, ws, a.Entities.ItemName()); target != "" {
		a.Entities.Target = action.Ptr(target)
	}

	var cue string
	a.Intent, cue = detectIntent(padded)
	if a.Intent == action.IntentUnknown && a.Entities.Item != nil {
		// "Three apples, please."
		a.Intent, cue = action.IntentBuyItem, a.Entities.ItemName()
	}
	emit("keyword_match", map[string]any{"intent": a.Intent, "cue": cue})

	a.Grammar.Politeness = r.politeness(text, padded, a.Grammar)
	a.Grammar.Tense = detectTense(padded, a.Grammar)

	if a.Grammar.Politeness == action.PolitenessRude {
		a.FeedbackKeys = append(a.FeedbackKeys, action.FeedbackBeMorePolite)
	}
	if a.Intent == action.IntentUnknown {
		a.FeedbackKeys = append(a.FeedbackKeys, action.FeedbackUnclear)
	}
	if a.Intent == action.IntentBuyItem && a.Entities.Quantity == nil {
		a.FeedbackKeys = append(a.FeedbackKeys, action.FeedbackNoQuantity)
	}
	a.Confidence = confidence(a)

	emit("entities", map[string]any{
		"item":       a.Entities.Item,
		"quantity":   a.Entities.Quantity,
		"target":     a.Entities.Target,
		"politeness": a.Grammar.Politeness,
		"constructs": a.Grammar.Constructs,
	})
	return a
}

func containsPhrase(padded, phrase string) bool {
	return strings.Contains(padded, " "+phrase+" ")
}

func detectConstructs(padded string) []string {
	found := []string{}
	for _, c := range constructCues {
		for _, p := range c.phrases {
			if containsPhrase(padded, p) {
				found = append(found, c.construct)
				break
			}
		}
	}
	return found
}

func detectIntent(padded string) (action.Intent, string) {
	for _, c := range intentCues {
		for _, p := range c.phrases {
			if containsPhrase(padded, p) {
				return c.intent, p
			}
		}
	}
	return action.IntentUnknown, ""
}

func findItem(words []string, items map[string]bool) string {
	for _, w := range words {
		if item := singular(w, items); item != "" {
			return item
		}
	}
	return ""
}

func findQuantity(words []string) (int, bool) {
	for i, w := range words {
		if n, err := strconv.Atoi(w); err == nil && n > 0 {
			return n, true
		}
		if n, ok := numberWords[w]; ok {
			// "a couple of" / "a dozen"
			if (w == "couple" || w == "dozen") && (i == 0 || words[i-1] != "a") {
				continue
			}
			return n, true
		}
	}
	return 0, false
}

// findTarget prefers an NPC named in the text, then the first NPC stocking item.
func findTarget(words []string, ws *world.WorldState, item string) string {
	if ws == nil {
		return ""
	}
	spoken := make(map[string]bool, len(words))
	for _, w := range words {
		spoken[strings.TrimSuffix(w, "'s")] = true
	}
	for _, npc := range ws.NPCs {
		for _, token := range nameTokens(npc) {
			if spoken[token] {
				return npc.ID
			}
		}
	}
	if item == "" {
		return ""
	}
	for _, npc := range ws.NPCs {
		if npc.Inventory[item] > 0 {
			return npc.ID
		}
	}
	return ""
}

func nameTokens(npc world.NPC) []string {
	var tokens []string
	for _, w := range strings.Fields(strings.ToLower(npc.Name)) {
		if !nameStopWords[w] {
			tokens = append(tokens, w)
		}
	}
	if npc.Role != "" && npc.Role != "merchant" {
		tokens = append(tokens, strings.ToLower(npc.Role))
	}
	return tokens
}

func (r *RuleInterpreter) politeness(raw, padded string, g action.GrammarFeatures) action.Politeness {
	polite := g.Has(action.PoliteConstructs...) || g.Has(action.ConstructExcuseMe)
	for _, p := range courteousPhrases {
		polite = polite || containsPhrase(padded, p)
	}
	if r.filter.IsRude(raw) {
		return action.PolitenessRude
	}
	if !polite {
		for _, opener := range imperativeOpeners {
			if strings.HasPrefix(strings.TrimSpace(padded), opener) {
				return action.PolitenessRude
			}
		}
		return action.PolitenessNeutral
	}
	return action.PolitenessPolite
}

func detectTense(padded string, g action.GrammarFeatures) action.Tense {
	if g.Has(action.ConditionalConstructs...) {
		return action.TenseConditional
	}
	if containsPhrase(padded, "will") || containsPhrase(padded, "going to") || containsPhrase(padded, "i'll") {
		return action.TenseFuture
	}
	for _, m := range pastMarkers {
		if containsPhrase(padded, m) {
			return action.TensePast
		}
	}
	return action.TensePresent
}

func confidence(a *action.ParsedAction) float64 {
	if a.Intent == action.IntentUnknown {
		return 0.4
	}
	complete := true
	switch a.Intent {
	case action.IntentBuyItem:
		complete = a.Entities.Item != nil && a.Entities.Quantity != nil
	case action.IntentGiveItem:
		complete = a.Entities.Item != nil
	case action.IntentMove:
		complete = a.Entities.Target != nil
	}
	if complete {
		return 0.95
	}
	return 0.85
}
