package conditionals

import (
	"strings"

	"github.com/jwebster45206/bazaar-engine/pkg/action"
)

// When is a declarative mission success predicate, e.g.
// "intent=buy_item AND politeness=polite AND quantity present".
// Every field that is set must hold for the predicate to match.
type When struct {
	Intent          action.Intent     `json:"intent,omitempty"`           // Exact intent
	AnyIntent       []action.Intent   `json:"any_intent,omitempty"`       // Any one of these intents
	Politeness      action.Politeness `json:"politeness,omitempty"`       // Exact politeness
	QuantityPresent *bool             `json:"quantity_present,omitempty"` // Quantity entity must (not) be present
	AnyConstruct    []string          `json:"any_construct,omitempty"`    // At least one construct must be present
	MinConfidence   *float64          `json:"min_confidence,omitempty"`   // Confidence >= this value
}

// IsEmpty reports whether the predicate has no conditions at all.
func (w When) IsEmpty() bool {
	return w.Intent == "" &&
		len(w.AnyIntent) == 0 &&
		w.Politeness == "" &&
		w.QuantityPresent == nil &&
		len(w.AnyConstruct) == 0 &&
		w.MinConfidence == nil
}

// MatchesIntent checks only the intent part of the predicate.
// A predicate without an intent condition matches any known intent.
func (w When) MatchesIntent(a *action.ParsedAction) bool {
	if a == nil || a.Intent == action.IntentUnknown {
		return false
	}
	if w.Intent != "" && a.Intent != w.Intent {
		return false
	}
	if len(w.AnyIntent) > 0 {
		for _, i := range w.AnyIntent {
			if a.Intent == i {
				return true
			}
		}
		return false
	}
	return true
}

// EvaluateWhen checks if all conditions in a When clause are met by the action.
// An empty predicate never matches.
func EvaluateWhen(when When, a *action.ParsedAction) bool {
	if when.IsEmpty() || a == nil {
		return false
	}
	return len(Unmet(when, a)) == 0
}

// Unmet lists the conditions the action fails, as short keys
// ("intent", "politeness", "quantity", "construct", "confidence").
func Unmet(when When, a *action.ParsedAction) []string {
	var unmet []string

	if (when.Intent != "" || len(when.AnyIntent) > 0) && !when.MatchesIntent(a) {
		unmet = append(unmet, "intent")
	}

	if when.Politeness != "" && a.Grammar.Politeness != when.Politeness {
		unmet = append(unmet, "politeness")
	}

	if when.QuantityPresent != nil {
		has := a.Entities.Quantity != nil
		if has != *when.QuantityPresent {
			unmet = append(unmet, "quantity")
		}
	}

	if len(when.AnyConstruct) > 0 && !a.Grammar.Has(when.AnyConstruct...) {
		unmet = append(unmet, "construct")
	}

	if when.MinConfidence != nil && a.Confidence < *when.MinConfidence {
		unmet = append(unmet, "confidence")
	}

	return unmet
}

// String renders the predicate in the "a=b AND c" form shown to players.
func (w When) String() string {
	var parts []string
	if w.Intent != "" {
		parts = append(parts, "intent="+string(w.Intent))
	}
	if len(w.AnyIntent) > 0 {
		names := make([]string, len(w.AnyIntent))
		for i, in := range w.AnyIntent {
			names[i] = string(in)
		}
		parts = append(parts, "intent in ("+strings.Join(names, ", ")+")")
	}
	if w.Politeness != "" {
		parts = append(parts, "politeness="+string(w.Politeness))
	}
	if w.QuantityPresent != nil {
		if *w.QuantityPresent {
			parts = append(parts, "quantity present")
		} else {
			parts = append(parts, "quantity absent")
		}
	}
	if len(w.AnyConstruct) > 0 {
		parts = append(parts, "uses one of ("+strings.Join(w.AnyConstruct, ", ")+")")
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " AND ")
}
