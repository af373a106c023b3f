package agents

import (
	"context"
	"regexp"

	"github.com/jwebster45206/bazaar-engine/internal/pipeline"
	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/conditionals"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

const (
	ConfidenceThreshold = 0.7

	baseGrammarScore = 0.5
	// Progress ceiling when the mission's success predicate is not met.
	unmetProgressCap = 0.79
)

const (
	FeedbackRepeat     = "I didn't quite catch that. Could you please repeat?"
	FeedbackUnknown    = "I'm not sure what you want to do. Try saying 'I want to buy...' or 'Hello!'"
	FeedbackExcellent  = "Excellent work! You've mastered this challenge."
	FeedbackGood       = "Good attempt! You're on the right track."
	FeedbackOffended   = "The merchant looks offended. Try being more polite!"
	TipPolite          = "Tip: Try adding 'please' or 'I would like' to be more polite."
	TipConditional     = "Tip: Try using 'If...then' or 'I would... if' for conditional sentences."
	TipCausal          = "Tip: Explain why using 'because' or 'since'."
	TipQuantity        = "Tip: Don't forget to mention how many you want!"
	TipExcuseMe        = "Tip: Add 'please' or start with 'Excuse me...'"
	TipMissionRequires = "Tip: This mission needs: "
)

// Requirement keywords are matched as whole words in a mission's grammar
// requirement.
var (
	politeRequirement      = regexp.MustCompile(`(?i)\b(polite|politeness|please)\b`)
	conditionalRequirement = regexp.MustCompile(`(?i)\b(conditional|if)\b`)
	causalRequirement      = regexp.MustCompile(`(?i)\b(because|causal)\b`)
	quantityRequirement    = regexp.MustCompile(`(?i)\bquantity\b`)
	openRequirement        = regexp.MustCompile(`(?i)^\s*any\s*$`)
)

// Verifier scores grammar against the current mission. A failed verdict means
// the action was not understood well enough to change the world.
type Verifier struct{}

func NewVerifier() *Verifier {
	return &Verifier{}
}

func (v *Verifier) Verify(ctx context.Context, a *action.ParsedAction, mission *world.Mission) (pipeline.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Verdict{}, err
	}

	verdict := pipeline.Verdict{Passed: true, Feedback: []string{}}

	if a.Confidence < ConfidenceThreshold {
		verdict.Feedback = append(verdict.Feedback, FeedbackRepeat)
		verdict.Passed = false
	}
	if a.Intent == action.IntentUnknown {
		verdict.Feedback = append(verdict.Feedback, FeedbackUnknown)
		verdict.Passed = false
	}

	if mission != nil {
		tips, score := checkGrammar(a, mission.GrammarRequirement)
		verdict.Feedback = append(verdict.Feedback, tips...)
		verdict.GrammarScore = score
		verdict.MissionProgress = missionProgress(a, mission, score)

		unmet := conditionals.Unmet(mission.Success, a)
		if len(tips) == 0 && len(unmet) > 0 && mission.Success.MatchesIntent(a) {
			verdict.Feedback = append(verdict.Feedback, TipMissionRequires+mission.Success.String())
		}

		switch {
		case verdict.MissionProgress >= pipeline.CompletionThreshold:
			verdict.Feedback = append(verdict.Feedback, FeedbackExcellent)
		case verdict.MissionProgress >= 0.5:
			verdict.Feedback = append(verdict.Feedback, FeedbackGood)
		}
	}

	if a.Grammar.Politeness == action.PolitenessRude {
		verdict.Feedback = append(verdict.Feedback, FeedbackOffended)
		if !a.HasFeedbackKey(action.FeedbackBeMorePolite) {
			verdict.Feedback = append(verdict.Feedback, TipExcuseMe)
		}
	}

	return verdict, nil
}

func checkGrammar(a *action.ParsedAction, requirement string) ([]string, float64) {
	var tips []string
	score := baseGrammarScore

	if politeRequirement.MatchString(requirement) {
		if a.Grammar.Politeness == action.PolitenessPolite || a.Grammar.Has(action.PoliteConstructs...) {
			score += 0.3
		} else {
			tips = append(tips, TipPolite)
		}
	}
	if conditionalRequirement.MatchString(requirement) {
		if a.Grammar.Has(action.ConditionalConstructs...) {
			score += 0.3
		} else {
			tips = append(tips, TipConditional)
		}
	}
	if causalRequirement.MatchString(requirement) {
		if a.Grammar.Has(action.CausalConstructs...) {
			score += 0.3
		} else {
			tips = append(tips, TipCausal)
		}
	}
	if openRequirement.MatchString(requirement) && a.Grammar.Politeness != action.PolitenessRude {
		score += 0.3
	}
	if quantityRequirement.MatchString(requirement) {
		if a.Entities.Quantity != nil {
			score += 0.2
		} else {
			tips = append(tips, TipQuantity)
		}
	}
	return tips, min(score, 1.0)
}

func missionProgress(a *action.ParsedAction, mission *world.Mission, grammarScore float64) float64 {
	progress := grammarScore * 0.5

	// Missions without an intent condition credit the whole predicate instead.
	// Open missions credit any understood intent.
	intentNamed := mission.Success.Intent != "" || len(mission.Success.AnyIntent) > 0
	if (intentNamed && mission.Success.MatchesIntent(a)) ||
		(!intentNamed && conditionals.EvaluateWhen(mission.Success, a)) ||
		(mission.Success.IsEmpty() && mission.Success.MatchesIntent(a)) {
		progress += 0.25
	}

	switch {
	case a.Confidence >= 0.9:
		progress += 0.15
	case a.Confidence >= 0.8:
		progress += 0.1
	}

	progress = min(progress, 1.0)
	if !mission.Success.IsEmpty() && !conditionals.EvaluateWhen(mission.Success, a) {
		progress = min(progress, unmetProgressCap)
	}
	return round2(progress)
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
