package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/jwebster45206/bazaar-engine/internal/pipeline"
	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

const (
	plannerPromptActions = 10
	plannerTemperature   = 0.7
)

const plannerSystemPrompt = `You are the mission planner for a medieval bazaar language learning game.

Design the player's next mission from their recent performance. Missions should
progressively increase in difficulty and target grammar the player struggles with.

Output ONLY valid JSON, no explanations or markdown:
{
  "mission": {
    "id": "unique id",
    "title": "short title",
    "description": "what the player should do, with an example sentence",
    "grammar_requirement": "grammar focus",
    "success_condition": "how success is judged",
    "success": {
      "intent": "buy_item|negotiate|ask_info|give_item|move|interact|greet",
      "politeness": "neutral|polite|rude",
      "quantity_present": true,
      "any_construct": ["please", "would_like", "could_i", "may_i", "thank_you", "excuse_me", "conditional_if", "would", "could", "might", "because_reason", "since", "therefore"]
    }
  }
}
Every field of "success" is optional; leave it out to accept any successful interaction.`

// LLMPlanner asks a chat model for the next mission and falls back to the
// fixed curriculum when the model fails or replies with something unusable.
type LLMPlanner struct {
	chatModel model.BaseChatModel
	fallback  *Planner
	logger    *slog.Logger
}

func NewLLMPlanner(chatModel model.BaseChatModel, logger *slog.Logger) *LLMPlanner {
	return &LLMPlanner{chatModel: chatModel, fallback: NewPlanner(), logger: logger}
}

func (l *LLMPlanner) Initial() world.Mission {
	return l.fallback.Initial()
}

// Next never returns an error of its own; a cancelled ctx is the only failure.
func (l *LLMPlanner) Next(ctx context.Context, ws *world.WorldState, history []pipeline.ActionRecord) (world.Mission, error) {
	messages := []*schema.Message{
		schema.SystemMessage(plannerSystemPrompt),
		schema.UserMessage(buildPlannerPrompt(ws, history)),
	}

	resp, err := l.chatModel.Generate(ctx, messages, model.WithTemperature(plannerTemperature))
	if err != nil {
		if ctx.Err() != nil {
			return world.Mission{}, ctx.Err()
		}
		l.logger.Warn("Planner model call failed, using curriculum", "error", err)
		return l.fallback.next(ws.CompletedMissions), nil
	}
	if resp == nil {
		return l.fallback.next(ws.CompletedMissions), nil
	}

	m, err := parseMissionJSON(resp.Content)
	if err != nil {
		l.logger.Warn("Failed to decode planner reply, using curriculum", "error", err)
		return l.fallback.next(ws.CompletedMissions), nil
	}
	return settleMission(m, ws.CompletedMissions), nil
}

func buildPlannerPrompt(ws *world.WorldState, history []pipeline.ActionRecord) string {
	var b strings.Builder
	b.WriteString("Completed missions: ")
	if len(ws.CompletedMissions) == 0 {
		b.WriteString("(none)")
	}
	b.WriteString(strings.Join(ws.CompletedMissions, ", "))

	b.WriteString("\n\nRecent performance:\n")
	recent := history[max(0, len(history)-plannerPromptActions):]
	if len(recent) == 0 {
		b.WriteString("(no actions yet)\n")
	}
	for _, r := range recent {
		fmt.Fprintf(&b, "- Action: %s, Success: %t, Politeness: %s, Feedback: %s\n",
			r.Intent, r.Success, r.Politeness, strings.Join(r.Feedback, "; "))
	}

	fmt.Fprintf(&b, "\nWorld time: %s\nPlayer gold: %d\n\nGenerate the next mission as JSON:",
		ws.WorldTime, ws.Player.Gold)
	return b.String()
}

// parseMissionJSON accepts {"mission": {...}} or a bare mission object.
func parseMissionJSON(content string) (world.Mission, error) {
	obj, err := jsonObject(content)
	if err != nil {
		return world.Mission{}, err
	}
	var wrapped struct {
		Mission *world.Mission `json:"mission"`
	}
	if err := json.Unmarshal(obj, &wrapped); err != nil {
		return world.Mission{}, err
	}
	if wrapped.Mission != nil {
		return *wrapped.Mission, nil
	}
	var m world.Mission
	if err := json.Unmarshal(obj, &m); err != nil {
		return world.Mission{}, err
	}
	return m, nil
}

// settleMission fills defaults and drops success conditions no action could
// ever satisfy.
func settleMission(m world.Mission, completed []string) world.Mission {
	if m.ID == "" || slices.Contains(completed, m.ID) {
		m.ID = fmt.Sprintf("mission_%d", len(completed)+1)
	}
	if m.Title == "" {
		m.Title = "New Mission"
	}
	if m.GrammarRequirement == "" {
		m.GrammarRequirement = "any"
	}
	m.IsComplete = false
	m.Attempts = 0

	w := &m.Success
	if w.Intent != "" && action.ParseIntent(string(w.Intent)) == action.IntentUnknown {
		w.Intent = ""
	}
	w.AnyIntent = slices.DeleteFunc(w.AnyIntent, func(i action.Intent) bool {
		return action.ParseIntent(string(i)) == action.IntentUnknown
	})
	switch w.Politeness {
	case "", action.PolitenessNeutral, action.PolitenessPolite, action.PolitenessRude:
	default:
		w.Politeness = ""
	}
	return m
}
