package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/jwebster45206/bazaar-engine/internal/pipeline"
	"github.com/jwebster45206/bazaar-engine/pkg/action"
)

const interpreterSystemPrompt = `You are a real-time speech interpreter for a medieval bazaar language learning game.

Your ONLY job is to convert spoken English into a strict JSON action. Analyse:
1. INTENT: what the player wants to do
2. ENTITIES: item, quantity and the NPC id being addressed
3. GRAMMAR: tense, politeness and the constructs present
4. CONFIDENCE: how certain you are, 0.0 to 1.0

RULES:
- Output ONLY valid JSON, no explanations or markdown
- If speech is unclear, set confidence below 0.7 and add feedback_keys
- Politeness markers: please, would like, could I, may I, thank you, excuse me
- Conditionals: if, would, could, might
- Causal: because, since, therefore

SCHEMA:
{
  "intent": "buy_item|negotiate|ask_info|give_item|move|interact|greet|unknown",
  "entities": {"item": "string or null", "quantity": "number or null", "target": "npc id or null"},
  "grammar_features": {
    "tense": "present|past|conditional|future",
    "politeness": "neutral|polite|rude",
    "required_constructs_present": ["please", "would_like", "could_i", "may_i", "thank_you", "excuse_me", "conditional_if", "would", "could", "might", "because_reason", "since", "therefore"]
  },
  "confidence": 0.0,
  "canonical_transcript": "the exact words spoken",
  "feedback_keys": ["be_more_polite", "unclear_intent", "missing_quantity"]
}

EXAMPLE:
Input: I would like to buy three apples please
Output: {"intent":"buy_item","entities":{"item":"apple","quantity":3,"target":"merchant_apple"},"grammar_features":{"tense":"conditional","politeness":"polite","required_constructs_present":["would_like","please"]},"confidence":0.95,"canonical_transcript":"I would like to buy three apples please","feedback_keys":[]}`

// LLMInterpreter asks a chat model to produce the action JSON.
type LLMInterpreter struct {
	chatModel model.BaseChatModel
	logger    *slog.Logger
}

func NewLLMInterpreter(chatModel model.BaseChatModel, logger *slog.Logger) *LLMInterpreter {
	return &LLMInterpreter{chatModel: chatModel, logger: logger}
}

// Interpret returns an unknown action, not an error, when the model's reply
// cannot be decoded. Model and transport failures are errors.
func (l *LLMInterpreter) Interpret(ctx context.Context, u pipeline.Utterance, pc pipeline.Context) (*action.ParsedAction, error) {
	messages := []*schema.Message{
		schema.SystemMessage(interpreterSystemPrompt),
		schema.UserMessage(buildInterpreterPrompt(u.Text, pc)),
	}

	pc.Emit("model_request", map[string]any{"history_turns": len(pc.History)})
	resp, err := l.chatModel.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("interpreter model call failed: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return action.Unknown(u.Text, action.FeedbackRetryNeeded), nil
	}

	parsed, err := parseActionJSON(resp.Content)
	if err != nil {
		l.logger.Warn("Failed to decode interpreter reply", "error", err, "session_id", pc.SessionID)
		pc.Emit("parse_failed", map[string]any{"error": err.Error()})
		return action.Unknown(u.Text, action.FeedbackParseError, action.FeedbackRetryNeeded), nil
	}
	if parsed.CanonicalTranscript == "" {
		parsed.CanonicalTranscript = u.Text
	}
	parsed.Normalize()
	pc.Emit("model_reply", map[string]any{"intent": parsed.Intent, "confidence": parsed.Confidence})
	return parsed, nil
}

func buildInterpreterPrompt(transcript string, pc pipeline.Context) string {
	var b strings.Builder
	b.WriteString("Previous context:\n")
	if len(pc.History) == 0 {
		b.WriteString("(none)\n")
	}
	for _, t := range pc.History {
		fmt.Fprintf(&b, "- Player: %s (%s)\n", t.Transcript, t.Intent)
		if t.NPCDialogue != "" {
			fmt.Fprintf(&b, "  NPC: %s\n", t.NPCDialogue)
		}
	}
	if pc.World != nil {
		b.WriteString("\nNPCs present:\n")
		for _, npc := range pc.World.NPCs {
			fmt.Fprintf(&b, "- %s: %s (%s, %s)\n", npc.ID, npc.Name, npc.Role, npc.Mood)
		}
	}
	fmt.Fprintf(&b, "\nCurrent speech to interpret: %s\n\nOutput JSON only:", transcript)
	return b.String()
}

// parseActionJSON decodes a model reply, tolerating markdown fences.
func parseActionJSON(content string) (*action.ParsedAction, error) {
	obj, err := jsonObject(content)
	if err != nil {
		return nil, err
	}
	var parsed action.ParsedAction
	if err := json.Unmarshal(obj, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// jsonObject cuts the outermost JSON object out of a model reply.
func jsonObject(content string) ([]byte, error) {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}
	return []byte(text[start : end+1]), nil
}
