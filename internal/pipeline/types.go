package pipeline

import (
	"context"
	"time"

	"github.com/jwebster45206/bazaar-engine/internal/storage"
	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/protocol"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

// CompletionThreshold is the mission progress at which the current mission is
// marked complete and the next one is chosen.
const CompletionThreshold = 0.8

// Utterance is one transcript submitted by the client.
type Utterance struct {
	Text       string
	IsFinal    bool
	ReceivedAt time.Time
}

// Turn is a compact record of an earlier pass, kept as interpreter context.
type Turn struct {
	Transcript  string        `json:"transcript"`
	Intent      action.Intent `json:"intent"`
	NPCDialogue string        `json:"npc_dialogue,omitempty"`
}

// ReasoningFunc streams an intermediate reasoning step to the client.
type ReasoningFunc func(step string, details map[string]any)

// Context is what an interpreter sees besides the utterance itself.
type Context struct {
	SessionID string
	World     *world.WorldState
	History   []Turn // oldest first
	Reasoning ReasoningFunc
}

// Emit reports a reasoning step. Safe to call on a zero Context.
func (c Context) Emit(step string, details map[string]any) {
	if c.Reasoning != nil {
		c.Reasoning(step, details)
	}
}

// Verdict is the verifier's judgement. A failed verdict is data, not an error.
type Verdict struct {
	Passed          bool     `json:"passed"`
	Feedback        []string `json:"feedback"`
	GrammarScore    float64  `json:"grammar_score"`
	MissionProgress float64  `json:"mission_progress"`
}

type Interpreter interface {
	Interpret(ctx context.Context, u Utterance, pc Context) (*action.ParsedAction, error)
}

type Verifier interface {
	Verify(ctx context.Context, a *action.ParsedAction, mission *world.Mission) (Verdict, error)
}

type Executor interface {
	Execute(ctx context.Context, a *action.ParsedAction, ws *world.WorldState) (*world.WorldDiff, error)
}

// ActionRecord is one judged action, kept for mission planning.
type ActionRecord struct {
	Intent     action.Intent     `json:"action"`
	Transcript string            `json:"transcript"`
	Confidence float64           `json:"confidence"`
	Success    bool              `json:"success"`
	Feedback   []string          `json:"feedback"`
	Politeness action.Politeness `json:"politeness"`
	Constructs []string          `json:"constructs,omitempty"`
}

// Planner picks missions. Next sees the world with the just-completed
// mission already recorded in CompletedMissions, and the session's recent
// actions, oldest first.
type Planner interface {
	Initial() world.Mission
	Next(ctx context.Context, ws *world.WorldState, history []ActionRecord) (world.Mission, error)
}

// VoiceSynth turns NPC dialogue into a WAV clip.
type VoiceSynth interface {
	Synthesize(ctx context.Context, text string, mood world.Mood) ([]byte, error)
}

// Outbox delivers server messages to whoever is attached to the session.
// Send must not block.
type Outbox interface {
	Send(msg protocol.ServerMessage)
}

// Worlds is the part of the world state store a pipeline needs.
type Worlds interface {
	Snapshot(sessionID string) (*world.WorldState, error)
	ApplyDiff(ctx context.Context, sessionID string, d *world.WorldDiff) (*world.WorldState, error)
}

// HistoryRecorder persists one row per completed pass.
type HistoryRecorder interface {
	Record(ctx context.Context, in *storage.Interaction) error
}

// EventPublisher is satisfied by *events.Broadcaster.
type EventPublisher interface {
	PublishUtteranceQueued(ctx context.Context, sessionID string, depth int) error
	PublishUtteranceDropped(ctx context.Context, sessionID, transcript string) error
	PublishPipelineProcessing(ctx context.Context, sessionID, transcript string) error
	PublishPipelineCompleted(ctx context.Context, sessionID string, result map[string]any) error
	PublishPipelineFailed(ctx context.Context, sessionID, stage, errorMsg string) error
	PublishWorldStateUpdated(ctx context.Context, sessionID string, turn int, worldTime string) error
	PublishMissionCompleted(ctx context.Context, sessionID, missionID string) error
}

// SubmitResult says what happened to a submitted utterance.
type SubmitResult int

const (
	Ignored SubmitResult = iota
	Queued
	DroppedOldest
	Rejected
)

func (r SubmitResult) String() string {
	switch r {
	case Ignored:
		return "ignored"
	case Queued:
		return "queued"
	case DroppedOldest:
		return "dropped_oldest"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result is the outcome of one successful pass.
type Result struct {
	Action  *action.ParsedAction `json:"parsed_action"`
	Verdict Verdict              `json:"verdict"`
	Diff    *world.WorldDiff     `json:"world_diff"`
	World   *world.WorldState    `json:"world_state"`
}
