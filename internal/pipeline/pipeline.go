// Package pipeline runs Interpret, Verify, Execute and Broadcast for one
// session. Utterances wait in a small bounded queue and are processed one at
// a time; when the queue is full the oldest waiting utterance is dropped.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jwebster45206/bazaar-engine/internal/storage"
	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/protocol"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

const (
	DefaultQueueDepth = 4
	DefaultTimeout    = 15 * time.Second

	// MaxInterpretRetries bounds how often an interpreter reply flagged
	// retry_needed is asked for again within one pass.
	MaxInterpretRetries = 3

	historyTurns   = 5
	historyActions = 50
	publishTimeout = 2 * time.Second
)

// Config wires a pipeline. Interpreter, Verifier, Executor, Planner, Worlds
// and Outbox are required; the rest are optional.
type Config struct {
	SessionID  string
	QueueDepth int
	Timeout    time.Duration

	Interpreter Interpreter
	Verifier    Verifier
	Executor    Executor
	Planner     Planner
	Synth       VoiceSynth

	Worlds  Worlds
	Outbox  Outbox
	Locker  Locker
	History HistoryRecorder
	Events  EventPublisher
	Logger  *slog.Logger
}

type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	idle    *sync.Cond
	pending []Utterance
	running bool
	closed  bool

	// passMu serialises queued passes with Process.
	passMu  sync.Mutex
	turns   []Turn
	actions []ActionRecord
}

func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Interpreter == nil:
		return nil, errors.New("pipeline: interpreter is required")
	case cfg.Verifier == nil:
		return nil, errors.New("pipeline: verifier is required")
	case cfg.Executor == nil:
		return nil, errors.New("pipeline: executor is required")
	case cfg.Planner == nil:
		return nil, errors.New("pipeline: planner is required")
	case cfg.Worlds == nil:
		return nil, errors.New("pipeline: world store is required")
	case cfg.Outbox == nil:
		return nil, errors.New("pipeline: outbox is required")
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Locker == nil {
		cfg.Locker = LocalLocker{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger.With("session_id", cfg.SessionID),
		ctx:    ctx,
		cancel: cancel,
	}
	p.idle = sync.NewCond(&p.mu)
	return p, nil
}

// Submit queues a final utterance. Interim and empty utterances are ignored.
func (p *Pipeline) Submit(u Utterance) SubmitResult {
	if !u.IsFinal || strings.TrimSpace(u.Text) == "" {
		return Ignored
	}
	if u.ReceivedAt.IsZero() {
		u.ReceivedAt = time.Now()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Rejected
	}
	result := Queued
	var dropped Utterance
	if len(p.pending) >= p.cfg.QueueDepth {
		dropped = p.pending[0]
		p.pending = p.pending[1:]
		result = DroppedOldest
	}
	p.pending = append(p.pending, u)
	depth := len(p.pending)
	if !p.running {
		p.running = true
		go p.drain()
	}
	p.mu.Unlock()

	if result == DroppedOldest {
		p.logger.Warn("Pipeline queue full, dropped oldest utterance",
			"dropped", dropped.Text,
			"queued_at", dropped.ReceivedAt,
		)
		p.publish(func(ctx context.Context, e EventPublisher) error {
			return e.PublishUtteranceDropped(ctx, p.cfg.SessionID, dropped.Text)
		})
	}
	p.publish(func(ctx context.Context, e EventPublisher) error {
		return e.PublishUtteranceQueued(ctx, p.cfg.SessionID, depth)
	})
	return result
}

// Pending is the number of utterances waiting behind the current pass.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Wait blocks until the queue is empty and no pass is running.
func (p *Pipeline) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.running || len(p.pending) > 0 {
		p.idle.Wait()
	}
}

// Close discards pending utterances, cancels the running pass and waits for
// the drain goroutine to stop. Later submits are rejected.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if n := len(p.pending); n > 0 {
		p.logger.Info("Discarding pending utterances", "count", n)
	}
	p.pending = nil
	p.mu.Unlock()

	p.cancel()
	p.Wait()
}

// Process runs one pass synchronously, outside the queue. Its messages still
// go to the outbox.
func (p *Pipeline) Process(ctx context.Context, text string) (*Result, error) {
	if p.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty transcript")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	return p.run(ctx, Utterance{Text: text, IsFinal: true, ReceivedAt: time.Now()})
}

func (p *Pipeline) drain() {
	for {
		p.mu.Lock()
		if p.closed || len(p.pending) == 0 {
			p.running = false
			p.idle.Broadcast()
			p.mu.Unlock()
			return
		}
		u := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		_, _ = p.run(p.ctx, u)
	}
}

// run wraps pass with error reporting. Every failure is recoverable.
func (p *Pipeline) run(ctx context.Context, u Utterance) (*Result, error) {
	p.passMu.Lock()
	defer p.passMu.Unlock()

	start := time.Now()
	p.logger.Info("Processing utterance", "transcript", u.Text)
	p.publish(func(ctx context.Context, e EventPublisher) error {
		return e.PublishPipelineProcessing(ctx, p.cfg.SessionID, u.Text)
	})

	res, err := p.pass(ctx, u)
	if err != nil {
		if p.ctx.Err() != nil {
			// Closed mid-pass; nobody is listening.
			return nil, err
		}
		stage := "pipeline"
		var ce *CollaboratorError
		if errors.As(err, &ce) {
			stage = ce.Stage
		}
		p.logger.Warn("Pipeline pass failed", "stage", stage, "error", err)
		p.cfg.Outbox.Send(protocol.Error{Message: err.Error(), Recoverable: true})
		p.publish(func(ctx context.Context, e EventPublisher) error {
			return e.PublishPipelineFailed(ctx, p.cfg.SessionID, stage, err.Error())
		})
		return nil, err
	}

	p.logger.Info("Pipeline pass completed",
		"intent", res.Action.Intent,
		"passed", res.Verdict.Passed,
		"turn", res.World.Turn,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	p.publish(func(ctx context.Context, e EventPublisher) error {
		return e.PublishPipelineCompleted(ctx, p.cfg.SessionID, map[string]any{
			"intent":            res.Action.Intent,
			"validation_passed": res.Verdict.Passed,
			"npc_dialogue":      res.Diff.NPCDialogue,
		})
	})
	return res, nil
}

func (p *Pipeline) pass(ctx context.Context, u Utterance) (*Result, error) {
	lockCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	release, err := p.cfg.Locker.Acquire(lockCtx, p.cfg.SessionID)
	cancel()
	if err != nil {
		return nil, &CollaboratorError{Stage: StageLock, Err: err}
	}
	defer release()

	ws, err := p.cfg.Worlds.Snapshot(p.cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load world: %w", err)
	}

	// Interpret
	pc := Context{
		SessionID: p.cfg.SessionID,
		World:     ws.Clone(),
		History:   append([]Turn(nil), p.turns...),
		Reasoning: p.reasoner("interpreter"),
	}
	parsed, err := p.interpret(ctx, u, pc)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		parsed = action.Unknown(u.Text, action.FeedbackUnclear)
	}
	parsed.Normalize()
	if parsed.CanonicalTranscript == "" {
		parsed.CanonicalTranscript = u.Text
	}
	p.reason("interpreter", "speech_to_action", map[string]any{
		"input":      u.Text,
		"intent":     parsed.Intent,
		"confidence": parsed.Confidence,
		"entities":   parsed.Entities,
	})

	// Verify
	verdict, err := call(ctx, p.cfg.Timeout, StageVerify, func(ctx context.Context) (Verdict, error) {
		return p.cfg.Verifier.Verify(ctx, parsed, ws.CurrentMission)
	})
	if err != nil {
		return nil, err
	}
	if verdict.Feedback == nil {
		verdict.Feedback = []string{}
	}
	p.reason("verifier", "validate_action", map[string]any{
		"passed":           verdict.Passed,
		"grammar_score":    verdict.GrammarScore,
		"mission_progress": verdict.MissionProgress,
		"feedback":         verdict.Feedback,
	})

	// Execute
	diff := world.NewDiff()
	if verdict.Passed || !parsed.Intent.MutatesWorld() {
		d, err := call(ctx, p.cfg.Timeout, StageExecute, func(ctx context.Context) (*world.WorldDiff, error) {
			return p.cfg.Executor.Execute(ctx, parsed, ws.Clone())
		})
		if err != nil {
			return nil, err
		}
		if d != nil {
			diff = d
		}
		if !verdict.Passed {
			diff = diff.StripMutations()
		}
		p.reason("executor", "mutate_world", map[string]any{
			"world_event":    diff.WorldEvent,
			"npc_dialogue":   diff.NPCDialogue,
			"player_changes": diff.PlayerChanges,
		})
	} else {
		p.reason("executor", "skipped", map[string]any{"reason": "verification_failed"})
	}

	p.observe(parsed, verdict)
	if err := p.plan(ctx, ws, parsed, verdict, diff); err != nil {
		return nil, err
	}

	next, err := p.cfg.Worlds.ApplyDiff(ctx, p.cfg.SessionID, diff)
	if err != nil {
		return nil, &CollaboratorError{Stage: StageApply, Err: err}
	}

	// Broadcast
	p.cfg.Outbox.Send(protocol.ActionResult{
		ParsedAction:     parsed,
		ValidationPassed: verdict.Passed,
		Feedback:         verdict.Feedback,
		WorldDiff:        diff,
	})
	if diff.NPCDialogue != "" && p.cfg.Synth != nil {
		p.speak(ctx, next, diff)
	}
	p.cfg.Outbox.Send(protocol.WorldState{State: next})

	p.remember(Turn{Transcript: parsed.CanonicalTranscript, Intent: parsed.Intent, NPCDialogue: diff.NPCDialogue})
	p.record(u, parsed, verdict, diff, next)
	p.publish(func(ctx context.Context, e EventPublisher) error {
		return e.PublishWorldStateUpdated(ctx, p.cfg.SessionID, next.Turn, string(next.WorldTime))
	})
	if id := diff.MissionChanges.Completed; id != "" {
		p.publish(func(ctx context.Context, e EventPublisher) error {
			return e.PublishMissionCompleted(ctx, p.cfg.SessionID, id)
		})
	}

	return &Result{Action: parsed, Verdict: verdict, Diff: diff, World: next}, nil
}

// interpret asks the interpreter again while it flags its own reply with
// retry_needed, up to MaxInterpretRetries times.
func (p *Pipeline) interpret(ctx context.Context, u Utterance, pc Context) (*action.ParsedAction, error) {
	for attempt := 0; ; attempt++ {
		parsed, err := call(ctx, p.cfg.Timeout, StageInterpret, func(ctx context.Context) (*action.ParsedAction, error) {
			return p.cfg.Interpreter.Interpret(ctx, u, pc)
		})
		if err != nil {
			return nil, err
		}
		if parsed == nil || !parsed.HasFeedbackKey(action.FeedbackRetryNeeded) || attempt >= MaxInterpretRetries {
			return parsed, nil
		}
		p.logger.Info("Interpreter asked for a retry", "attempt", attempt+1, "feedback_keys", parsed.FeedbackKeys)
		p.reason("verifier", "retry", map[string]any{
			"attempt":       attempt + 1,
			"feedback_keys": parsed.FeedbackKeys,
		})
	}
}

// observe adds the judged action to the planner's history.
func (p *Pipeline) observe(a *action.ParsedAction, v Verdict) {
	p.actions = append(p.actions, ActionRecord{
		Intent:     a.Intent,
		Transcript: a.CanonicalTranscript,
		Confidence: a.Confidence,
		Success:    v.Passed,
		Feedback:   append([]string(nil), v.Feedback...),
		Politeness: a.Grammar.Politeness,
		Constructs: append([]string(nil), a.Grammar.Constructs...),
	})
	if over := len(p.actions) - historyActions; over > 0 {
		p.actions = append([]ActionRecord(nil), p.actions[over:]...)
	}
}

// plan folds mission bookkeeping into the diff so it applies atomically with
// the action's own changes.
func (p *Pipeline) plan(ctx context.Context, ws *world.WorldState, a *action.ParsedAction, v Verdict, diff *world.WorldDiff) error {
	m := ws.CurrentMission
	if !v.Passed || m == nil || m.IsComplete {
		p.reason("planner", "mission_update", map[string]any{"mission_progress": v.MissionProgress})
		return nil
	}

	diff.MissionChanges.Attempts = 1
	if v.MissionProgress < CompletionThreshold {
		p.reason("planner", "mission_update", map[string]any{"mission_progress": v.MissionProgress})
		return nil
	}

	preview := ws.Clone()
	preview.CompletedMissions = append(preview.CompletedMissions, m.ID)
	history := append([]ActionRecord(nil), p.actions...)
	next, err := call(ctx, p.cfg.Timeout, StagePlan, func(ctx context.Context) (world.Mission, error) {
		return p.cfg.Planner.Next(ctx, preview, history)
	})
	if err != nil {
		return err
	}
	diff.MissionChanges.Completed = m.ID
	diff.MissionChanges.Next = &next

	p.logger.Info("Mission completed", "mission_id", m.ID, "next_mission", next.ID, "intent", a.Intent)
	p.reason("planner", "mission_update", map[string]any{
		"mission_completed": m.ID,
		"next_mission":      next.ID,
	})
	return nil
}

// speak sends npc_audio for the diff's dialogue. Failures only skip the audio.
func (p *Pipeline) speak(ctx context.Context, ws *world.WorldState, diff *world.WorldDiff) {
	name, mood := "Merchant", world.MoodNeutral
	if npc := ws.NPC(diff.NPCID); npc != nil {
		name, mood = npc.Name, npc.Mood
	}

	wav, err := call(ctx, p.cfg.Timeout, StageSynthesize, func(ctx context.Context) ([]byte, error) {
		return p.cfg.Synth.Synthesize(ctx, diff.NPCDialogue, mood)
	})
	if err != nil {
		p.logger.Warn("Voice synthesis failed", "error", err, "npc", name)
		return
	}
	if len(wav) == 0 {
		return
	}
	p.cfg.Outbox.Send(protocol.NPCAudio{
		AudioData: base64.StdEncoding.EncodeToString(wav),
		NPCName:   name,
		Dialogue:  diff.NPCDialogue,
		Mood:      string(mood),
	})
}

func (p *Pipeline) reasoner(agent string) ReasoningFunc {
	return func(step string, details map[string]any) {
		p.reason(agent, step, details)
	}
}

func (p *Pipeline) reason(agent, step string, details map[string]any) {
	p.cfg.Outbox.Send(protocol.Reasoning{Agent: agent, Step: step, Details: details})
}

func (p *Pipeline) remember(t Turn) {
	p.turns = append(p.turns, t)
	if over := len(p.turns) - historyTurns; over > 0 {
		p.turns = append([]Turn(nil), p.turns[over:]...)
	}
}

func (p *Pipeline) record(u Utterance, a *action.ParsedAction, v Verdict, diff *world.WorldDiff, ws *world.WorldState) {
	if p.cfg.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err := p.cfg.History.Record(ctx, &storage.Interaction{
		SessionID:    p.cfg.SessionID,
		Transcript:   u.Text,
		Intent:       a.Intent,
		ParsedAction: a,
		Passed:       v.Passed,
		Feedback:     v.Feedback,
		Diff:         diff,
		NPCDialogue:  diff.NPCDialogue,
		Turn:         ws.Turn,
	})
	if err != nil {
		p.logger.Warn("Failed to record interaction", "error", err)
	}
}

func (p *Pipeline) publish(fn func(ctx context.Context, e EventPublisher) error) {
	if p.cfg.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := fn(ctx, p.cfg.Events); err != nil {
		// Don't fail the pass just because event publishing failed
		p.logger.Debug("Failed to publish pipeline event", "error", err)
	}
}
