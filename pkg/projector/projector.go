package projector

import (
	"encoding/base64"
	"log/slog"
	"sync"

	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/protocol"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

// Log caps.
const (
	TranscriptCap = 50
	ReasoningCap  = 20
)

type EntryKind string

const (
	EntryPlayer EntryKind = "player"
	EntryNPC    EntryKind = "npc"
	EntrySystem EntryKind = "system"
	EntryError  EntryKind = "error"
)

// Entry is one line of the transcript log.
type Entry struct {
	Kind    EntryKind `json:"kind"`
	Speaker string    `json:"speaker,omitempty"`
	Text    string    `json:"text"`
}

type ReasoningEntry struct {
	Agent   string         `json:"agent"`
	Step    string         `json:"step"`
	Details map[string]any `json:"details,omitempty"`
}

// View is the client's projected model. It is a copy; mutating it has no effect.
type View struct {
	World          *world.WorldState
	LastAction     *action.ParsedAction
	LastValidation bool
	LastFeedback   []string
	LastDiff       *world.WorldDiff
	LastError      string
	Caption        string // interim transcript, cleared by the final one
	Transcripts    []Entry
	Reasoning      []ReasoningEntry
}

// AudioPlayer plays a decoded NPC audio clip (WAV bytes).
type AudioPlayer interface {
	Play(wav []byte, npcName, mood string) error
}

// Projector folds server messages into a View. It never changes server state.
type Projector struct {
	logger   *slog.Logger
	player   AudioPlayer
	onChange func(View)

	mu          sync.RWMutex
	view        View
	transcripts *Ring[Entry]
	reasoning   *Ring[ReasoningEntry]
	version     uint64
	playing     sync.WaitGroup
}

type Option func(*Projector)

// WithAudioPlayer sets the player used for npc_audio messages.
func WithAudioPlayer(p AudioPlayer) Option {
	return func(pr *Projector) { pr.player = p }
}

// WithOnChange registers a callback run after every applied message.
func WithOnChange(fn func(View)) Option {
	return func(pr *Projector) { pr.onChange = fn }
}

func New(logger *slog.Logger, opts ...Option) *Projector {
	p := &Projector{
		logger:      logger,
		transcripts: NewRing[Entry](TranscriptCap),
		reasoning:   NewRing[ReasoningEntry](ReasoningCap),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply folds one message into the view.
func (p *Projector) Apply(msg protocol.ServerMessage) {
	var audio *protocol.NPCAudio

	p.mu.Lock()
	switch m := msg.(type) {
	case protocol.WorldState:
		p.view.World = m.State.Clone()
	case protocol.ActionResult:
		p.applyActionResult(m)
	case protocol.Reasoning:
		p.reasoning.Push(ReasoningEntry{Agent: m.Agent, Step: m.Step, Details: cloneDetails(m.Details)})
	case protocol.Error:
		p.view.LastError = m.Message
		p.transcripts.Push(Entry{Kind: EntryError, Speaker: "system", Text: m.Message})
	case protocol.Transcript:
		if m.IsFinal {
			p.view.Caption = ""
		} else {
			p.view.Caption = m.Text
		}
	case protocol.NPCAudio:
		audio = &m
	case protocol.Pong, protocol.UnknownServerMessage:
		p.mu.Unlock()
		return
	default:
		p.mu.Unlock()
		return
	}
	p.version++
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	if audio != nil {
		p.play(*audio)
	}
	if p.onChange != nil {
		p.onChange(snapshot)
	}
}

func (p *Projector) applyActionResult(m protocol.ActionResult) {
	p.view.LastAction = m.ParsedAction.Clone()
	p.view.LastValidation = m.ValidationPassed
	p.view.LastFeedback = append([]string(nil), m.Feedback...)
	p.view.LastDiff = m.WorldDiff.Clone()
	p.view.LastError = ""

	if m.ParsedAction != nil && m.ParsedAction.CanonicalTranscript != "" {
		p.transcripts.Push(Entry{Kind: EntryPlayer, Speaker: "you", Text: m.ParsedAction.CanonicalTranscript})
	}
	if m.WorldDiff != nil && m.WorldDiff.NPCDialogue != "" {
		speaker := m.WorldDiff.NPCID
		if p.view.World != nil {
			if npc := p.view.World.NPC(speaker); npc != nil {
				speaker = npc.Name
			}
		}
		p.transcripts.Push(Entry{Kind: EntryNPC, Speaker: speaker, Text: m.WorldDiff.NPCDialogue})
	}
	if m.WorldDiff != nil && m.WorldDiff.WorldEvent != "" {
		p.transcripts.Push(Entry{Kind: EntrySystem, Speaker: "world", Text: m.WorldDiff.WorldEvent})
	}
}

// play runs the audio side effect without blocking message processing.
func (p *Projector) play(m protocol.NPCAudio) {
	if p.player == nil {
		return
	}
	wav, err := base64.StdEncoding.DecodeString(m.AudioData)
	if err != nil {
		p.logger.Warn("Dropping undecodable npc audio", "npc", m.NPCName, "error", err)
		return
	}
	p.playing.Add(1)
	go func() {
		defer p.playing.Done()
		if err := p.player.Play(wav, m.NPCName, m.Mood); err != nil {
			p.logger.Warn("NPC audio playback failed", "npc", m.NPCName, "error", err)
		}
	}()
}

// WaitAudio blocks until in-flight playback calls return.
func (p *Projector) WaitAudio() {
	p.playing.Wait()
}

// View returns a copy of the current view.
func (p *Projector) View() View {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

// Version increments once per applied message.
func (p *Projector) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

func (p *Projector) snapshotLocked() View {
	v := p.view
	v.World = p.view.World.Clone()
	v.LastAction = p.view.LastAction.Clone()
	v.LastFeedback = append([]string(nil), p.view.LastFeedback...)
	v.LastDiff = p.view.LastDiff.Clone()
	v.Transcripts = p.transcripts.Slice()
	v.Reasoning = p.reasoning.Slice()
	for i := range v.Reasoning {
		v.Reasoning[i].Details = cloneDetails(v.Reasoning[i].Details)
	}
	return v
}

// cloneDetails copies the nested maps and slices of decoded JSON details.
// Other values are shared.
func cloneDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneDetails(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
