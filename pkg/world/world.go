package world

import (
	"time"

	"github.com/jwebster45206/bazaar-engine/pkg/conditionals"
)

// DialogueHistoryCap bounds each NPC's dialogue history.
const DialogueHistoryCap = 20

// Vec3 is an opaque 3D position. It marshals as a JSON array.
type Vec3 [3]float64

// Mood is ordered by decreasing patience.
type Mood string

const (
	MoodFriendly Mood = "friendly"
	MoodNeutral  Mood = "neutral"
	MoodAnnoyed  Mood = "annoyed"
	MoodAngry    Mood = "angry"
)

func (m Mood) Valid() bool {
	switch m {
	case MoodFriendly, MoodNeutral, MoodAnnoyed, MoodAngry:
		return true
	}
	return false
}

// Demote moves the mood one step toward angry.
func (m Mood) Demote() Mood {
	switch m {
	case MoodFriendly:
		return MoodNeutral
	case MoodNeutral:
		return MoodAnnoyed
	default:
		return MoodAngry
	}
}

// Time is the time of day in the bazaar.
type Time string

const (
	TimeMorning   Time = "morning"
	TimeAfternoon Time = "afternoon"
	TimeEvening   Time = "evening"
	TimeNight     Time = "night"
)

var timeCycle = []Time{TimeMorning, TimeAfternoon, TimeEvening, TimeNight}

// Next returns the following phase; night wraps to morning.
func (t Time) Next() Time {
	for i, phase := range timeCycle {
		if phase == t {
			return timeCycle[(i+1)%len(timeCycle)]
		}
	}
	return TimeMorning
}

type Player struct {
	Position   Vec3           `json:"position"`
	Inventory  map[string]int `json:"inventory"`
	Gold       int            `json:"gold"`
	Reputation float64        `json:"reputation"`
}

type NPC struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Role            string         `json:"role"`
	Position        Vec3           `json:"position"`
	Mood            Mood           `json:"mood"`
	Inventory       map[string]int `json:"inventory"`
	Patience        float64        `json:"patience"`
	DialogueHistory []string       `json:"dialogue_history"`
	Discount        float64        `json:"discount,omitempty"` // fraction off the next sale
}

// Mission is a grammar-learning objective. Success is the declarative predicate
// the verifier checks; SuccessCondition is its human-readable description.
type Mission struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title"`
	Description        string            `json:"description"`
	GrammarRequirement string            `json:"grammar_requirement"`
	SuccessCondition   string            `json:"success_condition"`
	Success            conditionals.When `json:"success"`
	IsComplete         bool              `json:"is_complete"`
	Attempts           int               `json:"attempts"`
}

type WorldState struct {
	Timestamp         time.Time `json:"timestamp"`
	Turn              int       `json:"turn"`
	Player            Player    `json:"player"`
	NPCs              []NPC     `json:"npcs"`
	CurrentMission    *Mission  `json:"current_mission"`
	CompletedMissions []string  `json:"completed_missions"`
	WorldTime         Time      `json:"world_time"`
}

// NPC returns the NPC with the given id, or nil.
func (ws *WorldState) NPC(id string) *NPC {
	for i := range ws.NPCs {
		if ws.NPCs[i].ID == id {
			return &ws.NPCs[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the world state.
func (ws *WorldState) Clone() *WorldState {
	if ws == nil {
		return nil
	}
	out := *ws
	out.Player.Inventory = cloneCounts(ws.Player.Inventory)
	if ws.NPCs != nil {
		out.NPCs = make([]NPC, len(ws.NPCs))
		for i, npc := range ws.NPCs {
			npc.Inventory = cloneCounts(npc.Inventory)
			npc.DialogueHistory = append(npc.DialogueHistory[:0:0], npc.DialogueHistory...)
			out.NPCs[i] = npc
		}
	}
	if ws.CurrentMission != nil {
		m := ws.CurrentMission.Clone()
		out.CurrentMission = &m
	}
	out.CompletedMissions = append(ws.CompletedMissions[:0:0], ws.CompletedMissions...)
	return &out
}

// Clone copies the mission including the slices inside its predicate.
func (m Mission) Clone() Mission {
	out := m
	out.Success.AnyIntent = append(out.Success.AnyIntent[:0:0], m.Success.AnyIntent...)
	out.Success.AnyConstruct = append(out.Success.AnyConstruct[:0:0], m.Success.AnyConstruct...)
	if m.Success.QuantityPresent != nil {
		v := *m.Success.QuantityPresent
		out.Success.QuantityPresent = &v
	}
	if m.Success.MinConfidence != nil {
		v := *m.Success.MinConfidence
		out.Success.MinConfidence = &v
	}
	return out
}

func cloneCounts(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
