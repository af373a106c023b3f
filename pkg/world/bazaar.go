package world

import "time"

const (
	StartingGold       = 100
	StartingReputation = 0.5
)

// NewBazaar builds the starting market: three merchants and a guard.
func NewBazaar(now time.Time) *WorldState {
	return &WorldState{
		Timestamp: now,
		Player: Player{
			Inventory:  map[string]int{},
			Gold:       StartingGold,
			Reputation: StartingReputation,
		},
		NPCs: []NPC{
			{
				ID:              "merchant_apple",
				Name:            "Gregor the Apple Merchant",
				Role:            "merchant",
				Position:        Vec3{5, 0, 0},
				Mood:            MoodFriendly,
				Inventory:       map[string]int{"apple": 50, "pear": 30},
				Patience:        1.0,
				DialogueHistory: []string{},
			},
			{
				ID:              "merchant_bread",
				Name:            "Martha the Baker",
				Role:            "merchant",
				Position:        Vec3{-5, 0, 3},
				Mood:            MoodNeutral,
				Inventory:       map[string]int{"bread": 40, "pastry": 20},
				Patience:        0.8,
				DialogueHistory: []string{},
			},
			{
				ID:              "merchant_meat",
				Name:            "Boris the Butcher",
				Role:            "merchant",
				Position:        Vec3{0, 0, -5},
				Mood:            MoodNeutral,
				Inventory:       map[string]int{"meat": 25, "fish": 15, "cheese": 30},
				Patience:        0.6,
				DialogueHistory: []string{},
			},
			{
				ID:              "guard_1",
				Name:            "Sir Roland",
				Role:            "guard",
				Position:        Vec3{10, 0, 10},
				Mood:            MoodNeutral,
				Inventory:       map[string]int{},
				Patience:        0.5,
				DialogueHistory: []string{},
			},
		},
		CompletedMissions: []string{},
		WorldTime:         TimeMorning,
	}
}
