package world

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidDiff is wrapped by every validation failure in Apply.
var ErrInvalidDiff = errors.New("invalid world diff")

// ApplyCopy applies the diff to a deep copy of ws and returns the copy.
// ws itself is never modified, so a failed apply leaves it exactly as it was.
func ApplyCopy(ws *WorldState, d *WorldDiff, now time.Time) (*WorldState, error) {
	next := ws.Clone()
	if err := Apply(next, d); err != nil {
		return nil, err
	}
	next.Turn++
	next.Timestamp = now
	return next, nil
}

// Apply mutates ws in place. On error ws may be partially updated,
// so callers that need atomicity should go through ApplyCopy.
func Apply(ws *WorldState, d *WorldDiff) error {
	if d == nil {
		return nil
	}

	if err := applyPlayer(&ws.Player, d.PlayerChanges); err != nil {
		return err
	}

	// Sorted so a failure is deterministic regardless of map order.
	ids := make([]string, 0, len(d.NPCChanges))
	for id := range d.NPCChanges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		npc := ws.NPC(id)
		if npc == nil {
			return fmt.Errorf("%w: unknown npc %q", ErrInvalidDiff, id)
		}
		if err := applyNPC(npc, d.NPCChanges[id]); err != nil {
			return fmt.Errorf("npc %s: %w", id, err)
		}
	}

	if err := applyMission(ws, d.MissionChanges); err != nil {
		return err
	}

	if d.WorldTime != "" {
		if d.WorldTime != ws.WorldTime.Next() {
			return fmt.Errorf("%w: world time %s cannot follow %s", ErrInvalidDiff, d.WorldTime, ws.WorldTime)
		}
		ws.WorldTime = d.WorldTime
	}

	return nil
}

func applyPlayer(p *Player, c PlayerChanges) error {
	if p.Gold+c.Gold < 0 {
		return fmt.Errorf("%w: gold would drop to %d", ErrInvalidDiff, p.Gold+c.Gold)
	}
	p.Gold += c.Gold

	if c.Reputation != 0 {
		p.Reputation = clamp01(p.Reputation + c.Reputation)
	}

	if p.Inventory == nil {
		p.Inventory = make(map[string]int)
	}
	if err := applyCounts(p.Inventory, c.InventoryAdd, c.InventoryRemove); err != nil {
		return fmt.Errorf("player inventory: %w", err)
	}

	if c.Position != nil {
		p.Position = *c.Position
	}
	return nil
}

func applyNPC(npc *NPC, c NPCChanges) error {
	if c.Mood != "" {
		if !c.Mood.Valid() {
			return fmt.Errorf("%w: unknown mood %q", ErrInvalidDiff, c.Mood)
		}
		npc.Mood = c.Mood
	}
	if c.Patience != nil {
		if *c.Patience < 0 || *c.Patience > 1 {
			return fmt.Errorf("%w: patience %.2f out of range", ErrInvalidDiff, *c.Patience)
		}
		npc.Patience = *c.Patience
	}
	if c.Discount != nil {
		if *c.Discount < 0 || *c.Discount >= 1 {
			return fmt.Errorf("%w: discount %.2f out of range", ErrInvalidDiff, *c.Discount)
		}
		npc.Discount = *c.Discount
	}
	if npc.Inventory == nil {
		npc.Inventory = make(map[string]int)
	}
	if err := applyCounts(npc.Inventory, c.InventoryAdd, c.InventoryRemove); err != nil {
		return fmt.Errorf("inventory: %w", err)
	}
	if len(c.Dialogue) > 0 {
		npc.DialogueHistory = append(npc.DialogueHistory, c.Dialogue...)
		if over := len(npc.DialogueHistory) - DialogueHistoryCap; over > 0 {
			npc.DialogueHistory = append([]string(nil), npc.DialogueHistory[over:]...)
		}
	}
	return nil
}

func applyMission(ws *WorldState, c MissionChanges) error {
	if c.Attempts != 0 || c.Completed != "" {
		if ws.CurrentMission == nil {
			return fmt.Errorf("%w: mission change without a current mission", ErrInvalidDiff)
		}
	}
	if c.Attempts != 0 {
		ws.CurrentMission.Attempts += c.Attempts
	}
	if c.Completed != "" {
		if c.Completed != ws.CurrentMission.ID {
			return fmt.Errorf("%w: completed mission %q is not current (%q)", ErrInvalidDiff, c.Completed, ws.CurrentMission.ID)
		}
		ws.CurrentMission.IsComplete = true
		ws.CompletedMissions = append(ws.CompletedMissions, c.Completed)
	}
	if c.Next != nil {
		m := c.Next.Clone()
		ws.CurrentMission = &m
	}
	return nil
}

func applyCounts(inv map[string]int, add, remove map[string]int) error {
	for item, n := range remove {
		if n < 0 {
			return fmt.Errorf("%w: negative removal of %s", ErrInvalidDiff, item)
		}
		if inv[item] < n {
			return fmt.Errorf("%w: cannot remove %d %s, only %d held", ErrInvalidDiff, n, item, inv[item])
		}
	}
	for item, n := range add {
		if n < 0 {
			return fmt.Errorf("%w: negative addition of %s", ErrInvalidDiff, item)
		}
	}
	for item, n := range remove {
		inv[item] -= n
		if inv[item] == 0 {
			delete(inv, item)
		}
	}
	for item, n := range add {
		if n > 0 {
			inv[item] += n
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
