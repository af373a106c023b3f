package world

// PlayerChanges holds field-level player changes. Gold and Reputation are deltas.
type PlayerChanges struct {
	Gold            int            `json:"gold,omitempty"`
	Reputation      float64        `json:"reputation,omitempty"`
	InventoryAdd    map[string]int `json:"inventory_add,omitempty"`
	InventoryRemove map[string]int `json:"inventory_remove,omitempty"`
	Position        *Vec3          `json:"position,omitempty"`
}

func (pc PlayerChanges) IsEmpty() bool {
	return pc.Gold == 0 && pc.Reputation == 0 &&
		len(pc.InventoryAdd) == 0 && len(pc.InventoryRemove) == 0 &&
		pc.Position == nil
}

// NPCChanges holds changes for one NPC. Mood, Patience and Discount are absolute values.
type NPCChanges struct {
	Mood            Mood           `json:"mood,omitempty"`
	Patience        *float64       `json:"patience,omitempty"`
	Discount        *float64       `json:"discount,omitempty"`
	InventoryAdd    map[string]int `json:"inventory_add,omitempty"`
	InventoryRemove map[string]int `json:"inventory_remove,omitempty"`
	Dialogue        []string       `json:"dialogue,omitempty"` // lines appended to history
}

type MissionChanges struct {
	Attempts  int      `json:"attempts,omitempty"`  // delta on the current mission
	Completed string   `json:"completed,omitempty"` // id of the mission completed this turn
	Next      *Mission `json:"next,omitempty"`      // replaces the current mission
}

func (mc MissionChanges) IsEmpty() bool {
	return mc.Attempts == 0 && mc.Completed == "" && mc.Next == nil
}

// WorldDiff is the atomic unit of change produced by one pipeline pass.
type WorldDiff struct {
	PlayerChanges  PlayerChanges         `json:"player_changes"`
	NPCChanges     map[string]NPCChanges `json:"npc_changes"`
	MissionChanges MissionChanges        `json:"mission_changes"`
	NPCDialogue    string                `json:"npc_dialogue,omitempty"`
	NPCID          string                `json:"npc_id,omitempty"`
	WorldEvent     string                `json:"world_event,omitempty"`
	WorldTime      Time                  `json:"world_time,omitempty"`
}

// NewDiff returns a diff with its maps initialised.
func NewDiff() *WorldDiff {
	return &WorldDiff{NPCChanges: make(map[string]NPCChanges)}
}

// IsEmpty reports whether the diff changes any state. Dialogue and world events
// are reports, not state.
func (d *WorldDiff) IsEmpty() bool {
	return d == nil || (d.PlayerChanges.IsEmpty() &&
		len(d.NPCChanges) == 0 &&
		d.MissionChanges.IsEmpty() &&
		d.WorldTime == "")
}

// StripMutations returns a copy that keeps only the spoken reply and world event.
func (d *WorldDiff) StripMutations() *WorldDiff {
	out := NewDiff()
	if d == nil {
		return out
	}
	out.NPCDialogue = d.NPCDialogue
	out.NPCID = d.NPCID
	out.WorldEvent = d.WorldEvent
	return out
}

// Clone returns a deep copy of the diff.
func (d *WorldDiff) Clone() *WorldDiff {
	if d == nil {
		return nil
	}
	out := *d
	out.PlayerChanges.InventoryAdd = cloneCounts(d.PlayerChanges.InventoryAdd)
	out.PlayerChanges.InventoryRemove = cloneCounts(d.PlayerChanges.InventoryRemove)
	if d.PlayerChanges.Position != nil {
		pos := *d.PlayerChanges.Position
		out.PlayerChanges.Position = &pos
	}
	if d.NPCChanges != nil {
		out.NPCChanges = make(map[string]NPCChanges, len(d.NPCChanges))
		for id, c := range d.NPCChanges {
			if c.Patience != nil {
				v := *c.Patience
				c.Patience = &v
			}
			if c.Discount != nil {
				v := *c.Discount
				c.Discount = &v
			}
			c.InventoryAdd = cloneCounts(c.InventoryAdd)
			c.InventoryRemove = cloneCounts(c.InventoryRemove)
			c.Dialogue = append(c.Dialogue[:0:0], c.Dialogue...)
			out.NPCChanges[id] = c
		}
	}
	if d.MissionChanges.Next != nil {
		m := d.MissionChanges.Next.Clone()
		out.MissionChanges.Next = &m
	}
	return &out
}

// NPC returns a mutable copy of the changes for id, to be stored back with SetNPC.
func (d *WorldDiff) NPC(id string) NPCChanges {
	if d.NPCChanges == nil {
		d.NPCChanges = make(map[string]NPCChanges)
	}
	return d.NPCChanges[id]
}

func (d *WorldDiff) SetNPC(id string, c NPCChanges) {
	if d.NPCChanges == nil {
		d.NPCChanges = make(map[string]NPCChanges)
	}
	d.NPCChanges[id] = c
}
