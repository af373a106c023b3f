// Package agents holds the deterministic collaborators of the session
// pipeline (rule interpreter, verifier, executor, planner) and the network
// backed ones (LLM interpreter, voice synthesizer).
package agents

import (
	"sort"
	"strings"

	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

// Prices is the bazaar's fixed unit price list, in gold.
var Prices = map[string]int{
	"apple":  5,
	"bread":  8,
	"cheese": 15,
	"meat":   25,
	"fish":   20,
	"potion": 50,
	"sword":  100,
	"shield": 80,
	"pear":   4,
	"pastry": 10,
}

// knownItems returns every priced item plus anything an NPC carries.
func knownItems(ws *world.WorldState) map[string]bool {
	items := make(map[string]bool, len(Prices))
	for item := range Prices {
		items[item] = true
	}
	if ws != nil {
		for _, npc := range ws.NPCs {
			for item := range npc.Inventory {
				items[item] = true
			}
		}
	}
	return items
}

// singular maps a spoken word onto a known item name, or "".
func singular(word string, items map[string]bool) string {
	if items[word] {
		return word
	}
	switch {
	case strings.HasSuffix(word, "ies"):
		if base := strings.TrimSuffix(word, "ies") + "y"; items[base] {
			return base
		}
	case strings.HasSuffix(word, "ves"):
		if base := strings.TrimSuffix(word, "ves") + "f"; items[base] {
			return base
		}
	}
	if strings.HasSuffix(word, "es") {
		if base := strings.TrimSuffix(word, "es"); items[base] {
			return base
		}
	}
	if strings.HasSuffix(word, "s") {
		if base := strings.TrimSuffix(word, "s"); items[base] {
			return base
		}
	}
	return ""
}

func sortedItems(inv map[string]int) []string {
	out := make([]string, 0, len(inv))
	for item, n := range inv {
		if n > 0 {
			out = append(out, item)
		}
	}
	sort.Strings(out)
	return out
}

func sortedPriceList() []string {
	out := make([]string, 0, len(Prices))
	for item := range Prices {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
