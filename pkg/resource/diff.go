package resource

import (
	"encoding/json"
	"maps"
	"slices"
)

// DiffType represents the type of change detected.
type DiffType string

const (
	// DiffAdded indicates a new entity was delivered.
	DiffAdded DiffType = "added"
	// DiffModified indicates an entity's title, properties or relations changed.
	DiffModified DiffType = "modified"
)

// Change represents a single field change.
// The field name is the map key in EntityDiff.Changes.
type Change struct {
	Previous string
	Current  string
}

// EntityDiff represents a detected change in an entity between deliveries.
type EntityDiff struct {
	Type     DiffType
	Entity   Entity
	Previous *Entity          // nil for added entities
	Changes  map[string]Change // field name → change details
}

// EntityKey returns a key identifying an entity across resyncs.
func EntityKey(e Entity) string {
	return e.Blueprint + "|" + e.Identifier
}

// DiffEntity compares curr against prev. It returns nil when prev is non-nil
// and nothing changed.
func DiffEntity(prev *Entity, curr Entity) *EntityDiff {
	if prev == nil {
		return &EntityDiff{Type: DiffAdded, Entity: curr}
	}

	changes := make(map[string]Change)
	if prev.Title != curr.Title {
		changes["title"] = Change{Previous: prev.Title, Current: curr.Title}
	}
	diffFields(changes, "properties.", prev.Properties, curr.Properties)
	diffFields(changes, "relations.", prev.Relations, curr.Relations)

	if len(changes) == 0 {
		return nil
	}
	return &EntityDiff{Type: DiffModified, Entity: curr, Previous: prev, Changes: changes}
}

func diffFields(changes map[string]Change, prefix string, prev, curr map[string]any) {
	keys := slices.Collect(maps.Keys(prev))
	for k := range curr {
		if _, ok := prev[k]; !ok {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		p, c := render(prev[k]), render(curr[k])
		if p != c {
			changes[prefix+k] = Change{Previous: p, Current: c}
		}
	}
}

// render gives a stable string form for comparing decoded JSON values.
func render(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
