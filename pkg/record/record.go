// Package record defines the persistent item model, bulk array payloads, and
// the error taxonomy shared by the storage engine.
package record

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of persistent item stored in a project.
type Type string

// Supported item type identifiers used in index records and schema lookups.
const (
	// TypeDataItem identifies an acquired or computed data record.
	TypeDataItem Type = "data_item"
	// TypeDisplayItem identifies the presentation state for one or more data items.
	TypeDisplayItem Type = "display_item"
	// TypeComputation identifies a stored processing graph node.
	TypeComputation Type = "computation"
	// TypeConnection identifies a property binding between two items.
	TypeConnection Type = "connection"
	// TypeDataStructure identifies a free-form auxiliary structure.
	TypeDataStructure Type = "data_structure"
	// TypeDataGroup identifies a named grouping of items.
	TypeDataGroup Type = "data_group"
)

// Types lists all supported item types in stable order.
func Types() []Type {
	return []Type{
		TypeDataItem,
		TypeDisplayItem,
		TypeComputation,
		TypeConnection,
		TypeDataStructure,
		TypeDataGroup,
	}
}

// Valid reports whether t is a known item type.
func (t Type) Valid() bool {
	for _, k := range Types() {
		if t == k {
			return true
		}
	}
	return false
}

// Item is a top-level persisted entity. The UUID is assigned at creation and
// never changes or gets reused. ModCount increases monotonically with every
// committed mutation; Created is immutable while Modified tracks the latest
// committed change.
type Item struct {
	UUID          uuid.UUID              `json:"uuid"`
	Type          Type                   `json:"type"`
	SchemaVersion int                    `json:"schema_version"`
	ModCount      uint64                 `json:"mod_count"`
	Created       time.Time              `json:"created"`
	Modified      time.Time              `json:"modified"`
	Live          bool                   `json:"live,omitempty"`
	Properties    map[string]any         `json:"properties"`
	References    map[string][]uuid.UUID `json:"references,omitempty"`
	// Payload holds the in-memory bulk array, nil when the item has none or
	// when it has not been loaded yet.
	Payload *Array `json:"-"`
}

// NewItem constructs an in-memory item of the given type with a fresh UUID
// and creation timestamp. The item is not persisted until first written.
func NewItem(t Type, version int) *Item {
	now := time.Now().UTC()
	return &Item{
		UUID:          uuid.New(),
		Type:          t,
		SchemaVersion: version,
		Created:       now,
		Modified:      now,
		Properties:    map[string]any{},
	}
}

// Touch records a committed mutation: it bumps the modification counter and
// advances the modification timestamp.
func (it *Item) Touch() {
	it.ModCount++
	now := time.Now().UTC()
	if now.After(it.Modified) {
		it.Modified = now
	}
}

// AddReference appends a UUID reference under the named relationship.
// References record source -> dependent links; they carry no ownership.
func (it *Item) AddReference(name string, id uuid.UUID) {
	if it.References == nil {
		it.References = map[string][]uuid.UUID{}
	}
	it.References[name] = append(it.References[name], id)
}

// RemoveReference drops every occurrence of id from all relationship lists,
// returning true when anything was removed.
func (it *Item) RemoveReference(id uuid.UUID) bool {
	removed := false
	for name, ids := range it.References {
		kept := ids[:0]
		for _, ref := range ids {
			if ref == id {
				removed = true
				continue
			}
			kept = append(kept, ref)
		}
		if len(kept) == 0 {
			delete(it.References, name)
		} else {
			it.References[name] = kept
		}
	}
	return removed
}

// Clone returns a deep copy of the item, payload included.
func (it *Item) Clone() *Item {
	cp := *it
	cp.Properties = cloneProperties(it.Properties)
	if it.References != nil {
		cp.References = make(map[string][]uuid.UUID, len(it.References))
		for name, ids := range it.References {
			cp.References[name] = append([]uuid.UUID(nil), ids...)
		}
	}
	if it.Payload != nil {
		cp.Payload = it.Payload.Clone()
	}
	return &cp
}

func cloneProperties(in map[string]any) map[string]any {
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
		return cloneProperties(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
