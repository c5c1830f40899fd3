// Package schema defines the typed, versioned shape of persisted records and
// the ordered upgrade transforms between schema versions.
package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"projectcore/pkg/record"
)

// CurrentVersion is the schema version written by this software. A project
// stamped with a lower version must be migrated before any write; a higher
// version cannot be opened.
const CurrentVersion = 3

// Kind enumerates the closed set of field value types. Every backend can
// serialize every kind without per-backend special cases.
type Kind int

// Field kinds.
const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindBool
	KindUUID
	KindTimestamp
	KindRecord
	KindRecordList
	// KindArrayRef marks the field whose value is the bulk array payload.
	// The payload is stored out of band via a storage handler; the field
	// never appears in the property map itself.
	KindArrayRef
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindUUID:
		return "uuid"
	case KindTimestamp:
		return "timestamp"
	case KindRecord:
		return "record"
	case KindRecordList:
		return "record_list"
	case KindArrayRef:
		return "array_ref"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Field declares one named property of an item type.
type Field struct {
	Name     string
	Kind     Kind
	Default  any
	Required bool
}

// fields is the current (CurrentVersion) shape of every item type.
var fields = map[record.Type][]Field{
	record.TypeDataItem: {
		{Name: "title", Kind: KindString, Default: ""},
		{Name: "description", Kind: KindString, Default: ""},
		{Name: "session_id", Kind: KindString},
		{Name: "category", Kind: KindString, Default: "persistent"},
		{Name: "timezone", Kind: KindString},
		{Name: "is_sequence", Kind: KindBool, Default: false},
		{Name: "collection_dimension_count", Kind: KindInt, Default: 0},
		{Name: "datum_dimension_count", Kind: KindInt, Default: 0},
		{Name: "intensity_calibration", Kind: KindRecord},
		{Name: "dimensional_calibrations", Kind: KindRecordList},
		{Name: "metadata", Kind: KindRecord},
		{Name: "data", Kind: KindArrayRef},
	},
	record.TypeDisplayItem: {
		{Name: "title", Kind: KindString, Default: ""},
		{Name: "display_type", Kind: KindString},
		{Name: "calibration_style", Kind: KindString, Default: "calibrated"},
		{Name: "display_layers", Kind: KindRecordList},
		{Name: "graphics", Kind: KindRecordList},
		{Name: "display_properties", Kind: KindRecord},
	},
	record.TypeComputation: {
		{Name: "label", Kind: KindString, Default: ""},
		{Name: "processing_id", Kind: KindString, Required: true},
		{Name: "original_expression", Kind: KindString},
		{Name: "variables", Kind: KindRecordList},
		{Name: "results", Kind: KindRecordList},
		{Name: "error_text", Kind: KindString},
	},
	record.TypeConnection: {
		{Name: "connection_type", Kind: KindString, Required: true},
		{Name: "source_uuid", Kind: KindUUID, Required: true},
		{Name: "target_uuid", Kind: KindUUID, Required: true},
		{Name: "source_property", Kind: KindString},
		{Name: "target_property", Kind: KindString},
	},
	record.TypeDataStructure: {
		{Name: "structure_type", Kind: KindString, Required: true},
		{Name: "source_uuid", Kind: KindUUID},
		{Name: "content", Kind: KindRecord},
	},
	record.TypeDataGroup: {
		{Name: "title", Kind: KindString, Default: ""},
	},
}

// Describe returns the current field definitions for the item type.
func Describe(t record.Type) ([]Field, error) {
	defs, ok := fields[t]
	if !ok {
		return nil, &record.SchemaError{Type: t, FromVersion: CurrentVersion, Reason: "unknown item type"}
	}
	return append([]Field(nil), defs...), nil
}

// ApplyDefaults fills missing optional fields that declare a default value.
// The input map is modified in place and returned.
func ApplyDefaults(t record.Type, props map[string]any) (map[string]any, error) {
	defs, err := Describe(t)
	if err != nil {
		return nil, err
	}
	if props == nil {
		props = map[string]any{}
	}
	for _, f := range defs {
		if f.Default == nil || f.Kind == KindArrayRef {
			continue
		}
		if _, ok := props[f.Name]; !ok {
			props[f.Name] = f.Default
		}
	}
	return props, nil
}

// Validate checks an item's properties against the current field set. It is
// applied at serialization boundaries so that a bad record is caught before
// it reaches disk rather than at the next load.
func Validate(it *record.Item) error {
	defs, err := Describe(it.Type)
	if err != nil {
		return err
	}
	byName := make(map[string]Field, len(defs))
	for _, f := range defs {
		byName[f.Name] = f
	}
	for name, value := range it.Properties {
		f, ok := byName[name]
		if !ok {
			return &record.SchemaError{Type: it.Type, FromVersion: it.SchemaVersion, Reason: fmt.Sprintf("unknown field %q", name)}
		}
		if f.Kind == KindArrayRef {
			return &record.SchemaError{Type: it.Type, FromVersion: it.SchemaVersion, Reason: fmt.Sprintf("field %q is stored out of band", name)}
		}
		if !kindMatches(f.Kind, value) {
			return &record.SchemaError{Type: it.Type, FromVersion: it.SchemaVersion, Reason: fmt.Sprintf("field %q: %v is not a %s", name, value, f.Kind)}
		}
	}
	for _, f := range defs {
		if !f.Required {
			continue
		}
		if _, ok := it.Properties[f.Name]; !ok {
			return &record.SchemaError{Type: it.Type, FromVersion: it.SchemaVersion, Reason: fmt.Sprintf("missing required field %q", f.Name)}
		}
	}
	if it.Payload != nil {
		if err := it.Payload.Validate(); err != nil {
			return &record.SchemaError{Type: it.Type, FromVersion: it.SchemaVersion, Reason: err.Error()}
		}
	}
	return nil
}

// kindMatches accepts both native Go values and the shapes produced by
// encoding/json (float64 for every number, map[string]any, []any).
func kindMatches(k Kind, v any) bool {
	if v == nil {
		return true
	}
	switch k {
	case KindInt:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case KindFloat:
		switch v.(type) {
		case float32, float64, int, int64:
			return true
		}
		return false
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindUUID:
		switch u := v.(type) {
		case uuid.UUID:
			return true
		case string:
			_, err := uuid.Parse(u)
			return err == nil
		}
		return false
	case KindTimestamp:
		switch ts := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339Nano, ts)
			return err == nil
		}
		return false
	case KindRecord:
		_, ok := v.(map[string]any)
		return ok
	case KindRecordList:
		list, ok := v.([]any)
		if !ok {
			return false
		}
		for _, e := range list {
			if _, ok := e.(map[string]any); !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}
