package schema

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"projectcore/pkg/record"
)

func TestDescribeUnknownType(t *testing.T) {
	if _, err := Describe(record.Type("widget")); err == nil {
		t.Fatalf("expected unknown type error")
	}
	defs, err := Describe(record.TypeDataItem)
	if err != nil || len(defs) == 0 {
		t.Fatalf("Describe: %v (%d fields)", err, len(defs))
	}
}

func TestApplyDefaults(t *testing.T) {
	props, err := ApplyDefaults(record.TypeDataItem, nil)
	if err != nil {
		t.Fatalf("ApplyDefaults: %v", err)
	}
	if props["title"] != "" || props["category"] != "persistent" || props["is_sequence"] != false {
		t.Fatalf("unexpected defaults %+v", props)
	}
	if _, ok := props["data"]; ok {
		t.Fatalf("array ref field must not appear in properties")
	}
	props["title"] = "kept"
	props, _ = ApplyDefaults(record.TypeDataItem, props)
	if props["title"] != "kept" {
		t.Fatalf("default overwrote existing value")
	}
}

func TestValidate(t *testing.T) {
	it := record.NewItem(record.TypeDataItem, CurrentVersion)
	it.Properties["title"] = "scan 1"
	it.Properties["is_sequence"] = true
	it.Properties["metadata"] = map[string]any{"instrument": "stem"}
	if err := Validate(it); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	it.Properties["bogus"] = 1
	assertSchemaError(t, Validate(it), "unknown field")
	delete(it.Properties, "bogus")

	it.Properties["title"] = 42
	assertSchemaError(t, Validate(it), "wrong kind")
	it.Properties["title"] = "scan 1"

	it.Properties["data"] = []byte{1}
	assertSchemaError(t, Validate(it), "array ref in properties")
	delete(it.Properties, "data")

	it.Payload, _ = record.NewArray(record.DTypeFloat64, 2, 2)
	if err := Validate(it); err != nil {
		t.Fatalf("Validate with payload: %v", err)
	}
	it.Payload.Data = it.Payload.Data[:4]
	assertSchemaError(t, Validate(it), "truncated payload")
}

func TestValidateRequired(t *testing.T) {
	it := record.NewItem(record.TypeConnection, CurrentVersion)
	it.Properties["connection_type"] = "property"
	it.Properties["source_uuid"] = uuid.New().String()
	assertSchemaError(t, Validate(it), "missing target_uuid")
	it.Properties["target_uuid"] = uuid.New().String()
	if err := Validate(it); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateJSONShapes(t *testing.T) {
	// Properties reloaded from the index arrive as encoding/json shapes.
	it := record.NewItem(record.TypeDataItem, CurrentVersion)
	it.Properties["collection_dimension_count"] = float64(2)
	it.Properties["dimensional_calibrations"] = []any{
		map[string]any{"offset": 0.0, "scale": 1.0, "units": "nm"},
	}
	if err := Validate(it); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	it.Properties["collection_dimension_count"] = 2.5
	assertSchemaError(t, Validate(it), "non-integral int")
}

func assertSchemaError(t *testing.T, err error, what string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected schema error (%s)", what)
	}
	var se *record.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("%s: got %T, want *record.SchemaError", what, err)
	}
}
