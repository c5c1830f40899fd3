package schema

import (
	"fmt"

	"projectcore/pkg/record"
)

// upgradeStep transforms a property map from one schema version to the next.
// Steps are pure: they receive and return copies, never touching disk.
type upgradeStep func(props map[string]any) (map[string]any, error)

// upgrades holds the ordered per-type steps; upgrades[t][n] converts a
// version n+1 record to version n+2. A type may have no steps for versions
// where its shape did not change.
var upgrades = map[record.Type]map[int]upgradeStep{
	record.TypeDataItem: {
		1: upgradeDataItemV1,
		2: upgradeDataItemV2,
	},
	record.TypeDisplayItem: {
		2: upgradeDisplayItemV2,
	},
	record.TypeComputation: {
		1: upgradeComputationV1,
	},
}

// Upgrade brings a property map from the given version to CurrentVersion by
// applying all intervening steps in order. It fails with a SchemaError when
// the version is ahead of the software or no path exists.
func Upgrade(t record.Type, props map[string]any, from int) (map[string]any, error) {
	if from > CurrentVersion {
		return nil, &record.SchemaError{Type: t, FromVersion: from, Reason: fmt.Sprintf("version is ahead of supported version %d", CurrentVersion)}
	}
	if from < 1 {
		return nil, &record.SchemaError{Type: t, FromVersion: from, Reason: "no upgrade path"}
	}
	if _, err := Describe(t); err != nil {
		return nil, err
	}
	out := copyProps(props)
	for v := from; v < CurrentVersion; v++ {
		next, err := UpgradeOne(t, out, v)
		if err != nil {
			return nil, err
		}
		out = next
	}
	return out, nil
}

// UpgradeOne applies the single transform bringing a property map from
// version from to from+1. Versions where the type's shape did not change
// return a plain copy.
func UpgradeOne(t record.Type, props map[string]any, from int) (map[string]any, error) {
	if from < 1 || from >= CurrentVersion {
		return nil, &record.SchemaError{Type: t, FromVersion: from, Reason: "no upgrade path"}
	}
	step, ok := upgrades[t][from]
	if !ok {
		return copyProps(props), nil
	}
	out, err := step(props)
	if err != nil {
		return nil, &record.SchemaError{Type: t, FromVersion: from, Reason: err.Error()}
	}
	return out, nil
}

// upgradeDataItemV1 renames the legacy v1 property keys.
func upgradeDataItemV1(props map[string]any) (map[string]any, error) {
	out := copyProps(props)
	renameKey(out, "caption", "description")
	renameKey(out, "calibrations", "dimensional_calibrations")
	renameKey(out, "intrinsic_intensity_calibration", "intensity_calibration")
	return out, nil
}

// upgradeDataItemV2 drops the embedded display sub-record. The migration
// engine extracts it into a separate display item first (see SplitDisplay);
// a v2 record reaching this step without extraction simply loses the copy
// that already lives on the new display item.
func upgradeDataItemV2(props map[string]any) (map[string]any, error) {
	out := copyProps(props)
	delete(out, "display")
	return out, nil
}

// upgradeDisplayItemV2 renames the calibration display mode key introduced
// when display items split off from data items.
func upgradeDisplayItemV2(props map[string]any) (map[string]any, error) {
	out := copyProps(props)
	renameKey(out, "display_calibrated_values", "calibration_style")
	if v, ok := out["calibration_style"].(bool); ok {
		if v {
			out["calibration_style"] = "calibrated"
		} else {
			out["calibration_style"] = "pixels"
		}
	}
	return out, nil
}

// upgradeComputationV1 renames the legacy expression key.
func upgradeComputationV1(props map[string]any) (map[string]any, error) {
	out := copyProps(props)
	renameKey(out, "expression", "original_expression")
	return out, nil
}

// SplitDisplay extracts the embedded v2 display sub-record of a combined
// data item into a standalone display item property map. It returns the data
// item properties without the sub-record, the extracted display properties,
// and whether a sub-record was present. Used by the migration engine for the
// v2 -> v3 structural transform.
func SplitDisplay(props map[string]any) (item, display map[string]any, ok bool) {
	sub, found := props["display"].(map[string]any)
	item = copyProps(props)
	delete(item, "display")
	if !found {
		return item, nil, false
	}
	display = map[string]any{}
	if title, ok := item["title"].(string); ok {
		display["title"] = title
	}
	for k, v := range sub {
		switch k {
		case "display_calibrated_values":
			style := "pixels"
			if b, ok := v.(bool); ok && b {
				style = "calibrated"
			}
			display["calibration_style"] = style
		case "graphics", "display_layers", "display_properties", "display_type":
			display[k] = v
		}
	}
	return item, display, true
}

func copyProps(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func renameKey(m map[string]any, from, to string) {
	if v, ok := m[from]; ok {
		if _, exists := m[to]; !exists {
			m[to] = v
		}
		delete(m, from)
	}
}
