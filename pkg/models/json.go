package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// FieldMap holds record field values keyed by field name. Nested maps are
// addressable with dot notation (see engine.Lookup).
type FieldMap map[string]any

// Clone returns a deep copy: nested maps and slices are copied, scalar
// values are shared.
func (m FieldMap) Clone() FieldMap {
	if m == nil {
		return nil
	}
	out := make(FieldMap, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case FieldMap:
		return t.Clone()
	case JSONMap:
		return JSONMap(FieldMap(t).Clone())
	case map[string]any:
		return map[string]any(FieldMap(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return t
	}
}

// JSONMap is a free-form JSON object persisted as a JSONB column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst any) error {
	if src == nil {
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}
