package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/ChrisMoss87/crmflow/pkg/models"
)

func cfgInt(cfg models.JSONMap, key string) (int64, error) {
	v, ok := cfg[key]
	if !ok {
		return 0, errors.Errorf("missing %s", key)
	}
	n, err := numeric(v)
	if err != nil {
		return 0, errors.Errorf("%s is not numeric", key)
	}
	return int64(n), nil
}

func numeric(v any) (float64, error) {
	n, ok := toNumber(v)
	if !ok {
		return 0, errors.Errorf("%v is not numeric", v)
	}
	return n, nil
}

// cfgStringList accepts a JSON array, a single string, or a comma-separated
// string.
func cfgStringList(cfg models.JSONMap, key string) []string {
	switch v := cfg[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func cfgFieldMap(cfg models.JSONMap, key string) models.FieldMap {
	if m, ok := cfg[key].(map[string]any); ok {
		return models.FieldMap(m)
	}
	return nil
}

// targetRecord resolves which record an action operates on: an explicit
// record_id/module in the config wins, otherwise the triggering record.
func targetRecord(cfg models.JSONMap, execCtx models.FieldMap) (string, int64, error) {
	module, _ := cfg["module"].(string)
	if module == "" {
		module, _ = execCtx["module"].(string)
	}
	if raw, ok := cfg["record_id"]; ok {
		n, err := numeric(raw)
		if err != nil {
			return "", 0, errors.New("record_id is not numeric")
		}
		return module, int64(n), nil
	}
	id, ok := recordID(execCtx)
	if !ok {
		return "", 0, errors.New("no target record in context")
	}
	return module, id, nil
}

func recordID(execCtx models.FieldMap) (int64, bool) {
	n, err := numeric(execCtx["record_id"])
	if err != nil {
		return 0, false
	}
	return int64(n), true
}

func fieldNames(fields models.FieldMap) []string {
	out := make([]string, 0, len(fields))
	for k := range fields {
		out = append(out, k)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// decodeConditions round-trips an untyped conditions value from an action
// config through JSON so ConditionSet's normalizing unmarshal applies.
func decodeConditions(raw any, cs *models.ConditionSet) error {
	if raw == nil {
		return errors.New("conditions missing")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, cs)
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// interpolate replaces {{path}} placeholders with values looked up in the
// execution context using dot notation. A string that is exactly one
// placeholder yields the raw value, preserving its type; otherwise matches
// are stringified in place and unresolved ones are left untouched.
func interpolate(v any, execCtx models.FieldMap) any {
	s, ok := v.(string)
	if !ok {
		switch typed := v.(type) {
		case map[string]any:
			return map[string]any(interpolateMap(typed, execCtx))
		case []any:
			out := make([]any, len(typed))
			for i, item := range typed {
				out[i] = interpolate(item, execCtx)
			}
			return out
		}
		return v
	}
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == s {
		if val, found := Lookup(execCtx, m[1]); found {
			return val
		}
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		if val, found := Lookup(execCtx, path); found {
			return fmt.Sprint(val)
		}
		return match
	})
}

func interpolateMap(cfg models.JSONMap, execCtx models.FieldMap) models.JSONMap {
	out := make(models.JSONMap, len(cfg))
	for k, v := range cfg {
		// Condition trees are evaluated against the live context, not
		// textually substituted.
		if k == "conditions" {
			out[k] = v
			continue
		}
		out[k] = interpolate(v, execCtx)
	}
	return out
}
