package engine

import (
	"strconv"
	"strings"

	"github.com/ChrisMoss87/crmflow/pkg/models"
)

// Lookup resolves a dot-notation path against a field map. The second return
// reports whether the path resolved at all, which operators use to apply
// missing-field semantics.
func Lookup(ctx models.FieldMap, path string) (any, bool) {
	var cur any = map[string]any(ctx)
	for _, key := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case models.FieldMap:
		return m, true
	case models.JSONMap:
		return m, true
	default:
		return nil, false
	}
}

// EvaluateConditions evaluates a normalized condition tree against a context.
// It is pure: no I/O, no side effects, deterministic for identical inputs.
// An empty tree evaluates true.
func EvaluateConditions(cs models.ConditionSet, ctx models.FieldMap) bool {
	if cs.IsEmpty() {
		return true
	}
	results := make([]bool, 0, len(cs.Groups))
	for _, g := range cs.Groups {
		results = append(results, evaluateGroup(g, ctx))
	}
	return combine(results, cs.Logic)
}

func evaluateGroup(g models.ConditionGroup, ctx models.FieldMap) bool {
	if len(g.Conditions) == 0 {
		return true
	}
	results := make([]bool, 0, len(g.Conditions))
	for _, c := range g.Conditions {
		results = append(results, evaluateCondition(c, ctx))
	}
	return combine(results, g.Logic)
}

func combine(results []bool, logic string) bool {
	if logic == models.LogicOr {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

func evaluateCondition(c models.Condition, ctx models.FieldMap) bool {
	actual, found := Lookup(ctx, c.Field)

	switch c.Operator {
	// Positive operators are false against a missing field; their negations
	// are true. This silently decides trigger activation, so it is spelled
	// out case by case rather than derived.
	case "equals", "eq", "==":
		return found && valuesEqual(actual, c.Value)
	case "not_equals", "neq", "!=":
		return !found || !valuesEqual(actual, c.Value)
	case "greater_than", "gt", ">":
		return found && numericCompare(actual, c.Value, func(a, b float64) bool { return a > b })
	case "greater_than_or_equals", "gte", ">=":
		return found && numericCompare(actual, c.Value, func(a, b float64) bool { return a >= b })
	case "less_than", "lt", "<":
		return found && numericCompare(actual, c.Value, func(a, b float64) bool { return a < b })
	case "less_than_or_equals", "lte", "<=":
		return found && numericCompare(actual, c.Value, func(a, b float64) bool { return a <= b })

	case "contains":
		return found && stringPair(actual, c.Value, strings.Contains)
	case "not_contains":
		return !found || !stringPair(actual, c.Value, strings.Contains)
	case "starts_with":
		return found && stringPair(actual, c.Value, strings.HasPrefix)
	case "ends_with":
		return found && stringPair(actual, c.Value, strings.HasSuffix)

	case "in":
		return found && inList(actual, c.Value)
	case "not_in":
		return !found || !inList(actual, c.Value)

	case "is_empty":
		return !found || isEmpty(actual)
	case "is_not_empty":
		return found && !isEmpty(actual)
	case "is_null":
		return !found || actual == nil
	case "is_not_null":
		return found && actual != nil

	case "is_true":
		return found && isTruthy(actual)
	case "is_false":
		return found && isFalsy(actual)

	// Change operators consult the event change set carried in the context.
	case "changed":
		_, ok := changeFor(ctx, c.Field)
		return ok
	case "changed_to":
		ch, ok := changeFor(ctx, c.Field)
		return ok && valuesEqual(ch.New, c.Value)
	case "changed_from":
		ch, ok := changeFor(ctx, c.Field)
		return ok && valuesEqual(ch.Old, c.Value)
	case "was_empty_now_filled":
		ch, ok := changeFor(ctx, c.Field)
		return ok && isEmpty(ch.Old) && !isEmpty(ch.New)
	case "was_filled_now_empty":
		ch, ok := changeFor(ctx, c.Field)
		return ok && !isEmpty(ch.Old) && isEmpty(ch.New)

	default:
		return false
	}
}

func changeFor(ctx models.FieldMap, field string) (models.FieldChange, bool) {
	raw, ok := ctx["changes"]
	if !ok {
		return models.FieldChange{}, false
	}
	switch changes := raw.(type) {
	case map[string]models.FieldChange:
		ch, ok := changes[field]
		return ch, ok
	case map[string]any:
		entry, ok := changes[field]
		if !ok {
			return models.FieldChange{}, false
		}
		if ch, ok := entry.(models.FieldChange); ok {
			return ch, true
		}
		if m, ok := entry.(map[string]any); ok {
			return models.FieldChange{Old: m["old"], New: m["new"]}, true
		}
		return models.FieldChange{}, false
	default:
		return models.FieldChange{}, false
	}
}

// valuesEqual compares with the coercion rules the trigger matcher also uses:
// case-insensitive strings, numeric widening, strict otherwise.
func valuesEqual(actual, expected any) bool {
	if expected == nil || actual == nil {
		return actual == nil && expected == nil
	}
	if as, aok := actual.(string); aok {
		if es, eok := expected.(string); eok {
			return strings.EqualFold(as, es)
		}
	}
	if af, aok := toNumber(actual); aok {
		if ef, eok := toNumber(expected); eok {
			return af == ef
		}
	}
	if ab, aok := actual.(bool); aok {
		if eb, eok := expected.(bool); eok {
			return ab == eb
		}
	}
	return actual == expected
}

func numericCompare(actual, expected any, cmp func(a, b float64) bool) bool {
	a, aok := toNumber(actual)
	b, bok := toNumber(expected)
	return aok && bok && cmp(a, b)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringPair(actual, expected any, fn func(s, sub string) bool) bool {
	as, aok := actual.(string)
	es, eok := expected.(string)
	return aok && eok && fn(strings.ToLower(as), strings.ToLower(es))
}

func inList(actual, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if valuesEqual(actual, item) {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		if f, ok := toNumber(v); ok {
			return f == 0
		}
		return false
	}
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	default:
		if f, ok := toNumber(v); ok {
			return f == 1
		}
		return false
	}
}

func isFalsy(v any) bool {
	switch t := v.(type) {
	case bool:
		return !t
	case string:
		return t == "0" || strings.EqualFold(t, "false")
	default:
		if f, ok := toNumber(v); ok {
			return f == 0
		}
		return false
	}
}
