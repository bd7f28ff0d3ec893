package models

import (
	"reflect"
	"time"
)

// Event is a domain change emitted by the record store. The engine consumes
// events through TriggerMatcher; it never produces them.
type Event struct {
	Type       TriggerType `json:"type"`
	ModuleID   int64       `json:"module_id"`
	RecordID   int64       `json:"record_id"`
	RecordType string      `json:"record_type"`
	Before     FieldMap    `json:"before,omitempty"` // nil on create
	After      FieldMap    `json:"after,omitempty"`  // nil on delete

	// Set for related_created / related_updated events.
	RelatedModule       string `json:"related_module,omitempty"`
	RelatedRelationship string `json:"related_relationship,omitempty"`

	ActorID    *int64    `json:"actor_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// IsCreate reports whether the event represents a record creation.
func (e Event) IsCreate() bool {
	return e.Type == TriggerRecordCreated || e.Type == TriggerRelatedCreated
}

// FieldChange is one before/after pair in an event's change set.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Changes computes the per-field change set between Before and After,
// including fields removed in After.
func (e Event) Changes() map[string]FieldChange {
	changes := make(map[string]FieldChange)
	for k, newVal := range e.After {
		oldVal, had := e.Before[k]
		if !had {
			oldVal = nil
		}
		if !looseEqual(oldVal, newVal) {
			changes[k] = FieldChange{Old: oldVal, New: newVal}
		}
	}
	for k, oldVal := range e.Before {
		if _, still := e.After[k]; !still {
			changes[k] = FieldChange{Old: oldVal, New: nil}
		}
	}
	return changes
}

// looseEqual compares values the way JSON round-trips deliver them: numbers
// widen to float64, composites compare structurally.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}
