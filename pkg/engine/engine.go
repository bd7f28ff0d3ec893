// Package engine implements the workflow automation core: trigger matching,
// condition evaluation, step graph execution, admission control, versioning
// and templates. Persistence goes through pkg/storage.Store; external CRM
// subsystems are reached only through the narrow interfaces in actions.go.
package engine

import (
	"time"

	"github.com/ChrisMoss87/crmflow/pkg/models"
)

// Logger is the logging interface the engine components accept. The logrus
// singleton in internal/log satisfies it; tests inject a no-op.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// BuildContext assembles the execution context handed to condition evaluation
// and action dispatch: the record snapshot, the event change set, the acting
// user and a step_outputs map populated as the graph runs.
func BuildContext(event models.Event) models.FieldMap {
	record := models.FieldMap{
		"id":        event.RecordID,
		"module_id": event.ModuleID,
	}
	for k, v := range event.After {
		record[k] = v
	}

	changes := map[string]any{}
	changedFields := []string{}
	if event.Before != nil {
		for field, ch := range event.Changes() {
			changes[field] = map[string]any{"old": ch.Old, "new": ch.New}
			changedFields = append(changedFields, field)
		}
	}

	ctx := models.FieldMap{
		"record":         map[string]any(record),
		"record_id":      event.RecordID,
		"module_id":      event.ModuleID,
		"module":         event.RecordType,
		"old_data":       map[string]any(event.Before),
		"changes":        changes,
		"changed_fields": changedFields,
		"timestamp":      event.OccurredAt.UTC().Format(time.RFC3339),
		"step_outputs":   map[string]any{},
	}
	if event.ActorID != nil {
		ctx["user_id"] = *event.ActorID
	}
	return ctx
}

// stepOutputs returns the step_outputs map from a context, creating it when
// absent.
func stepOutputs(ctx models.FieldMap) map[string]any {
	if raw, ok := ctx["step_outputs"]; ok {
		if m, ok := raw.(map[string]any); ok {
			return m
		}
	}
	m := map[string]any{}
	ctx["step_outputs"] = m
	return m
}
