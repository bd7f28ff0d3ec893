package engine

import (
	"sort"
	"strings"

	"github.com/ChrisMoss87/crmflow/pkg/models"
)

// Matcher decides which workflow definitions fire for a domain event.
type Matcher struct {
	logger Logger
}

func NewMatcher(logger Logger) *Matcher {
	return &Matcher{logger: logger}
}

// Match returns the workflows whose trigger fires for the event, highest
// priority first. Inactive workflows never match; webhook and manual triggers
// are only reachable through their own admission paths and never match here.
// The workflow's top-level condition tree must also hold against the event
// context before the workflow is considered fired.
func (m *Matcher) Match(event models.Event, workflows []models.Workflow) []models.Workflow {
	var fired []models.Workflow
	for _, wf := range workflows {
		if !wf.IsActive {
			continue
		}
		if !m.triggerMatches(event, wf) {
			continue
		}
		if !EvaluateConditions(wf.Conditions, BuildContext(event)) {
			m.logger.Infof("workflow %d trigger matched but conditions did not hold", wf.ID)
			continue
		}
		fired = append(fired, wf)
	}
	sort.SliceStable(fired, func(i, j int) bool {
		if fired[i].Priority != fired[j].Priority {
			return fired[i].Priority > fired[j].Priority
		}
		return fired[i].ID < fired[j].ID
	})
	return fired
}

func (m *Matcher) triggerMatches(event models.Event, wf models.Workflow) bool {
	if wf.ModuleID != nil && *wf.ModuleID != event.ModuleID {
		return false
	}

	switch wf.TriggerType {
	case models.TriggerRecordCreated:
		return event.Type == models.TriggerRecordCreated && timingAllows(wf.TriggerTiming, true)
	case models.TriggerRecordUpdated:
		return event.Type == models.TriggerRecordUpdated && timingAllows(wf.TriggerTiming, false)
	case models.TriggerRecordDeleted:
		return event.Type == models.TriggerRecordDeleted
	case models.TriggerRecordSaved:
		// Fires on both create and update unless timing narrows it.
		switch event.Type {
		case models.TriggerRecordCreated:
			return timingAllows(wf.TriggerTiming, true)
		case models.TriggerRecordUpdated:
			return timingAllows(wf.TriggerTiming, false)
		}
		return false
	case models.TriggerFieldChanged:
		if event.Type != models.TriggerRecordUpdated && event.Type != models.TriggerFieldChanged {
			return false
		}
		return m.fieldChangeMatches(event, wf)
	case models.TriggerRecordConverted:
		return event.Type == models.TriggerRecordConverted
	case models.TriggerRelatedCreated, models.TriggerRelatedUpdated:
		if event.Type != wf.TriggerType {
			return false
		}
		return relatedMatches(event, wf.TriggerConfig)
	case models.TriggerTimeBased, models.TriggerWebhook, models.TriggerManual:
		// Driven by the scheduler tick, the webhook receiver and the manual
		// trigger endpoint respectively, never by record events.
		return false
	default:
		return false
	}
}

func timingAllows(timing models.TriggerTiming, isCreate bool) bool {
	switch timing {
	case models.TimingCreateOnly:
		return isCreate
	case models.TimingUpdateOnly:
		return !isCreate
	default:
		return true
	}
}

func relatedMatches(event models.Event, cfg models.TriggerConfig) bool {
	if cfg.RelatedModule != "" && !strings.EqualFold(cfg.RelatedModule, event.RelatedModule) {
		return false
	}
	if cfg.RelatedRelationship != "" && !strings.EqualFold(cfg.RelatedRelationship, event.RelatedRelationship) {
		return false
	}
	return cfg.RelatedModule != "" || cfg.RelatedRelationship != ""
}

// fieldChangeMatches checks the watched field list and the configured change
// type against the event's before/after values.
func (m *Matcher) fieldChangeMatches(event models.Event, wf models.Workflow) bool {
	watched := []string(wf.WatchedFields)
	if len(watched) == 0 {
		watched = wf.TriggerConfig.Fields
	}
	if len(watched) == 0 || event.Before == nil || event.After == nil {
		return false
	}

	changeType := wf.TriggerConfig.ChangeType
	if changeType == "" {
		changeType = models.ChangeAny
	}

	for _, field := range watched {
		oldVal, _ := Lookup(models.FieldMap(event.Before), field)
		newVal, _ := Lookup(models.FieldMap(event.After), field)
		if valuesEqual(oldVal, newVal) {
			continue
		}
		switch changeType {
		case models.ChangeAny:
			return true
		case models.ChangeFromValue:
			if valuesEqual(oldVal, wf.TriggerConfig.FromValue) {
				return true
			}
		case models.ChangeToValue:
			if valuesEqual(newVal, wf.TriggerConfig.ToValue) {
				return true
			}
		case models.ChangeFromTo:
			if valuesEqual(oldVal, wf.TriggerConfig.FromValue) && valuesEqual(newVal, wf.TriggerConfig.ToValue) {
				return true
			}
		default:
			return true
		}
	}
	return false
}
