package engine

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/ChrisMoss87/crmflow/pkg/models"
	"github.com/ChrisMoss87/crmflow/pkg/storage"
)

// Versioner snapshots workflows into immutable versions and restores them.
// Every structural change appends a version; rollback appends too, so the
// history never rewrites itself.
type Versioner struct {
	store  storage.Store
	logger Logger
}

func NewVersioner(store storage.Store, logger Logger) *Versioner {
	return &Versioner{store: store, logger: logger}
}

// Snapshot captures the workflow and its steps as a new version and returns
// it. The store assigns the version number and deactivates earlier versions.
func (v *Versioner) Snapshot(wf models.Workflow, changeType models.VersionChangeType, summary string, createdBy *int64) (models.WorkflowVersion, error) {
	version := models.WorkflowVersion{
		WorkflowID:    wf.ID,
		Name:          wf.Name,
		ChangeType:    changeType,
		ChangeSummary: summary,
		WorkflowData:  snapshotWorkflow(wf),
		StepsData:     snapshotSteps(wf.Steps),
		CreatedBy:     createdBy,
	}
	saved, err := v.store.SaveVersion(version)
	if err != nil {
		return models.WorkflowVersion{}, errors.Wrap(err, "save version")
	}
	return saved, nil
}

// Rollback restores the workflow to the payload of an earlier version and
// appends a rollback version documenting it. Returns the workflow as
// restored.
func (v *Versioner) Rollback(workflowID int64, versionNumber int, actor *int64) (models.Workflow, error) {
	target, err := v.store.GetVersion(workflowID, versionNumber)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "load version %d", versionNumber)
	}
	wf, err := v.store.GetWorkflow(workflowID)
	if err != nil {
		return models.Workflow{}, errors.Wrap(err, "load workflow")
	}

	applySnapshot(&wf, target.WorkflowData)
	wf.UpdatedBy = actor
	if err := v.store.UpdateWorkflow(wf); err != nil {
		return models.Workflow{}, errors.Wrap(err, "restore workflow")
	}

	// ReplaceSteps assigns fresh ids and remaps goto references from the
	// snapshot's original ids.
	steps := restoreSteps(workflowID, target.StepsData)
	newSteps, err := v.store.ReplaceSteps(workflowID, steps)
	if err != nil {
		return models.Workflow{}, errors.Wrap(err, "restore steps")
	}
	wf.Steps = newSteps

	summary := fmt.Sprintf("Rolled back to version %d", versionNumber)
	if _, err := v.Snapshot(wf, models.ChangeRollback, summary, actor); err != nil {
		return models.Workflow{}, err
	}
	fresh, err := v.store.GetWorkflow(workflowID)
	if err != nil {
		return models.Workflow{}, errors.Wrap(err, "reload workflow")
	}
	return fresh, nil
}

// Prune drops old versions beyond keep, never the active one.
func (v *Versioner) Prune(workflowID int64, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	return v.store.PruneVersions(workflowID, keep)
}

// VersionDiff describes what changed between two versions.
type VersionDiff struct {
	From            int              `json:"from_version"`
	To              int              `json:"to_version"`
	WorkflowChanges []PropertyChange `json:"workflow_changes"`
	StepsAdded      []string         `json:"steps_added"`
	StepsRemoved    []string         `json:"steps_removed"`
	StepsModified   []string         `json:"steps_modified"`
	StepCountChange int              `json:"step_count_change"`
	Summary         []string         `json:"summary"`
}

type PropertyChange struct {
	Property string `json:"property"`
	Old      any    `json:"old"`
	New      any    `json:"new"`
}

// Diff compares two stored versions of a workflow.
func (v *Versioner) Diff(workflowID int64, from, to int) (VersionDiff, error) {
	older, err := v.store.GetVersion(workflowID, from)
	if err != nil {
		return VersionDiff{}, errors.Wrapf(err, "load version %d", from)
	}
	newer, err := v.store.GetVersion(workflowID, to)
	if err != nil {
		return VersionDiff{}, errors.Wrapf(err, "load version %d", to)
	}
	return diffVersions(older, newer), nil
}

func diffVersions(older, newer models.WorkflowVersion) VersionDiff {
	d := VersionDiff{From: older.VersionNumber, To: newer.VersionNumber}

	a, b := older.WorkflowData, newer.WorkflowData
	props := []struct {
		name     string
		old, new any
	}{
		{"name", a.Name, b.Name},
		{"description", a.Description, b.Description},
		{"is_active", a.IsActive, b.IsActive},
		{"priority", a.Priority, b.Priority},
		{"trigger_type", a.TriggerType, b.TriggerType},
		{"trigger_config", a.TriggerConfig, b.TriggerConfig},
		{"trigger_timing", a.TriggerTiming, b.TriggerTiming},
		{"watched_fields", a.WatchedFields, b.WatchedFields},
		{"stop_on_first_match", a.StopOnFirstMatch, b.StopOnFirstMatch},
		{"max_executions_per_day", a.MaxExecutionsPerDay, b.MaxExecutionsPerDay},
		{"conditions", a.Conditions, b.Conditions},
		{"run_once_per_record", a.RunOncePerRecord, b.RunOncePerRecord},
		{"allow_manual_trigger", a.AllowManualTrigger, b.AllowManualTrigger},
		{"delay_seconds", a.DelaySeconds, b.DelaySeconds},
		{"schedule_cron", a.ScheduleCron, b.ScheduleCron},
	}
	for _, p := range props {
		if !reflect.DeepEqual(p.old, p.new) {
			d.WorkflowChanges = append(d.WorkflowChanges, PropertyChange{Property: p.name, Old: p.old, New: p.new})
		}
	}

	oldSteps := stepIndex(older.StepsData)
	newSteps := stepIndex(newer.StepsData)
	for key, step := range newSteps {
		if prev, ok := oldSteps[key]; !ok {
			d.StepsAdded = append(d.StepsAdded, step.Name)
		} else if !reflect.DeepEqual(prev, step) {
			d.StepsModified = append(d.StepsModified, step.Name)
		}
	}
	for key, step := range oldSteps {
		if _, ok := newSteps[key]; !ok {
			d.StepsRemoved = append(d.StepsRemoved, step.Name)
		}
	}
	sort.Strings(d.StepsAdded)
	sort.Strings(d.StepsRemoved)
	sort.Strings(d.StepsModified)
	d.StepCountChange = len(newer.StepsData) - len(older.StepsData)

	if len(d.WorkflowChanges) > 0 {
		names := make([]string, len(d.WorkflowChanges))
		for i, c := range d.WorkflowChanges {
			names[i] = c.Property
		}
		d.Summary = append(d.Summary, fmt.Sprintf("Changed %s", strings.Join(names, ", ")))
	}
	if n := len(d.StepsAdded); n > 0 {
		d.Summary = append(d.Summary, fmt.Sprintf("Added %d step(s): %s", n, strings.Join(d.StepsAdded, ", ")))
	}
	if n := len(d.StepsRemoved); n > 0 {
		d.Summary = append(d.Summary, fmt.Sprintf("Removed %d step(s): %s", n, strings.Join(d.StepsRemoved, ", ")))
	}
	if n := len(d.StepsModified); n > 0 {
		d.Summary = append(d.Summary, fmt.Sprintf("Modified %d step(s): %s", n, strings.Join(d.StepsModified, ", ")))
	}
	if len(d.Summary) == 0 {
		d.Summary = []string{"No changes"}
	}
	return d
}

// stepIndex keys snapshot steps for diffing. Names are the stable identity
// authors see; duplicates fall back to order.
func stepIndex(steps models.StepSnapshotList) map[string]models.StepSnapshot {
	out := make(map[string]models.StepSnapshot, len(steps))
	for _, s := range steps {
		key := s.Name
		if _, dup := out[key]; dup || key == "" {
			key = fmt.Sprintf("%s#%d", s.Name, s.Order)
		}
		// Ids change on every restore; blank them so they never count as a
		// modification.
		s.ID = 0
		s.OnSuccessGoto = nil
		s.OnFailureGoto = nil
		out[key] = s
	}
	return out
}

func snapshotWorkflow(wf models.Workflow) models.WorkflowSnapshot {
	return models.WorkflowSnapshot{
		Name:                wf.Name,
		Description:         wf.Description,
		ModuleID:            wf.ModuleID,
		IsActive:            wf.IsActive,
		Priority:            wf.Priority,
		TriggerType:         wf.TriggerType,
		TriggerConfig:       wf.TriggerConfig,
		TriggerTiming:       wf.TriggerTiming,
		WatchedFields:       append([]string(nil), wf.WatchedFields...),
		StopOnFirstMatch:    wf.StopOnFirstMatch,
		MaxExecutionsPerDay: wf.MaxExecutionsPerDay,
		Conditions:          wf.Conditions,
		RunOncePerRecord:    wf.RunOncePerRecord,
		AllowManualTrigger:  wf.AllowManualTrigger,
		DelaySeconds:        wf.DelaySeconds,
		ScheduleCron:        wf.ScheduleCron,
	}
}

func snapshotSteps(steps []models.WorkflowStep) models.StepSnapshotList {
	out := make(models.StepSnapshotList, 0, len(steps))
	for _, s := range steps {
		out = append(out, models.StepSnapshot{
			ID:                s.ID,
			Order:             s.Order,
			Name:              s.Name,
			Description:       s.Description,
			ActionType:        s.ActionType,
			ActionConfig:      s.ActionConfig,
			Conditions:        s.Conditions,
			BranchID:          s.BranchID,
			IsParallel:        s.IsParallel,
			ContinueOnError:   s.ContinueOnError,
			RetryCount:        s.RetryCount,
			RetryDelaySeconds: s.RetryDelaySeconds,
			OnSuccessGoto:     s.OnSuccessGoto,
			OnFailureGoto:     s.OnFailureGoto,
			TimeoutSeconds:    s.TimeoutSeconds,
			IsAsync:           s.IsAsync,
			IsDisabled:        s.IsDisabled,
		})
	}
	return out
}

func restoreSteps(workflowID int64, snaps models.StepSnapshotList) []models.WorkflowStep {
	out := make([]models.WorkflowStep, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, models.WorkflowStep{
			ID:                s.ID,
			WorkflowID:        workflowID,
			Order:             s.Order,
			Name:              s.Name,
			Description:       s.Description,
			ActionType:        s.ActionType,
			ActionConfig:      s.ActionConfig,
			Conditions:        s.Conditions,
			BranchID:          s.BranchID,
			IsParallel:        s.IsParallel,
			ContinueOnError:   s.ContinueOnError,
			RetryCount:        s.RetryCount,
			RetryDelaySeconds: s.RetryDelaySeconds,
			OnSuccessGoto:     s.OnSuccessGoto,
			OnFailureGoto:     s.OnFailureGoto,
			TimeoutSeconds:    s.TimeoutSeconds,
			IsAsync:           s.IsAsync,
			IsDisabled:        s.IsDisabled,
		})
	}
	return out
}

func applySnapshot(wf *models.Workflow, snap models.WorkflowSnapshot) {
	wf.Name = snap.Name
	wf.Description = snap.Description
	wf.ModuleID = snap.ModuleID
	wf.IsActive = snap.IsActive
	wf.Priority = snap.Priority
	wf.TriggerType = snap.TriggerType
	wf.TriggerConfig = snap.TriggerConfig
	wf.TriggerTiming = snap.TriggerTiming
	wf.WatchedFields = snap.WatchedFields
	wf.StopOnFirstMatch = snap.StopOnFirstMatch
	wf.MaxExecutionsPerDay = snap.MaxExecutionsPerDay
	wf.Conditions = snap.Conditions
	wf.RunOncePerRecord = snap.RunOncePerRecord
	wf.AllowManualTrigger = snap.AllowManualTrigger
	wf.DelaySeconds = snap.DelaySeconds
	wf.ScheduleCron = snap.ScheduleCron
}
