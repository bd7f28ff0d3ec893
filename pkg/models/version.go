package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

type VersionChangeType string

const (
	ChangeCreate   VersionChangeType = "create"
	ChangeUpdate   VersionChangeType = "update"
	ChangeRollback VersionChangeType = "rollback"
	ChangeRestore  VersionChangeType = "restore"
)

// WorkflowSnapshot captures the structural fields of a workflow at one point
// in time. Counters and audit timestamps are deliberately excluded.
type WorkflowSnapshot struct {
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	ModuleID            *int64         `json:"module_id"`
	IsActive            bool           `json:"is_active"`
	Priority            int            `json:"priority"`
	TriggerType         TriggerType    `json:"trigger_type"`
	TriggerConfig       TriggerConfig  `json:"trigger_config"`
	TriggerTiming       TriggerTiming  `json:"trigger_timing"`
	WatchedFields       []string       `json:"watched_fields"`
	StopOnFirstMatch    bool           `json:"stop_on_first_match"`
	MaxExecutionsPerDay *int           `json:"max_executions_per_day"`
	Conditions          ConditionSet   `json:"conditions"`
	RunOncePerRecord    bool           `json:"run_once_per_record"`
	AllowManualTrigger  bool           `json:"allow_manual_trigger"`
	DelaySeconds        int            `json:"delay_seconds"`
	ScheduleCron        *string        `json:"schedule_cron"`
}

func (s WorkflowSnapshot) Value() (driver.Value, error) { return json.Marshal(s) }
func (s *WorkflowSnapshot) Scan(src any) error          { return scanJSON(src, s) }

// StepSnapshot captures one step inside a version payload. The original step
// id is kept so goto references can be remapped when the snapshot is restored.
type StepSnapshot struct {
	ID                int64        `json:"id"`
	Order             int          `json:"order"`
	Name              string       `json:"name"`
	Description       string       `json:"description"`
	ActionType        ActionType   `json:"action_type"`
	ActionConfig      JSONMap      `json:"action_config"`
	Conditions        ConditionSet `json:"conditions"`
	BranchID          *string      `json:"branch_id"`
	IsParallel        bool         `json:"is_parallel"`
	ContinueOnError   bool         `json:"continue_on_error"`
	RetryCount        int          `json:"retry_count"`
	RetryDelaySeconds int          `json:"retry_delay_seconds"`
	OnSuccessGoto     *int64       `json:"on_success_goto"`
	OnFailureGoto     *int64       `json:"on_failure_goto"`
	TimeoutSeconds    int          `json:"timeout_seconds"`
	IsAsync           bool         `json:"is_async"`
	IsDisabled        bool         `json:"is_disabled"`
}

// StepSnapshotList is the steps_data JSONB column.
type StepSnapshotList []StepSnapshot

func (l StepSnapshotList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *StepSnapshotList) Scan(src any) error { return scanJSON(src, l) }

// WorkflowVersion is an immutable snapshot of a workflow and its steps.
// Version numbers increase monotonically per workflow and are never reused;
// rollback appends a new version rather than rewriting history.
type WorkflowVersion struct {
	ID            int64             `json:"id" db:"id"`
	WorkflowID    int64             `json:"workflow_id" db:"workflow_id"`
	VersionNumber int               `json:"version_number" db:"version_number"`
	Name          string            `json:"name" db:"name"`
	ChangeType    VersionChangeType `json:"change_type" db:"change_type"`
	ChangeSummary string            `json:"change_summary" db:"change_summary"`
	WorkflowData  WorkflowSnapshot  `json:"workflow_data" db:"workflow_data"`
	StepsData     StepSnapshotList  `json:"steps_data" db:"steps_data"`
	IsActive      bool              `json:"is_active" db:"is_active"`
	CreatedBy     *int64            `json:"created_by" db:"created_by"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}
