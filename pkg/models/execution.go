package models

import "time"

type ExecutionStatus string

// Executions are created queued; pending has no meaning here because
// admission either creates a dispatchable row or refuses to create one.
const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal executions are
// immutable.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// ExecutionTrigger classifies what caused an execution.
type ExecutionTrigger string

const (
	ExecTriggerRecordEvent ExecutionTrigger = "record_event"
	ExecTriggerScheduled   ExecutionTrigger = "scheduled"
	ExecTriggerManual      ExecutionTrigger = "manual"
	ExecTriggerWebhook     ExecutionTrigger = "webhook"
)

// WorkflowExecution is one run instance of a workflow's step graph.
type WorkflowExecution struct {
	ID                int64             `json:"id" db:"id"`
	WorkflowID        int64             `json:"workflow_id" db:"workflow_id"`
	Reference         string            `json:"reference" db:"reference"` // correlation id
	TriggerType       ExecutionTrigger  `json:"trigger_type" db:"trigger_type"`
	TriggerRecordID   *int64            `json:"trigger_record_id" db:"trigger_record_id"`
	TriggerRecordType *string           `json:"trigger_record_type" db:"trigger_record_type"`
	Status            ExecutionStatus   `json:"status" db:"status"`
	QueuedAt          *time.Time        `json:"queued_at" db:"queued_at"`
	StartedAt         *time.Time        `json:"started_at" db:"started_at"`
	CompletedAt       *time.Time        `json:"completed_at" db:"completed_at"`
	WakeAt            *time.Time        `json:"wake_at,omitempty" db:"wake_at"`
	ResumeFromStep    *int64            `json:"resume_from_step,omitempty" db:"resume_from_step"`
	DurationMS        *int64            `json:"duration_ms" db:"duration_ms"`
	ContextData       JSONMap           `json:"context_data" db:"context_data"`
	StepsCompleted    int               `json:"steps_completed" db:"steps_completed"`
	StepsFailed       int               `json:"steps_failed" db:"steps_failed"`
	StepsSkipped      int               `json:"steps_skipped" db:"steps_skipped"`
	ErrorMessage      *string           `json:"error_message" db:"error_message"`
	TriggeredBy       *int64            `json:"triggered_by" db:"triggered_by"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
	StepLogs          []WorkflowStepLog `json:"step_logs,omitempty" db:"-"`
}

type StepLogStatus string

const (
	StepLogPending   StepLogStatus = "pending"
	StepLogRunning   StepLogStatus = "running"
	StepLogCompleted StepLogStatus = "completed"
	StepLogFailed    StepLogStatus = "failed"
	StepLogSkipped   StepLogStatus = "skipped"
)

// WorkflowStepLog records one step's outcome within an execution. Retries
// update the same row, incrementing RetryAttempt; a row is never mutated once
// its status is completed, failed or skipped.
type WorkflowStepLog struct {
	ID           int64         `json:"id" db:"id"`
	ExecutionID  int64         `json:"execution_id" db:"execution_id"`
	StepID       int64         `json:"step_id" db:"step_id"`
	Status       StepLogStatus `json:"status" db:"status"`
	StartedAt    *time.Time    `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at" db:"completed_at"`
	DurationMS   *int64        `json:"duration_ms" db:"duration_ms"`
	InputData    JSONMap       `json:"input_data" db:"input_data"`
	OutputData   JSONMap       `json:"output_data" db:"output_data"`
	ErrorMessage *string       `json:"error_message" db:"error_message"`
	ErrorTrace   *string       `json:"error_trace" db:"error_trace"`
	RetryAttempt int           `json:"retry_attempt" db:"retry_attempt"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// RunHistory marks that a workflow already ran for a record, backing the
// run_once_per_record guard. Uniqueness over (workflow, record, trigger) is
// enforced by the store so concurrent admissions cannot both pass.
type RunHistory struct {
	ID          int64     `json:"id" db:"id"`
	WorkflowID  int64     `json:"workflow_id" db:"workflow_id"`
	RecordID    int64     `json:"record_id" db:"record_id"`
	RecordType  string    `json:"record_type" db:"record_type"`
	TriggerType string    `json:"trigger_type" db:"trigger_type"`
	ExecutedAt  time.Time `json:"executed_at" db:"executed_at"`
}
