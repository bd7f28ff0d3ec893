package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ChrisMoss87/crmflow/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when writing an execution that already reached a
// terminal status. Terminal rows are immutable.
var ErrTerminal = errors.New("execution already terminal")

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	ModuleID    *int64
	Active      *bool
	TriggerType *models.TriggerType
}

// ExecutionFilter narrows and pages ListExecutions.
type ExecutionFilter struct {
	Status  *models.ExecutionStatus
	Page    int
	PerPage int
}

// Store defines the persistence operations for the workflow engine.
// Begin returns a transactional view of the same interface; Commit and
// Rollback only apply to stores obtained from Begin.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow definitions. GetWorkflow loads steps ordered by step order.
	SaveWorkflow(w models.Workflow) (int64, error)
	UpdateWorkflow(w models.Workflow) error
	DeleteWorkflow(id int64) error
	GetWorkflow(id int64) (models.Workflow, error)
	ListWorkflows(f WorkflowFilter) ([]models.Workflow, error)
	ReplaceSteps(workflowID int64, steps []models.WorkflowStep) ([]models.WorkflowStep, error)
	ReorderSteps(workflowID int64, stepIDs []int64) error
	SetNextRun(workflowID int64, lastRun, nextRun *time.Time) error

	// Admission guards. Both are atomic increment-and-check operations:
	// TryIncrementDailyCount resets the counter on a new day and refuses
	// once max is reached; TryRecordRun inserts a run-history row and
	// reports false when one already exists for the same pairing.
	TryIncrementDailyCount(workflowID int64, day string, max *int) (bool, error)
	TryRecordRun(h models.RunHistory) (bool, error)
	RecordOutcome(workflowID int64, success bool, ranAt time.Time) error

	// Executions. GetExecution loads step logs in creation order.
	CreateExecution(e models.WorkflowExecution) (models.WorkflowExecution, error)
	UpdateExecution(e models.WorkflowExecution) error
	GetExecution(id int64) (models.WorkflowExecution, error)
	ListExecutions(workflowID int64, f ExecutionFilter) ([]models.WorkflowExecution, int, error)
	ListDueExecutions(now time.Time) ([]models.WorkflowExecution, error)

	// Step logs.
	CreateStepLog(l models.WorkflowStepLog) (models.WorkflowStepLog, error)
	UpdateStepLog(l models.WorkflowStepLog) error

	// Versions. SaveVersion assigns the next monotonic version number and
	// marks earlier versions inactive.
	SaveVersion(v models.WorkflowVersion) (models.WorkflowVersion, error)
	GetVersion(workflowID int64, number int) (models.WorkflowVersion, error)
	ListVersions(workflowID int64, limit int) ([]models.WorkflowVersion, error)
	PruneVersions(workflowID int64, keep int) (int, error)

	// Templates.
	SaveTemplate(t models.WorkflowTemplate) (int64, error)
	GetTemplate(slug string) (models.WorkflowTemplate, error)
	ListTemplates(category string) ([]models.WorkflowTemplate, error)
}
