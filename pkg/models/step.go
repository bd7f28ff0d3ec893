package models

import "time"

type ActionType string

const (
	ActionSendEmail           ActionType = "send_email"
	ActionCreateRecord        ActionType = "create_record"
	ActionUpdateRecord        ActionType = "update_record"
	ActionDeleteRecord        ActionType = "delete_record"
	ActionUpdateField         ActionType = "update_field"
	ActionWebhook             ActionType = "webhook"
	ActionAssignUser          ActionType = "assign_user"
	ActionAddTag              ActionType = "add_tag"
	ActionRemoveTag           ActionType = "remove_tag"
	ActionSendNotification    ActionType = "send_notification"
	ActionDelay               ActionType = "delay"
	ActionCondition           ActionType = "condition"
	ActionCreateTask          ActionType = "create_task"
	ActionMoveStage           ActionType = "move_stage"
	ActionUpdateRelatedRecord ActionType = "update_related_record"
)

// WorkflowStep is one action node in a workflow's step graph.
type WorkflowStep struct {
	ID                int64        `json:"id" db:"id"`
	WorkflowID        int64        `json:"workflow_id" db:"workflow_id"`
	Order             int          `json:"order" db:"step_order"`
	Name              string       `json:"name" db:"name"`
	Description       string       `json:"description" db:"description"`
	ActionType        ActionType   `json:"action_type" db:"action_type"`
	ActionConfig      JSONMap      `json:"action_config" db:"action_config"`
	Conditions        ConditionSet `json:"conditions" db:"conditions"` // skip step when false
	BranchID          *string      `json:"branch_id" db:"branch_id"`
	IsParallel        bool         `json:"is_parallel" db:"is_parallel"`
	ContinueOnError   bool         `json:"continue_on_error" db:"continue_on_error"`
	RetryCount        int          `json:"retry_count" db:"retry_count"`
	RetryDelaySeconds int          `json:"retry_delay_seconds" db:"retry_delay_seconds"`
	OnSuccessGoto     *int64       `json:"on_success_goto" db:"on_success_goto"`
	OnFailureGoto     *int64       `json:"on_failure_goto" db:"on_failure_goto"`
	TimeoutSeconds    int          `json:"timeout_seconds" db:"timeout_seconds"`
	IsAsync           bool         `json:"is_async" db:"is_async"`
	IsDisabled        bool         `json:"is_disabled" db:"is_disabled"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

// InParallelGroup reports whether the step belongs to a named parallel branch.
func (s WorkflowStep) InParallelGroup() bool {
	return s.IsParallel && s.BranchID != nil && *s.BranchID != ""
}

// ActionTypeInfo describes one action type for the authoring UI.
type ActionTypeInfo struct {
	Label       string `json:"label"`
	Icon        string `json:"icon"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ActionTypes lists every supported action type with its UI description.
func ActionTypes() map[ActionType]ActionTypeInfo {
	return map[ActionType]ActionTypeInfo{
		ActionSendEmail:           {Label: "Send email", Icon: "mail", Description: "Send an email using a template or raw content", Category: "communication"},
		ActionCreateRecord:        {Label: "Create record", Icon: "plus", Description: "Create a record in a module", Category: "record"},
		ActionUpdateRecord:        {Label: "Update record", Icon: "edit", Description: "Update fields on the triggering record", Category: "record"},
		ActionDeleteRecord:        {Label: "Delete record", Icon: "trash", Description: "Delete the triggering record", Category: "record"},
		ActionUpdateField:         {Label: "Update field", Icon: "edit-3", Description: "Set a single field value", Category: "record"},
		ActionWebhook:             {Label: "Call webhook", Icon: "globe", Description: "Send an HTTP request to an external URL", Category: "external"},
		ActionAssignUser:          {Label: "Assign user", Icon: "user-plus", Description: "Assign an owner to the record", Category: "record"},
		ActionAddTag:              {Label: "Add tag", Icon: "tag", Description: "Add a tag to the record", Category: "record"},
		ActionRemoveTag:           {Label: "Remove tag", Icon: "tag", Description: "Remove a tag from the record", Category: "record"},
		ActionSendNotification:    {Label: "Send notification", Icon: "bell", Description: "Send an in-app notification to a user", Category: "communication"},
		ActionDelay:               {Label: "Wait", Icon: "clock", Description: "Suspend the execution for a period of time", Category: "control"},
		ActionCondition:           {Label: "Condition", Icon: "git-branch", Description: "Branch the workflow based on a condition", Category: "control"},
		ActionCreateTask:          {Label: "Create task", Icon: "check-square", Description: "Create a task linked to the record", Category: "productivity"},
		ActionMoveStage:           {Label: "Move stage", Icon: "arrow-right", Description: "Move the record to a pipeline stage", Category: "record"},
		ActionUpdateRelatedRecord: {Label: "Update related record", Icon: "link", Description: "Update fields on a related record", Category: "record"},
	}
}
