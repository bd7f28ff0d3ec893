package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

type TriggerType string

const (
	TriggerRecordCreated   TriggerType = "record_created"
	TriggerRecordUpdated   TriggerType = "record_updated"
	TriggerRecordDeleted   TriggerType = "record_deleted"
	TriggerRecordSaved     TriggerType = "record_saved" // create and update
	TriggerFieldChanged    TriggerType = "field_changed"
	TriggerTimeBased       TriggerType = "time_based"
	TriggerWebhook         TriggerType = "webhook"
	TriggerManual          TriggerType = "manual"
	TriggerRelatedCreated  TriggerType = "related_created"
	TriggerRelatedUpdated  TriggerType = "related_updated"
	TriggerRecordConverted TriggerType = "record_converted"
)

type TriggerTiming string

const (
	TimingAll        TriggerTiming = "all"
	TimingCreateOnly TriggerTiming = "create_only"
	TimingUpdateOnly TriggerTiming = "update_only"
)

// Field change types for the field_changed trigger.
type FieldChangeType string

const (
	ChangeAny       FieldChangeType = "any"
	ChangeFromValue FieldChangeType = "from_value"
	ChangeToValue   FieldChangeType = "to_value"
	ChangeFromTo    FieldChangeType = "from_to"
)

// TriggerConfig carries trigger-specific settings. Which fields apply depends
// on the trigger type; unused fields stay zero and are omitted from JSON.
type TriggerConfig struct {
	// field_changed
	Fields     []string        `json:"fields,omitempty"`
	ChangeType FieldChangeType `json:"change_type,omitempty"`
	FromValue  any             `json:"from_value,omitempty"`
	ToValue    any             `json:"to_value,omitempty"`

	// time_based
	ScheduleType   string `json:"schedule_type,omitempty"` // cron | relative
	RelativeField  string `json:"relative_field,omitempty"`
	RelativeOffset int    `json:"relative_offset,omitempty"`
	RelativeUnit   string `json:"relative_unit,omitempty"` // hours | days | weeks | months

	// related_created / related_updated
	RelatedModule       string `json:"related_module,omitempty"`
	RelatedRelationship string `json:"related_relationship,omitempty"`
}

func (c TriggerConfig) Value() (driver.Value, error) { return json.Marshal(c) }
func (c *TriggerConfig) Scan(src any) error          { return scanJSON(src, c) }

// Workflow is a named automation definition owning an ordered step collection.
type Workflow struct {
	ID                  int64           `json:"id" db:"id"`
	Name                string          `json:"name" db:"name"`
	Description         string          `json:"description" db:"description"`
	ModuleID            *int64          `json:"module_id" db:"module_id"` // nil = cross-module
	IsActive            bool            `json:"is_active" db:"is_active"`
	Priority            int             `json:"priority" db:"priority"` // higher runs first
	TriggerType         TriggerType     `json:"trigger_type" db:"trigger_type"`
	TriggerConfig       TriggerConfig   `json:"trigger_config" db:"trigger_config"`
	TriggerTiming       TriggerTiming   `json:"trigger_timing" db:"trigger_timing"`
	WatchedFields       pq.StringArray  `json:"watched_fields" db:"watched_fields"`
	WebhookSecret       string          `json:"webhook_secret,omitempty" db:"webhook_secret"`
	StopOnFirstMatch    bool            `json:"stop_on_first_match" db:"stop_on_first_match"`
	MaxExecutionsPerDay *int            `json:"max_executions_per_day" db:"max_executions_per_day"`
	ExecutionsToday     int             `json:"executions_today" db:"executions_today"`
	ExecutionsTodayDate *time.Time      `json:"-" db:"executions_today_date"`
	Conditions          ConditionSet    `json:"conditions" db:"conditions"`
	RunOncePerRecord    bool            `json:"run_once_per_record" db:"run_once_per_record"`
	AllowManualTrigger  bool            `json:"allow_manual_trigger" db:"allow_manual_trigger"`
	DelaySeconds        int             `json:"delay_seconds" db:"delay_seconds"`
	ScheduleCron        *string         `json:"schedule_cron" db:"schedule_cron"`
	LastRunAt           *time.Time      `json:"last_run_at" db:"last_run_at"`
	NextRunAt           *time.Time      `json:"next_run_at" db:"next_run_at"`
	ExecutionCount      int             `json:"execution_count" db:"execution_count"`
	SuccessCount        int             `json:"success_count" db:"success_count"`
	FailureCount        int             `json:"failure_count" db:"failure_count"`
	CurrentVersion      int             `json:"current_version" db:"current_version"`
	CreatedBy           *int64          `json:"created_by" db:"created_by"`
	UpdatedBy           *int64          `json:"updated_by" db:"updated_by"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
	Steps               []WorkflowStep  `json:"steps,omitempty" db:"-"`
}

// TriggerTypeInfo describes one trigger type for the authoring UI.
type TriggerTypeInfo struct {
	Label          string `json:"label"`
	Description    string `json:"description"`
	Category       string `json:"category"`
	RequiresConfig bool   `json:"requires_config,omitempty"`
}

// TriggerTypes lists every supported trigger type with its UI description.
func TriggerTypes() map[TriggerType]TriggerTypeInfo {
	return map[TriggerType]TriggerTypeInfo{
		TriggerRecordCreated:   {Label: "When a record is created", Description: "Triggers when a new record is created in the module", Category: "record"},
		TriggerRecordUpdated:   {Label: "When a record is updated", Description: "Triggers when an existing record is modified", Category: "record"},
		TriggerRecordSaved:     {Label: "When a record is saved (create or update)", Description: "Triggers on both record creation and updates", Category: "record"},
		TriggerRecordDeleted:   {Label: "When a record is deleted", Description: "Triggers when a record is removed", Category: "record"},
		TriggerFieldChanged:    {Label: "When a field value changes", Description: "Triggers when specific field(s) change value", Category: "field", RequiresConfig: true},
		TriggerRelatedCreated:  {Label: "When a related record is created", Description: "Triggers when a related record is created", Category: "related", RequiresConfig: true},
		TriggerRelatedUpdated:  {Label: "When a related record is updated", Description: "Triggers when a related record is modified", Category: "related", RequiresConfig: true},
		TriggerRecordConverted: {Label: "When a record is converted", Description: "Triggers when a record is converted (e.g. Lead to Contact)", Category: "record"},
		TriggerTimeBased:       {Label: "On a schedule", Description: "Triggers at scheduled times (cron or relative to a field date)", Category: "scheduled", RequiresConfig: true},
		TriggerWebhook:         {Label: "When a webhook is received", Description: "Triggers when an external system sends data via webhook", Category: "external"},
		TriggerManual:          {Label: "Manual trigger only", Description: "Only runs when manually triggered by a user", Category: "manual"},
	}
}
