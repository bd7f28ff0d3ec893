package models

import (
	"time"

	"github.com/lib/pq"
)

// Template categories.
const (
	TemplateCategoryLead          = "lead"
	TemplateCategoryDeal          = "deal"
	TemplateCategoryCustomer      = "customer"
	TemplateCategoryDataQuality   = "data_quality"
	TemplateCategoryProductivity  = "productivity"
	TemplateCategoryCommunication = "communication"
)

// Template difficulty levels.
const (
	DifficultyBeginner     = "beginner"
	DifficultyIntermediate = "intermediate"
	DifficultyAdvanced     = "advanced"
)

// WorkflowTemplate is a parameterized workflow definition. Instantiating a
// template substitutes caller-supplied variables into WorkflowData and
// materializes a regular Workflow+Steps payload through the normal create
// path; templates are a convenience generator, not an execution concept.
type WorkflowTemplate struct {
	ID                      int64          `json:"id" db:"id"`
	Slug                    string         `json:"slug" db:"slug"`
	Name                    string         `json:"name" db:"name"`
	Description             string         `json:"description" db:"description"`
	Category                string         `json:"category" db:"category"`
	Icon                    string         `json:"icon" db:"icon"`
	Difficulty              string         `json:"difficulty" db:"difficulty"`
	EstimatedTimeSavedHours int            `json:"estimated_time_saved_hours" db:"estimated_time_saved_hours"`
	IsSystem                bool           `json:"is_system" db:"is_system"`
	RequiredModules         pq.StringArray `json:"required_modules" db:"required_modules"`
	VariableMappings        JSONMap        `json:"variable_mappings" db:"variable_mappings"`
	WorkflowData            JSONMap        `json:"workflow_data" db:"workflow_data"`
	CreatedAt               time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at" db:"updated_at"`
}
