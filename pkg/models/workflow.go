package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not executable
	WorkflowStatusActive   WorkflowStatus = "active"   // Accepting trigger events
	WorkflowStatusPaused   WorkflowStatus = "paused"   // Retained but not executable
	WorkflowStatusArchived WorkflowStatus = "archived" // Historical, not executable
)

// Workflow is a user-authored automation definition: a trigger with
// admission conditions, execution-rate controls, and the node graph that
// runs when the trigger fires.
type Workflow struct {
	ID                  string         `json:"id"`
	OrganizationID      string         `json:"organization_id"       validate:"required"`
	Name                string         `json:"name"                  validate:"required,min=3"`
	Status              WorkflowStatus `json:"status"                validate:"required,oneof=draft active paused archived"`
	TriggerType         string         `json:"trigger_type"          validate:"required"`
	TriggerConditions   []Condition    `json:"trigger_conditions,omitempty"`
	Logic               ConditionLogic `json:"logic,omitempty"       validate:"omitempty,oneof=and or"`
	CooldownMinutes     int            `json:"cooldown_minutes"      validate:"min=0"`
	MaxExecutionsPerDay int            `json:"max_executions_per_day" validate:"min=0"`
	Graph               *Graph         `json:"graph"                 validate:"required"`
	Owner               string         `json:"owner"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// IsExecutable reports whether trigger events may start new executions.
func (w *Workflow) IsExecutable() bool {
	return w.Status == WorkflowStatusActive
}

// ConditionLogicOrDefault returns the configured combination logic,
// defaulting to and.
func (w *Workflow) ConditionLogicOrDefault() ConditionLogic {
	if w.Logic == "" {
		return LogicAnd
	}

	return w.Logic
}
