// Package web provides the REST API for workflow management, trigger
// intake, and the execution query surface.
package web

import (
	"encoding/json"

	"github.com/acadio/automation/pkg/models"
)

// CreateWorkflowRequest is the body for creating a workflow. The graph is
// kept raw so it can be schema-checked before decoding.
type CreateWorkflowRequest struct {
	Name                string                `json:"name"                   validate:"required,min=3"`
	OrganizationID      string                `json:"organization_id"        validate:"required"`
	TriggerType         string                `json:"trigger_type"           validate:"required"`
	TriggerConditions   []models.Condition    `json:"trigger_conditions,omitempty"`
	Logic               models.ConditionLogic `json:"logic,omitempty"        validate:"omitempty,oneof=and or"`
	CooldownMinutes     int                   `json:"cooldown_minutes"       validate:"min=0"`
	MaxExecutionsPerDay int                   `json:"max_executions_per_day" validate:"min=0"`
	Owner               string                `json:"owner,omitempty"`
	Graph               json.RawMessage       `json:"graph"                  validate:"required"`
}

// UpdateWorkflowRequest supports partial updates. Status changes go through
// the status endpoint so activation validation cannot be bypassed.
type UpdateWorkflowRequest struct {
	Name                *string               `json:"name,omitempty"  validate:"omitempty,min=3"`
	TriggerType         *string               `json:"trigger_type,omitempty"`
	TriggerConditions   []models.Condition    `json:"trigger_conditions,omitempty"`
	Logic               models.ConditionLogic `json:"logic,omitempty" validate:"omitempty,oneof=and or"`
	CooldownMinutes     *int                  `json:"cooldown_minutes,omitempty"       validate:"omitempty,min=0"`
	MaxExecutionsPerDay *int                  `json:"max_executions_per_day,omitempty" validate:"omitempty,min=0"`
	Owner               *string               `json:"owner,omitempty"`
	Graph               json.RawMessage       `json:"graph,omitempty"`
}

// UpdateWorkflowStatusRequest moves a workflow through its lifecycle.
type UpdateWorkflowStatusRequest struct {
	Status models.WorkflowStatus `json:"status" validate:"required,oneof=draft active paused archived"`
}

// SubmitEventRequest is a candidate trigger event from a domain
// collaborator.
type SubmitEventRequest struct {
	TriggerType string         `json:"trigger_type" validate:"required"`
	Context     map[string]any `json:"context,omitempty"`
}

// TestTriggerRequest fires one workflow with a synthetic event.
type TestTriggerRequest struct {
	Context map[string]any `json:"context,omitempty"`
}

// CancelExecutionRequest carries the optional operator-supplied reason.
type CancelExecutionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EventAcceptedResponse acknowledges an asynchronously processed event.
type EventAcceptedResponse struct {
	EventID string `json:"event_id"`
}
