package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the state-machine position of one workflow run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave this status.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// NodeResultStatus is the outcome recorded for a single node visit.
type NodeResultStatus string

const (
	NodeResultSuccess   NodeResultStatus = "success"
	NodeResultFailure   NodeResultStatus = "failure"
	NodeResultScheduled NodeResultStatus = "scheduled"
	NodeResultSkipped   NodeResultStatus = "skipped"
)

// NodeResult is one entry of an execution's audit trail.
type NodeResult struct {
	NodeID    string           `json:"node_id"`
	Status    NodeResultStatus `json:"status"`
	Output    map[string]any   `json:"output,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Execution is one run of a workflow against a triggering event. It is
// mutated by the runner on every node transition and becomes immutable once
// terminal; retries clone into a fresh execution instead of rewriting
// history.
type Execution struct {
	ID                string                `json:"id"`
	WorkflowID        string                `json:"workflow_id"`
	Status            ExecutionStatus       `json:"status"`
	CursorNodeID      string                `json:"cursor_node_id,omitempty"`
	Context           map[string]any        `json:"context,omitempty"`
	NodeResults       map[string]NodeResult `json:"node_results,omitempty"`
	ScheduledResumeAt *time.Time            `json:"scheduled_resume_at,omitempty"`
	TriggerDepth      int                   `json:"trigger_depth,omitempty"`
	StartedAt         time.Time             `json:"started_at"`
	EndedAt           *time.Time            `json:"ended_at,omitempty"`
	ErrorMessage      string                `json:"error_message,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// NewExecution creates a pending execution for the given workflow and
// trigger context.
func NewExecution(workflowID string, context map[string]any) *Execution {
	now := time.Now().UTC()

	if context == nil {
		context = make(map[string]any)
	}

	return &Execution{
		ID:          NewExecutionID(),
		WorkflowID:  workflowID,
		Status:      ExecutionStatusPending,
		Context:     context,
		NodeResults: make(map[string]NodeResult),
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewExecutionID returns a short prefixed execution id.
func NewExecutionID() string {
	return fmt.Sprintf("exec-%s", uuid.New().String()[:8])
}

// RecordNodeResult appends a node result to the audit trail. History is
// never overwritten: a node visited more than once gets a numbered key.
func (e *Execution) RecordNodeResult(result NodeResult) {
	if e.NodeResults == nil {
		e.NodeResults = make(map[string]NodeResult)
	}

	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}

	key := result.NodeID
	for attempt := 2; ; attempt++ {
		if _, taken := e.NodeResults[key]; !taken {
			break
		}

		key = fmt.Sprintf("%s#%d", result.NodeID, attempt)
	}

	e.NodeResults[key] = result
	e.UpdatedAt = time.Now().UTC()
}

// Finish moves the execution to a terminal status and stamps its end time.
func (e *Execution) Finish(status ExecutionStatus, errorMessage string) {
	now := time.Now().UTC()
	e.Status = status
	e.ErrorMessage = errorMessage
	e.EndedAt = &now
	e.UpdatedAt = now
	e.ScheduledResumeAt = nil
}

// Duration returns how long the execution ran, zero while still in flight.
func (e *Execution) Duration() time.Duration {
	if e.EndedAt == nil {
		return 0
	}

	return e.EndedAt.Sub(e.StartedAt)
}

// CanCancel reports whether an external cancellation request is legal from
// the current status.
func (e *Execution) CanCancel() bool {
	switch e.Status {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusWaiting:
		return true
	default:
		return false
	}
}

// CanRetry reports whether the execution may be cloned into a fresh run.
func (e *Execution) CanRetry() bool {
	return e.Status == ExecutionStatusFailed || e.Status == ExecutionStatusCancelled
}

// CloneForRetry creates a new pending execution carrying the original
// trigger context. The original's persisted history is left untouched.
func (e *Execution) CloneForRetry() *Execution {
	context := make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		context[k] = v
	}

	clone := NewExecution(e.WorkflowID, context)
	clone.TriggerDepth = e.TriggerDepth

	return clone
}
