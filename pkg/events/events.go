// Package events defines the event types exchanged between the trigger
// intake, the scheduler sweep, and the execution workers.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Bus topics.
const TriggerTopic = "automation.triggers"       // Candidate trigger events from domain collaborators
const ExecutionTopic = "automation.executions"   // Execution lifecycle + resume events
const NotificationTopic = "automation.notifications" // Owner notifications on terminal executions
const TaskTopic = "automation.tasks"                 // Task creation and resource assignment requests

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Trigger intake.
	TriggerReceivedEvent EventType = "trigger.received"

	// Scheduler sweep output.
	ExecutionResumeDueEvent EventType = "execution.resume.due"

	// Execution lifecycle.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	// Owner notification requests.
	NotificationRequestedEvent EventType = "notification.requested"

	// Requests to external task and resource collaborators.
	TaskCreateRequestedEvent    EventType = "task.create.requested"
	ResourceAssignRequestedEvent EventType = "resource.assign.requested"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps a fresh event envelope.
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// TriggerReceived is a candidate triggering event submitted by a domain
// collaborator (metric pipeline, survey completion, attendance update).
// The engine matches it against active workflows by trigger type.
type TriggerReceived struct {
	BaseEvent

	TriggerType string         `json:"trigger_type"`
	Context     map[string]any `json:"context,omitempty"`

	// WorkflowID restricts matching to a single workflow (manual test
	// triggers and trigger_workflow actions). Empty means match all.
	WorkflowID string `json:"workflow_id,omitempty"`

	// TriggerDepth counts transitive trigger_workflow hops.
	TriggerDepth int `json:"trigger_depth,omitempty"`
}

func (e TriggerReceived) GetType() EventType {
	return TriggerReceivedEvent
}

// ExecutionResumeDue is published by the scheduler sweep for each claimed
// execution whose wake time has arrived.
type ExecutionResumeDue struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
}

func (e ExecutionResumeDue) GetType() EventType {
	return ExecutionResumeDueEvent
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	TriggerType string `json:"trigger_type"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	WorkflowID    string `json:"workflow_id"`
	DurationMs    int64  `json:"duration_ms"`
	NodesExecuted int    `json:"nodes_executed"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	WorkflowID    string `json:"workflow_id"`
	DurationMs    int64  `json:"duration_ms"`
	Error         string `json:"error"`
	NodesExecuted int    `json:"nodes_executed"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	Reason      string `json:"reason,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

// NotificationRequested asks the external delivery subsystem to notify a
// workflow owner about a terminal execution. Channel selection, formatting
// and preference handling happen on the delivery side.
type NotificationRequested struct {
	BaseEvent

	Recipient   string         `json:"recipient"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Data        map[string]any `json:"data,omitempty"`
}

func (e NotificationRequested) GetType() EventType {
	return NotificationRequestedEvent
}

// TaskCreateRequested asks the external task service to create a task
// record on behalf of an action node.
type TaskCreateRequested struct {
	BaseEvent

	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	DueAt       *time.Time     `json:"due_at,omitempty"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Data        map[string]any `json:"data,omitempty"`
}

func (e TaskCreateRequested) GetType() EventType {
	return TaskCreateRequestedEvent
}

// ResourceAssignRequested asks the external catalog to assign a resource
// to a recipient on behalf of an action node.
type ResourceAssignRequested struct {
	BaseEvent

	ResourceID  string         `json:"resource_id"`
	Recipient   string         `json:"recipient"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Data        map[string]any `json:"data,omitempty"`
}

func (e ResourceAssignRequested) GetType() EventType {
	return ResourceAssignRequestedEvent
}
