package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acadio/automation/pkg/eventbus"
	"github.com/acadio/automation/pkg/events"
)

// TaskExecutor asks the external task service to create a task record.
type TaskExecutor struct {
	publisher eventbus.EventPublisher
}

func NewTaskExecutor(publisher eventbus.EventPublisher) *TaskExecutor {
	return &TaskExecutor{publisher: publisher}
}

func (e *TaskExecutor) Execute(ctx context.Context, config map[string]any, execContext map[string]any) (map[string]any, error) {
	title := configString(config, "title")
	if title == "" {
		return nil, NewPermanentError(errors.New("create_task action requires a title"))
	}

	event := events.TaskCreateRequested{
		BaseEvent:   events.NewBaseEvent(events.TaskCreateRequestedEvent),
		Title:       title,
		Description: configString(config, "description"),
		Assignee:    configString(config, "assignee"),
		ExecutionID: executionID(execContext),
		WorkflowID:  workflowID(execContext),
	}

	if days, ok := config["due_in_days"].(float64); ok && days > 0 {
		dueAt := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
		event.DueAt = &dueAt
	}

	if err := e.publisher.Publish(ctx, event.WorkflowID, event); err != nil {
		return nil, fmt.Errorf("failed to publish task request: %w", err)
	}

	return map[string]any{
		"title":    title,
		"assignee": event.Assignee,
	}, nil
}

// ResourceExecutor asks the external catalog to assign a resource.
type ResourceExecutor struct {
	publisher eventbus.EventPublisher
}

func NewResourceExecutor(publisher eventbus.EventPublisher) *ResourceExecutor {
	return &ResourceExecutor{publisher: publisher}
}

func (e *ResourceExecutor) Execute(ctx context.Context, config map[string]any, execContext map[string]any) (map[string]any, error) {
	resourceID := configString(config, "resource_id")
	if resourceID == "" {
		return nil, NewPermanentError(errors.New("assign_resource action requires a resource_id"))
	}

	recipient := configString(config, "recipient")
	if recipient == "" {
		return nil, NewPermanentError(errors.New("assign_resource action requires a recipient"))
	}

	event := events.ResourceAssignRequested{
		BaseEvent:   events.NewBaseEvent(events.ResourceAssignRequestedEvent),
		ResourceID:  resourceID,
		Recipient:   recipient,
		ExecutionID: executionID(execContext),
		WorkflowID:  workflowID(execContext),
	}

	if err := e.publisher.Publish(ctx, event.WorkflowID, event); err != nil {
		return nil, fmt.Errorf("failed to publish resource assignment: %w", err)
	}

	return map[string]any{
		"resource_id": resourceID,
		"recipient":   recipient,
	}, nil
}
