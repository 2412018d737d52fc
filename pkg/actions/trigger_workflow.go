package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/acadio/automation/pkg/eventbus"
	"github.com/acadio/automation/pkg/events"
)

// TriggerWorkflowExecutor enqueues another workflow's trigger. The depth
// counter carried on the execution context bounds transitive chains so
// workflows triggering each other cannot fan out without limit.
type TriggerWorkflowExecutor struct {
	publisher eventbus.EventPublisher
	maxDepth  int
}

func NewTriggerWorkflowExecutor(publisher eventbus.EventPublisher) *TriggerWorkflowExecutor {
	return &TriggerWorkflowExecutor{publisher: publisher, maxDepth: MaxTriggerDepth}
}

func (e *TriggerWorkflowExecutor) Execute(ctx context.Context, config map[string]any, execContext map[string]any) (map[string]any, error) {
	targetID := configString(config, "workflow_id")
	if targetID == "" {
		return nil, NewPermanentError(errors.New("trigger_workflow action requires a workflow_id"))
	}

	depth := triggerDepth(execContext)
	if depth+1 > e.maxDepth {
		return nil, NewPermanentError(fmt.Errorf("%w: depth %d", ErrCyclicWorkflowTrigger, depth+1))
	}

	triggerContext := map[string]any{
		"triggered_by": map[string]any{
			"execution_id": executionID(execContext),
			"workflow_id":  workflowID(execContext),
		},
	}

	if payload, ok := config["context"].(map[string]any); ok {
		for key, value := range payload {
			triggerContext[key] = value
		}
	}

	event := events.TriggerReceived{
		BaseEvent:    events.NewBaseEvent(events.TriggerReceivedEvent),
		TriggerType:  "workflow",
		WorkflowID:   targetID,
		Context:      triggerContext,
		TriggerDepth: depth + 1,
	}

	if err := e.publisher.Publish(ctx, targetID, event); err != nil {
		return nil, fmt.Errorf("failed to publish workflow trigger: %w", err)
	}

	return map[string]any{
		"workflow_id":   targetID,
		"trigger_depth": depth + 1,
	}, nil
}

func triggerDepth(execContext map[string]any) int {
	m, _ := execContext["execution"].(map[string]any)

	switch v := m["trigger_depth"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
