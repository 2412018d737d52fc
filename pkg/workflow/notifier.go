package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/acadio/automation/pkg/eventbus"
	"github.com/acadio/automation/pkg/events"
	"github.com/acadio/automation/pkg/models"
)

// Notifier informs workflow owners about terminal executions. Delivery is
// handled outside the engine; implementations only hand the request off.
type Notifier interface {
	ExecutionFinished(ctx context.Context, wf *models.Workflow, execution *models.Execution) error
}

// BusNotifier publishes owner notifications to the notification topic,
// where the delivery subsystem picks them up.
type BusNotifier struct {
	publisher eventbus.EventPublisher
	logger    *slog.Logger
}

func NewBusNotifier(publisher eventbus.EventPublisher, logger *slog.Logger) *BusNotifier {
	return &BusNotifier{
		publisher: publisher,
		logger:    logger.With("module", "notifier"),
	}
}

func (n *BusNotifier) ExecutionFinished(ctx context.Context, wf *models.Workflow, execution *models.Execution) error {
	if wf.Owner == "" {
		return nil
	}

	subject := fmt.Sprintf("Workflow %q %s", wf.Name, execution.Status)

	body := fmt.Sprintf("Execution %s of workflow %q finished with status %s after %s.",
		execution.ID, wf.Name, execution.Status, execution.Duration().Round(time.Millisecond))
	if execution.ErrorMessage != "" {
		body += fmt.Sprintf(" Error: %s", execution.ErrorMessage)
	}

	event := events.NotificationRequested{
		BaseEvent:   events.NewBaseEvent(events.NotificationRequestedEvent),
		Recipient:   wf.Owner,
		Subject:     subject,
		Body:        body,
		ExecutionID: execution.ID,
		WorkflowID:  wf.ID,
		Data: map[string]any{
			"status":         string(execution.Status),
			"nodes_executed": len(execution.NodeResults),
		},
	}

	if err := n.publisher.Publish(ctx, wf.ID, event); err != nil {
		return fmt.Errorf("failed to publish owner notification: %w", err)
	}

	n.logger.InfoContext(ctx, "Owner notified",
		"execution_id", execution.ID,
		"recipient", wf.Owner,
		"status", execution.Status)

	return nil
}
