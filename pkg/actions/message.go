package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/acadio/automation/pkg/eventbus"
	"github.com/acadio/automation/pkg/events"
	"github.com/acadio/automation/pkg/models"
)

// messageChannels maps message-style action types to their delivery
// channel names.
var messageChannels = map[models.ActionType]string{
	models.ActionSendEmail:         "email",
	models.ActionSendSMS:           "sms",
	models.ActionSendWhatsApp:      "whatsapp",
	models.ActionMakeCall:          "call",
	models.ActionInAppNotification: "in_app",
}

// MessageExecutor hands a message to the external delivery subsystem by
// publishing a notification request on the bus. Channel retry, formatting
// and recipient preferences all live on the delivery side.
type MessageExecutor struct {
	channel   string
	publisher eventbus.EventPublisher
}

func NewMessageExecutor(channel string, publisher eventbus.EventPublisher) *MessageExecutor {
	return &MessageExecutor{channel: channel, publisher: publisher}
}

func (e *MessageExecutor) Execute(ctx context.Context, config map[string]any, execContext map[string]any) (map[string]any, error) {
	recipient := configString(config, "to")
	if recipient == "" {
		recipient = configString(config, "recipient")
	}

	if recipient == "" {
		return nil, NewPermanentError(fmt.Errorf("%s action requires a recipient", e.channel))
	}

	body := configString(config, "message")
	if body == "" {
		body = configString(config, "body")
	}

	if body == "" {
		return nil, NewPermanentError(errors.New("message action requires a message body"))
	}

	event := events.NotificationRequested{
		BaseEvent:   events.NewBaseEvent(events.NotificationRequestedEvent),
		Recipient:   recipient,
		Subject:     configString(config, "subject"),
		Body:        body,
		ExecutionID: executionID(execContext),
		WorkflowID:  workflowID(execContext),
		Data:        map[string]any{"channel": e.channel},
	}

	if err := e.publisher.Publish(ctx, event.WorkflowID, event); err != nil {
		return nil, fmt.Errorf("failed to publish %s notification: %w", e.channel, err)
	}

	return map[string]any{
		"channel":   e.channel,
		"recipient": recipient,
	}, nil
}

// Reserved execution metadata keys injected by the runner.
func executionID(execContext map[string]any) string {
	return nestedString(execContext, "execution", "id")
}

func workflowID(execContext map[string]any) string {
	return nestedString(execContext, "execution", "workflow_id")
}

func nestedString(context map[string]any, outer, inner string) string {
	m, _ := context[outer].(map[string]any)
	value, _ := m[inner].(string)

	return value
}
