// Package workflow contains the execution engine: trigger admission, the
// graph runner, durable delay scheduling, and the operator surface for
// retrying and cancelling runs.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acadio/automation/pkg/conditions"
	"github.com/acadio/automation/pkg/eventbus"
	"github.com/acadio/automation/pkg/events"
	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/persistence"
)

var (
	// ErrNotRetryable indicates a retry request on a non-terminal or
	// completed execution.
	ErrNotRetryable = errors.New("execution cannot be retried")

	// ErrNotCancellable indicates a cancel request on an already terminal
	// execution.
	ErrNotCancellable = errors.New("execution cannot be cancelled")

	// ErrWorkflowArchived indicates a directed trigger aimed at an
	// archived workflow.
	ErrWorkflowArchived = errors.New("workflow is archived")
)

// Manager wires trigger intake, admission control, and the runner
// together. It subscribes to the event bus on workers and exposes the
// engine operations the API layer calls.
type Manager struct {
	persistence persistence.Persistence
	bus         eventbus.EventBus
	runner      *Runner
	rateLimiter *RateLimiter
	logger      *slog.Logger
	workerID    string
}

func NewManager(
	p persistence.Persistence,
	bus eventbus.EventBus,
	runner *Runner,
	rateLimiter *RateLimiter,
	logger *slog.Logger,
	workerID string,
) *Manager {
	return &Manager{
		persistence: p,
		bus:         bus,
		runner:      runner,
		rateLimiter: rateLimiter,
		logger:      logger.With("module", "workflow_manager"),
		workerID:    workerID,
	}
}

// RegisterHandlers subscribes the manager to the events a worker consumes.
func (m *Manager) RegisterHandlers() error {
	if err := m.bus.Handle(events.TriggerReceivedEvent, m.handleTriggerReceived); err != nil {
		return fmt.Errorf("failed to register trigger handler: %w", err)
	}

	if err := m.bus.Handle(events.ExecutionResumeDueEvent, m.handleResumeDue); err != nil {
		return fmt.Errorf("failed to register resume handler: %w", err)
	}

	return nil
}

// SubmitEvent publishes a candidate trigger event from a domain
// collaborator. Matching and admission happen asynchronously on a worker;
// the returned id identifies the event, not an execution.
func (m *Manager) SubmitEvent(ctx context.Context, triggerType string, eventContext map[string]any) (string, error) {
	event := events.TriggerReceived{
		BaseEvent:   events.NewBaseEvent(events.TriggerReceivedEvent),
		TriggerType: triggerType,
		Context:     eventContext,
	}

	if err := m.bus.Publish(ctx, triggerType, event); err != nil {
		return "", fmt.Errorf("failed to publish trigger event: %w", err)
	}

	m.logger.InfoContext(ctx, "Trigger event submitted", "trigger_type", triggerType, "event_id", event.ID)

	return event.ID, nil
}

// TestTrigger fires a single workflow with a synthetic event so authors can
// verify a graph end to end. Directed triggers skip the active-status gate;
// only archived workflows are refused.
func (m *Manager) TestTrigger(ctx context.Context, workflowID string, eventContext map[string]any) (string, error) {
	wf, err := m.persistence.WorkflowRepository().ByID(ctx, workflowID)
	if err != nil {
		return "", err
	}

	if wf.Status == models.WorkflowStatusArchived {
		return "", fmt.Errorf("%w: %s", ErrWorkflowArchived, workflowID)
	}

	if eventContext == nil {
		eventContext = make(map[string]any)
	}

	eventContext["test"] = true

	event := events.TriggerReceived{
		BaseEvent:   events.NewBaseEvent(events.TriggerReceivedEvent),
		TriggerType: wf.TriggerType,
		Context:     eventContext,
		WorkflowID:  wf.ID,
	}

	if err := m.bus.Publish(ctx, wf.ID, event); err != nil {
		return "", fmt.Errorf("failed to publish test trigger: %w", err)
	}

	m.logger.InfoContext(ctx, "Test trigger submitted", "workflow_id", workflowID, "event_id", event.ID)

	return event.ID, nil
}

// Retry clones a failed or cancelled execution into a fresh pending run and
// queues it. The original's history is never rewritten. Retries are
// deliberate operator actions and bypass the rate limiter.
func (m *Manager) Retry(ctx context.Context, executionID string) (*models.Execution, error) {
	executions := m.persistence.ExecutionRepository()

	original, err := executions.ByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if !original.CanRetry() {
		return nil, fmt.Errorf("%w: execution %s is %s", ErrNotRetryable, executionID, original.Status)
	}

	clone := original.CloneForRetry()

	if err := executions.Save(ctx, clone); err != nil {
		return nil, fmt.Errorf("failed to save retry execution: %w", err)
	}

	event := events.ExecutionResumeDue{
		BaseEvent:   events.NewBaseEvent(events.ExecutionResumeDueEvent),
		ExecutionID: clone.ID,
		WorkflowID:  clone.WorkflowID,
	}

	if err := m.bus.Publish(ctx, clone.WorkflowID, event); err != nil {
		return nil, fmt.Errorf("failed to queue retry execution: %w", err)
	}

	m.logger.InfoContext(ctx, "Execution retried",
		"original_execution_id", executionID,
		"execution_id", clone.ID)

	return clone, nil
}

// Cancel moves a non-terminal execution to cancelled. A running execution
// stops cooperatively at its next node boundary; its partial history is
// preserved.
func (m *Manager) Cancel(ctx context.Context, executionID, reason string) error {
	executions := m.persistence.ExecutionRepository()

	for _, from := range []models.ExecutionStatus{
		models.ExecutionStatusPending,
		models.ExecutionStatusWaiting,
		models.ExecutionStatusRunning,
	} {
		claimed, err := executions.Claim(ctx, executionID, from, models.ExecutionStatusCancelled)
		if err != nil {
			return err
		}

		if !claimed {
			continue
		}

		execution, err := executions.ByID(ctx, executionID)
		if err != nil {
			return err
		}

		execution.Finish(models.ExecutionStatusCancelled, reason)

		if err := executions.Save(ctx, execution); err != nil {
			return fmt.Errorf("failed to persist cancellation: %w", err)
		}

		event := events.ExecutionCancelled{
			BaseEvent:   events.NewBaseEvent(events.ExecutionCancelledEvent),
			ExecutionID: executionID,
			WorkflowID:  execution.WorkflowID,
			Reason:      reason,
		}

		if err := m.bus.Publish(ctx, execution.WorkflowID, event); err != nil {
			m.logger.WarnContext(ctx, "Failed to publish cancellation event", "error", err)
		}

		m.logger.InfoContext(ctx, "Execution cancelled", "execution_id", executionID, "reason", reason)

		return nil
	}

	execution, err := executions.ByID(ctx, executionID)
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: execution %s is already %s", ErrNotCancellable, executionID, execution.Status)
}

// Execution returns one execution by id.
func (m *Manager) Execution(ctx context.Context, executionID string) (*models.Execution, error) {
	return m.persistence.ExecutionRepository().ByID(ctx, executionID)
}

// ListExecutions returns executions matching the filter, newest first.
func (m *Manager) ListExecutions(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.Execution, error) {
	return m.persistence.ExecutionRepository().List(ctx, filter)
}

// handleTriggerReceived matches a trigger event against workflows and
// starts an execution per admitted match.
func (m *Manager) handleTriggerReceived(ctx context.Context, event any) error {
	ev, ok := event.(*events.TriggerReceived)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	workflows, err := m.matchWorkflows(ctx, ev)
	if err != nil {
		return err
	}

	for _, wf := range workflows {
		if err := m.startExecution(ctx, wf, ev); err != nil {
			return err
		}
	}

	return nil
}

// matchWorkflows resolves the workflows a trigger event addresses: a single
// one when directed, otherwise every active workflow listening for the
// event's trigger type.
func (m *Manager) matchWorkflows(ctx context.Context, ev *events.TriggerReceived) ([]*models.Workflow, error) {
	if ev.WorkflowID != "" {
		wf, err := m.persistence.WorkflowRepository().ByID(ctx, ev.WorkflowID)
		if err != nil {
			if persistence.IsWorkflowNotFound(err) {
				m.logger.WarnContext(ctx, "Directed trigger for unknown workflow", "workflow_id", ev.WorkflowID)

				return nil, nil
			}

			return nil, err
		}

		if wf.Status == models.WorkflowStatusArchived {
			m.logger.WarnContext(ctx, "Directed trigger for archived workflow", "workflow_id", ev.WorkflowID)

			return nil, nil
		}

		return []*models.Workflow{wf}, nil
	}

	return m.persistence.WorkflowRepository().ActiveByTriggerType(ctx, ev.TriggerType)
}

// startExecution evaluates workflow-level trigger conditions, admits the
// run through the rate limiter under the workflow lock, claims it, and
// drives it.
func (m *Manager) startExecution(ctx context.Context, wf *models.Workflow, ev *events.TriggerReceived) error {
	logger := m.logger.With("workflow_id", wf.ID, "trigger_type", ev.TriggerType)

	if !conditions.Evaluate(wf.TriggerConditions, wf.ConditionLogicOrDefault(), ev.Context) {
		logger.DebugContext(ctx, "Trigger conditions not met, skipping")

		return nil
	}

	var execution *models.Execution

	err := m.persistence.WithWorkflowLock(ctx, wf.ID, func(ctx context.Context) error {
		if err := m.rateLimiter.Admit(ctx, wf, time.Now().UTC()); err != nil {
			if IsRateLimited(err) {
				logger.InfoContext(ctx, "Trigger rejected by rate limit", "reason", err.Error())

				return nil
			}

			return err
		}

		execution = models.NewExecution(wf.ID, ev.Context)
		execution.TriggerDepth = ev.TriggerDepth

		return m.persistence.ExecutionRepository().Save(ctx, execution)
	})
	if err != nil {
		return err
	}

	if execution == nil {
		return nil
	}

	claimed, err := m.persistence.ExecutionRepository().Claim(ctx, execution.ID,
		models.ExecutionStatusPending, models.ExecutionStatusRunning)
	if err != nil {
		return err
	}

	if !claimed {
		return nil
	}

	execution.Status = models.ExecutionStatusRunning

	m.publishStarted(ctx, wf, execution)

	return m.runGuarded(ctx, wf, execution, false)
}

// handleResumeDue claims a due execution and resumes it. Claim losers ack
// silently: the sweep may publish a wake-up more than once.
func (m *Manager) handleResumeDue(ctx context.Context, event any) error {
	ev, ok := event.(*events.ExecutionResumeDue)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	executions := m.persistence.ExecutionRepository()

	resumedFromDelay := true

	claimed, err := executions.Claim(ctx, ev.ExecutionID,
		models.ExecutionStatusWaiting, models.ExecutionStatusRunning)
	if err != nil {
		return err
	}

	if !claimed {
		// Retry clones and crash-recovered runs are queued as pending.
		resumedFromDelay = false

		claimed, err = executions.Claim(ctx, ev.ExecutionID,
			models.ExecutionStatusPending, models.ExecutionStatusRunning)
		if err != nil {
			return err
		}

		if !claimed {
			return nil
		}
	}

	execution, err := executions.ByID(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}

	wf, err := m.persistence.WorkflowRepository().ByID(ctx, execution.WorkflowID)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			execution.Finish(models.ExecutionStatusFailed, "workflow no longer exists")

			return executions.Save(ctx, execution)
		}

		return err
	}

	if !resumedFromDelay {
		m.publishStarted(ctx, wf, execution)
	}

	return m.runGuarded(ctx, wf, execution, resumedFromDelay)
}

// runGuarded runs the execution and, on an infrastructure failure, releases
// the claim back to pending and requeues a wake-up so the run is not lost.
func (m *Manager) runGuarded(ctx context.Context, wf *models.Workflow, execution *models.Execution, resumed bool) error {
	runErr := m.runner.Run(ctx, wf, execution, resumed)
	if runErr == nil {
		return nil
	}

	m.logger.ErrorContext(ctx, "Execution run failed on infrastructure",
		"execution_id", execution.ID,
		"error", runErr)

	released, err := m.persistence.ExecutionRepository().Claim(ctx, execution.ID,
		models.ExecutionStatusRunning, models.ExecutionStatusPending)
	if err != nil || !released {
		return runErr
	}

	event := events.ExecutionResumeDue{
		BaseEvent:   events.NewBaseEvent(events.ExecutionResumeDueEvent),
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
	}

	if err := m.bus.Publish(ctx, execution.WorkflowID, event); err != nil {
		return runErr
	}

	// The run is requeued; ack the original event.
	return nil
}

func (m *Manager) publishStarted(ctx context.Context, wf *models.Workflow, execution *models.Execution) {
	base := events.NewBaseEvent(events.ExecutionStartedEvent)
	base.WorkerID = m.workerID

	event := events.ExecutionStarted{
		BaseEvent:   base,
		ExecutionID: execution.ID,
		WorkflowID:  wf.ID,
		TriggerType: wf.TriggerType,
	}

	if err := m.bus.Publish(ctx, wf.ID, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish execution started event", "error", err)
	}
}
