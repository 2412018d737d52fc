package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/acadio/automation/pkg/actions"
	"github.com/acadio/automation/pkg/conditions"
	"github.com/acadio/automation/pkg/eventbus"
	"github.com/acadio/automation/pkg/events"
	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/otelhelper"
	"github.com/acadio/automation/pkg/persistence"
)

// errCancelled is returned by checkpoint when the persisted execution was
// cancelled externally; the walk stops without overwriting that status.
var errCancelled = errors.New("execution cancelled externally")

// pathOutcome summarizes how one walk down the graph ended.
type pathOutcome int

const (
	pathCompleted pathOutcome = iota // reached a terminal node
	pathSuspended                    // parked at a delay node
	pathFailed                       // an action exhausted its retries
	pathCancelled                    // observed an external cancellation
)

// Runner drives a claimed execution through its workflow graph until the
// execution completes, fails, suspends at a delay node, or is cancelled.
// The caller must have moved the execution to running before Run; Run
// persists every node transition so a crashed worker leaves a resumable
// audit trail rather than a lost run.
type Runner struct {
	persistence persistence.Persistence
	dispatcher  *actions.Dispatcher
	scheduler   *Scheduler
	notifier    Notifier
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	workerID    string
	tracer      trace.Tracer
}

func NewRunner(
	p persistence.Persistence,
	dispatcher *actions.Dispatcher,
	scheduler *Scheduler,
	notifier Notifier,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
	workerID string,
) *Runner {
	return &Runner{
		persistence: p,
		dispatcher:  dispatcher,
		scheduler:   scheduler,
		notifier:    notifier,
		publisher:   publisher,
		logger:      logger.With("module", "runner"),
		workerID:    workerID,
	}
}

// WithTracer enables per-execution spans.
func (r *Runner) WithTracer(tracer trace.Tracer) *Runner {
	r.tracer = tracer

	return r
}

// run holds the per-execution state shared by concurrent branch walks. The
// mutex guards the execution's result map and checkpoint saves.
type run struct {
	runner    *Runner
	workflow  *models.Workflow
	execution *models.Execution
	logger    *slog.Logger

	mu         sync.Mutex
	failureMsg string
}

// Run advances the execution from its cursor. resumed marks an execution
// woken from a delay suspension: the cursor's delay node has already
// elapsed and must not be scheduled again. The returned error is an
// infrastructure failure (store or scheduler write); action failures end
// the execution as failed and return nil.
func (r *Runner) Run(ctx context.Context, wf *models.Workflow, execution *models.Execution, resumed bool) error {
	logger := r.logger.With("workflow_id", wf.ID, "execution_id", execution.ID)

	if r.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, r.tracer, "execution.run",
			attribute.String(otelhelper.WorkflowIDKey, wf.ID),
			attribute.String(otelhelper.WorkflowNameKey, wf.Name),
			attribute.String(otelhelper.ExecutionIDKey, execution.ID),
			attribute.String(otelhelper.WorkerIDKey, r.workerID),
		)
		defer span.End()

		defer func() {
			span.SetAttributes(attribute.String("automation.execution.status", string(execution.Status)))

			if execution.Status == models.ExecutionStatusFailed && execution.ErrorMessage != "" {
				otelhelper.SetError(span, errors.New(execution.ErrorMessage),
					attribute.String(otelhelper.ExecutionIDKey, execution.ID))
			}
		}()
	}

	state := &run{
		runner:    r,
		workflow:  wf,
		execution: execution,
		logger:    logger,
	}

	start, err := r.startNode(wf, execution)
	if err != nil {
		return r.finish(ctx, state, models.ExecutionStatusFailed, err.Error())
	}

	outcome, err := state.walk(ctx, start, resumed)
	if err != nil {
		return err
	}

	switch outcome {
	case pathCompleted:
		return r.finish(ctx, state, models.ExecutionStatusCompleted, "")
	case pathFailed:
		return r.finish(ctx, state, models.ExecutionStatusFailed, state.failureMsg)
	case pathSuspended, pathCancelled:
		// Suspension was persisted by the scheduler; cancellation was
		// persisted by whoever cancelled.
		return nil
	default:
		return fmt.Errorf("unknown path outcome %d", outcome)
	}
}

// startNode resolves where to resume: a fresh execution starts at the
// trigger node, a woken one at its persisted cursor.
func (r *Runner) startNode(wf *models.Workflow, execution *models.Execution) (*models.Node, error) {
	if execution.CursorNodeID == "" {
		trigger := wf.Graph.TriggerNode()
		if trigger == nil {
			return nil, fmt.Errorf("workflow %s has no trigger node", wf.ID)
		}

		return trigger, nil
	}

	node := wf.Graph.NodeByID(execution.CursorNodeID)
	if node == nil {
		return nil, fmt.Errorf("cursor node %s no longer exists in workflow %s", execution.CursorNodeID, wf.ID)
	}

	return node, nil
}

func (r *Runner) finish(ctx context.Context, state *run, status models.ExecutionStatus, errorMessage string) error {
	execution := state.execution

	current, err := r.persistence.ExecutionRepository().ByID(ctx, execution.ID)
	if err == nil && current.Status == models.ExecutionStatusCancelled {
		state.logger.InfoContext(ctx, "Execution was cancelled externally, keeping cancelled status")

		return nil
	}

	execution.Finish(status, errorMessage)

	if err := r.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		return fmt.Errorf("failed to persist terminal execution %s: %w", execution.ID, err)
	}

	state.logger.InfoContext(ctx, "Execution finished",
		"status", status,
		"nodes_executed", len(execution.NodeResults),
		"duration", execution.Duration())

	r.publishTerminal(ctx, execution, status, errorMessage)

	if err := r.notifier.ExecutionFinished(ctx, state.workflow, execution); err != nil {
		// The execution outcome is already durable; a lost notification
		// does not fail the run.
		state.logger.WarnContext(ctx, "Owner notification failed", "error", err)
	}

	return nil
}

func (r *Runner) publishTerminal(ctx context.Context, execution *models.Execution, status models.ExecutionStatus, errorMessage string) {
	base := events.NewBaseEvent(events.ExecutionCompletedEvent)
	base.WorkerID = r.workerID

	var event eventbus.Event

	switch status {
	case models.ExecutionStatusCompleted:
		event = events.ExecutionCompleted{
			BaseEvent:     base,
			ExecutionID:   execution.ID,
			WorkflowID:    execution.WorkflowID,
			DurationMs:    execution.Duration().Milliseconds(),
			NodesExecuted: len(execution.NodeResults),
		}
	case models.ExecutionStatusFailed:
		base.Type = events.ExecutionFailedEvent
		event = events.ExecutionFailed{
			BaseEvent:     base,
			ExecutionID:   execution.ID,
			WorkflowID:    execution.WorkflowID,
			DurationMs:    execution.Duration().Milliseconds(),
			Error:         errorMessage,
			NodesExecuted: len(execution.NodeResults),
		}
	default:
		return
	}

	if err := r.publisher.Publish(ctx, execution.WorkflowID, event); err != nil {
		r.logger.WarnContext(ctx, "Failed to publish lifecycle event",
			"execution_id", execution.ID,
			"error", err)
	}
}

// walk processes nodes from node onward until the path terminates. It is
// called once per execution, and recursively once per branch path.
func (s *run) walk(ctx context.Context, node *models.Node, resumed bool) (pathOutcome, error) {
	for node != nil {
		cancelled, err := s.checkCancelled(ctx)
		if err != nil {
			return pathFailed, err
		}

		if cancelled {
			s.logger.InfoContext(ctx, "Execution cancelled externally, stopping", "node_id", node.ID)

			return pathCancelled, nil
		}

		s.setCursor(node.ID)

		var (
			outcome string
			done    pathOutcome
			stop    bool
		)

		switch node.Kind {
		case models.NodeKindTrigger:
			matched, err := s.runTrigger(ctx, node)
			if err != nil {
				return s.failNode(node, err)
			}

			if !matched {
				return pathCompleted, nil
			}

		case models.NodeKindCondition:
			outcome, err = s.runCondition(ctx, node)
			if err != nil {
				return s.failNode(node, err)
			}

		case models.NodeKindDelay:
			if resumed {
				// The wake-up already elapsed; record the visit and move on.
				resumed = false

				s.record(models.NodeResult{
					NodeID: node.ID,
					Status: models.NodeResultSuccess,
					Output: map[string]any{"resumed": true},
				})
			} else {
				data, err := node.DelayData()
				if err != nil {
					return s.failNode(node, err)
				}

				if err := s.runDelay(ctx, node, data); err != nil {
					if errors.Is(err, errCancelled) {
						return pathCancelled, nil
					}

					return pathFailed, err
				}

				return pathSuspended, nil
			}

		case models.NodeKindBranch:
			data, err := node.BranchData()
			if err != nil {
				return s.failNode(node, err)
			}

			done, err = s.runBranch(ctx, node, data)
			if err != nil {
				return pathFailed, err
			}

			stop = true

		case models.NodeKindAction:
			data, err := node.ActionData()
			if err != nil {
				return s.failNode(node, err)
			}

			ok := s.runAction(ctx, node, data)
			if !ok {
				return pathFailed, nil
			}

		default:
			return s.failNode(node, fmt.Errorf("unknown node kind %q", node.Kind))
		}

		if stop {
			return done, nil
		}

		if err := s.checkpoint(ctx); err != nil {
			if errors.Is(err, errCancelled) {
				return pathCancelled, nil
			}

			return pathFailed, err
		}

		node = s.next(node, outcome)
	}

	// No outgoing edge for the outcome: a normal terminal path.
	return pathCompleted, nil
}

// checkCancelled re-reads the persisted status so an external Cancel takes
// effect before the next node runs, including between branch-path nodes.
func (s *run) checkCancelled(ctx context.Context) (bool, error) {
	current, err := s.runner.persistence.ExecutionRepository().ByID(ctx, s.execution.ID)
	if err != nil {
		return false, fmt.Errorf("failed to re-read execution %s: %w", s.execution.ID, err)
	}

	return current.Status == models.ExecutionStatusCancelled, nil
}

// failNode records a node-level failure caused by unusable node
// configuration and marks the path failed.
func (s *run) failNode(node *models.Node, err error) (pathOutcome, error) {
	s.record(models.NodeResult{
		NodeID: node.ID,
		Status: models.NodeResultFailure,
		Error:  err.Error(),
	})

	s.setFailure(fmt.Sprintf("node %s: %v", node.ID, err))

	return pathFailed, nil
}

// runTrigger evaluates the trigger node's conditions against the event
// context. A non-match completes the execution with zero actions.
func (s *run) runTrigger(ctx context.Context, node *models.Node) (bool, error) {
	data, err := node.TriggerData()
	if err != nil {
		return false, err
	}

	matched := conditions.Evaluate(data.Conditions, data.Logic, s.execution.Context)

	if !matched {
		s.logger.InfoContext(ctx, "Trigger conditions not met", "node_id", node.ID)

		s.record(models.NodeResult{
			NodeID: node.ID,
			Status: models.NodeResultSkipped,
			Output: map[string]any{"conditions_met": false},
		})

		return false, nil
	}

	s.record(models.NodeResult{
		NodeID: node.ID,
		Status: models.NodeResultSuccess,
		Output: map[string]any{"conditions_met": true},
	})

	return true, nil
}

// runCondition evaluates the node's predicate and returns the edge label to
// follow. Uncomparable values evaluate to false, never to an error.
func (s *run) runCondition(ctx context.Context, node *models.Node) (string, error) {
	data, err := node.ConditionData()
	if err != nil {
		return "", err
	}

	result := conditions.Evaluate([]models.Condition{{
		Field:    data.Field,
		Operator: data.Operator,
		Value:    data.Value,
	}}, models.LogicAnd, s.execution.Context)

	outcome := models.EdgeLabelFalse
	if result {
		outcome = models.EdgeLabelTrue
	}

	s.logger.DebugContext(ctx, "Condition evaluated",
		"node_id", node.ID,
		"field", data.Field,
		"result", result)

	s.record(models.NodeResult{
		NodeID: node.ID,
		Status: models.NodeResultSuccess,
		Output: map[string]any{"result": result},
	})

	return outcome, nil
}

// runDelay computes the wake time and hands the execution to the scheduler.
// On a scheduler failure nothing is recorded, so redelivery retries the
// transition from the same node.
func (s *run) runDelay(ctx context.Context, node *models.Node, data *models.DelayData) error {
	wakeAt := time.Now().UTC().Add(data.Wait())

	if err := s.runner.scheduler.ScheduleResume(ctx, s.execution, node.ID, wakeAt); err != nil {
		return err
	}

	s.record(models.NodeResult{
		NodeID: node.ID,
		Status: models.NodeResultScheduled,
		Output: map[string]any{"resume_at": wakeAt.Format(time.RFC3339)},
	})

	// Best effort: the wake-up itself is already durable.
	if err := s.checkpoint(ctx); err != nil {
		s.logger.WarnContext(ctx, "Failed to checkpoint delay result", "error", err)
	}

	return nil
}

// runBranch walks every path concurrently and joins on all of them. The
// branch completes unless every path failed.
func (s *run) runBranch(ctx context.Context, node *models.Node, data *models.BranchData) (pathOutcome, error) {
	s.record(models.NodeResult{
		NodeID: node.ID,
		Status: models.NodeResultSuccess,
		Output: map[string]any{"paths": len(data.Paths)},
	})

	if err := s.checkpoint(ctx); err != nil {
		if errors.Is(err, errCancelled) {
			return pathCancelled, nil
		}

		return pathFailed, err
	}

	outcomes := make([]pathOutcome, len(data.Paths))
	errs := make([]error, len(data.Paths))

	var wg sync.WaitGroup

	for i := range data.Paths {
		heads := s.workflow.Graph.NextNodes(node.ID, models.BranchEdgeLabel(i))
		if len(heads) == 0 {
			outcomes[i] = pathCompleted

			continue
		}

		wg.Add(1)

		go func(index int, head *models.Node) {
			defer wg.Done()

			outcomes[index], errs[index] = s.walk(ctx, head, false)
		}(i, heads[0])
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return pathFailed, err
		}
	}

	completed := 0
	cancelled := false

	for _, outcome := range outcomes {
		switch outcome {
		case pathCompleted:
			completed++
		case pathCancelled:
			cancelled = true
		}
	}

	if cancelled {
		return pathCancelled, nil
	}

	if completed == 0 {
		s.setFailure(fmt.Sprintf("all %d branch paths of node %s failed", len(data.Paths), node.ID))

		return pathFailed, nil
	}

	return pathCompleted, nil
}

// runAction dispatches the node's action and records the result. A false
// return means the action exhausted its retries and the execution fails.
func (s *run) runAction(ctx context.Context, node *models.Node, data *models.ActionData) bool {
	result := s.runner.dispatcher.Dispatch(ctx, data.ActionType, data.Config, s.actionContext())

	nodeResult := models.NodeResult{
		NodeID: node.ID,
		Output: result.Output,
		Error:  result.Error,
	}

	if result.Status == actions.ResultSuccess {
		nodeResult.Status = models.NodeResultSuccess
	} else {
		nodeResult.Status = models.NodeResultFailure
	}

	s.record(nodeResult)

	if result.Status != actions.ResultSuccess {
		s.logger.WarnContext(ctx, "Action node failed",
			"node_id", node.ID,
			"action_type", data.ActionType,
			"retries", result.Retries,
			"error", result.Error)

		s.setFailure(fmt.Sprintf("action node %s (%s) failed: %s", node.ID, data.ActionType, result.Error))

		return false
	}

	return true
}

// actionContext exposes the trigger context to executors plus reserved
// execution metadata under the "execution" key.
func (s *run) actionContext() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	execContext := make(map[string]any, len(s.execution.Context)+1)
	for k, v := range s.execution.Context {
		execContext[k] = v
	}

	execContext["execution"] = map[string]any{
		"id":            s.execution.ID,
		"workflow_id":   s.execution.WorkflowID,
		"trigger_depth": s.execution.TriggerDepth,
	}

	return execContext
}

func (s *run) next(node *models.Node, outcome string) *models.Node {
	targets := s.workflow.Graph.NextNodes(node.ID, outcome)
	if len(targets) == 0 {
		return nil
	}

	return targets[0]
}

func (s *run) record(result models.NodeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.execution.RecordNodeResult(result)
}

func (s *run) setCursor(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.execution.CursorNodeID = nodeID
}

func (s *run) setFailure(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failureMsg == "" {
		s.failureMsg = message
	}
}

// checkpoint persists the execution's progress so far. The persisted status
// is re-read first so a checkpoint cannot flip an externally cancelled
// execution back to running.
func (s *run) checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.runner.persistence.ExecutionRepository().ByID(ctx, s.execution.ID)
	if err != nil {
		return fmt.Errorf("failed to re-read execution %s: %w", s.execution.ID, err)
	}

	if current.Status == models.ExecutionStatusCancelled {
		return errCancelled
	}

	if err := s.runner.persistence.ExecutionRepository().Save(ctx, s.execution); err != nil {
		return fmt.Errorf("failed to checkpoint execution %s: %w", s.execution.ID, err)
	}

	return nil
}
