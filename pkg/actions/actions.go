// Package actions executes the side-effecting leaf operations of a
// workflow graph: message sends, webhook calls, task creation, resource
// assignment, and sub-workflow triggering. The dispatcher owns template
// substitution, per-attempt timeouts, and the retry policy.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acadio/automation/pkg/eventbus"
	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/template"
)

// Retry and fan-out policy.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseBackoff    = 2 * time.Second
	DefaultAttemptTimeout = 10 * time.Second

	// MaxTriggerDepth bounds transitive trigger_workflow chains.
	MaxTriggerDepth = 5
)

// ErrCyclicWorkflowTrigger guards trigger_workflow fan-out depth.
var ErrCyclicWorkflowTrigger = errors.New("workflow trigger chain exceeds maximum depth")

// ResultStatus is the outcome of one dispatched action.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// Result reports one action's outcome to the runner.
type Result struct {
	Status  ResultStatus
	Output  map[string]any
	Error   string
	Retries int
}

// Executor performs one action type's external call. The config it
// receives has already been template-substituted.
type Executor interface {
	Execute(ctx context.Context, config map[string]any, execContext map[string]any) (map[string]any, error)
}

// Dispatcher routes action nodes to executors and applies the retry
// policy: up to three attempts with exponential backoff for transient
// failures, a hard timeout per attempt so a hung external call cannot
// block a worker.
type Dispatcher struct {
	executors      map[models.ActionType]Executor
	logger         *slog.Logger
	maxAttempts    int
	baseBackoff    time.Duration
	attemptTimeout time.Duration
}

// NewDispatcher creates a dispatcher with every built-in executor
// registered. Message-style actions and engine-internal calls publish on
// the event bus; webhooks go straight to HTTP.
func NewDispatcher(logger *slog.Logger, publisher eventbus.EventPublisher) *Dispatcher {
	d := &Dispatcher{
		executors:      make(map[models.ActionType]Executor),
		logger:         logger.With("module", "action_dispatcher"),
		maxAttempts:    DefaultMaxAttempts,
		baseBackoff:    DefaultBaseBackoff,
		attemptTimeout: DefaultAttemptTimeout,
	}

	webhook := NewWebhookExecutor()
	d.Register(models.ActionWebhook, webhook)

	for actionType, channel := range messageChannels {
		d.Register(actionType, NewMessageExecutor(channel, publisher))
	}

	d.Register(models.ActionCreateTask, NewTaskExecutor(publisher))
	d.Register(models.ActionAssignResource, NewResourceExecutor(publisher))
	d.Register(models.ActionTriggerWorkflow, NewTriggerWorkflowExecutor(publisher))

	return d
}

// Register installs an executor for an action type, replacing any previous
// registration.
func (d *Dispatcher) Register(actionType models.ActionType, executor Executor) {
	d.executors[actionType] = executor
}

// WithPolicy overrides retry policy knobs, mainly for tests.
func (d *Dispatcher) WithPolicy(maxAttempts int, baseBackoff, attemptTimeout time.Duration) *Dispatcher {
	d.maxAttempts = maxAttempts
	d.baseBackoff = baseBackoff
	d.attemptTimeout = attemptTimeout

	return d
}

// Dispatch executes one action. Template variables in string config values
// are substituted from the execution context first; unresolved variables
// render as empty strings rather than failing the action.
func (d *Dispatcher) Dispatch(ctx context.Context, actionType models.ActionType, config map[string]any, execContext map[string]any) Result {
	logger := d.logger.With("action_type", actionType)

	executor, ok := d.executors[actionType]
	if !ok {
		return Result{
			Status: ResultFailure,
			Error:  fmt.Sprintf("unknown action type %q", actionType),
		}
	}

	rendered := template.SubstituteConfig(config, execContext)

	var (
		lastErr  error
		attempts int
	)

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		attempts = attempt
		output, err := d.attempt(ctx, executor, rendered, execContext)
		if err == nil {
			return Result{
				Status:  ResultSuccess,
				Output:  output,
				Retries: attempt - 1,
			}
		}

		lastErr = err

		if !IsTransient(err) {
			logger.WarnContext(ctx, "Action failed permanently", "attempt", attempt, "error", err)

			break
		}

		logger.WarnContext(ctx, "Action attempt failed", "attempt", attempt, "error", err)

		if attempt == d.maxAttempts {
			break
		}

		backoff := d.baseBackoff * time.Duration(1<<(attempt-1))

		select {
		case <-ctx.Done():
			return Result{
				Status:  ResultFailure,
				Error:   ctx.Err().Error(),
				Retries: attempt - 1,
			}
		case <-time.After(backoff):
		}
	}

	return Result{
		Status:  ResultFailure,
		Error:   lastErr.Error(),
		Retries: attempts - 1,
	}
}

// attempt runs the executor under the per-attempt timeout. A timeout is a
// transient failure for retry purposes.
func (d *Dispatcher) attempt(ctx context.Context, executor Executor, config map[string]any, execContext map[string]any) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	return executor.Execute(attemptCtx, config, execContext)
}

func configString(config map[string]any, key string) string {
	value, _ := config[key].(string)

	return value
}
