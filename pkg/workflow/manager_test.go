package workflow

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/acadio/automation/pkg/actions"
	"github.com/acadio/automation/pkg/events"
	"github.com/acadio/automation/pkg/mocks"
	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/persistence"
	"github.com/acadio/automation/pkg/persistence/file"
	"github.com/acadio/automation/pkg/testutil"
)

type managerFixture struct {
	store   *file.Persistence
	bus     *mocks.MockEventBus
	stub    *stubExecutor
	manager *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	store := file.NewPersistence(t.TempDir())

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	stub := &stubExecutor{}
	dispatcher := actions.NewDispatcher(slog.Default(), bus).WithPolicy(1, 0, time.Second)
	dispatcher.Register(models.ActionWebhook, stub)

	scheduler := NewScheduler(store, bus, slog.Default())
	notifier := NewBusNotifier(bus, slog.Default())
	runner := NewRunner(store, dispatcher, scheduler, notifier, bus, slog.Default(), "worker-test")
	rateLimiter := NewRateLimiter(store.ExecutionRepository(), slog.Default())

	return &managerFixture{
		store:   store,
		bus:     bus,
		stub:    stub,
		manager: NewManager(store, bus, runner, rateLimiter, slog.Default(), "worker-test"),
	}
}

func (f *managerFixture) saveWorkflow(t *testing.T, wf *models.Workflow) {
	t.Helper()
	require.NoError(t, f.store.WorkflowRepository().Save(context.Background(), wf))
}

func (f *managerFixture) executionsFor(t *testing.T, workflowID string) []*models.Execution {
	t.Helper()

	list, err := f.store.ExecutionRepository().List(context.Background(),
		persistence.ExecutionFilter{WorkflowID: workflowID})
	require.NoError(t, err)

	return list
}

func triggerEvent(triggerType string, eventContext map[string]any) *events.TriggerReceived {
	return &events.TriggerReceived{
		BaseEvent:   events.NewBaseEvent(events.TriggerReceivedEvent),
		TriggerType: triggerType,
		Context:     eventContext,
	}
}

func TestManager_HandleTriggerReceived_StartsExecution(t *testing.T) {
	f := newManagerFixture(t)
	wf := testutil.CreateTestWorkflow()
	f.saveWorkflow(t, wf)

	err := f.manager.handleTriggerReceived(context.Background(),
		triggerEvent("metric_threshold", map[string]any{"gpa": 1.5}))

	require.NoError(t, err)

	list := f.executionsFor(t, wf.ID)
	require.Len(t, list, 1)
	assert.Equal(t, models.ExecutionStatusCompleted, list[0].Status)
	assert.Equal(t, 1.5, list[0].Context["gpa"])
	assert.Equal(t, 1, f.stub.callCount())
}

func TestManager_HandleTriggerReceived_ConditionsNotMet(t *testing.T) {
	f := newManagerFixture(t)
	wf := testutil.CreateTestWorkflow(func(w *models.Workflow) {
		w.TriggerConditions = []models.Condition{
			{Field: "gpa", Operator: models.OperatorLessThan, Value: 2.0},
		}
	})
	f.saveWorkflow(t, wf)

	err := f.manager.handleTriggerReceived(context.Background(),
		triggerEvent("metric_threshold", map[string]any{"gpa": 3.8}))

	require.NoError(t, err)
	assert.Empty(t, f.executionsFor(t, wf.ID))
}

func TestManager_HandleTriggerReceived_IgnoresPausedWorkflow(t *testing.T) {
	f := newManagerFixture(t)
	wf := testutil.CreateTestWorkflow(func(w *models.Workflow) {
		w.Status = models.WorkflowStatusPaused
	})
	f.saveWorkflow(t, wf)

	err := f.manager.handleTriggerReceived(context.Background(),
		triggerEvent("metric_threshold", nil))

	require.NoError(t, err)
	assert.Empty(t, f.executionsFor(t, wf.ID))
}

func TestManager_HandleTriggerReceived_DirectedRunsPausedWorkflow(t *testing.T) {
	f := newManagerFixture(t)
	wf := testutil.CreateTestWorkflow(func(w *models.Workflow) {
		w.Status = models.WorkflowStatusPaused
	})
	f.saveWorkflow(t, wf)

	ev := triggerEvent("metric_threshold", nil)
	ev.WorkflowID = wf.ID

	require.NoError(t, f.manager.handleTriggerReceived(context.Background(), ev))

	list := f.executionsFor(t, wf.ID)
	require.Len(t, list, 1)
	assert.Equal(t, models.ExecutionStatusCompleted, list[0].Status)
}

func TestManager_HandleTriggerReceived_DirectedRefusesArchived(t *testing.T) {
	f := newManagerFixture(t)
	wf := testutil.CreateTestWorkflow(func(w *models.Workflow) {
		w.Status = models.WorkflowStatusArchived
	})
	f.saveWorkflow(t, wf)

	ev := triggerEvent("metric_threshold", nil)
	ev.WorkflowID = wf.ID

	require.NoError(t, f.manager.handleTriggerReceived(context.Background(), ev))
	assert.Empty(t, f.executionsFor(t, wf.ID))
}

func TestManager_HandleTriggerReceived_DirectedUnknownWorkflow(t *testing.T) {
	f := newManagerFixture(t)

	ev := triggerEvent("metric_threshold", nil)
	ev.WorkflowID = "wf-missing"

	require.NoError(t, f.manager.handleTriggerReceived(context.Background(), ev))
}

func TestManager_HandleTriggerReceived_CooldownSkipsSecondTrigger(t *testing.T) {
	f := newManagerFixture(t)
	wf := testutil.CreateTestWorkflow(func(w *models.Workflow) {
		w.CooldownMinutes = 60
	})
	f.saveWorkflow(t, wf)

	ctx := context.Background()
	require.NoError(t, f.manager.handleTriggerReceived(ctx, triggerEvent("metric_threshold", nil)))
	require.NoError(t, f.manager.handleTriggerReceived(ctx, triggerEvent("metric_threshold", nil)))

	assert.Len(t, f.executionsFor(t, wf.ID), 1)
}

func TestManager_SubmitEvent_ReturnsEventID(t *testing.T) {
	f := newManagerFixture(t)

	eventID, err := f.manager.SubmitEvent(context.Background(), "assignment_overdue",
		map[string]any{"student_id": "stu-1"})

	require.NoError(t, err)
	assert.NotEmpty(t, eventID)
	f.bus.AssertCalled(t, "Publish", mock.Anything, "assignment_overdue", mock.MatchedBy(func(event events.TriggerReceived) bool {
		return event.TriggerType == "assignment_overdue" && event.ID == eventID
	}))
}

func TestManager_TestTrigger_DirectsEventAtWorkflow(t *testing.T) {
	f := newManagerFixture(t)
	wf := testutil.CreateTestWorkflow(func(w *models.Workflow) {
		w.Status = models.WorkflowStatusDraft
	})
	f.saveWorkflow(t, wf)

	eventID, err := f.manager.TestTrigger(context.Background(), wf.ID, map[string]any{"gpa": 1.0})

	require.NoError(t, err)
	assert.NotEmpty(t, eventID)
	f.bus.AssertCalled(t, "Publish", mock.Anything, wf.ID, mock.MatchedBy(func(event events.TriggerReceived) bool {
		return event.WorkflowID == wf.ID && event.Context["test"] == true
	}))
}

func TestManager_TestTrigger_RefusesArchived(t *testing.T) {
	f := newManagerFixture(t)
	wf := testutil.CreateTestWorkflow(func(w *models.Workflow) {
		w.Status = models.WorkflowStatusArchived
	})
	f.saveWorkflow(t, wf)

	_, err := f.manager.TestTrigger(context.Background(), wf.ID, nil)

	assert.ErrorIs(t, err, ErrWorkflowArchived)
}

func TestManager_Retry_ClonesFailedExecution(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	original := models.NewExecution("wf-1", map[string]any{"gpa": 1.5})
	original.TriggerDepth = 2
	original.Finish(models.ExecutionStatusFailed, "action node act-1 failed")
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, original))

	clone, err := f.manager.Retry(ctx, original.ID)

	require.NoError(t, err)
	assert.NotEqual(t, original.ID, clone.ID)
	assert.Equal(t, models.ExecutionStatusPending, clone.Status)
	assert.Equal(t, 2, clone.TriggerDepth)

	stored, err := f.store.ExecutionRepository().ByID(ctx, clone.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, stored.Status)

	f.bus.AssertCalled(t, "Publish", mock.Anything, "wf-1", mock.MatchedBy(func(event events.ExecutionResumeDue) bool {
		return event.ExecutionID == clone.ID
	}))
}

func TestManager_Retry_RefusesCompletedExecution(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	execution := models.NewExecution("wf-1", nil)
	execution.Finish(models.ExecutionStatusCompleted, "")
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	_, err := f.manager.Retry(ctx, execution.ID)

	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestManager_Cancel_PendingExecution(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	execution := models.NewExecution("wf-1", nil)
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	require.NoError(t, f.manager.Cancel(ctx, execution.ID, "operator request"))

	stored, err := f.store.ExecutionRepository().ByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.Equal(t, "operator request", stored.ErrorMessage)
	assert.NotNil(t, stored.EndedAt)
}

func TestManager_Cancel_RefusesTerminalExecution(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	execution := models.NewExecution("wf-1", nil)
	execution.Finish(models.ExecutionStatusCompleted, "")
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	err := f.manager.Cancel(ctx, execution.ID, "too late")

	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestManager_HandleResumeDue_ResumesWaitingExecution(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	wf := testutil.CreateTestWorkflow(func(w *models.Workflow) { w.Graph = delayGraph() })
	f.saveWorkflow(t, wf)

	past := time.Now().UTC().Add(-time.Minute)
	execution := models.NewExecution(wf.ID, nil)
	execution.Status = models.ExecutionStatusWaiting
	execution.CursorNodeID = "delay-1"
	execution.ScheduledResumeAt = &past
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	err := f.manager.handleResumeDue(ctx, &events.ExecutionResumeDue{
		BaseEvent:   events.NewBaseEvent(events.ExecutionResumeDueEvent),
		ExecutionID: execution.ID,
		WorkflowID:  wf.ID,
	})

	require.NoError(t, err)

	stored, err := f.store.ExecutionRepository().ByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Nil(t, stored.ScheduledResumeAt)
	assert.Equal(t, models.NodeResultSuccess, stored.NodeResults["act-1"].Status)
	assert.Equal(t, 1, f.stub.callCount())
}

func TestManager_HandleResumeDue_RunsPendingRetryClone(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	wf := testutil.CreateTestWorkflow()
	f.saveWorkflow(t, wf)

	execution := models.NewExecution(wf.ID, nil)
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	err := f.manager.handleResumeDue(ctx, &events.ExecutionResumeDue{
		BaseEvent:   events.NewBaseEvent(events.ExecutionResumeDueEvent),
		ExecutionID: execution.ID,
		WorkflowID:  wf.ID,
	})

	require.NoError(t, err)

	stored, err := f.store.ExecutionRepository().ByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
}

func TestManager_HandleResumeDue_ClaimLostAcksSilently(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	execution := models.NewExecution("wf-1", nil)
	execution.Finish(models.ExecutionStatusCompleted, "")
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	err := f.manager.handleResumeDue(ctx, &events.ExecutionResumeDue{
		BaseEvent:   events.NewBaseEvent(events.ExecutionResumeDueEvent),
		ExecutionID: execution.ID,
		WorkflowID:  "wf-1",
	})

	require.NoError(t, err)
	assert.Zero(t, f.stub.callCount())
}

func TestManager_HandleResumeDue_WorkflowDeleted(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	execution := models.NewExecution("wf-gone", nil)
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	err := f.manager.handleResumeDue(ctx, &events.ExecutionResumeDue{
		BaseEvent:   events.NewBaseEvent(events.ExecutionResumeDueEvent),
		ExecutionID: execution.ID,
		WorkflowID:  "wf-gone",
	})

	require.NoError(t, err)

	stored, err := f.store.ExecutionRepository().ByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, "workflow no longer exists", stored.ErrorMessage)
}
