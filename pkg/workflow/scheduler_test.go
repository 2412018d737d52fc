package workflow

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/acadio/automation/pkg/events"
	"github.com/acadio/automation/pkg/mocks"
	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/persistence/file"
)

func TestScheduler_ScheduleResume_PersistsWakeUp(t *testing.T) {
	ctx := context.Background()
	store := file.NewPersistence(t.TempDir())

	execution := models.NewExecution("wf-1", nil)
	execution.Status = models.ExecutionStatusRunning
	require.NoError(t, store.ExecutionRepository().Save(ctx, execution))

	bus := &mocks.MockEventBus{}
	scheduler := NewScheduler(store, bus, slog.Default())

	wakeAt := time.Now().UTC().Add(2 * time.Hour)
	require.NoError(t, scheduler.ScheduleResume(ctx, execution, "delay-1", wakeAt))

	stored, err := store.ExecutionRepository().ByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, stored.Status)
	assert.Equal(t, "delay-1", stored.CursorNodeID)
	require.NotNil(t, stored.ScheduledResumeAt)
	assert.WithinDuration(t, wakeAt, *stored.ScheduledResumeAt, time.Second)
}

func TestScheduler_ScheduleResume_RefusesCancelledExecution(t *testing.T) {
	ctx := context.Background()
	store := file.NewPersistence(t.TempDir())

	execution := models.NewExecution("wf-1", nil)
	execution.Status = models.ExecutionStatusRunning
	require.NoError(t, store.ExecutionRepository().Save(ctx, execution))

	// Cancel lands while the runner still holds a running in-memory copy.
	claimed, err := store.ExecutionRepository().Claim(ctx, execution.ID,
		models.ExecutionStatusRunning, models.ExecutionStatusCancelled)
	require.NoError(t, err)
	require.True(t, claimed)

	scheduler := NewScheduler(store, &mocks.MockEventBus{}, slog.Default())

	err = scheduler.ScheduleResume(ctx, execution, "delay-1", time.Now().UTC().Add(time.Hour))

	require.Error(t, err)
	assert.ErrorIs(t, err, errCancelled)

	stored, err := store.ExecutionRepository().ByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.Nil(t, stored.ScheduledResumeAt)
}

func TestScheduler_Sweep_PublishesDueExecutions(t *testing.T) {
	ctx := context.Background()
	store := file.NewPersistence(t.TempDir())
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := models.NewExecution("wf-1", nil)
	due.Status = models.ExecutionStatusWaiting
	due.ScheduledResumeAt = &past
	require.NoError(t, store.ExecutionRepository().Save(ctx, due))

	alsoDue := models.NewExecution("wf-2", nil)
	alsoDue.Status = models.ExecutionStatusWaiting
	alsoDue.ScheduledResumeAt = &past
	require.NoError(t, store.ExecutionRepository().Save(ctx, alsoDue))

	notYet := models.NewExecution("wf-3", nil)
	notYet.Status = models.ExecutionStatusWaiting
	notYet.ScheduledResumeAt = &future
	require.NoError(t, store.ExecutionRepository().Save(ctx, notYet))

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(event events.ExecutionResumeDue) bool {
		return event.ExecutionID == due.ID || event.ExecutionID == alsoDue.ID
	})).Return(nil).Twice()

	scheduler := NewScheduler(store, bus, slog.Default())

	published, err := scheduler.Sweep(ctx, now)

	require.NoError(t, err)
	assert.Equal(t, 2, published)
	bus.AssertExpectations(t)
}

func TestScheduler_Sweep_NothingDue(t *testing.T) {
	ctx := context.Background()
	store := file.NewPersistence(t.TempDir())

	bus := &mocks.MockEventBus{}
	scheduler := NewScheduler(store, bus, slog.Default())

	published, err := scheduler.Sweep(ctx, time.Now().UTC())

	require.NoError(t, err)
	assert.Zero(t, published)
	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_Sweep_ContinuesPastPublishError(t *testing.T) {
	ctx := context.Background()
	store := file.NewPersistence(t.TempDir())
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	first := models.NewExecution("wf-1", nil)
	first.Status = models.ExecutionStatusWaiting
	first.ScheduledResumeAt = &past
	require.NoError(t, store.ExecutionRepository().Save(ctx, first))

	second := models.NewExecution("wf-2", nil)
	second.Status = models.ExecutionStatusWaiting
	second.ScheduledResumeAt = &past
	require.NoError(t, store.ExecutionRepository().Save(ctx, second))

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	scheduler := NewScheduler(store, bus, slog.Default())

	published, err := scheduler.Sweep(ctx, now)

	require.NoError(t, err)
	assert.Equal(t, 1, published)
	bus.AssertExpectations(t)
}
