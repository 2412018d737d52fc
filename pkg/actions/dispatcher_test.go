package actions

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/acadio/automation/pkg/eventbus"
	"github.com/acadio/automation/pkg/events"
	"github.com/acadio/automation/pkg/mocks"
	"github.com/acadio/automation/pkg/models"
)

func testDispatcher(t *testing.T, publisher eventbus.EventPublisher) *Dispatcher {
	t.Helper()

	if publisher == nil {
		bus := &mocks.MockEventBus{}
		bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		publisher = bus
	}

	return NewDispatcher(slog.Default(), publisher).
		WithPolicy(3, time.Millisecond, time.Second)
}

func TestDispatcher_Dispatch_UnknownActionType(t *testing.T) {
	d := testDispatcher(t, nil)

	result := d.Dispatch(context.Background(), "teleport", nil, nil)

	assert.Equal(t, ResultFailure, result.Status)
	assert.Contains(t, result.Error, "unknown action type")
}

func TestDispatcher_Dispatch_WebhookSuccess(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	d := testDispatcher(t, nil)

	result := d.Dispatch(context.Background(), models.ActionWebhook,
		map[string]any{"url": server.URL}, nil)

	assert.Equal(t, ResultSuccess, result.Status)
	assert.Equal(t, 0, result.Retries)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 200, result.Output["status_code"])
}

func TestDispatcher_Dispatch_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := testDispatcher(t, nil)

	result := d.Dispatch(context.Background(), models.ActionWebhook,
		map[string]any{"url": server.URL}, nil)

	assert.Equal(t, ResultSuccess, result.Status)
	assert.Equal(t, 2, result.Retries)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_Dispatch_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := testDispatcher(t, nil)

	result := d.Dispatch(context.Background(), models.ActionWebhook,
		map[string]any{"url": server.URL}, nil)

	assert.Equal(t, ResultFailure, result.Status)
	assert.Equal(t, 2, result.Retries)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, result.Error, "502")
}

func TestDispatcher_Dispatch_PermanentFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	d := testDispatcher(t, nil)

	result := d.Dispatch(context.Background(), models.ActionWebhook,
		map[string]any{"url": server.URL}, nil)

	assert.Equal(t, ResultFailure, result.Status)
	assert.Equal(t, 0, result.Retries)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_Dispatch_SubstitutesTemplates(t *testing.T) {
	var gotPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := testDispatcher(t, nil)

	execContext := map[string]any{"student": map[string]any{"id": "s-42"}}

	result := d.Dispatch(context.Background(), models.ActionWebhook,
		map[string]any{"url": server.URL + "/students/{{student.id}}"}, execContext)

	require.Equal(t, ResultSuccess, result.Status)
	assert.Equal(t, "/students/s-42", gotPath)
}

func TestTriggerWorkflowExecutor_DepthGuard(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	executor := NewTriggerWorkflowExecutor(bus)

	execContext := map[string]any{
		"execution": map[string]any{
			"id":            "exec-1",
			"workflow_id":   "wf-1",
			"trigger_depth": MaxTriggerDepth,
		},
	}

	_, err := executor.Execute(context.Background(), map[string]any{"workflow_id": "wf-2"}, execContext)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicWorkflowTrigger)
	assert.False(t, IsTransient(err))
	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestTriggerWorkflowExecutor_IncrementsDepth(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "wf-2", mock.MatchedBy(func(event eventbus.Event) bool {
		trigger, ok := event.(events.TriggerReceived)

		return ok && trigger.TriggerDepth == 3 && trigger.WorkflowID == "wf-2"
	})).Return(nil)

	executor := NewTriggerWorkflowExecutor(bus)

	execContext := map[string]any{
		"execution": map[string]any{
			"id":            "exec-1",
			"workflow_id":   "wf-1",
			"trigger_depth": 2,
		},
	}

	output, err := executor.Execute(context.Background(), map[string]any{"workflow_id": "wf-2"}, execContext)

	require.NoError(t, err)
	assert.Equal(t, 3, output["trigger_depth"])
	bus.AssertExpectations(t)
}

func TestIsTransient(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"permanent wrapper", NewPermanentError(errors.New("bad config")), false},
		{"transient wrapper", NewTransientError(errors.New("http 503")), true},
		{"context cancellation", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"connection refused message", errors.New("dial tcp: connection refused"), true},
		{"unrecognized error defaults to permanent", errors.New("field missing"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
