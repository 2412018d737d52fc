package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/acadio/automation/pkg/mocks"
	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/persistence/file"
	"github.com/acadio/automation/pkg/testutil"
	"github.com/acadio/automation/pkg/workflow"
)

type apiFixture struct {
	app   *fiber.App
	store *file.Persistence
	bus   *mocks.MockEventBus
}

func setupTestAPI(t *testing.T) *apiFixture {
	t.Helper()

	store := file.NewPersistence(t.TempDir())

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	rateLimiter := workflow.NewRateLimiter(store.ExecutionRepository(), slog.Default())
	manager := workflow.NewManager(store, bus, nil, rateLimiter, slog.Default(), "api-test")

	app := fiber.New()
	handlers := NewAPIHandlers(store, manager, validator.New(), slog.Default())
	handlers.RegisterRoutes(app)

	return &apiFixture{app: app, store: store, bus: bus}
}

func (f *apiFixture) request(t *testing.T, method, target string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.app.Test(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	})

	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var out T

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func validGraphDocument() map[string]any {
	return map[string]any{
		"nodes": []map[string]any{
			{"id": "trigger-1", "kind": "trigger", "data": map[string]any{"trigger_type": "metric_threshold"}},
			{"id": "act-1", "kind": "action", "data": map[string]any{
				"action_type": "webhook",
				"config":      map[string]any{"url": "https://example.com/hook"},
			}},
		},
		"edges": []map[string]any{
			{"source": "trigger-1", "target": "act-1"},
		},
	}
}

func createWorkflowBody() map[string]any {
	return map[string]any{
		"name":            "At-Risk Outreach",
		"organization_id": "org-1",
		"trigger_type":    "metric_threshold",
		"graph":           validGraphDocument(),
	}
}

func TestAPI_CreateWorkflow(t *testing.T) {
	f := setupTestAPI(t)

	resp := f.request(t, http.MethodPost, "/workflows", createWorkflowBody())

	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody[models.Workflow](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.WorkflowStatusDraft, created.Status)
	assert.Equal(t, "At-Risk Outreach", created.Name)

	stored, err := f.store.WorkflowRepository().ByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Graph.Nodes, 2)
}

func TestAPI_CreateWorkflow_MissingName(t *testing.T) {
	f := setupTestAPI(t)

	body := createWorkflowBody()
	delete(body, "name")

	resp := f.request(t, http.MethodPost, "/workflows", body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CreateWorkflow_GraphFailsSchema(t *testing.T) {
	f := setupTestAPI(t)

	body := createWorkflowBody()
	body["graph"] = map[string]any{"nodes": []map[string]any{}}

	resp := f.request(t, http.MethodPost, "/workflows", body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CreateWorkflow_AcceptsIncompleteDraftGraph(t *testing.T) {
	f := setupTestAPI(t)

	// The action node is not yet wired to the trigger, which fails
	// structural validation. An author saving a half-built draft must not
	// be blocked; only activation gates on the full graph rules.
	body := createWorkflowBody()
	body["graph"] = map[string]any{
		"nodes": []map[string]any{
			{"id": "trigger-1", "kind": "trigger", "data": map[string]any{"trigger_type": "metric_threshold"}},
			{"id": "act-1", "kind": "action", "data": map[string]any{
				"action_type": "webhook",
				"config":      map[string]any{"url": "https://example.com/hook"},
			}},
		},
		"edges": []map[string]any{},
	}

	resp := f.request(t, http.MethodPost, "/workflows", body)

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody[models.Workflow](t, resp)
	assert.Equal(t, models.WorkflowStatusDraft, created.Status)

	activate := f.request(t, http.MethodPut, "/workflows/"+created.ID+"/status",
		map[string]any{"status": "active"})
	assert.Equal(t, http.StatusBadRequest, activate.StatusCode)
}

func TestAPI_GetWorkflow_NotFound(t *testing.T) {
	f := setupTestAPI(t)

	resp := f.request(t, http.MethodGet, "/workflows/wf-missing", nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_GetWorkflows(t *testing.T) {
	f := setupTestAPI(t)

	wf := testutil.CreateTestWorkflow()
	require.NoError(t, f.store.WorkflowRepository().Save(context.Background(), wf))

	resp := f.request(t, http.MethodGet, "/workflows", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, float64(1), body["total_count"])
}

func TestAPI_UpdateWorkflow_PartialFields(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	wf := testutil.CreateTestWorkflow()
	require.NoError(t, f.store.WorkflowRepository().Save(ctx, wf))

	resp := f.request(t, http.MethodPatch, "/workflows/"+wf.ID, map[string]any{
		"name":             "Renamed Workflow",
		"cooldown_minutes": 15,
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := f.store.WorkflowRepository().ByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed Workflow", stored.Name)
	assert.Equal(t, 15, stored.CooldownMinutes)
	assert.Equal(t, wf.TriggerType, stored.TriggerType)
}

func TestAPI_UpdateWorkflowStatus_Activates(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	wf := testutil.CreateTestWorkflow(func(w *models.Workflow) {
		w.Status = models.WorkflowStatusDraft
	})
	require.NoError(t, f.store.WorkflowRepository().Save(ctx, wf))

	resp := f.request(t, http.MethodPut, "/workflows/"+wf.ID+"/status", map[string]any{
		"status": "active",
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := f.store.WorkflowRepository().ByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusActive, stored.Status)
}

func TestAPI_UpdateWorkflowStatus_ActivationRevalidatesGraph(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	// A broken graph saved directly, bypassing the create endpoint.
	wf := testutil.CreateTestWorkflow(func(w *models.Workflow) {
		w.Status = models.WorkflowStatusDraft
		w.Graph = &models.Graph{
			Nodes: []*models.Node{
				{ID: "act-1", Kind: models.NodeKindAction, Data: map[string]any{"action_type": "webhook"}},
			},
		}
	})
	require.NoError(t, f.store.WorkflowRepository().Save(ctx, wf))

	resp := f.request(t, http.MethodPut, "/workflows/"+wf.ID+"/status", map[string]any{
		"status": "active",
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	stored, err := f.store.WorkflowRepository().ByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusDraft, stored.Status)
}

func TestAPI_UpdateWorkflowStatus_InvalidStatus(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	wf := testutil.CreateTestWorkflow()
	require.NoError(t, f.store.WorkflowRepository().Save(ctx, wf))

	resp := f.request(t, http.MethodPut, "/workflows/"+wf.ID+"/status", map[string]any{
		"status": "bogus",
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_DeleteWorkflow(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	wf := testutil.CreateTestWorkflow()
	require.NoError(t, f.store.WorkflowRepository().Save(ctx, wf))

	resp := f.request(t, http.MethodDelete, "/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.request(t, http.MethodDelete, "/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_DeleteWorkflow_RefusesLiveExecutions(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	wf := testutil.CreateTestWorkflow()
	require.NoError(t, f.store.WorkflowRepository().Save(ctx, wf))

	execution := models.NewExecution(wf.ID, nil)
	execution.Status = models.ExecutionStatusRunning
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	resp := f.request(t, http.MethodDelete, "/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, err := f.store.WorkflowRepository().ByID(ctx, wf.ID)
	require.NoError(t, err)

	execution.Finish(models.ExecutionStatusCompleted, "")
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	resp = f.request(t, http.MethodDelete, "/workflows/"+wf.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPI_UpdateWorkflowStatus_ArchiveRefusesLiveExecutions(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	wf := testutil.CreateTestWorkflow()
	require.NoError(t, f.store.WorkflowRepository().Save(ctx, wf))

	execution := models.NewExecution(wf.ID, nil)
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	resp := f.request(t, http.MethodPut, "/workflows/"+wf.ID+"/status", map[string]any{
		"status": "archived",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	stored, err := f.store.WorkflowRepository().ByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.WorkflowStatusArchived, stored.Status)

	execution.Finish(models.ExecutionStatusFailed, "action failed")
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	resp = f.request(t, http.MethodPut, "/workflows/"+wf.ID+"/status", map[string]any{
		"status": "archived",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err = f.store.WorkflowRepository().ByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusArchived, stored.Status)
}

func TestAPI_SubmitEvent(t *testing.T) {
	f := setupTestAPI(t)

	resp := f.request(t, http.MethodPost, "/events", map[string]any{
		"trigger_type": "metric_threshold",
		"context":      map[string]any{"student_id": "stu-1", "gpa": 1.5},
	})

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	accepted := decodeBody[EventAcceptedResponse](t, resp)
	assert.NotEmpty(t, accepted.EventID)
}

func TestAPI_SubmitEvent_MissingTriggerType(t *testing.T) {
	f := setupTestAPI(t)

	resp := f.request(t, http.MethodPost, "/events", map[string]any{
		"context": map[string]any{"gpa": 1.5},
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_TestTrigger(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	wf := testutil.CreateTestWorkflow(func(w *models.Workflow) {
		w.Status = models.WorkflowStatusDraft
	})
	require.NoError(t, f.store.WorkflowRepository().Save(ctx, wf))

	resp := f.request(t, http.MethodPost, "/workflows/"+wf.ID+"/test-trigger", map[string]any{
		"context": map[string]any{"gpa": 1.0},
	})

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	accepted := decodeBody[EventAcceptedResponse](t, resp)
	assert.NotEmpty(t, accepted.EventID)
}

func TestAPI_TestTrigger_ArchivedConflict(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	wf := testutil.CreateTestWorkflow(func(w *models.Workflow) {
		w.Status = models.WorkflowStatusArchived
	})
	require.NoError(t, f.store.WorkflowRepository().Save(ctx, wf))

	resp := f.request(t, http.MethodPost, "/workflows/"+wf.ID+"/test-trigger", nil)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_GetWorkflowExecutions(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	wf := testutil.CreateTestWorkflow()
	require.NoError(t, f.store.WorkflowRepository().Save(ctx, wf))

	execution := models.NewExecution(wf.ID, nil)
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	resp := f.request(t, http.MethodGet, "/workflows/"+wf.ID+"/executions", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, float64(1), body["total_count"])
}

func TestAPI_GetWorkflowExecutions_UnknownWorkflow(t *testing.T) {
	f := setupTestAPI(t)

	resp := f.request(t, http.MethodGet, "/workflows/wf-missing/executions", nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_GetWorkflowExecutions_BadQueryParams(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	wf := testutil.CreateTestWorkflow()
	require.NoError(t, f.store.WorkflowRepository().Save(ctx, wf))

	resp := f.request(t, http.MethodGet, "/workflows/"+wf.ID+"/executions?limit=abc", nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GetExecution_NotFound(t *testing.T) {
	f := setupTestAPI(t)

	resp := f.request(t, http.MethodGet, "/executions/exec-missing", nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_RetryExecution(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	execution := models.NewExecution("wf-1", nil)
	execution.Finish(models.ExecutionStatusFailed, "action failed")
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	resp := f.request(t, http.MethodPost, "/executions/"+execution.ID+"/retry", nil)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	clone := decodeBody[models.Execution](t, resp)
	assert.NotEqual(t, execution.ID, clone.ID)
	assert.Equal(t, models.ExecutionStatusPending, clone.Status)
}

func TestAPI_RetryExecution_Conflict(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	execution := models.NewExecution("wf-1", nil)
	execution.Finish(models.ExecutionStatusCompleted, "")
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	resp := f.request(t, http.MethodPost, "/executions/"+execution.ID+"/retry", nil)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_CancelExecution(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	execution := models.NewExecution("wf-1", nil)
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	resp := f.request(t, http.MethodPost, "/executions/"+execution.ID+"/cancel", map[string]any{
		"reason": "operator request",
	})

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	stored, err := f.store.ExecutionRepository().ByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.Equal(t, "operator request", stored.ErrorMessage)
}

func TestAPI_CancelExecution_Conflict(t *testing.T) {
	f := setupTestAPI(t)
	ctx := context.Background()

	execution := models.NewExecution("wf-1", nil)
	execution.Finish(models.ExecutionStatusFailed, "boom")
	require.NoError(t, f.store.ExecutionRepository().Save(ctx, execution))

	resp := f.request(t, http.MethodPost, "/executions/"+execution.ID+"/cancel", nil)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_HealthCheck(t *testing.T) {
	f := setupTestAPI(t)

	resp := f.request(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
