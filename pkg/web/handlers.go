package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/persistence"
	"github.com/acadio/automation/pkg/workflow"
)

type APIHandlers struct {
	persistence persistence.Persistence
	manager     *workflow.Manager
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	p persistence.Persistence,
	manager *workflow.Manager,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence: p,
		manager:     manager,
		validator:   validator,
		logger:      logger.With("module", "api"),
	}
}

// RegisterRoutes mounts every endpoint on the app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Post("/workflows", h.CreateWorkflow)
	app.Get("/workflows", h.GetWorkflows)
	app.Get("/workflows/:id", h.GetWorkflow)
	app.Patch("/workflows/:id", h.UpdateWorkflow)
	app.Delete("/workflows/:id", h.DeleteWorkflow)
	app.Put("/workflows/:id/status", h.UpdateWorkflowStatus)
	app.Post("/workflows/:id/test-trigger", h.TestTrigger)
	app.Get("/workflows/:id/executions", h.GetWorkflowExecutions)

	app.Post("/events", h.SubmitEvent)

	app.Get("/executions/:id", h.GetExecution)
	app.Post("/executions/:id/retry", h.RetryExecution)
	app.Post("/executions/:id/cancel", h.CancelExecution)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	repository := "ok"

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		repository = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repository,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	graph, err := decodeGraph(req.Graph)
	if err != nil {
		return handleEngineError(c, err)
	}

	now := time.Now().UTC()
	wf := &models.Workflow{
		ID:                  newWorkflowID(),
		OrganizationID:      req.OrganizationID,
		Name:                req.Name,
		Status:              models.WorkflowStatusDraft,
		TriggerType:         req.TriggerType,
		TriggerConditions:   req.TriggerConditions,
		Logic:               req.Logic,
		CooldownMinutes:     req.CooldownMinutes,
		MaxExecutionsPerDay: req.MaxExecutionsPerDay,
		Graph:               graph,
		Owner:               req.Owner,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := h.persistence.WorkflowRepository().Save(c.Context(), wf); err != nil {
		return handleEngineError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Workflow created", "workflow_id", wf.ID, "name", wf.Name)

	return c.Status(fiber.StatusCreated).JSON(wf)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.persistence.WorkflowRepository().List(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	wf, err := h.persistence.WorkflowRepository().ByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(wf)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	var req UpdateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	wf, err := h.persistence.WorkflowRepository().ByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	if req.Name != nil {
		wf.Name = *req.Name
	}

	if req.TriggerType != nil {
		wf.TriggerType = *req.TriggerType
	}

	if req.TriggerConditions != nil {
		wf.TriggerConditions = req.TriggerConditions
	}

	if req.Logic != "" {
		wf.Logic = req.Logic
	}

	if req.CooldownMinutes != nil {
		wf.CooldownMinutes = *req.CooldownMinutes
	}

	if req.MaxExecutionsPerDay != nil {
		wf.MaxExecutionsPerDay = *req.MaxExecutionsPerDay
	}

	if req.Owner != nil {
		wf.Owner = *req.Owner
	}

	if len(req.Graph) > 0 {
		graph, err := decodeGraph(req.Graph)
		if err != nil {
			return handleEngineError(c, err)
		}

		wf.Graph = graph
	}

	wf.UpdatedAt = time.Now().UTC()

	if err := h.persistence.WorkflowRepository().Save(c.Context(), wf); err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(wf)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	live, err := h.hasLiveExecutions(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	if live {
		return conflict(c, "workflow has executions that are still pending, running, or waiting")
	}

	if err := h.persistence.WorkflowRepository().Delete(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// hasLiveExecutions reports whether any execution of the workflow is still
// non-terminal. Archiving or deleting under a live run would strand it.
func (h *APIHandlers) hasLiveExecutions(ctx context.Context, workflowID string) (bool, error) {
	executions, err := h.persistence.ExecutionRepository().List(ctx, persistence.ExecutionFilter{
		WorkflowID: workflowID,
	})
	if err != nil {
		return false, err
	}

	for _, execution := range executions {
		if !execution.Status.IsTerminal() {
			return true, nil
		}
	}

	return false, nil
}

// UpdateWorkflowStatus moves a workflow through its lifecycle. Activation
// re-validates the graph so a workflow with a broken graph can never accept
// trigger events.
func (h *APIHandlers) UpdateWorkflowStatus(c fiber.Ctx) error {
	var req UpdateWorkflowStatusRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	wf, err := h.persistence.WorkflowRepository().ByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	if req.Status == models.WorkflowStatusActive {
		if err := wf.Graph.Validate(); err != nil {
			return handleEngineError(c, err)
		}
	}

	if req.Status == models.WorkflowStatusArchived {
		live, err := h.hasLiveExecutions(c.Context(), wf.ID)
		if err != nil {
			return internalError(c, err)
		}

		if live {
			return conflict(c, "workflow has executions that are still pending, running, or waiting")
		}
	}

	wf.Status = req.Status
	wf.UpdatedAt = time.Now().UTC()

	if err := h.persistence.WorkflowRepository().Save(c.Context(), wf); err != nil {
		return handleEngineError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Workflow status updated", "workflow_id", wf.ID, "status", wf.Status)

	return c.JSON(wf)
}

// SubmitEvent accepts a candidate trigger event. Matching and execution
// happen asynchronously; the response only acknowledges receipt.
func (h *APIHandlers) SubmitEvent(c fiber.Ctx) error {
	var req SubmitEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	eventID, err := h.manager.SubmitEvent(c.Context(), req.TriggerType, req.Context)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(EventAcceptedResponse{EventID: eventID})
}

func (h *APIHandlers) TestTrigger(c fiber.Ctx) error {
	var req TestTriggerRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	eventID, err := h.manager.TestTrigger(c.Context(), c.Params("id"), req.Context)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(EventAcceptedResponse{EventID: eventID})
}

func (h *APIHandlers) GetWorkflowExecutions(c fiber.Ctx) error {
	filter, err := h.parseExecutionFilter(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	filter.WorkflowID = c.Params("id")

	if _, err := h.persistence.WorkflowRepository().ByID(c.Context(), filter.WorkflowID); err != nil {
		return handleEngineError(c, err)
	}

	executions, err := h.manager.ListExecutions(c.Context(), filter)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions":  executions,
		"total_count": len(executions),
		"pagination": fiber.Map{
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

func (h *APIHandlers) parseExecutionFilter(c fiber.Ctx) (persistence.ExecutionFilter, error) {
	filter := persistence.ExecutionFilter{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return filter, err
		}

		filter.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return filter, err
		}

		filter.Offset = offset
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.ExecutionStatus(statusStr)
		filter.Status = &status
	}

	if afterStr := c.Query("started_after"); afterStr != "" {
		after, err := time.Parse(time.RFC3339, afterStr)
		if err != nil {
			return filter, err
		}

		filter.StartedAfter = &after
	}

	if beforeStr := c.Query("started_before"); beforeStr != "" {
		before, err := time.Parse(time.RFC3339, beforeStr)
		if err != nil {
			return filter, err
		}

		filter.StartedBefore = &before
	}

	return filter, nil
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.manager.Execution(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) RetryExecution(c fiber.Ctx) error {
	clone, err := h.manager.Retry(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(clone)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	var req CancelExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.manager.Cancel(c.Context(), c.Params("id"), req.Reason); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// decodeGraph runs the submitted document through the authoring schema.
// Structural validation happens at activation, so drafts may carry
// incomplete graphs while they are being authored.
func decodeGraph(raw json.RawMessage) (*models.Graph, error) {
	if err := models.ValidateGraphDocument(raw); err != nil {
		return nil, err
	}

	graph := &models.Graph{}
	if err := json.Unmarshal(raw, graph); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrGraphSchema, err)
	}

	return graph, nil
}

func newWorkflowID() string {
	return fmt.Sprintf("wf-%s", uuid.New().String()[:8])
}
