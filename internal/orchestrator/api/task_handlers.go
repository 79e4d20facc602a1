package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"browser-task-orchestrator/internal/orchestrator"
	"browser-task-orchestrator/internal/task"
)

const ownerHeader = "X-Owner-ID"

type TaskHandler struct {
	Orchestrator *orchestrator.Orchestrator
}

func NewTaskHandler(o *orchestrator.Orchestrator) *TaskHandler {
	return &TaskHandler{Orchestrator: o}
}

type SubmitTaskRequest struct {
	Prompt string `json:"prompt" validate:"required"`
}

func ownerID(c *app.RequestContext) string {
	return string(c.GetHeader(ownerHeader))
}

// writeError maps the orchestration error taxonomy onto HTTP statuses.
func writeError(c *app.RequestContext, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
	case errors.Is(err, orchestrator.ErrForbidden):
		c.JSON(http.StatusForbidden, utils.H{"error": "Task belongs to another owner"})
	case errors.Is(err, task.ErrInvalidTransition):
		c.JSON(http.StatusConflict, utils.H{"error": "Invalid state transition: " + err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, utils.H{"error": err.Error()})
	}
}

func (h *TaskHandler) SubmitTask(ctx context.Context, c *app.RequestContext) {
	owner := ownerID(c)
	if owner == "" {
		c.JSON(http.StatusBadRequest, utils.H{"error": "X-Owner-ID header is required"})
		return
	}
	var req SubmitTaskRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	submitted, err := h.Orchestrator.Submit(ctx, owner, req.Prompt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, submitted)
}

func (h *TaskHandler) ListTasks(ctx context.Context, c *app.RequestContext) {
	owner := ownerID(c)
	if owner == "" {
		c.JSON(http.StatusBadRequest, utils.H{"error": "X-Owner-ID header is required"})
		return
	}
	tasks, err := h.Orchestrator.ListTasks(ctx, owner)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *TaskHandler) GetTask(ctx context.Context, c *app.RequestContext) {
	owner := ownerID(c)
	if owner == "" {
		c.JSON(http.StatusBadRequest, utils.H{"error": "X-Owner-ID header is required"})
		return
	}
	t, err := h.Orchestrator.GetTask(ctx, owner, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TaskHandler) GetTaskSteps(ctx context.Context, c *app.RequestContext) {
	owner := ownerID(c)
	if owner == "" {
		c.JSON(http.StatusBadRequest, utils.H{"error": "X-Owner-ID header is required"})
		return
	}
	steps, err := h.Orchestrator.Steps(ctx, owner, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, steps)
}

func (h *TaskHandler) PauseTask(ctx context.Context, c *app.RequestContext) {
	h.control(ctx, c, h.Orchestrator.Pause)
}

func (h *TaskHandler) ResumeTask(ctx context.Context, c *app.RequestContext) {
	h.control(ctx, c, h.Orchestrator.Resume)
}

func (h *TaskHandler) CancelTask(ctx context.Context, c *app.RequestContext) {
	h.control(ctx, c, h.Orchestrator.Cancel)
}

func (h *TaskHandler) control(ctx context.Context, c *app.RequestContext, op func(context.Context, string, string) error) {
	owner := ownerID(c)
	if owner == "" {
		c.JSON(http.StatusBadRequest, utils.H{"error": "X-Owner-ID header is required"})
		return
	}
	taskID := c.Param("id")
	if err := op(ctx, owner, taskID); err != nil {
		writeError(c, err)
		return
	}
	t, err := h.Orchestrator.GetTask(ctx, owner, taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}
