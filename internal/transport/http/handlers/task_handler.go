package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/netly/cnagent/internal/logger"
	"github.com/netly/cnagent/internal/reporter"
	"github.com/netly/cnagent/internal/task"
	"github.com/netly/cnagent/internal/transport/http/dto"
)

const defaultListLimit = 50

// TaskService admits requests.
type TaskService interface {
	Submit(ctx context.Context, req task.Request) (task.Instance, error)
	Types() []string
}

// TaskReader serves live and archived task state.
type TaskReader interface {
	Get(ctx context.Context, id string) (task.Instance, error)
	List(ctx context.Context, limit int) ([]task.Instance, error)
	Wait(ctx context.Context, id string) (task.Instance, error)
	Subscribe(ctx context.Context, id string) (*reporter.Subscription, error)
}

type TaskHandler struct {
	service TaskService
	reader  TaskReader
	logger  *logger.Logger
}

func NewTaskHandler(service TaskService, reader TaskReader, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{service: service, reader: reader, logger: logger}
}

// Submit admits a task. With ?wait=true it answers once the task is
// terminal. Rejected requests are answered with 422 and the failed instance.
func (h *TaskHandler) Submit(c *fiber.Ctx) error {
	var req dto.SubmitTaskRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("task_submit_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid request body",
		})
	}
	if errs := req.Validate(); len(errs) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   "validation failed",
			Details: errs,
		})
	}

	inst, err := h.service.Submit(c.UserContext(), req.ToRequest())
	switch {
	case errors.Is(err, task.ErrDuplicateRequest):
		h.logger.Warnw("task_submit_duplicate", "request_id", req.RequestID)
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, task.ErrQueueClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Error: err.Error()})
	case err != nil:
		h.logger.Errorw("task_submit_failed", "request_id", req.RequestID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	if inst.State == task.StateFailed {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(dto.TaskToResponse(inst))
	}

	if c.QueryBool("wait") {
		final, err := h.reader.Wait(c.UserContext(), inst.ID)
		if err != nil {
			h.logger.Warnw("task_wait_failed", "id", inst.ID, "error", err)
			return c.Status(fiber.StatusAccepted).JSON(dto.TaskToResponse(inst))
		}
		return c.JSON(dto.TaskToResponse(final))
	}

	h.logger.Infow("task_submit_accepted", "id", inst.ID, "type", inst.Type, "resource_key", inst.ResourceKey)
	return c.Status(fiber.StatusAccepted).JSON(dto.TaskToResponse(inst))
}

func (h *TaskHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid limit"})
	}

	list, err := h.reader.List(c.UserContext(), limit)
	if err != nil {
		h.logger.Errorw("tasks_list_failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(dto.TasksToResponse(list))
}

func (h *TaskHandler) Get(c *fiber.Ctx) error {
	inst, ok, err := h.lookup(c)
	if !ok {
		return err
	}
	return c.JSON(dto.TaskToResponse(inst))
}

// Events returns the event log, optionally only messages after ?after=<seq>.
func (h *TaskHandler) Events(c *fiber.Ctx) error {
	after := 0
	if s := c.Query("after"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid after"})
		}
		after = n
	}

	inst, ok, err := h.lookup(c)
	if !ok {
		return err
	}

	events := make([]task.Message, 0, len(inst.Events))
	for _, m := range inst.Events {
		if m.Seq > after {
			events = append(events, m)
		}
	}
	return c.JSON(dto.EventsResponse{ID: inst.ID, State: inst.State, Events: events})
}

func (h *TaskHandler) Types(c *fiber.Ctx) error {
	return c.JSON(dto.TypesResponse{Types: h.service.Types()})
}

// lookup writes the error response itself when ok is false.
func (h *TaskHandler) lookup(c *fiber.Ctx) (task.Instance, bool, error) {
	id := c.Params("id")
	inst, err := h.reader.Get(c.UserContext(), id)
	if errors.Is(err, task.ErrNotFound) {
		return inst, false, c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "task not found"})
	}
	if err != nil {
		h.logger.Errorw("task_get_failed", "id", id, "error", err)
		return inst, false, c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return inst, true, nil
}
