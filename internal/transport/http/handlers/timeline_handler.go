package handlers

import (
	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/drmaatic/backend/internal/transport/http/dto"
	"github.com/drmaatic/backend/internal/transport/http/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const maxTimelineLimit = 500

type TimelineHandler struct {
	repo   ports.TimelineRepository
	tasks  ports.TaskService
	logger *logger.Logger
}

func NewTimelineHandler(repo ports.TimelineRepository, tasks ports.TaskService, logger *logger.Logger) *TimelineHandler {
	return &TimelineHandler{repo: repo, tasks: tasks, logger: logger}
}

func timelineLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > maxTimelineLimit {
		limit = 50
	}
	return limit
}

// GetEvents lists the most recent events across all tasks.
func (h *TimelineHandler) GetEvents(c *fiber.Ctx) error {
	events, err := h.repo.GetAll(c.UserContext(), timelineLimit(c))
	if err != nil {
		h.logger.Errorw("timeline_list_failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: msgInternal})
	}
	return c.JSON(events)
}

// GetTaskEvents lists the events of one task the caller can see.
func (h *TimelineHandler) GetTaskEvents(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("uuid"))
	if err != nil {
		return badRequest(c, "invalid task id")
	}
	if _, err := h.tasks.Get(c.UserContext(), id, middleware.CallerFrom(c)); err != nil {
		return respondError(c, h.logger, "timeline_task_failed", err)
	}
	events, err := h.repo.GetByTask(c.UserContext(), id, timelineLimit(c))
	if err != nil {
		h.logger.Errorw("timeline_task_failed", "task", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: msgInternal})
	}
	return c.JSON(events)
}
