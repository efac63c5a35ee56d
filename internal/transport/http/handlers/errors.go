package handlers

import (
	"errors"

	"github.com/drmaatic/backend/internal/core/services"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/drmaatic/backend/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

const (
	msgSubmissionFailed = "An error occurred while starting the task"
	msgNotFinished      = "Output files not available, check task status"
	msgInternal         = "internal server error"
)

func statusFor(err error) (int, string) {
	switch {
	case services.IsValidation(err):
		return fiber.StatusNotAcceptable, err.Error()
	case errors.Is(err, services.ErrTaskNotFound),
		errors.Is(err, services.ErrScriptNotFound),
		errors.Is(err, services.ErrTaskOutputNotFound):
		return fiber.StatusNotFound, err.Error()
	case errors.Is(err, services.ErrTaskNotFinished):
		return fiber.StatusNotFound, msgNotFinished
	case errors.Is(err, services.ErrTaskForbidden):
		return fiber.StatusForbidden, err.Error()
	case errors.Is(err, services.ErrCatalogRead):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrSubmissionFailed):
		return fiber.StatusInternalServerError, msgSubmissionFailed
	}
	return fiber.StatusInternalServerError, msgInternal
}

// respondError writes the mapped status. Server side failures are logged at
// error level with the full cause, which never reaches the client.
func respondError(c *fiber.Ctx, log *logger.Logger, event string, err error) error {
	status, msg := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		log.Errorw(event, "path", c.Path(), "error", err)
	} else {
		log.Warnw(event, "path", c.Path(), "status", status, "error", err)
	}
	return c.Status(status).JSON(dto.ErrorResponse{Error: msg})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg})
}
