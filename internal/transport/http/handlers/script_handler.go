package handlers

import (
	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/drmaatic/backend/internal/transport/http/dto"
	"github.com/drmaatic/backend/internal/transport/http/middleware"
	"github.com/gofiber/fiber/v2"
)

type ScriptHandler struct {
	scripts ports.ScriptService
	logger  *logger.Logger
}

func NewScriptHandler(scripts ports.ScriptService, logger *logger.Logger) *ScriptHandler {
	return &ScriptHandler{scripts: scripts, logger: logger}
}

func (h *ScriptHandler) GetScripts(c *fiber.Ctx) error {
	caller := middleware.CallerFrom(c)
	scripts, err := h.scripts.List(c.UserContext(), caller)
	if err != nil {
		return respondError(c, h.logger, "script_list_failed", err)
	}
	return c.JSON(dto.ScriptViews(scripts, caller.IsAdmin()))
}

func (h *ScriptHandler) GetScript(c *fiber.Ctx) error {
	caller := middleware.CallerFrom(c)
	script, err := h.scripts.Get(c.UserContext(), c.Params("name"), caller)
	if err != nil {
		return respondError(c, h.logger, "script_get_failed", err)
	}
	return c.JSON(dto.ScriptView(script, caller.IsAdmin()))
}

type importRequest struct {
	Path string `json:"path"`
}

// ImportCatalog loads a catalog file that already exists on the server.
func (h *ScriptHandler) ImportCatalog(c *fiber.Ctx) error {
	var req importRequest
	if err := c.BodyParser(&req); err != nil || req.Path == "" {
		return badRequest(c, "path is required")
	}
	h.logger.Infow("script_import_request", "path", req.Path)
	n, err := h.scripts.Import(c.UserContext(), req.Path)
	if err != nil {
		return respondError(c, h.logger, "script_import_failed", err)
	}
	return c.JSON(fiber.Map{"imported": n})
}

func (h *ScriptHandler) DeleteScript(c *fiber.Ctx) error {
	name := c.Params("name")
	h.logger.Infow("script_delete_request", "script", name)
	if err := h.scripts.Delete(c.UserContext(), name); err != nil {
		return respondError(c, h.logger, "script_delete_failed", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
