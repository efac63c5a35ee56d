package http

import (
	"github.com/drmaatic/backend/internal/config"
	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/drmaatic/backend/internal/transport/http/handlers"
	httpmw "github.com/drmaatic/backend/internal/transport/http/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

type RouterConfig struct {
	Config   *config.Config
	Logger   *logger.Logger
	Tasks    ports.TaskService
	Scripts  ports.ScriptService
	Users    ports.UserService
	Notifier ports.CompletionNotifier
	Timeline ports.TimelineRepository
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	taskHandler := handlers.NewTaskHandler(cfg.Tasks, cfg.Notifier, cfg.Logger)
	scriptHandler := handlers.NewScriptHandler(cfg.Scripts, cfg.Logger)
	timelineHandler := handlers.NewTimelineHandler(cfg.Timeline, cfg.Tasks, cfg.Logger)
	watchHandler := handlers.NewWatchHandler(cfg.Tasks, cfg.Notifier, cfg.Logger)

	caller := httpmw.Caller(cfg.Config, cfg.Users, cfg.Logger)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Completion stream
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws/tasks/:uuid", caller, websocket.New(watchHandler.Handle))

	api := app.Group("/api", caller)

	// Task routes
	tasks := api.Group("/tasks")
	tasks.Post("/", taskHandler.CreateTask)
	tasks.Get("/", taskHandler.GetTasks)
	tasks.Get("/:uuid", taskHandler.GetTask)
	tasks.Delete("/:uuid", taskHandler.DeleteTask)
	tasks.Get("/:uuid/download", taskHandler.Download)
	tasks.Get("/:uuid/files", taskHandler.ListFiles)
	tasks.Get("/:uuid/files/*", taskHandler.GetFile)
	tasks.Post("/:uuid/triggermq", taskHandler.TriggerWait)
	tasks.Get("/:uuid/timeline", timelineHandler.GetTaskEvents)

	// Script routes
	scripts := api.Group("/scripts")
	scripts.Get("/", scriptHandler.GetScripts)
	scripts.Get("/:name", scriptHandler.GetScript)
	scripts.Post("/import", httpmw.AdminAuth(), scriptHandler.ImportCatalog)
	scripts.Delete("/:name", httpmw.AdminAuth(), scriptHandler.DeleteScript)

	// Timeline routes
	timeline := api.Group("/timeline", httpmw.AdminAuth())
	timeline.Get("/", timelineHandler.GetEvents)
}
