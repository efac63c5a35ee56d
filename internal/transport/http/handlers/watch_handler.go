package handlers

import (
	"context"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/drmaatic/backend/internal/transport/http/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// WatchHandler streams the completion event of one task over a websocket.
type WatchHandler struct {
	tasks    ports.TaskService
	notifier ports.CompletionNotifier
	logger   *logger.Logger
}

func NewWatchHandler(tasks ports.TaskService, notifier ports.CompletionNotifier, logger *logger.Logger) *WatchHandler {
	return &WatchHandler{tasks: tasks, notifier: notifier, logger: logger}
}

func (h *WatchHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	id, err := uuid.Parse(c.Params("uuid"))
	if err != nil {
		h.logger.Warnw("watch_invalid_task_id", "id", c.Params("uuid"))
		c.WriteJSON(map[string]string{"error": "invalid task id"})
		return
	}
	caller, _ := c.Locals(middleware.CallerKey).(ports.Caller)

	// The wait is abandoned once the client goes away.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	task, err := h.tasks.Get(ctx, id, caller)
	if err != nil {
		_, msg := statusFor(err)
		c.WriteJSON(map[string]string{"error": msg})
		return
	}

	timeout := time.Duration(waitTimeout(c.Query("timeout"))) * time.Second
	h.logger.Infow("watch_started", "task", id, "timeout", timeout.String())
	event := h.notifier.Watch(ctx, task, timeout)
	if err := c.WriteJSON(event); err != nil {
		h.logger.Warnw("watch_write_failed", "task", id, "error", err)
	}
}
