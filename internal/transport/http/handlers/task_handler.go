package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/core/services"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/drmaatic/backend/internal/transport/http/dto"
	"github.com/drmaatic/backend/internal/transport/http/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const defaultWaitSeconds = 60

// Form fields consumed by task creation itself.
const (
	fieldTaskName       = "task_name"
	fieldDescription    = "task_description"
	fieldParentTask     = "parent_task"
	fieldDependencies   = "dependencies"
	fieldDependencyType = "dependency_type"
)

type TaskHandler struct {
	tasks    ports.TaskService
	notifier ports.CompletionNotifier
	logger   *logger.Logger
}

func NewTaskHandler(tasks ports.TaskService, notifier ports.CompletionNotifier, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, notifier: notifier, logger: logger}
}

func (h *TaskHandler) taskID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params("uuid"))
	return id, err == nil
}

func (h *TaskHandler) view(c *fiber.Ctx, task *domain.Task, caller ports.Caller) interface{} {
	descendants, err := h.tasks.Descendants(c.UserContext(), task.ID)
	if err != nil {
		h.logger.Warnw("task_descendants_failed", "task", task.ID, "error", err)
	}
	return dto.TaskView(task, descendants, caller.IsAdmin())
}

// readForm collects plain values and uploads from a multipart or urlencoded body.
func readForm(c *fiber.Ctx) (map[string]string, map[string][]ports.Upload) {
	values := make(map[string]string)
	files := make(map[string][]ports.Upload)

	form, err := c.MultipartForm()
	if err != nil {
		c.Request().PostArgs().VisitAll(func(k, v []byte) {
			values[string(k)] = string(v)
		})
		return values, files
	}
	for k, v := range form.Value {
		if len(v) > 0 {
			values[k] = v[0]
		}
	}
	for k, headers := range form.File {
		for _, fh := range headers {
			fh := fh
			files[k] = append(files[k], ports.Upload{
				Filename: fh.Filename,
				Open:     func() (io.ReadCloser, error) { return fh.Open() },
			})
		}
	}
	return values, files
}

func parseIDs(raw string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (h *TaskHandler) CreateTask(c *fiber.Ctx) error {
	caller := middleware.CallerFrom(c)
	values, files := readForm(c)

	input := ports.CreateTaskInput{
		ScriptName:     values[fieldTaskName],
		Description:    values[fieldDescription],
		DependencyType: values[fieldDependencyType],
		Values:         values,
		Files:          files,
		Caller:         caller,
	}
	if input.ScriptName == "" {
		return c.Status(fiber.StatusNotAcceptable).JSON(dto.ErrorResponse{Error: "The task_name parameter needs to be specified"})
	}
	if raw := values[fieldParentTask]; raw != "" {
		parent, err := uuid.Parse(raw)
		if err != nil {
			return respondError(c, h.logger, "task_create_invalid_parent", fmt.Errorf("%w: %s", services.ErrTaskInvalidParent, raw))
		}
		input.ParentID = &parent
	}
	if raw := values[fieldDependencies]; raw != "" {
		deps, err := parseIDs(raw)
		if err != nil {
			return respondError(c, h.logger, "task_create_invalid_dependency", fmt.Errorf("%w: %v", services.ErrTaskInvalidDep, err))
		}
		input.Dependencies = deps
	}
	for _, k := range []string{fieldTaskName, fieldDescription, fieldParentTask, fieldDependencies, fieldDependencyType} {
		delete(values, k)
	}

	h.logger.Infow("task_create_request", "script", input.ScriptName, "ip", caller.IP)
	task, err := h.tasks.Create(c.UserContext(), input)
	if err != nil {
		return respondError(c, h.logger, "task_create_failed", err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.TaskView(task, nil, caller.IsAdmin()))
}

func (h *TaskHandler) GetTasks(c *fiber.Ctx) error {
	caller := middleware.CallerFrom(c)
	ids, err := parseIDs(c.Query("ids"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	if caller.User == nil && !caller.IsAdmin() && len(ids) == 0 {
		return c.SendStatus(fiber.StatusNoContent)
	}

	query := ports.TaskQuery{
		IDs:            ids,
		Status:         domain.TaskStatus(strings.ToUpper(c.Query("status"))),
		ScriptName:     c.Query("task_name"),
		Description:    c.Query("search"),
		IncludeDeleted: c.QueryBool("deleted", false),
		Limit:          c.QueryInt("limit", 0),
		Offset:         c.QueryInt("offset", 0),
	}
	if query.Status != "" && !query.Status.Valid() {
		return badRequest(c, "invalid status")
	}

	tasks, err := h.tasks.List(c.UserContext(), query, caller)
	if err != nil {
		return respondError(c, h.logger, "task_list_failed", err)
	}
	views := make([]interface{}, 0, len(tasks))
	for i := range tasks {
		views = append(views, h.view(c, &tasks[i], caller))
	}
	return c.JSON(views)
}

func (h *TaskHandler) GetTask(c *fiber.Ctx) error {
	id, ok := h.taskID(c)
	if !ok {
		return badRequest(c, "invalid task id")
	}
	caller := middleware.CallerFrom(c)
	task, err := h.tasks.Get(c.UserContext(), id, caller)
	if err != nil {
		return respondError(c, h.logger, "task_get_failed", err)
	}
	return c.JSON(h.view(c, task, caller))
}

func (h *TaskHandler) DeleteTask(c *fiber.Ctx) error {
	id, ok := h.taskID(c)
	if !ok {
		return badRequest(c, "invalid task id")
	}
	h.logger.Infow("task_delete_request", "task", id)
	if _, err := h.tasks.Delete(c.UserContext(), id, middleware.CallerFrom(c)); err != nil {
		return respondError(c, h.logger, "task_delete_failed", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *TaskHandler) Download(c *fiber.Ctx) error {
	id, ok := h.taskID(c)
	if !ok {
		return badRequest(c, "invalid task id")
	}
	archive, err := h.tasks.Archive(c.UserContext(), id, middleware.CallerFrom(c))
	if err != nil {
		return respondError(c, h.logger, "task_download_failed", err)
	}
	return c.Download(archive, filepath.Base(archive))
}

func (h *TaskHandler) ListFiles(c *fiber.Ctx) error {
	id, ok := h.taskID(c)
	if !ok {
		return badRequest(c, "invalid task id")
	}
	files, err := h.tasks.Outputs(c.UserContext(), id, middleware.CallerFrom(c))
	if err != nil {
		return respondError(c, h.logger, "task_files_failed", err)
	}
	return c.JSON(files)
}

func (h *TaskHandler) GetFile(c *fiber.Ctx) error {
	id, ok := h.taskID(c)
	if !ok {
		return badRequest(c, "invalid task id")
	}
	name := c.Params("*")
	if name == "" {
		return h.ListFiles(c)
	}
	path, err := h.tasks.OutputFile(c.UserContext(), id, name, middleware.CallerFrom(c))
	if err != nil {
		return respondError(c, h.logger, "task_file_failed", err)
	}
	c.Set(fiber.HeaderContentDisposition, "inline")
	return c.SendFile(path)
}

// waitTimeout parses the requested timeout in seconds; anything unparsable
// or non-positive means the default.
func waitTimeout(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return defaultWaitSeconds
	}
	return n
}

// waitFields reads exchange, route and timeout from a JSON or form body.
func waitFields(c *fiber.Ctx) (string, string, string, error) {
	if !c.Is("json") {
		return c.FormValue("exchange"), c.FormValue("route"), c.FormValue("timeout"), nil
	}
	body := make(map[string]interface{})
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return "", "", "", err
		}
	}
	field := func(k string) string {
		if v, ok := body[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	return field("exchange"), field("route"), field("timeout"), nil
}

func (h *TaskHandler) TriggerWait(c *fiber.Ctx) error {
	id, ok := h.taskID(c)
	if !ok {
		return badRequest(c, "invalid task id")
	}
	exchange, route, rawTimeout, err := waitFields(c)
	if err != nil {
		h.logger.Warnw("task_wait_body_parse_failed", "task", id, "error", err)
		return badRequest(c, "invalid input")
	}
	timeout := waitTimeout(rawTimeout)

	task, err := h.tasks.Get(c.UserContext(), id, middleware.CallerFrom(c))
	if err != nil {
		return respondError(c, h.logger, "task_wait_failed", err)
	}

	h.notifier.Trigger(task, ports.WaitRequest{
		Exchange: exchange,
		Route:    route,
		Timeout:  time.Duration(timeout) * time.Second,
	})
	return c.JSON(dto.WaitResponse{Exchange: exchange, Route: route, Timeout: timeout})
}
