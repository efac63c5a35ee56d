package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/google/uuid"
)

const defaultListLimit = 100

type taskService struct {
	tasks          ports.TaskRepository
	scripts        ports.ScriptRepository
	timeline       ports.TimelineRepository
	drm            ports.DRMAdapter
	files          *FileManager
	params         *ParamResolver
	graph          *DependencyGraph
	logger         *logger.Logger
	scriptDir      string
	removeOnDelete bool
	mu             sync.Mutex
	locks          map[string]*keyLock
	enableLocks    bool
}

type TaskServiceConfig struct {
	Tasks               ports.TaskRepository
	Scripts             ports.ScriptRepository
	Timeline            ports.TimelineRepository
	DRM                 ports.DRMAdapter
	Files               *FileManager
	Logger              *logger.Logger
	ScriptDir           string
	// RemoveFilesOnDelete purges the working directory when a task is deleted.
	RemoveFilesOnDelete bool
	EnableLocks         bool
}

func NewTaskService(cfg TaskServiceConfig) ports.TaskService {
	return &taskService{
		tasks:          cfg.Tasks,
		scripts:        cfg.Scripts,
		timeline:       cfg.Timeline,
		drm:            cfg.DRM,
		files:          cfg.Files,
		params:         NewParamResolver(cfg.Files, cfg.Logger),
		graph:          NewDependencyGraph(cfg.Tasks, cfg.Logger),
		logger:         cfg.Logger,
		scriptDir:      cfg.ScriptDir,
		removeOnDelete: cfg.RemoveFilesOnDelete,
		locks:          make(map[string]*keyLock),
		enableLocks:    cfg.EnableLocks,
	}
}

// keyLock is a per-key mutex shared by every holder and waiter of the key.
type keyLock struct {
	sync.Mutex
	refs int
}

// lockKeys serializes work on the given keys. Entries are dropped from the
// table once the last holder releases them.
func (s *taskService) lockKeys(keys ...string) func() {
	if !s.enableLocks || len(keys) == 0 {
		return func() {}
	}
	sort.Strings(keys)
	s.mu.Lock()
	acquired := make([]*keyLock, 0, len(keys))
	for _, k := range keys {
		l := s.locks[k]
		if l == nil {
			l = &keyLock{}
			s.locks[k] = l
		}
		l.refs++
		acquired = append(acquired, l)
	}
	s.mu.Unlock()
	for _, l := range acquired {
		l.Lock()
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
		s.mu.Lock()
		for i, k := range keys {
			if acquired[i].refs--; acquired[i].refs == 0 {
				delete(s.locks, k)
			}
		}
		s.mu.Unlock()
	}
}

// ==================== Creation ====================

func (s *taskService) Create(ctx context.Context, input ports.CreateTaskInput) (*domain.Task, error) {
	script, err := s.scripts.GetByName(ctx, input.ScriptName)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrScriptNotFound
		}
		return nil, err
	}
	if !canRunScript(script, input.Caller) {
		s.logger.Warnw("task_script_forbidden", "script", script.Name, "ip", input.Caller.IP)
		return nil, ErrScriptNotFound
	}

	task := &domain.Task{
		ID:          uuid.New(),
		ScriptName:  script.Name,
		Description: input.Description,
		UserID:      input.Caller.UserID(),
		SenderIP:    input.Caller.IP,
		Status:      domain.TaskStatusReceived,
	}

	if input.ParentID != nil {
		parent, err := s.tasks.GetByID(ctx, *input.ParentID)
		if err != nil || !canAccess(parent, input.Caller) {
			return nil, fmt.Errorf("%w: %s", ErrTaskInvalidParent, input.ParentID)
		}
		task.ParentID = &parent.ID
	}

	if err := s.tasks.Create(ctx, task); err != nil {
		s.logger.Errorw("task_create_failed", "script", script.Name, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrTaskPersistFailed, err)
	}
	s.logEvent(ctx, task, domain.EventTypeTaskReceived, domain.EventStatusSuccess, "task received", nil)

	root := task
	if task.ParentID == nil {
		if _, err := s.files.CreateTaskDir(task.ID); err != nil {
			s.discard(ctx, task, nil)
			return nil, err
		}
	} else if root, err = s.graph.Root(ctx, task); err != nil {
		s.discard(ctx, task, nil)
		return nil, err
	}
	workDir := s.files.TaskDir(root.ID)

	resolved, err := s.params.Resolve(task, script.Params, ParamInput{Values: input.Values, Files: input.Files}, workDir)
	if err != nil {
		s.logger.Warnw("task_params_rejected", "task", task.ID, "script", script.Name, "error", err)
		s.discard(ctx, task, nil)
		return nil, err
	}

	deps, err := s.graph.Resolve(ctx, task, input.Dependencies, input.DependencyType)
	if err != nil {
		s.logger.Warnw("task_dependencies_rejected", "task", task.ID, "error", err)
		s.discard(ctx, task, resolved.Written)
		return nil, err
	}

	if err := s.persistBindings(ctx, task, resolved, deps); err != nil {
		s.logger.Errorw("task_bindings_failed", "task", task.ID, "error", err)
		s.discard(ctx, task, resolved.Written)
		return nil, fmt.Errorf("%w: %v", ErrTaskPersistFailed, err)
	}
	s.logEvent(ctx, task, domain.EventTypeTaskParams, domain.EventStatusSuccess, "parameters bound",
		map[string]interface{}{"params": len(resolved.Bound), "dependencies": len(task.Dependencies)})

	req := s.submitRequest(task, root, script, resolved, deps, input.Caller)
	handle, name, err := s.drm.Submit(ctx, req)
	if err != nil {
		s.logger.Errorw("task_submit_failed", "task", task.ID, "script", script.Name, "error", err)
		if rmErr := s.files.RemoveTaskDir(task.ID); rmErr != nil {
			s.logger.Warnw("task_cleanup_failed", "task", task.ID, "error", rmErr)
		}
		s.files.RemoveFiles(resolved.Written)
		task.Status = domain.TaskStatusRejected
		if err := s.tasks.Update(ctx, task); err != nil {
			s.logger.Errorw("task_update_failed", "task", task.ID, "error", err)
		}
		s.logEvent(ctx, task, domain.EventTypeTaskRejected, domain.EventStatusFailed, "submission failed", nil)
		return nil, ErrSubmissionFailed
	}
	if err := s.files.AppendManifest(workDir, resolved.Renamed); err != nil {
		s.logger.Warnw("task_manifest_failed", "task", task.ID, "error", err)
	}

	if handle == "" {
		task.Status = domain.TaskStatusRejected
		s.logger.Warnw("task_rejected", "task", task.ID, "script", script.Name)
		s.logEvent(ctx, task, domain.EventTypeTaskRejected, domain.EventStatusFailed, "rejected by the DRM", nil)
	} else {
		task.DRMJobID = &handle
		task.Status = domain.TaskStatusCreated
		s.logger.Infow("task_create_ok", "task", task.ID, "script", script.Name, "job", handle, "name", name)
		s.logEvent(ctx, task, domain.EventTypeTaskSubmitted, domain.EventStatusSuccess, "submitted to the DRM",
			map[string]interface{}{"job": handle, "name": name})
	}
	if err := s.tasks.Update(ctx, task); err != nil {
		s.logger.Errorw("task_update_failed", "task", task.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrTaskPersistFailed, err)
	}
	return task, nil
}

func (s *taskService) persistBindings(ctx context.Context, task *domain.Task, resolved *ResolvedParams, deps *DependencySet) error {
	if len(resolved.Bound) > 0 {
		if err := s.tasks.AddParameters(ctx, resolved.Bound); err != nil {
			return err
		}
		task.Params = resolved.Bound
	}
	if edges := deps.Edges(); len(edges) > 0 {
		if err := s.tasks.AddDependencies(ctx, edges); err != nil {
			return err
		}
		task.Dependencies = edges
		depType := deps.Type
		task.DependencyType = &depType
	}
	if len(resolved.Renamed) > 0 {
		task.FilesName = make(map[string]interface{}, len(resolved.Renamed))
		for k, v := range resolved.Renamed {
			task.FilesName[k] = v
		}
	}
	return s.tasks.Update(ctx, task)
}

func (s *taskService) submitRequest(task, root *domain.Task, script *domain.Script, resolved *ResolvedParams, deps *DependencySet, caller ports.Caller) ports.SubmitRequest {
	clock, err := script.ClockTimeLimit()
	if err != nil {
		s.logger.Warnw("task_clock_limit_invalid", "script", script.Name, "value", script.MaxClockTime, "error", err)
		clock, _ = (&domain.Script{}).ClockTimeLimit()
	}

	req := ports.SubmitRequest{
		Template:       script.JobTemplate,
		TaskName:       script.Name,
		OutDir:         s.files.Root(),
		Command:        script.Command,
		Args:           FormatTaskParams(resolved.Bound),
		WorkingDir:     root.ID.String(),
		ClockTimeLimit: clock,
		StdoutFile:     task.OutFile(),
		StderrFile:     task.ErrFile(),
		JobKey:         task.ShortID(),
	}
	if !script.AbsoluteCommand() {
		req.ScriptDir = s.scriptDir
	}
	if deps != nil {
		req.Dependencies = s.graph.PredecessorHandles(deps)
		if len(req.Dependencies) > 0 {
			req.DependencyType = deps.Type
		}
	}
	if script.IsArray {
		req.Array = &ports.ArrayBounds{
			Begin: indexOr(script.BeginIndex, 1),
			End:   indexOr(script.EndIndex, 1),
			Step:  indexOr(script.StepIndex, 1),
		}
	}
	if caller.User != nil {
		req.Account = caller.User.AccountName()
	}
	return req
}

func indexOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// discard rolls back a task that never reached the DRM.
func (s *taskService) discard(ctx context.Context, task *domain.Task, written []string) {
	s.files.RemoveFiles(written)
	if err := s.files.RemoveTaskDir(task.ID); err != nil {
		s.logger.Warnw("task_cleanup_failed", "task", task.ID, "error", err)
	}
	if err := s.tasks.Delete(ctx, task.ID); err != nil {
		s.logger.Errorw("task_discard_failed", "task", task.ID, "error", err)
	}
}

// ==================== Status ====================

func (s *taskService) RefreshStatus(ctx context.Context, task *domain.Task) {
	unlock := s.lockKeys("task:" + task.ID.String())
	defer unlock()
	s.refresh(ctx, task)
}

func (s *taskService) refresh(ctx context.Context, task *domain.Task) bool {
	if task.Terminal() || !task.HasHandle() {
		return false
	}
	status, err := s.drm.QueryStatus(ctx, *task.DRMJobID)
	if err != nil {
		s.logger.Warnw("drm_status_query_failed", "task", task.ID, "job", *task.DRMJobID, "error", err)
		return false
	}
	if !status.Valid() || status == task.Status {
		return false
	}
	prev := task.Status
	task.Status = status
	if err := s.tasks.Update(ctx, task); err != nil {
		s.logger.Errorw("task_update_failed", "task", task.ID, "error", err)
		return false
	}
	s.logEvent(ctx, task, domain.EventTypeTaskStatus, domain.EventStatusSuccess, string(status),
		map[string]interface{}{"from": string(prev), "to": string(status)})
	return true
}

func (s *taskService) SyncStatuses(ctx context.Context, limit int) (int, error) {
	pending, err := s.tasks.ListPending(ctx, limit)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range pending {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		unlock := s.lockKeys("task:" + pending[i].ID.String())
		if s.refresh(ctx, &pending[i]) {
			changed++
		}
		unlock()
	}
	s.logger.Infow("task_status_sync_ok", "checked", len(pending), "changed", changed)
	return changed, nil
}

// ==================== Deletion ====================

func (s *taskService) Delete(ctx context.Context, id uuid.UUID, caller ports.Caller) (*domain.Task, error) {
	task, err := s.load(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if err := s.DeleteTask(ctx, task, s.removeOnDelete); err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask terminates a running job on a best effort basis and marks the
// task deleted. Deleting twice is harmless.
func (s *taskService) DeleteTask(ctx context.Context, task *domain.Task, purgeFiles bool) error {
	unlock := s.lockKeys("task:" + task.ID.String())
	defer unlock()

	s.refresh(ctx, task)
	if !task.Terminal() && task.HasHandle() {
		if err := s.drm.Terminate(ctx, *task.DRMJobID); err != nil {
			s.logger.Warnw("drm_terminate_failed", "task", task.ID, "job", *task.DRMJobID, "error", err)
		}
	}

	if !task.Deleted {
		task.Deleted = true
		if err := s.tasks.Update(ctx, task); err != nil {
			s.logger.Errorw("task_delete_failed", "task", task.ID, "error", err)
			return fmt.Errorf("%w: %v", ErrTaskPersistFailed, err)
		}
		s.logEvent(ctx, task, domain.EventTypeTaskDeleted, domain.EventStatusSuccess, "task deleted", nil)
	}

	if purgeFiles {
		if err := s.files.RemoveTaskDir(task.ID); err != nil {
			s.logger.Warnw("task_purge_files_failed", "task", task.ID, "error", err)
		}
	}
	s.logger.Infow("task_delete_ok", "task", task.ID)
	return nil
}

// PurgeDeleted physically removes tasks soft deleted more than olderThan ago.
func (s *taskService) PurgeDeleted(ctx context.Context, olderThan time.Duration) (int, error) {
	tasks, err := s.tasks.ListDeletedBefore(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	purged := 0
	for i := range tasks {
		t := &tasks[i]
		if err := s.files.RemoveTaskDir(t.ID); err != nil {
			s.logger.Warnw("task_purge_files_failed", "task", t.ID, "error", err)
		}
		if err := s.tasks.Delete(ctx, t.ID); err != nil {
			s.logger.Errorw("task_purge_failed", "task", t.ID, "error", err)
			continue
		}
		s.logEvent(ctx, t, domain.EventTypeTaskPurged, domain.EventStatusSuccess, "task purged", nil)
		purged++
	}
	s.logger.Infow("task_purge_ok", "purged", purged, "older_than", olderThan.String())
	return purged, nil
}

// ==================== Retrieval ====================

func (s *taskService) Get(ctx context.Context, id uuid.UUID, caller ports.Caller) (*domain.Task, error) {
	task, err := s.load(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	s.RefreshStatus(ctx, task)
	return task, nil
}

func (s *taskService) load(ctx context.Context, id uuid.UUID, caller ports.Caller) (*domain.Task, error) {
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	if !canAccess(task, caller) {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (s *taskService) List(ctx context.Context, q ports.TaskQuery, caller ports.Caller) ([]domain.Task, error) {
	filter := ports.TaskFilter{
		IDs:         q.IDs,
		ScriptName:  q.ScriptName,
		Description: q.Description,
		Limit:       q.Limit,
		Offset:      q.Offset,
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if q.Status != "" {
		filter.Statuses = []domain.TaskStatus{q.Status}
	}
	if caller.IsAdmin() {
		filter.IncludeDeleted = q.IncludeDeleted
	} else if caller.User != nil {
		filter.UserID = caller.UserID()
	} else {
		if len(q.IDs) == 0 {
			return []domain.Task{}, nil
		}
		filter.Ownerless = true
	}

	tasks, err := s.tasks.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		s.RefreshStatus(ctx, &tasks[i])
	}
	return tasks, nil
}

func (s *taskService) Descendants(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return s.graph.Descendants(ctx, id)
}

// ==================== Outputs ====================

func (s *taskService) outputDir(ctx context.Context, id uuid.UUID, caller ports.Caller) (*domain.Task, string, error) {
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, "", ErrTaskNotFound
		}
		return nil, "", err
	}
	if !canAccess(task, caller) && !s.outputVisible(ctx, task) {
		return nil, "", ErrTaskNotFound
	}
	root, err := s.graph.Root(ctx, task)
	if err != nil {
		return nil, "", err
	}
	return task, s.files.TaskDir(root.ID), nil
}

func (s *taskService) outputVisible(ctx context.Context, task *domain.Task) bool {
	if task.Deleted {
		return false
	}
	script, err := s.scripts.GetByName(ctx, task.ScriptName)
	return err == nil && script.IsOutputVisible
}

func (s *taskService) Outputs(ctx context.Context, id uuid.UUID, caller ports.Caller) ([]string, error) {
	_, dir, err := s.outputDir(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	files, err := s.files.List(dir, !caller.IsAdmin())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	return files, nil
}

func (s *taskService) OutputFile(ctx context.Context, id uuid.UUID, name string, caller ports.Caller) (string, error) {
	_, dir, err := s.outputDir(ctx, id, caller)
	if err != nil {
		return "", err
	}
	path, err := s.files.Resolve(dir, name)
	if err != nil {
		return "", err
	}
	if !caller.IsAdmin() && isInternalFile(filepath.Base(path)) {
		return "", ErrTaskOutputNotFound
	}
	return path, nil
}

// Archive returns the zip of the task's working directory once the task is
// finished.
func (s *taskService) Archive(ctx context.Context, id uuid.UUID, caller ports.Caller) (string, error) {
	task, dir, err := s.outputDir(ctx, id, caller)
	if err != nil {
		return "", err
	}
	s.RefreshStatus(ctx, task)
	if !task.HasFinished() {
		return "", ErrTaskNotFinished
	}
	root, err := s.graph.Root(ctx, task)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir); err != nil {
		return "", ErrTaskOutputNotFound
	}
	return s.files.Archive(dir, root.ID)
}

// ArchiveFinished prebuilds archives for finished root tasks whose
// descendants are finished as well.
func (s *taskService) ArchiveFinished(ctx context.Context, limit int) (int, error) {
	roots, err := s.tasks.List(ctx, ports.TaskFilter{
		Statuses:  []domain.TaskStatus{domain.TaskStatusDone, domain.TaskStatusFailed},
		RootsOnly: true,
		Limit:     limit,
	})
	if err != nil {
		return 0, err
	}
	built := 0
	for i := range roots {
		root := &roots[i]
		dir := s.files.TaskDir(root.ID)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if _, err := os.Stat(archivePath(dir, root.ID)); err == nil {
			continue
		}
		if !s.subtreeFinished(ctx, root.ID) {
			continue
		}
		if _, err := s.files.Archive(dir, root.ID); err != nil {
			continue
		}
		built++
	}
	s.logger.Infow("task_archive_sweep_ok", "checked", len(roots), "built", built)
	return built, nil
}

func (s *taskService) subtreeFinished(ctx context.Context, id uuid.UUID) bool {
	ids, err := s.graph.Descendants(ctx, id)
	if err != nil {
		return false
	}
	if len(ids) == 0 {
		return true
	}
	children, err := s.tasks.GetByIDs(ctx, ids)
	if err != nil {
		return false
	}
	for i := range children {
		if !children[i].Terminal() {
			return false
		}
	}
	return true
}

// ==================== Access ====================

// canRunScript hides group restricted scripts from callers outside the
// script's groups.
func canRunScript(script *domain.Script, caller ports.Caller) bool {
	if !script.Restricted() || caller.IsAdmin() {
		return true
	}
	if caller.User == nil {
		return false
	}
	return script.AllowsGroup(caller.User.GroupName())
}

// canAccess allows admins, owners and, for anonymous tasks, anyone holding
// the identifier. Deleted tasks stay visible to their owner and admins only.
func canAccess(task *domain.Task, caller ports.Caller) bool {
	if caller.IsAdmin() {
		return true
	}
	if task.UserID == nil {
		return !task.Deleted
	}
	return task.OwnedBy(caller.User)
}

func (s *taskService) logEvent(ctx context.Context, task *domain.Task, eventType string, status domain.EventStatus, msg string, meta map[string]interface{}) {
	if s.timeline == nil {
		return
	}
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["script"] = task.ScriptName
	if v := ctx.Value(RequestIDKey); v != nil {
		meta["request_id"] = v
	}
	id := task.ID
	event := &domain.TimelineEvent{
		Type:    eventType,
		Status:  status,
		Message: msg,
		Meta:    meta,
		TaskID:  &id,
	}
	if err := s.timeline.Create(ctx, event); err != nil {
		s.logger.Errorw("failed to log timeline event", "task", task.ID, "error", err)
	}
}
