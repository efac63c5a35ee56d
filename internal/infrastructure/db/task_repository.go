package db

import (
	"context"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var terminalStatuses = []domain.TaskStatus{
	domain.TaskStatusDone,
	domain.TaskStatusFailed,
	domain.TaskStatusRejected,
}

type taskRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepository(db *gorm.DB, log *logger.Logger) ports.TaskRepository {
	return &taskRepository{db: db, log: log}
}

func (r *taskRepository) withRelations(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Dependencies").
		Preload("Params.Parameter").
		Preload("User.Group")
}

func (r *taskRepository) Create(ctx context.Context, task *domain.Task) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(task).Error; err != nil {
		r.log.Errorw("task_repo_create_failed", "task", task.ID, "error", err)
		return err
	}
	r.log.Debugw("task_repo_create_ok", "task", task.ID)
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var task domain.Task
	if err := r.withRelations(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		return nil, translate(err)
	}
	return &task, nil
}

func (r *taskRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Task, error) {
	var tasks []domain.Task
	if len(ids) == 0 {
		return tasks, nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&tasks).Error; err != nil {
		r.log.Errorw("task_repo_get_many_failed", "count", len(ids), "error", err)
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) List(ctx context.Context, f ports.TaskFilter) ([]domain.Task, error) {
	q := r.withRelations(ctx).Model(&domain.Task{})
	if len(f.IDs) > 0 {
		q = q.Where("id IN ?", f.IDs)
	}
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.Ownerless {
		q = q.Where("user_id IS NULL")
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.ScriptName != "" {
		q = q.Where("script_name = ?", f.ScriptName)
	}
	if f.Description != "" {
		q = q.Where("description ILIKE ?", "%"+f.Description+"%")
	}
	if !f.IncludeDeleted {
		q = q.Where("deleted = ?", false)
	}
	if f.RootsOnly {
		q = q.Where("parent_id IS NULL")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var tasks []domain.Task
	if err := q.Order("created_at desc").Find(&tasks).Error; err != nil {
		r.log.Errorw("task_repo_list_failed", "error", err)
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) ListChildren(ctx context.Context, parentID uuid.UUID) ([]domain.Task, error) {
	var tasks []domain.Task
	err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("created_at").
		Find(&tasks).Error
	if err != nil {
		r.log.Errorw("task_repo_children_failed", "task", parentID, "error", err)
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) ListPending(ctx context.Context, limit int) ([]domain.Task, error) {
	var tasks []domain.Task
	q := r.db.WithContext(ctx).
		Where("deleted = ? AND drm_job_id IS NOT NULL AND status NOT IN ?", false, terminalStatuses).
		Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&tasks).Error; err != nil {
		r.log.Errorw("task_repo_pending_failed", "error", err)
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) ListDeletedBefore(ctx context.Context, cutoff time.Time) ([]domain.Task, error) {
	var tasks []domain.Task
	err := r.db.WithContext(ctx).
		Where("deleted = ? AND updated_at < ?", true, cutoff).
		Find(&tasks).Error
	if err != nil {
		r.log.Errorw("task_repo_deleted_failed", "error", err)
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) Update(ctx context.Context, task *domain.Task) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Save(task).Error; err != nil {
		r.log.Errorw("task_repo_update_failed", "task", task.ID, "error", err)
		return err
	}
	r.log.Debugw("task_repo_update_ok", "task", task.ID, "status", task.Status)
	return nil
}

// Delete removes the task row with its parameters and every dependency edge
// touching it.
func (r *taskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ? OR depends_on_id = ?", id, id).Delete(&domain.TaskDependency{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", id).Delete(&domain.TaskParameter{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Task{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ports.ErrNotFound
		}
		return nil
	})
	if err != nil {
		r.log.Errorw("task_repo_delete_failed", "task", id, "error", err)
		return err
	}
	r.log.Infow("task_repo_delete_ok", "task", id)
	return nil
}

func (r *taskRepository) AddParameters(ctx context.Context, params []domain.TaskParameter) error {
	if len(params) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(&params).Error; err != nil {
		r.log.Errorw("task_repo_params_failed", "task", params[0].TaskID, "error", err)
		return err
	}
	return nil
}

func (r *taskRepository) AddDependencies(ctx context.Context, deps []domain.TaskDependency) error {
	if len(deps) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&deps).Error
	if err != nil {
		r.log.Errorw("task_repo_dependencies_failed", "task", deps[0].TaskID, "error", err)
		return err
	}
	return nil
}
