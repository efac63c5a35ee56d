package db

import (
	"context"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type timelineRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTimelineRepository(db *gorm.DB, log *logger.Logger) ports.TimelineRepository {
	return &timelineRepository{db: db, log: log}
}

func (r *timelineRepository) Create(ctx context.Context, event *domain.TimelineEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		r.log.Errorw("timeline_repo_create_failed", "type", event.Type, "task", event.TaskID, "error", err)
		return err
	}
	return nil
}

func (r *timelineRepository) GetByID(ctx context.Context, id uint) (*domain.TimelineEvent, error) {
	var event domain.TimelineEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return nil, translate(err)
	}
	return &event, nil
}

func (r *timelineRepository) GetByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]domain.TimelineEvent, error) {
	return r.newest(ctx, limit, func(q *gorm.DB) *gorm.DB {
		return q.Where("task_id = ?", taskID)
	})
}

func (r *timelineRepository) GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error) {
	return r.newest(ctx, limit, nil)
}

// newest lists events newest first. A non-positive limit returns everything.
func (r *timelineRepository) newest(ctx context.Context, limit int, scope func(*gorm.DB) *gorm.DB) ([]domain.TimelineEvent, error) {
	q := r.db.WithContext(ctx).Order("created_at desc, id desc")
	if scope != nil {
		q = scope(q)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	events := []domain.TimelineEvent{}
	if err := q.Find(&events).Error; err != nil {
		r.log.Errorw("timeline_repo_list_failed", "error", err)
		return nil, err
	}
	return events, nil
}

// DeleteBefore permanently drops events recorded before cutoff.
func (r *timelineRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res := r.db.WithContext(ctx).Unscoped().
		Where("created_at < ?", cutoff).
		Delete(&domain.TimelineEvent{})
	if res.Error != nil {
		r.log.Errorw("timeline_repo_prune_failed", "cutoff", cutoff, "error", res.Error)
		return 0, res.Error
	}
	r.log.Infow("timeline_repo_prune_ok", "cutoff", cutoff, "removed", res.RowsAffected)
	return int(res.RowsAffected), nil
}
