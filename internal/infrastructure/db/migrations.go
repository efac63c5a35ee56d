package db

import (
	"github.com/drmaatic/backend/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.Group{},
		&domain.User{},
		&domain.DRMJobTemplate{},
		&domain.Script{},
		&domain.Parameter{},
		&domain.Task{},
		&domain.TaskDependency{},
		&domain.TaskParameter{},
		&domain.TimelineEvent{},
	)
	if err != nil {
		return err
	}

	if err := createCustomIndexes(db); err != nil {
		return err
	}

	return nil
}

func createCustomIndexes(db *gorm.DB) error {
	// Status sync scans live tasks that hold a DRM handle
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tasks_pending
		ON tasks (created_at)
		WHERE deleted = false AND drm_job_id IS NOT NULL
		AND status NOT IN ('DONE', 'FAILED', 'REJECTED')
	`).Error; err != nil {
		return err
	}

	// Index for timeline events querying by task
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_timeline_events_task
		ON timeline_events (task_id, created_at)
		WHERE deleted_at IS NULL
	`).Error; err != nil {
		return err
	}

	return nil
}
