package db

import (
	"context"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type scriptRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewScriptRepository(db *gorm.DB, log *logger.Logger) ports.ScriptRepository {
	return &scriptRepository{db: db, log: log}
}

func (r *scriptRepository) withRelations(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Params", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Groups").
		Preload("JobTemplate")
}

func (r *scriptRepository) GetByName(ctx context.Context, name string) (*domain.Script, error) {
	var script domain.Script
	if err := r.withRelations(ctx).Where("name = ?", name).First(&script).Error; err != nil {
		return nil, translate(err)
	}
	return &script, nil
}

func (r *scriptRepository) GetAll(ctx context.Context) ([]domain.Script, error) {
	var scripts []domain.Script
	if err := r.withRelations(ctx).Order("name").Find(&scripts).Error; err != nil {
		r.log.Errorw("script_repo_list_failed", "error", err)
		return nil, err
	}
	return scripts, nil
}

// Save upserts the script by name. Parameters are matched by name so
// existing task bindings keep pointing at the same rows.
func (r *scriptRepository) Save(ctx context.Context, script *domain.Script) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.Script
		err := tx.Where("name = ?", script.Name).First(&existing).Error
		switch {
		case err == nil:
			script.ID = existing.ID
			script.CreatedAt = existing.CreatedAt
		case translate(err) != ports.ErrNotFound:
			return err
		}

		params := script.Params
		groups := script.Groups
		if err := tx.Omit(clause.Associations).Save(script).Error; err != nil {
			return err
		}
		if err := tx.Model(script).Association("Groups").Replace(groups); err != nil {
			return err
		}

		keep := make([]string, 0, len(params))
		for i := range params {
			p := &params[i]
			p.ScriptID = script.ID
			var current domain.Parameter
			err := tx.Where("script_id = ? AND name = ?", script.ID, p.Name).First(&current).Error
			if err == nil {
				p.ID = current.ID
			} else if translate(err) != ports.ErrNotFound {
				return err
			}
			if err := tx.Save(p).Error; err != nil {
				return err
			}
			keep = append(keep, p.Name)
		}
		stale := tx.Where("script_id = ?", script.ID)
		if len(keep) > 0 {
			stale = stale.Where("name NOT IN ?", keep)
		}
		if err := stale.Delete(&domain.Parameter{}).Error; err != nil {
			return err
		}
		script.Params = params
		script.Groups = groups
		return nil
	})
	if err != nil {
		r.log.Errorw("script_repo_save_failed", "script", script.Name, "error", err)
		return err
	}
	r.log.Infow("script_repo_save_ok", "script", script.Name, "id", script.ID)
	return nil
}

func (r *scriptRepository) SaveJobTemplate(ctx context.Context, tmpl *domain.DRMJobTemplate) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			UpdateAll: true,
		}).
		Create(tmpl).Error
	if err != nil {
		r.log.Errorw("script_repo_template_failed", "template", tmpl.Name, "error", err)
		return err
	}
	return nil
}

func (r *scriptRepository) GetJobTemplate(ctx context.Context, name string) (*domain.DRMJobTemplate, error) {
	var tmpl domain.DRMJobTemplate
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&tmpl).Error; err != nil {
		return nil, translate(err)
	}
	return &tmpl, nil
}

func (r *scriptRepository) Delete(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var script domain.Script
		if err := tx.Where("name = ?", name).First(&script).Error; err != nil {
			return translate(err)
		}
		if err := tx.Model(&script).Association("Groups").Clear(); err != nil {
			return err
		}
		if err := tx.Where("script_id = ?", script.ID).Delete(&domain.Parameter{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&script).Error; err != nil {
			return err
		}
		r.log.Infow("script_repo_delete_ok", "script", name)
		return nil
	})
}
