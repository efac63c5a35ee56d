package db

import (
	"context"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type userRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUserRepository(db *gorm.DB, log *logger.Logger) ports.UserRepository {
	return &userRepository{db: db, log: log}
}

func (r *userRepository) GetByIdentity(ctx context.Context, source, username string) (*domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).
		Preload("Group").
		Where("source = ? AND username = ?", source, username).
		First(&user).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (*domain.User, error) {
	var user domain.User
	if err := r.db.WithContext(ctx).Preload("Group").First(&user, id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(user).Error; err != nil {
		r.log.Errorw("user_repo_create_failed", "username", user.Username, "error", err)
		return err
	}
	r.log.Infow("user_repo_create_ok", "id", user.ID, "username", user.Username)
	return nil
}

func (r *userRepository) GetGroup(ctx context.Context, name string) (*domain.Group, error) {
	var group domain.Group
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&group).Error; err != nil {
		return nil, translate(err)
	}
	return &group, nil
}

func (r *userRepository) SaveGroup(ctx context.Context, group *domain.Group) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"has_full_access", "updated_at"}),
		}).
		Create(group).Error
	if err != nil {
		r.log.Errorw("user_repo_group_failed", "group", group.Name, "error", err)
		return err
	}
	return nil
}
