package ports

import (
	"context"
	"errors"
	"time"

	"github.com/drmaatic/backend/internal/domain"
	"github.com/google/uuid"
)

// ErrNotFound is returned by repositories when no record matches.
var ErrNotFound = errors.New("repository: record not found")

// TaskFilter narrows a task listing. Zero values disable the corresponding
// criterion.
type TaskFilter struct {
	IDs            []uuid.UUID
	UserID         *uint
	Statuses       []domain.TaskStatus
	// Ownerless restricts the result to tasks submitted anonymously.
	Ownerless      bool
	RootsOnly      bool
	ScriptName     string
	Description    string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	// GetByID loads the task with its dependency edges, bound parameters and
	// owner.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Task, error)
	List(ctx context.Context, filter TaskFilter) ([]domain.Task, error)
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]domain.Task, error)
	// ListPending returns non-deleted tasks holding a DRM handle whose stored
	// status is not terminal.
	ListPending(ctx context.Context, limit int) ([]domain.Task, error)
	ListDeletedBefore(ctx context.Context, cutoff time.Time) ([]domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error
	Delete(ctx context.Context, id uuid.UUID) error
	AddParameters(ctx context.Context, params []domain.TaskParameter) error
	AddDependencies(ctx context.Context, deps []domain.TaskDependency) error
}

type ScriptRepository interface {
	GetByName(ctx context.Context, name string) (*domain.Script, error)
	GetAll(ctx context.Context) ([]domain.Script, error)
	// Save inserts or replaces a script together with its parameters and
	// group links.
	Save(ctx context.Context, script *domain.Script) error
	SaveJobTemplate(ctx context.Context, tmpl *domain.DRMJobTemplate) error
	GetJobTemplate(ctx context.Context, name string) (*domain.DRMJobTemplate, error)
	Delete(ctx context.Context, name string) error
}

type UserRepository interface {
	GetByIdentity(ctx context.Context, source, username string) (*domain.User, error)
	GetByID(ctx context.Context, id uint) (*domain.User, error)
	Create(ctx context.Context, user *domain.User) error
	GetGroup(ctx context.Context, name string) (*domain.Group, error)
	SaveGroup(ctx context.Context, group *domain.Group) error
}

type TimelineRepository interface {
	Create(ctx context.Context, event *domain.TimelineEvent) error
	GetByID(ctx context.Context, id uint) (*domain.TimelineEvent, error)
	GetByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]domain.TimelineEvent, error)
	GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error)
	// DeleteBefore permanently removes events recorded before cutoff and
	// reports how many were dropped.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}
