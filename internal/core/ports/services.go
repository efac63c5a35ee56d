package ports

import (
	"context"
	"io"
	"time"

	"github.com/drmaatic/backend/internal/domain"
	"github.com/google/uuid"
)

// Caller identifies who issues a request. Admin is set for requests carrying
// the administrative API key.
type Caller struct {
	User  *domain.User
	IP    string
	Admin bool
}

func (c Caller) IsAdmin() bool {
	return c.Admin || c.User.IsAdmin()
}

func (c Caller) UserID() *uint {
	if c.User == nil {
		return nil
	}
	id := c.User.ID
	return &id
}

// Upload is one file received for a file-typed parameter.
type Upload struct {
	Filename string
	Open     func() (io.ReadCloser, error)
}

type CreateTaskInput struct {
	ScriptName     string
	Description    string
	Values         map[string]string
	Files          map[string][]Upload
	ParentID       *uuid.UUID
	Dependencies   []uuid.UUID
	DependencyType string
	Caller         Caller
}

type TaskQuery struct {
	IDs            []uuid.UUID
	Status         domain.TaskStatus
	ScriptName     string
	Description    string
	// IncludeDeleted is honoured for admins only.
	IncludeDeleted bool
	Limit          int
	Offset         int
}

type TaskService interface {
	Create(ctx context.Context, input CreateTaskInput) (*domain.Task, error)
	Get(ctx context.Context, id uuid.UUID, caller Caller) (*domain.Task, error)
	List(ctx context.Context, query TaskQuery, caller Caller) ([]domain.Task, error)
	RefreshStatus(ctx context.Context, task *domain.Task)
	Delete(ctx context.Context, id uuid.UUID, caller Caller) (*domain.Task, error)
	DeleteTask(ctx context.Context, task *domain.Task, purgeFiles bool) error
	Descendants(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
	Outputs(ctx context.Context, id uuid.UUID, caller Caller) ([]string, error)
	OutputFile(ctx context.Context, id uuid.UUID, name string, caller Caller) (string, error)
	Archive(ctx context.Context, id uuid.UUID, caller Caller) (string, error)
	SyncStatuses(ctx context.Context, limit int) (int, error)
	ArchiveFinished(ctx context.Context, limit int) (int, error)
	PurgeDeleted(ctx context.Context, olderThan time.Duration) (int, error)
}

// WaitRequest asks for a completion event to be published on exchange/route.
type WaitRequest struct {
	Exchange string
	Route    string
	Timeout  time.Duration
}

type CompletionNotifier interface {
	// Trigger starts a background wait and returns immediately. The returned
	// channel yields the published event once; callers may ignore it.
	Trigger(task *domain.Task, req WaitRequest) <-chan domain.CompletionEvent
	// Watch blocks until the job completes or timeout elapses without
	// publishing anything.
	Watch(ctx context.Context, task *domain.Task, timeout time.Duration) domain.CompletionEvent
}

type ScriptService interface {
	List(ctx context.Context, caller Caller) ([]domain.Script, error)
	Get(ctx context.Context, name string, caller Caller) (*domain.Script, error)
	Import(ctx context.Context, path string) (int, error)
	Delete(ctx context.Context, name string) error
}

type UserService interface {
	Resolve(ctx context.Context, source, username string) (*domain.User, error)
}
