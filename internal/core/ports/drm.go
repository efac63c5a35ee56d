package ports

import (
	"context"
	"errors"
	"time"

	"github.com/drmaatic/backend/internal/domain"
)

var (
	// ErrDRMSubmit wraps every failure of the submit primitive.
	ErrDRMSubmit  = errors.New("drm: submission failed")
	ErrDRMTimeout = errors.New("drm: wait timed out")
)

// ArrayBounds describes an array job's index range.
type ArrayBounds struct {
	Begin int
	End   int
	Step  int
}

// SubmitRequest carries everything the DRM needs to start one job.
type SubmitRequest struct {
	Template       *domain.DRMJobTemplate
	TaskName       string
	ScriptDir      string
	OutDir         string
	Command        string
	Args           []string
	WorkingDir     string
	Dependencies   []string
	DependencyType domain.DependencyType
	ClockTimeLimit string
	Array          *ArrayBounds
	Account        string
	StdoutFile     string
	StderrFile     string
	// JobKey names the generated batch script; it is unique per task.
	JobKey string
}

// DRMAdapter drives the external resource manager.
type DRMAdapter interface {
	// Submit returns an empty handle when the DRM accepted the call but did
	// not schedule a job.
	Submit(ctx context.Context, req SubmitRequest) (handle string, name string, err error)
	QueryStatus(ctx context.Context, handle string) (domain.TaskStatus, error)
	Terminate(ctx context.Context, handle string) error
	// Wait blocks until the job leaves the scheduler or timeout elapses, in
	// which case ErrDRMTimeout is returned.
	Wait(ctx context.Context, handle string, timeout time.Duration) (domain.JobInfo, error)
}
