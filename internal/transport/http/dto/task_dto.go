package dto

import (
	"time"

	"github.com/drmaatic/backend/internal/domain"
	"github.com/google/uuid"
)

type ParamValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TaskResponse is the shape returned to regular callers.
type TaskResponse struct {
	UUID              uuid.UUID              `json:"uuid"`
	TaskName          string                 `json:"task_name"`
	Description       string                 `json:"task_description,omitempty"`
	ParentTask        *uuid.UUID             `json:"parent_task,omitempty"`
	Descendants       []uuid.UUID            `json:"descendants,omitempty"`
	DependsOn         []uuid.UUID            `json:"depends_on,omitempty"`
	DependencyType    *domain.DependencyType `json:"dependency_type,omitempty"`
	CreationDate      time.Time              `json:"creation_date"`
	Status            domain.TaskStatus      `json:"status"`
	StatusDescription string                 `json:"status_description"`
	FilesName         map[string]interface{} `json:"files_name,omitempty"`
	Params            []ParamValue           `json:"params"`
}

// AdminTaskResponse extends TaskResponse with bookkeeping fields.
type AdminTaskResponse struct {
	TaskResponse
	SenderIP   string    `json:"sender_ip_addr,omitempty"`
	Deleted    bool      `json:"deleted"`
	DRMJobID   *string   `json:"drm_job_id,omitempty"`
	User       string    `json:"user,omitempty"`
	UpdateDate time.Time `json:"update_date"`
}

// TaskView selects the response shape for the caller. Private parameter
// values are only included in the admin shape.
func TaskView(task *domain.Task, descendants []uuid.UUID, admin bool) interface{} {
	base := TaskResponse{
		UUID:              task.ID,
		TaskName:          task.ScriptName,
		Description:       task.Description,
		ParentTask:        task.ParentID,
		Descendants:       descendants,
		DependsOn:         task.DependsOn(),
		DependencyType:    task.DependencyType,
		CreationDate:      task.CreatedAt,
		Status:            task.Status,
		StatusDescription: task.Status.Description(),
		FilesName:         task.FilesName,
		Params:            paramValues(task.Params, admin),
	}
	if len(base.DependsOn) == 0 {
		base.DependsOn = nil
	}
	if !admin {
		return base
	}

	view := AdminTaskResponse{
		TaskResponse: base,
		SenderIP:     task.SenderIP,
		Deleted:      task.Deleted,
		DRMJobID:     task.DRMJobID,
		UpdateDate:   task.UpdatedAt,
	}
	if task.User != nil {
		view.User = task.User.Username
	}
	return view
}

func paramValues(params []domain.TaskParameter, admin bool) []ParamValue {
	out := make([]ParamValue, 0, len(params))
	for _, p := range params {
		if p.Parameter == nil {
			continue
		}
		if p.Parameter.Private && !admin {
			continue
		}
		out = append(out, ParamValue{Name: p.Parameter.Name, Value: p.Value})
	}
	return out
}

type WaitResponse struct {
	Exchange string `json:"exchange"`
	Route    string `json:"route"`
	Timeout  int    `json:"timeout"`
}
