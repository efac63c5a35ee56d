package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ==================== ENUMS ====================

type TaskStatus string

const (
	TaskStatusReceived         TaskStatus = "RECEIVED"
	TaskStatusRejected         TaskStatus = "REJECTED"
	TaskStatusCreated          TaskStatus = "CREATED"
	TaskStatusUndetermined     TaskStatus = "UNDETERMINED"
	TaskStatusQueuedActive     TaskStatus = "QUEUED_ACTIVE"
	TaskStatusSystemOnHold     TaskStatus = "SYSTEM_ON_HOLD"
	TaskStatusUserOnHold       TaskStatus = "USER_ON_HOLD"
	TaskStatusUserSystemOnHold TaskStatus = "USER_SYSTEM_ON_HOLD"
	TaskStatusRunning          TaskStatus = "RUNNING"
	TaskStatusSystemSuspended  TaskStatus = "SYSTEM_SUSPENDED"
	TaskStatusUserSuspended    TaskStatus = "USER_SUSPENDED"
	TaskStatusDone             TaskStatus = "DONE"
	TaskStatusFailed           TaskStatus = "FAILED"
)

var statusDescriptions = map[TaskStatus]string{
	TaskStatusRejected:         "task has been rejected from the ws",
	TaskStatusReceived:         "task has been received from the ws",
	TaskStatusCreated:          "task has been created and sent to the DRM",
	TaskStatusUndetermined:     "process status cannot be determined",
	TaskStatusQueuedActive:     "job is queued and active",
	TaskStatusSystemOnHold:     "job is queued and in system hold",
	TaskStatusUserOnHold:       "job is queued and in user hold",
	TaskStatusUserSystemOnHold: "job is queued and in user and system hold",
	TaskStatusRunning:          "job is running",
	TaskStatusSystemSuspended:  "job is system suspended",
	TaskStatusUserSuspended:    "job is user suspended",
	TaskStatusDone:             "job finished normally",
	TaskStatusFailed:           "job finished, but failed",
}

// Description returns the human readable label shown next to the status code.
func (s TaskStatus) Description() string {
	return statusDescriptions[s]
}

func (s TaskStatus) Valid() bool {
	_, ok := statusDescriptions[s]
	return ok
}

// Terminal reports whether no further progress can happen from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed || s == TaskStatusRejected
}

type DependencyType string

const (
	DependencyAfterAny   DependencyType = "afterany"
	DependencyAfterOK    DependencyType = "afterok"
	DependencyAfterNotOK DependencyType = "afternotok"
)

func (d DependencyType) Valid() bool {
	switch d {
	case DependencyAfterAny, DependencyAfterOK, DependencyAfterNotOK:
		return true
	}
	return false
}

type EventStatus string

const (
	EventStatusPending EventStatus = "pending"
	EventStatusSuccess EventStatus = "success"
	EventStatusFailed  EventStatus = "failed"
)

// ==================== ENTITIES ====================

// Task is one scheduled unit of work. Parent and dependency links are kept as
// identifiers only; walking them is a repository lookup.
type Task struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"uuid"`
	CreatedAt time.Time `gorm:"index" json:"creation_date"`
	UpdatedAt time.Time `json:"update_date"`

	ScriptName     string            `gorm:"size:100;not null;index" json:"task_name"`
	Description    string            `gorm:"size:200" json:"task_description,omitempty"`
	UserID         *uint             `gorm:"index" json:"-"`
	User           *User             `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	SenderIP       string            `gorm:"size:45" json:"sender_ip_addr,omitempty"`
	FilesName      datatypes.JSONMap `gorm:"type:jsonb" json:"files_name,omitempty"`
	Status         TaskStatus        `gorm:"size:32;not null;default:'RECEIVED';index" json:"status"`
	Deleted        bool              `gorm:"not null;default:false;index" json:"deleted"`
	DRMJobID       *string           `gorm:"size:64" json:"drm_job_id,omitempty"`
	ParentID       *uuid.UUID        `gorm:"type:uuid;index" json:"parent_task,omitempty"`
	DependencyType *DependencyType   `gorm:"size:20" json:"dependency_type,omitempty"`

	Dependencies []TaskDependency `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"-"`
	Params       []TaskParameter  `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"-"`
}

// HasFinished reports whether the task reached a final DONE/FAILED state or was
// deleted by its owner.
func (t *Task) HasFinished() bool {
	return t.Status == TaskStatusDone || t.Status == TaskStatusFailed || t.Deleted
}

// Terminal extends HasFinished with REJECTED tasks, which never reach the DRM.
func (t *Task) Terminal() bool {
	return t.HasFinished() || t.Status == TaskStatusRejected
}

func (t *Task) HasHandle() bool {
	return t.DRMJobID != nil && *t.DRMJobID != ""
}

// ShortID is the prefix used to name the job's stdout/stderr files.
func (t *Task) ShortID() string {
	return t.ID.String()[:8]
}

func (t *Task) OutFile() string {
	return t.ShortID() + "_out.txt"
}

func (t *Task) ErrFile() string {
	return t.ShortID() + "_err.txt"
}

// DependsOn returns the identifiers of the direct predecessors.
func (t *Task) DependsOn() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		ids = append(ids, d.DependsOnID)
	}
	return ids
}

func (t *Task) OwnedBy(u *User) bool {
	return t.UserID != nil && u != nil && *t.UserID == u.ID
}

// TaskDependency is a directed edge task -> predecessor. Edges are written once
// at creation time and never modified.
type TaskDependency struct {
	TaskID      uuid.UUID `gorm:"type:uuid;primaryKey" json:"task"`
	DependsOnID uuid.UUID `gorm:"type:uuid;primaryKey;index" json:"depends_on"`
}

type TimelineEvent struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Type    string            `gorm:"size:100;not null;index" json:"type"`
	Status  EventStatus       `gorm:"size:20;not null;default:'pending';index" json:"status"`
	Message string            `gorm:"type:text" json:"message"`
	Meta    datatypes.JSONMap `gorm:"type:jsonb" json:"meta,omitempty"`
	TaskID  *uuid.UUID        `gorm:"type:uuid;index" json:"task,omitempty"`
}
