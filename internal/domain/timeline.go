package domain

// Task timeline event types
const (
	EventTypeTaskReceived  = "TASK_RECEIVED"
	EventTypeTaskParams    = "TASK_PARAMS"
	EventTypeTaskSubmitted = "TASK_SUBMITTED"
	EventTypeTaskRejected  = "TASK_REJECTED"
	EventTypeTaskStatus    = "TASK_STATUS"
	EventTypeTaskDeleted   = "TASK_DELETED"
	EventTypeTaskWait      = "TASK_WAIT"
	EventTypeTaskPurged    = "TASK_PURGED"
)
