package domain

import "github.com/google/uuid"

// JobInfo is the subset of the DRM's wait result forwarded to listeners.
type JobInfo struct {
	HasExited  bool `json:"hasExited"`
	WasAborted bool `json:"wasAborted"`
	ExitStatus int  `json:"exitStatus"`
}

// DefaultJobInfo is reported whenever the wait did not produce a result.
func DefaultJobInfo() JobInfo {
	return JobInfo{ExitStatus: -1}
}

// CompletionEvent is published once a wait on a task's job ends, whether the
// job completed or the wait gave up.
type CompletionEvent struct {
	Task    uuid.UUID `json:"task"`
	Timeout bool      `json:"timeout"`
	JobInfo JobInfo   `json:"job_info"`
}
