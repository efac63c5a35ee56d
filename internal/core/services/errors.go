package services

import "errors"

// Task errors
var (
	ErrTaskNotFound       = errors.New("task: not found")
	ErrTaskMissingParam   = errors.New("task: missing parameter")
	ErrTaskInvalidDep     = errors.New("task: invalid dependency")
	ErrTaskInvalidDepType = errors.New("task: invalid dependency type")
	ErrTaskInvalidParent  = errors.New("task: invalid parent task")
	ErrTaskNotFinished    = errors.New("task: not finished")
	ErrTaskForbidden      = errors.New("task: permission denied")
	ErrSubmissionFailed   = errors.New("task: failed to start")
	ErrTaskWorkdirFailed  = errors.New("task: cannot prepare working directory")
	ErrTaskOutputNotFound = errors.New("task: output file not found")
	ErrTaskPersistFailed  = errors.New("task: persistence failed")
)

// Parameter errors
var (
	ErrParamInvalidValue = errors.New("param: invalid value")
	ErrParamTooLong      = errors.New("param: value too long")
	ErrParamFileMissing  = errors.New("param: file not uploaded")
	ErrParamFileNoExt    = errors.New("param: file must have an extension")
)

// Script errors
var (
	ErrScriptNotFound     = errors.New("script: not found")
	ErrScriptInvalidInput = errors.New("script: invalid input")
	ErrCatalogRead        = errors.New("catalog: cannot read file")
)

// Notifier errors
var (
	ErrNotifierNoHandle = errors.New("notifier: task has no job handle")
)

var validationErrors = []error{
	ErrTaskMissingParam,
	ErrTaskInvalidDep,
	ErrTaskInvalidDepType,
	ErrTaskInvalidParent,
	ErrParamInvalidValue,
	ErrParamTooLong,
	ErrParamFileMissing,
	ErrParamFileNoExt,
	ErrScriptInvalidInput,
}

// IsValidation reports whether err was caused by caller input.
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
