package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrPreconditionNotMet marks a job whose input is not available yet.
	// The job waits and is retried instead of failing.
	ErrPreconditionNotMet = errors.New("precondition not met")
	ErrLockConflict       = errors.New("another bulk operation is in progress for this trajectory")
	ErrJobNotFound        = errors.New("job not found")
	ErrAnalysisNotFound   = errors.New("analysis not found")
	ErrStaleUpdate        = errors.New("status update is older than the stored record")
	ErrPluginNotValidated = errors.New("plugin has not been validated")
	ErrPluginChanged      = errors.New("plugin changed since the analysis was scheduled")
)

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func errMissing(field string) error {
	return &validationError{msg: fmt.Sprintf("%s is required", field)}
}
