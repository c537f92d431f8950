package task

import (
	"errors"
	"fmt"
)

var (
	ErrSchedule         = errors.New("invalid schedule")
	ErrLaunch           = errors.New("launch failed")
	ErrExecution        = errors.New("execution failed")
	ErrTimeout          = errors.New("execution timed out")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("task store unavailable")
)

// ScheduleError reports a cron/window spec that cannot produce fire times.
// The task stays unscheduled; the process keeps running.
type ScheduleError struct {
	TaskID string
	Spec   string
	Err    error
}

func (e *ScheduleError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("task %s: invalid schedule %q: %v", e.TaskID, e.Spec, e.Err)
	}
	return fmt.Sprintf("invalid schedule %q: %v", e.Spec, e.Err)
}

func (e *ScheduleError) Unwrap() error        { return e.Err }
func (e *ScheduleError) Is(target error) bool { return target == ErrSchedule }

// StepError identifies the failing command of a multi-step execution.
type StepError struct {
	Test    string
	Index   int // 1-based
	Command string
	Err     error
}

func (e *StepError) Error() string {
	if e.Test != "" {
		return fmt.Sprintf("%s: command failed (#%d): %s: %v", e.Test, e.Index, e.Command, e.Err)
	}
	return fmt.Sprintf("command failed (#%d): %s: %v", e.Index, e.Command, e.Err)
}

func (e *StepError) Unwrap() error        { return e.Err }
func (e *StepError) Is(target error) bool { return target == ErrExecution }

// Launch wraps a spawn/environment failure.
func Launch(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrLaunch, err)
}
