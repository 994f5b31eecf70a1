package domain

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Error kinds. Typed errors below unwrap to one of these so callers can
// match with errors.Is.
var (
	ErrInvalidTaskState     = errors.New("invalid task state")
	ErrTaskParameters       = errors.New("missing task parameters")
	ErrTaskDependency       = errors.New("invalid task dependency")
	ErrTaskFieldsConflict   = errors.New("task fields conflict")
	ErrExecutionDeadlock    = errors.New("execution deadlock")
	ErrInvalidTaskType      = errors.New("invalid task type")
	ErrNoWorkerServiceMatch = errors.New("no worker service matches the requirements")
	ErrNotFound             = errors.New("not found")
	ErrNotAuthorized        = errors.New("not authorized")
	ErrInvalidReplicaState  = errors.New("invalid replica state")
	ErrInvalidInput         = errors.New("invalid input")
)

// InvalidTaskStateError reports a task found in a status it must not have
type InvalidTaskStateError struct {
	TaskID string
	Status TaskStatus
}

func (e *InvalidTaskStateError) Error() string {
	return fmt.Sprintf("task %s is in invalid state %q", e.TaskID, e.Status)
}

func (e *InvalidTaskStateError) Unwrap() error { return ErrInvalidTaskState }

// TaskParametersError reports required task info that nothing provides
type TaskParametersError struct {
	TaskID   string
	TaskType TaskType
	Instance string
	Missing  []string
}

func (e *TaskParametersError) Error() string {
	return fmt.Sprintf("task %s (%s) of instance %s is missing required parameters: %s",
		e.TaskID, e.TaskType, e.Instance, strings.Join(e.Missing, ", "))
}

func (e *TaskParametersError) Unwrap() error { return ErrTaskParameters }

// TaskDependencyError reports a dependency id that is not part of the execution
type TaskDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *TaskDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on %s which is not part of the execution", e.TaskID, e.DependencyID)
}

func (e *TaskDependencyError) Unwrap() error { return ErrTaskDependency }

// TaskFieldsConflictError reports two unordered tasks writing the same field
type TaskFieldsConflictError struct {
	Instance string
	Field    string
	TaskIDs  [2]string
}

func (e *TaskFieldsConflictError) Error() string {
	return fmt.Sprintf("tasks %s and %s of instance %s may run concurrently and both set field %q",
		e.TaskIDs[0], e.TaskIDs[1], e.Instance, e.Field)
}

func (e *TaskFieldsConflictError) Unwrap() error { return ErrTaskFieldsConflict }

// ExecutionDeadlockError reports tasks that can never become runnable
type ExecutionDeadlockError struct {
	ExecutionID string
	TaskIDs     []string
}

func (e *ExecutionDeadlockError) Error() string {
	return fmt.Sprintf("execution %s is deadlocked, tasks can never run: %s",
		e.ExecutionID, strings.Join(e.TaskIDs, ", "))
}

func (e *ExecutionDeadlockError) Unwrap() error { return ErrExecutionDeadlock }

// IsValidationError reports whether err is one of the sanity check kinds
func IsValidationError(err error) bool {
	return errors.IsAny(err,
		ErrInvalidTaskState,
		ErrTaskParameters,
		ErrTaskDependency,
		ErrTaskFieldsConflict,
		ErrExecutionDeadlock,
	)
}
