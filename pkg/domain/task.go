package domain

import (
	"slices"
	"sync"
	"time"
)

// TaskStatus represents the lifecycle status of a task
type TaskStatus string

const (
	TaskStatusScheduled        TaskStatus = "SCHEDULED"
	TaskStatusOnErrorOnly      TaskStatus = "ON_ERROR_ONLY"
	TaskStatusRunning          TaskStatus = "RUNNING"
	TaskStatusCompleted        TaskStatus = "COMPLETED"
	TaskStatusFailed           TaskStatus = "FAILED"
	TaskStatusCanceled         TaskStatus = "CANCELED"
	TaskStatusFailedToSchedule TaskStatus = "FAILED_TO_SCHEDULE"
)

// IsTerminal reports whether the status admits no further transition.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled, TaskStatusFailedToSchedule:
		return true
	}
	return false
}

// IsFailure reports whether the status sends an execution down its error path.
func (s TaskStatus) IsFailure() bool {
	return s == TaskStatusFailed || s == TaskStatusFailedToSchedule
}

// IsPending reports whether the task has not been handed to a worker yet.
func (s TaskStatus) IsPending() bool {
	return s == TaskStatusScheduled || s == TaskStatusOnErrorOnly
}

// TaskType identifies the kind of step a task performs
type TaskType string

const (
	TaskTypeGetInstanceInfo                 TaskType = "get_instance_info"
	TaskTypeValidateSourceInputs            TaskType = "validate_source_inputs"
	TaskTypeValidateDestinationInputs       TaskType = "validate_destination_inputs"
	TaskTypeShutdownInstance                TaskType = "shutdown_instance"
	TaskTypeDeploySourceResources           TaskType = "deploy_source_resources"
	TaskTypeDeployTargetResources           TaskType = "deploy_target_resources"
	TaskTypeDeployReplicaDisks              TaskType = "deploy_replica_disks"
	TaskTypeReplicateDisks                  TaskType = "replicate_disks"
	TaskTypeDeleteSourceResources           TaskType = "delete_source_resources"
	TaskTypeDeleteTargetResources           TaskType = "delete_target_resources"
	TaskTypeDeployInstance                  TaskType = "deploy_instance"
	TaskTypeFinalizeInstanceDeployment      TaskType = "finalize_instance_deployment"
	TaskTypeCleanupFailedInstanceDeployment TaskType = "cleanup_failed_instance_deployment"
	TaskTypeDeleteReplicaDisks              TaskType = "delete_replica_disks"
)

// Task is one atomic step of an execution, bound to a workload instance
type Task struct {
	ID               string     `json:"id" yaml:"id"`
	ExecutionID      string     `json:"execution_id" yaml:"execution_id,omitempty"`
	Instance         string     `json:"instance" yaml:"instance"`
	TaskType         TaskType   `json:"task_type" yaml:"task_type"`
	Status           TaskStatus `json:"status" yaml:"status"`
	DependsOn        []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	OnError          bool       `json:"on_error" yaml:"on_error"`
	Index            int        `json:"index" yaml:"index"`
	ExceptionDetails string     `json:"exception_details,omitempty" yaml:"exception_details,omitempty"`
	CreatedAt        time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty" yaml:"-"`

	mu sync.Mutex
}

// Descriptor returns the minimal view handed to the scheduler.
func (t *Task) Descriptor() TaskDescriptor {
	return TaskDescriptor{ID: t.ID, TaskType: t.TaskType}
}

// CurrentStatus reads the status under the task lock
func (t *Task) CurrentStatus() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// TransitionTo atomically moves the task to status. A task in a terminal
// status never moves again.
func (t *Task) TransitionTo(status TaskStatus, details string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status == status {
		return nil
	}
	if t.Status.IsTerminal() {
		return &InvalidTaskStateError{TaskID: t.ID, Status: t.Status}
	}

	now := time.Now()
	t.Status = status
	t.ExceptionDetails = details
	t.UpdatedAt = &now
	return nil
}

// TransitionFrom atomically moves the task to status provided its current
// status is one of from. Being in status already counts as a match when
// status is listed in from.
func (t *Task) TransitionFrom(from []TaskStatus, status TaskStatus, details string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !slices.Contains(from, t.Status) {
		return &InvalidTaskStateError{TaskID: t.ID, Status: t.Status}
	}
	if t.Status == status {
		return nil
	}

	now := time.Now()
	t.Status = status
	t.ExceptionDetails = details
	t.UpdatedAt = &now
	return nil
}

// Clone returns a copy that shares no mutable state with t
func (t *Task) Clone() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := &Task{
		ID:               t.ID,
		ExecutionID:      t.ExecutionID,
		Instance:         t.Instance,
		TaskType:         t.TaskType,
		Status:           t.Status,
		OnError:          t.OnError,
		Index:            t.Index,
		ExceptionDetails: t.ExceptionDetails,
		CreatedAt:        t.CreatedAt,
	}
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.UpdatedAt != nil {
		u := *t.UpdatedAt
		c.UpdatedAt = &u
	}
	return c
}

// TaskDescriptor is the minimal task view the scheduler matches on
type TaskDescriptor struct {
	ID       string   `json:"id"`
	TaskType TaskType `json:"task_type"`
}

// TaskResult is reported by a worker once it is done with a task
type TaskResult struct {
	TaskID           string         `json:"task_id"`
	Status           TaskStatus     `json:"status"`
	ExceptionDetails string         `json:"exception_details,omitempty"`
	TaskInfo         map[string]any `json:"task_info,omitempty"`
}
