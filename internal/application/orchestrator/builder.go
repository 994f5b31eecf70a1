package orchestrator

import (
	"time"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/google/uuid"
)

// TaskOption configures a task created by the Builder
type TaskOption func(*taskOptions)

type taskOptions struct {
	dependsOn   []string
	onError     bool
	onErrorOnly bool
}

// DependsOn declares the tasks that must complete first
func DependsOn(taskIDs ...string) TaskOption {
	return func(o *taskOptions) {
		o.dependsOn = append(o.dependsOn, taskIDs...)
	}
}

// OnError marks the task as part of the error-recovery path
func OnError() TaskOption {
	return func(o *taskOptions) {
		o.onError = true
	}
}

// OnErrorOnly marks the task to run only when something failed
func OnErrorOnly() TaskOption {
	return func(o *taskOptions) {
		o.onErrorOnly = true
	}
}

// Builder allocates tasks into executions
type Builder struct {
	taskTypes *domain.TaskTypeRegistry
	newID     func() string
}

// NewBuilder creates a new task graph builder
func NewBuilder(taskTypes *domain.TaskTypeRegistry) *Builder {
	return &Builder{
		taskTypes: taskTypes,
		newID:     func() string { return uuid.New().String() },
	}
}

// CreateTask appends a new task to the execution and returns it.
//
// The task gets the next index. Its status is ON_ERROR_ONLY when asked for
// explicitly, or when it is on the error path and one of its dependencies is
// not part of the execution; otherwise it is SCHEDULED.
func (b *Builder) CreateTask(execution *domain.Execution, instance string, taskType domain.TaskType, opts ...TaskOption) (*domain.Task, error) {
	if _, err := b.taskTypes.Lookup(taskType); err != nil {
		return nil, err
	}

	var o taskOptions
	for _, opt := range opts {
		opt(&o)
	}

	task := &domain.Task{
		ID:          b.newID(),
		ExecutionID: execution.ID,
		Instance:    instance,
		TaskType:    taskType,
		DependsOn:   uniqueIDs(o.dependsOn),
		OnError:     o.onError,
		Index:       len(execution.Tasks) + 1,
		CreatedAt:   time.Now(),
	}

	switch {
	case o.onErrorOnly:
		task.Status = domain.TaskStatusOnErrorOnly
		task.OnError = true
	case o.onError && len(task.DependsOn) > 0:
		task.Status = domain.TaskStatusScheduled
		for _, dep := range task.DependsOn {
			if _, ok := execution.TaskByID(dep); !ok {
				task.Status = domain.TaskStatusOnErrorOnly
				break
			}
		}
	default:
		task.Status = domain.TaskStatusScheduled
	}

	execution.Tasks = append(execution.Tasks, task)
	return task, nil
}

// uniqueIDs drops repeated ids, keeping first occurrences in order
func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
