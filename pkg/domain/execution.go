package domain

import (
	"strings"
	"time"
)

// ExecutionType is the kind of run an execution performs
type ExecutionType string

const (
	ExecutionTypeMigration            ExecutionType = "migration"
	ExecutionTypeReplicaExecution     ExecutionType = "replica_execution"
	ExecutionTypeReplicaDisksDeletion ExecutionType = "replica_disks_deletion"
)

// IsReplica reports whether executions of this type belong to a replica
func (t ExecutionType) IsReplica() bool {
	return t == ExecutionTypeReplicaExecution || t == ExecutionTypeReplicaDisksDeletion
}

// ExecutionStatus represents the overall status of an execution
type ExecutionStatus string

const (
	ExecutionStatusUnexecuted ExecutionStatus = "UNEXECUTED"
	ExecutionStatusRunning    ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted  ExecutionStatus = "COMPLETED"
	ExecutionStatusError      ExecutionStatus = "ERROR"
	ExecutionStatusCanceled   ExecutionStatus = "CANCELED"
)

// IsTerminal reports whether the execution is finished
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusError || s == ExecutionStatusCanceled
}

// TaskInfo holds per-instance task parameters, keyed by instance
type TaskInfo map[string]map[string]any

// Keys returns the parameter names known for instance
func (ti TaskInfo) Keys(instance string) map[string]struct{} {
	keys := make(map[string]struct{}, len(ti[instance]))
	for k := range ti[instance] {
		keys[k] = struct{}{}
	}
	return keys
}

// Merge copies values into the instance's task info
func (ti TaskInfo) Merge(instance string, values map[string]any) {
	if len(values) == 0 {
		return
	}
	if ti[instance] == nil {
		ti[instance] = make(map[string]any, len(values))
	}
	for k, v := range values {
		ti[instance][k] = v
	}
}

// Execution is one end-to-end run of a migration or replication workflow.
// Tasks are kept in creation order, which is also index order.
type Execution struct {
	ID                    string          `json:"id" yaml:"id"`
	Type                  ExecutionType   `json:"type" yaml:"type"`
	Status                ExecutionStatus `json:"status" yaml:"status,omitempty"`
	OriginEndpointID      string          `json:"origin_endpoint_id,omitempty" yaml:"origin_endpoint_id,omitempty"`
	DestinationEndpointID string          `json:"destination_endpoint_id,omitempty" yaml:"destination_endpoint_id,omitempty"`
	Instances             []string        `json:"instances" yaml:"instances,omitempty"`
	Tasks                 []*Task         `json:"tasks" yaml:"tasks"`
	TaskInfo              TaskInfo        `json:"task_info,omitempty" yaml:"-"`
	CreatedAt             time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt             *time.Time      `json:"updated_at,omitempty" yaml:"-"`
}

// NewExecution creates an empty execution
func NewExecution(id string, executionType ExecutionType) *Execution {
	return &Execution{
		ID:        id,
		Type:      executionType,
		Status:    ExecutionStatusUnexecuted,
		Tasks:     []*Task{},
		TaskInfo:  TaskInfo{},
		CreatedAt: time.Now(),
	}
}

// TaskByID finds a task of this execution
func (e *Execution) TaskByID(id string) (*Task, bool) {
	for _, t := range e.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Normalize fills the defaults of hand-written executions: tasks without a
// status are SCHEDULED, tasks without an index take their position, and
// every task points back at the execution.
func (e *Execution) Normalize() {
	if e.Status == "" {
		e.Status = ExecutionStatusUnexecuted
	}
	if e.TaskInfo == nil {
		e.TaskInfo = TaskInfo{}
	}
	for i, t := range e.Tasks {
		if t.Status == "" {
			t.Status = TaskStatusScheduled
		}
		if t.Index == 0 {
			t.Index = i + 1
		}
		t.ExecutionID = e.ID
	}
}

// Clone returns a deep copy of the execution. Task info values are copied
// one level deep.
func (e *Execution) Clone() *Execution {
	c := &Execution{
		ID:                    e.ID,
		Type:                  e.Type,
		Status:                e.Status,
		OriginEndpointID:      e.OriginEndpointID,
		DestinationEndpointID: e.DestinationEndpointID,
		Instances:             append([]string(nil), e.Instances...),
		Tasks:                 make([]*Task, len(e.Tasks)),
		TaskInfo:              make(TaskInfo, len(e.TaskInfo)),
		CreatedAt:             e.CreatedAt,
	}
	for i, t := range e.Tasks {
		c.Tasks[i] = t.Clone()
	}
	for instance, values := range e.TaskInfo {
		c.TaskInfo.Merge(instance, values)
	}
	if e.UpdatedAt != nil {
		u := *e.UpdatedAt
		c.UpdatedAt = &u
	}
	return c
}

// References reports whether the execution uses the endpoint
func (e *Execution) References(endpointID string) bool {
	return e.OriginEndpointID == endpointID || e.DestinationEndpointID == endpointID
}

// HasFailures reports whether any task went down the error path
func (e *Execution) HasFailures() bool {
	for _, t := range e.Tasks {
		if t.CurrentStatus().IsFailure() {
			return true
		}
	}
	return false
}

// Advance cancels tasks that can no longer run, returns the tasks that are
// now runnable and settles the execution status once every task is terminal.
//
// On the normal path a SCHEDULED task runs once all of its dependencies
// completed. After any failure, pending tasks that are not part of the error
// path are canceled and OnError tasks run once their dependencies are
// terminal. ON_ERROR_ONLY tasks are canceled when the run succeeds.
//
// With a task type registry, an OnError task whose required task info was
// never produced, because the tasks returning it did not run, is canceled
// instead of being handed out. A nil registry skips that check.
func (e *Execution) Advance(types *TaskTypeRegistry) []*Task {
	statuses := make(map[string]TaskStatus, len(e.Tasks))
	failed := false
	for _, t := range e.Tasks {
		st := t.CurrentStatus()
		statuses[t.ID] = st
		if st.IsFailure() {
			failed = true
		}
	}

	if failed {
		for _, t := range e.Tasks {
			if statuses[t.ID].IsPending() && !t.OnError {
				if err := t.TransitionTo(TaskStatusCanceled, "canceled after a prior task failed"); err == nil {
					statuses[t.ID] = TaskStatusCanceled
				}
			}
		}
	} else if e.normalPathDone(statuses) {
		for _, t := range e.Tasks {
			if statuses[t.ID] == TaskStatusOnErrorOnly {
				if err := t.TransitionTo(TaskStatusCanceled, "not required, no task failed"); err == nil {
					statuses[t.ID] = TaskStatusCanceled
				}
			}
		}
	}

	var ready []*Task
	for _, t := range e.Tasks {
		st := statuses[t.ID]
		switch {
		case !failed && st == TaskStatusScheduled:
			if depsMatch(t, statuses, func(s TaskStatus) bool { return s == TaskStatusCompleted }) {
				ready = append(ready, t)
			}
		case failed && t.OnError && st.IsPending():
			if !depsMatch(t, statuses, TaskStatus.IsTerminal) {
				continue
			}
			if missing := e.missingTaskInfo(t, types); len(missing) > 0 {
				details := "required task info missing: " + strings.Join(missing, ", ")
				if err := t.TransitionTo(TaskStatusCanceled, details); err == nil {
					statuses[t.ID] = TaskStatusCanceled
				}
				continue
			}
			ready = append(ready, t)
		}
	}

	allTerminal := true
	for _, st := range statuses {
		if !st.IsTerminal() {
			allTerminal = false
			break
		}
	}
	if allTerminal && len(e.Tasks) > 0 {
		now := time.Now()
		e.UpdatedAt = &now
		if failed {
			e.Status = ExecutionStatusError
		} else {
			e.Status = ExecutionStatusCompleted
		}
	}

	return ready
}

// missingTaskInfo lists the required fields of t absent from its instance's
// task info
func (e *Execution) missingTaskInfo(t *Task, types *TaskTypeRegistry) []string {
	if types == nil {
		return nil
	}
	spec, err := types.Lookup(t.TaskType)
	if err != nil {
		return nil
	}
	var missing []string
	for _, field := range spec.Required {
		if _, ok := e.TaskInfo[t.Instance][field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

// normalPathDone reports whether every task outside the error-only path completed
func (e *Execution) normalPathDone(statuses map[string]TaskStatus) bool {
	for _, t := range e.Tasks {
		st := statuses[t.ID]
		if st == TaskStatusOnErrorOnly {
			continue
		}
		if st != TaskStatusCompleted {
			return false
		}
	}
	return true
}

// depsMatch checks every dependency that belongs to the execution.
// Dependencies pruned from the plan are ignored.
func depsMatch(t *Task, statuses map[string]TaskStatus, ok func(TaskStatus) bool) bool {
	for _, dep := range t.DependsOn {
		st, present := statuses[dep]
		if !present {
			continue
		}
		if !ok(st) {
			return false
		}
	}
	return true
}
