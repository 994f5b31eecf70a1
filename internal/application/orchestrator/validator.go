package orchestrator

import (
	"slices"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/cockroachdb/errors"
)

// Validator checks that an execution's task graph can run before any task
// is dispatched
type Validator struct {
	taskTypes *domain.TaskTypeRegistry
}

// NewValidator creates a new execution validator
func NewValidator(taskTypes *domain.TaskTypeRegistry) *Validator {
	return &Validator{taskTypes: taskTypes}
}

// CheckExecutionTasksSanity validates the tasks of an execution against the
// task info available for each instance. It returns the first violation
// found, checking in this order: task states, dependency references, then a
// topological reduction in waves that checks parameters and field conflicts
// as tasks are removed, and reports whatever cannot be removed as deadlocked.
//
// The execution is not modified.
func (v *Validator) CheckExecutionTasksSanity(execution *domain.Execution, initialTaskInfo domain.TaskInfo) error {
	if execution == nil {
		return errors.Wrap(domain.ErrInvalidInput, "execution is nil")
	}

	tasks := slices.Clone(execution.Tasks)
	slices.SortStableFunc(tasks, func(a, b *domain.Task) int { return a.Index - b.Index })

	byID := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, t := range tasks {
		if !t.Status.IsPending() {
			return &domain.InvalidTaskStateError{TaskID: t.ID, Status: t.Status}
		}
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; ok {
				continue
			}
			// Pruned from this plan: only reachable along the error path.
			if t.Status == domain.TaskStatusOnErrorOnly {
				continue
			}
			return &domain.TaskDependencyError{TaskID: t.ID, DependencyID: dep}
		}
	}

	specs := make(map[string]domain.TaskTypeSpec, len(tasks))
	for _, t := range tasks {
		spec, err := v.taskTypes.Lookup(t.TaskType)
		if err != nil {
			return errors.Wrapf(err, "task %s", t.ID)
		}
		specs[t.ID] = spec
	}

	r := &reduction{
		byID:      byID,
		specs:     specs,
		removed:   make(map[string]bool, len(tasks)),
		ancestors: make(map[string]map[string]struct{}, len(tasks)),
		writers:   make(map[string]map[string][]string),
	}

	remaining := tasks
	for len(remaining) > 0 {
		var wave, rest []*domain.Task
		for _, t := range remaining {
			if r.runnable(t) {
				wave = append(wave, t)
			} else {
				rest = append(rest, t)
			}
		}

		if len(wave) == 0 {
			stuck := make([]string, 0, len(rest))
			for _, t := range rest {
				stuck = append(stuck, t.ID)
			}
			return &domain.ExecutionDeadlockError{ExecutionID: execution.ID, TaskIDs: stuck}
		}

		for _, t := range wave {
			if err := r.remove(t, initialTaskInfo); err != nil {
				return err
			}
		}
		for _, t := range wave {
			r.removed[t.ID] = true
		}
		remaining = rest
	}

	return nil
}

// reduction tracks the state of one topological reduction
type reduction struct {
	byID    map[string]*domain.Task
	specs   map[string]domain.TaskTypeSpec
	removed map[string]bool
	// transitive dependencies of every removed task
	ancestors map[string]map[string]struct{}
	// instance -> field -> removed tasks returning it
	writers map[string]map[string][]string
}

// runnable reports whether every dependency of t has been removed in an
// earlier wave. An ON_ERROR_ONLY task only satisfies other ON_ERROR_ONLY
// tasks: a SCHEDULED dependent, OnError or not, would wait forever on the
// success path where the ON_ERROR_ONLY task is canceled last.
func (r *reduction) runnable(t *domain.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := r.byID[dep]
		if !ok {
			continue
		}
		if !r.removed[dep] {
			return false
		}
		if d.Status == domain.TaskStatusOnErrorOnly && t.Status != domain.TaskStatusOnErrorOnly {
			return false
		}
	}
	return true
}

// remove checks t's parameters and returned fields and records it
func (r *reduction) remove(t *domain.Task, initialTaskInfo domain.TaskInfo) error {
	anc := make(map[string]struct{})
	for _, dep := range t.DependsOn {
		if _, ok := r.byID[dep]; !ok {
			continue
		}
		anc[dep] = struct{}{}
		for a := range r.ancestors[dep] {
			anc[a] = struct{}{}
		}
	}
	r.ancestors[t.ID] = anc

	available := initialTaskInfo.Keys(t.Instance)
	for a := range anc {
		if r.byID[a].Instance != t.Instance {
			continue
		}
		for _, field := range r.specs[a].Returns {
			available[field] = struct{}{}
		}
	}

	spec := r.specs[t.ID]
	var missing []string
	for _, field := range spec.Required {
		if _, ok := available[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &domain.TaskParametersError{
			TaskID:   t.ID,
			TaskType: t.TaskType,
			Instance: t.Instance,
			Missing:  missing,
		}
	}

	fields := r.writers[t.Instance]
	if fields == nil {
		fields = make(map[string][]string)
		r.writers[t.Instance] = fields
	}
	for _, field := range spec.Returns {
		for _, other := range fields[field] {
			if _, ordered := anc[other]; !ordered {
				return &domain.TaskFieldsConflictError{
					Instance: t.Instance,
					Field:    field,
					TaskIDs:  [2]string{other, t.ID},
				}
			}
		}
		fields[field] = append(fields[field], t.ID)
	}

	return nil
}

// validationErrorKind names the sanity check that failed, for metrics
func validationErrorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidTaskState):
		return "invalid_state"
	case errors.Is(err, domain.ErrTaskParameters):
		return "missing_params"
	case errors.Is(err, domain.ErrTaskDependency):
		return "missing_dependencies"
	case errors.Is(err, domain.ErrTaskFieldsConflict):
		return "fields_conflict"
	case errors.Is(err, domain.ErrExecutionDeadlock):
		return "deadlock"
	default:
		return "other"
	}
}
