package domain

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

//go:embed tasktypes.yaml
var taskTypesYAML []byte

// TaskTypeSpec declares the task info a task type consumes and produces
type TaskTypeSpec struct {
	Name                TaskType     `yaml:"name" json:"name"`
	Required            []string     `yaml:"required,omitempty" json:"required"`
	Returns             []string     `yaml:"returns,omitempty" json:"returns"`
	OriginProvider      ProviderType `yaml:"origin_provider,omitempty" json:"origin_provider,omitempty"`
	DestinationProvider ProviderType `yaml:"destination_provider,omitempty" json:"destination_provider,omitempty"`
}

// TaskTypeRegistry is the immutable table of known task types
type TaskTypeRegistry struct {
	specs map[TaskType]TaskTypeSpec
	order []TaskType
}

type taskTypesFile struct {
	TaskTypes []TaskTypeSpec `yaml:"task_types"`
}

// ParseTaskTypeRegistry builds a registry from its YAML form
func ParseTaskTypeRegistry(data []byte) (*TaskTypeRegistry, error) {
	var file taskTypesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse task types: %w", err)
	}

	r := &TaskTypeRegistry{specs: make(map[TaskType]TaskTypeSpec, len(file.TaskTypes))}
	for i, spec := range file.TaskTypes {
		if spec.Name == "" {
			return nil, errors.Newf("task type #%d has no name", i+1)
		}
		if _, dup := r.specs[spec.Name]; dup {
			return nil, errors.Newf("duplicate task type %q", spec.Name)
		}
		r.specs[spec.Name] = spec
		r.order = append(r.order, spec.Name)
	}

	return r, nil
}

var defaultTaskTypes = sync.OnceValue(func() *TaskTypeRegistry {
	r, err := ParseTaskTypeRegistry(taskTypesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded task types are invalid: %v", err))
	}
	return r
})

// DefaultTaskTypes returns the registry shipped with the conductor
func DefaultTaskTypes() *TaskTypeRegistry {
	return defaultTaskTypes()
}

// Lookup returns the declaration of a task type
func (r *TaskTypeRegistry) Lookup(taskType TaskType) (TaskTypeSpec, error) {
	spec, ok := r.specs[taskType]
	if !ok {
		return TaskTypeSpec{}, errors.Wrapf(ErrInvalidTaskType, "%q", taskType)
	}
	return spec, nil
}

// Types lists the declarations in file order
func (r *TaskTypeRegistry) Types() []TaskTypeSpec {
	out := make([]TaskTypeSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// ProviderRequirements returns what a worker needs to run taskType between
// the two endpoints. Either endpoint may be nil.
func (r *TaskTypeRegistry) ProviderRequirements(taskType TaskType, origin, destination *Endpoint) (ProviderRequirements, error) {
	spec, err := r.Lookup(taskType)
	if err != nil {
		return nil, err
	}

	reqs := ProviderRequirements{}
	if origin != nil && spec.OriginProvider != "" {
		reqs.Add(origin.Type, spec.OriginProvider)
	}
	if destination != nil && spec.DestinationProvider != "" {
		reqs.Add(destination.Type, spec.DestinationProvider)
	}
	return reqs, nil
}
