package orchestrator

import (
	"fmt"

	"github.com/aescanero/conductor/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Plan is an execution together with the task info it starts from, as
// read from a YAML document:
//
//	execution:
//	  id: exec-1
//	  type: migration
//	  tasks:
//	    - id: t1
//	      instance: vm-1
//	      task_type: get_instance_info
//	initial_task_info:
//	  vm-1:
//	    source_environment: {}
type Plan struct {
	Execution       *domain.Execution `yaml:"execution"`
	InitialTaskInfo domain.TaskInfo   `yaml:"initial_task_info"`
}

// LoadPlan decodes a plan. Tasks without a status are SCHEDULED and tasks
// without an index are numbered in document order.
func LoadPlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if p.Execution == nil {
		return nil, fmt.Errorf("plan has no execution")
	}
	p.Execution.Normalize()
	if p.InitialTaskInfo == nil {
		p.InitialTaskInfo = domain.TaskInfo{}
	}
	return &p, nil
}
