package orchestrator

import (
	"fmt"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/cockroachdb/errors"
)

// ExecutionRequest describes a run to plan
type ExecutionRequest struct {
	Type                  domain.ExecutionType `json:"type" binding:"required"`
	OriginEndpointID      string               `json:"origin_endpoint_id"`
	DestinationEndpointID string               `json:"destination_endpoint_id"`
	Instances             []string             `json:"instances" binding:"required"`
	SourceEnvironment     map[string]any       `json:"source_environment"`
	TargetEnvironment     map[string]any       `json:"target_environment"`
	ShutdownInstances     bool                 `json:"shutdown_instances"`
	// TaskInfo carries what earlier runs learned, e.g. replica volumes
	TaskInfo domain.TaskInfo `json:"task_info"`
}

// Planner decomposes execution requests into task graphs
type Planner struct {
	builder *Builder
}

// NewPlanner creates a new planner
func NewPlanner(builder *Builder) *Planner {
	return &Planner{builder: builder}
}

// Plan adds the tasks for req to the execution and returns the initial task
// info the tasks start from
func (p *Planner) Plan(execution *domain.Execution, req ExecutionRequest) (domain.TaskInfo, error) {
	if len(req.Instances) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "at least one instance is required")
	}

	initial := domain.TaskInfo{}
	for _, instance := range req.Instances {
		initial.Merge(instance, req.TaskInfo[instance])
		if req.SourceEnvironment != nil {
			initial.Merge(instance, map[string]any{"source_environment": req.SourceEnvironment})
		}
		if req.TargetEnvironment != nil {
			initial.Merge(instance, map[string]any{"target_environment": req.TargetEnvironment})
		}
	}

	for _, instance := range req.Instances {
		var err error
		switch req.Type {
		case domain.ExecutionTypeMigration:
			err = p.planMigration(execution, instance, req.ShutdownInstances)
		case domain.ExecutionTypeReplicaExecution:
			err = p.planReplicaExecution(execution, instance, req.ShutdownInstances)
		case domain.ExecutionTypeReplicaDisksDeletion:
			if _, ok := initial[instance]["volumes_info"]; !ok {
				return nil, errors.Wrapf(domain.ErrInvalidReplicaState,
					"instance %s has no volumes to delete", instance)
			}
			_, err = p.builder.CreateTask(execution, instance, domain.TaskTypeDeleteReplicaDisks)
		default:
			return nil, errors.Wrapf(domain.ErrInvalidInput, "unknown execution type %q", req.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to plan instance %s: %w", instance, err)
		}
	}

	return initial, nil
}

// planTransfer adds the tasks shared by migrations and replica executions
// and returns the disk copy task and the target resource cleanup task
func (p *Planner) planTransfer(exec *domain.Execution, instance string, shutdown bool) (copyDisks, deleteTarget *domain.Task, err error) {
	b := p.builder

	info, err := b.CreateTask(exec, instance, domain.TaskTypeGetInstanceInfo)
	if err != nil {
		return nil, nil, err
	}
	validateSource, err := b.CreateTask(exec, instance, domain.TaskTypeValidateSourceInputs, DependsOn(info.ID))
	if err != nil {
		return nil, nil, err
	}
	validateDestination, err := b.CreateTask(exec, instance, domain.TaskTypeValidateDestinationInputs, DependsOn(info.ID))
	if err != nil {
		return nil, nil, err
	}

	prev := []string{validateSource.ID, validateDestination.ID}
	if shutdown {
		stop, err := b.CreateTask(exec, instance, domain.TaskTypeShutdownInstance, DependsOn(prev...))
		if err != nil {
			return nil, nil, err
		}
		prev = []string{stop.ID}
	}

	disks, err := b.CreateTask(exec, instance, domain.TaskTypeDeployReplicaDisks, DependsOn(prev...))
	if err != nil {
		return nil, nil, err
	}
	sourceResources, err := b.CreateTask(exec, instance, domain.TaskTypeDeploySourceResources, DependsOn(prev...))
	if err != nil {
		return nil, nil, err
	}
	targetResources, err := b.CreateTask(exec, instance, domain.TaskTypeDeployTargetResources, DependsOn(disks.ID))
	if err != nil {
		return nil, nil, err
	}

	copyDisks, err = b.CreateTask(exec, instance, domain.TaskTypeReplicateDisks,
		DependsOn(sourceResources.ID, targetResources.ID))
	if err != nil {
		return nil, nil, err
	}

	if _, err = b.CreateTask(exec, instance, domain.TaskTypeDeleteSourceResources,
		DependsOn(sourceResources.ID, copyDisks.ID), OnError()); err != nil {
		return nil, nil, err
	}
	deleteTarget, err = b.CreateTask(exec, instance, domain.TaskTypeDeleteTargetResources,
		DependsOn(targetResources.ID, copyDisks.ID), OnError())
	if err != nil {
		return nil, nil, err
	}

	return copyDisks, deleteTarget, nil
}

func (p *Planner) planReplicaExecution(exec *domain.Execution, instance string, shutdown bool) error {
	_, _, err := p.planTransfer(exec, instance, shutdown)
	return err
}

func (p *Planner) planMigration(exec *domain.Execution, instance string, shutdown bool) error {
	copyDisks, deleteTarget, err := p.planTransfer(exec, instance, shutdown)
	if err != nil {
		return err
	}

	b := p.builder
	deploy, err := b.CreateTask(exec, instance, domain.TaskTypeDeployInstance,
		DependsOn(copyDisks.ID, deleteTarget.ID))
	if err != nil {
		return err
	}
	finalize, err := b.CreateTask(exec, instance, domain.TaskTypeFinalizeInstanceDeployment, DependsOn(deploy.ID))
	if err != nil {
		return err
	}
	_, err = b.CreateTask(exec, instance, domain.TaskTypeCleanupFailedInstanceDeployment,
		DependsOn(deploy.ID, finalize.ID), OnErrorOnly())
	return err
}
