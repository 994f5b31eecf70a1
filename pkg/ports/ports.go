// Package ports declares the narrow interfaces the conductor core depends on.
//
// Each collaborator (scheduler, service directory, persistence, worker RPC,
// event bus, metrics) has one implementation per environment under
// pkg/adapters, and in-memory fakes for tests.
package ports

import (
	"context"
	"time"

	"github.com/aescanero/conductor/pkg/domain"
)

// SpecsQuery asks the scheduler for worker services matching requirements
type SpecsQuery struct {
	ProviderRequirements domain.ProviderRequirements
	RegionSets           [][]string
	Enabled              bool
	RandomChoice         bool
	RaiseOnNoMatches     bool
}

// Scheduler selects worker services for requirements or tasks
type Scheduler interface {
	// GetWorkerServiceForSpecs returns one matching service. With
	// RaiseOnNoMatches it fails with domain.ErrNoWorkerServiceMatch instead
	// of returning nil.
	GetWorkerServiceForSpecs(ctx context.Context, query SpecsQuery) (*domain.WorkerService, error)

	// GetWorkerServiceForTask returns a service able to run the task
	// between the two endpoints. Single attempt; retries belong to callers.
	GetWorkerServiceForTask(ctx context.Context, task domain.TaskDescriptor, origin, destination *domain.Endpoint, randomChoice bool) (*domain.WorkerService, error)

	// GetWorkersForSpecs returns every matching service
	GetWorkersForSpecs(ctx context.Context, query SpecsQuery) ([]*domain.WorkerService, error)

	// GetAnyWorkerService returns any enabled service
	GetAnyWorkerService(ctx context.Context) (*domain.WorkerService, error)
}

// ServiceDirectory materializes worker service records
type ServiceDirectory interface {
	GetService(ctx context.Context, serviceID string) (*domain.WorkerService, error)
}

// WorkerClient is an RPC handle bound to one worker service
type WorkerClient interface {
	ServiceID() string
	CheckHealth(ctx context.Context) error
	ExecuteTask(ctx context.Context, req TaskDispatch) error
	GetEndpointInstances(ctx context.Context, req EndpointQuery) ([]map[string]any, error)
	GetEndpointInstance(ctx context.Context, req EndpointQuery) (map[string]any, error)
	GetEndpointOptions(ctx context.Context, req EndpointQuery) ([]map[string]any, error)
	GetEndpointNetworks(ctx context.Context, req EndpointQuery) ([]map[string]any, error)
	GetEndpointStorage(ctx context.Context, req EndpointQuery) (map[string]any, error)
	ValidateEndpointConnection(ctx context.Context, req EndpointQuery) error
	ValidateEndpointEnvironment(ctx context.Context, req EndpointQuery) error
	GetAvailableProviders(ctx context.Context) (map[string]any, error)
	GetProviderSchemas(ctx context.Context, platform string, providerType domain.ProviderType) (map[string]any, error)
	GetDiagnostics(ctx context.Context) (map[string]any, error)
	Close() error
}

// WorkerClientFactory turns a service record into a callable handle
type WorkerClientFactory interface {
	FromServiceDefinition(service *domain.WorkerService) (WorkerClient, error)
}

// TaskDispatch is the payload sent to a worker to run a task
type TaskDispatch struct {
	ExecutionID         string                `json:"execution_id"`
	Task                domain.TaskDescriptor `json:"task"`
	Instance            string                `json:"instance"`
	OriginEndpoint      *domain.Endpoint      `json:"origin,omitempty"`
	DestinationEndpoint *domain.Endpoint      `json:"destination,omitempty"`
	TaskInfo            map[string]any        `json:"task_info"`
}

// EndpointQuery carries a provider discovery or validation request
type EndpointQuery struct {
	PlatformType   string              `json:"platform_type"`
	ConnectionInfo map[string]any      `json:"connection_info,omitempty"`
	Environment    map[string]any      `json:"environment,omitempty"`
	OptionNames    []string            `json:"option_names,omitempty"`
	Marker         string              `json:"marker,omitempty"`
	Limit          int                 `json:"limit,omitempty"`
	InstanceName   string              `json:"instance_name,omitempty"`
	NamePattern    string              `json:"name_pattern,omitempty"`
	ProviderType   domain.ProviderType `json:"provider_type,omitempty"`
}

// ExecutionRepository persists executions and their tasks
type ExecutionRepository interface {
	SaveExecution(ctx context.Context, execution *domain.Execution) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	ListExecutions(ctx context.Context) ([]*domain.Execution, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, exceptionDetails string) error
	// CountActiveReplicaExecutions counts replica executions, or
	// executions still in progress, that reference the endpoint.
	CountActiveReplicaExecutions(ctx context.Context, endpointID string) (int, error)
}

// TaskStatusWriter is the slice of persistence the resolver needs
type TaskStatusWriter interface {
	SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, exceptionDetails string) error
}

// EndpointRepository persists endpoints
type EndpointRepository interface {
	AddEndpoint(ctx context.Context, endpoint *domain.Endpoint) error
	GetEndpoint(ctx context.Context, endpointID string) (*domain.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*domain.Endpoint, error)
	UpdateEndpoint(ctx context.Context, endpointID string, updates EndpointUpdate) error
	DeleteEndpoint(ctx context.Context, endpointID string) error
}

// EndpointUpdate lists the mutable endpoint fields; nil means unchanged
type EndpointUpdate struct {
	Name           *string        `json:"name,omitempty"`
	Description    *string        `json:"description,omitempty"`
	ConnectionInfo map[string]any `json:"connection_info,omitempty"`
	MappedRegions  []string       `json:"mapped_regions,omitempty"`
}

// Apply writes the update onto an endpoint
func (u EndpointUpdate) Apply(e *domain.Endpoint) {
	if u.Name != nil {
		e.Name = *u.Name
	}
	if u.Description != nil {
		e.Description = *u.Description
	}
	if u.ConnectionInfo != nil {
		e.ConnectionInfo = u.ConnectionInfo
	}
	if u.MappedRegions != nil {
		e.MappedRegions = u.MappedRegions
	}
	now := time.Now()
	e.UpdatedAt = &now
}

// MetricsCollector records conductor metrics
type MetricsCollector interface {
	RecordExecutionCreated(executionType string, status string)
	RecordExecutionFinished(executionType string, status string, duration time.Duration)
	RecordSanityCheckFailure(kind string)
	RecordSchedulingAttempt(outcome string)
	RecordSchedulingDuration(duration time.Duration)
	RecordTaskDispatched(taskType string, status string)
	RecordDispatchPoolStatus(idle, busy, stopped int)
}
