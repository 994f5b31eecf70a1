package endpoints

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/conductor/internal/application/workers"
	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SpecsResolver finds a worker service for provider requirements
type SpecsResolver interface {
	GetWorkerServiceRPCForSpecs(ctx context.Context, requirements domain.ProviderRequirements, regionSets [][]string, opts ...workers.ResolveOption) (ports.WorkerClient, error)
}

// CreateRequest describes a new endpoint
type CreateRequest struct {
	Name           string         `json:"name" binding:"required"`
	Type           string         `json:"type" binding:"required"`
	Description    string         `json:"description"`
	ConnectionInfo map[string]any `json:"connection_info"`
	MappedRegions  []string       `json:"mapped_regions"`
}

// Service manages endpoints
type Service struct {
	endpoints  ports.EndpointRepository
	executions ports.ExecutionRepository
	resolver   SpecsResolver
	scheduler  ports.Scheduler
	clients    ports.WorkerClientFactory
	logger     *zap.Logger
}

// NewService creates a new endpoint service
func NewService(
	endpoints ports.EndpointRepository,
	executions ports.ExecutionRepository,
	resolver SpecsResolver,
	scheduler ports.Scheduler,
	clients ports.WorkerClientFactory,
	logger *zap.Logger,
) *Service {
	return &Service{
		endpoints:  endpoints,
		executions: executions,
		resolver:   resolver,
		scheduler:  scheduler,
		clients:    clients,
		logger:     logger,
	}
}

// CreateEndpoint registers an endpoint. Mapped regions are applied as a
// second step; if that fails the endpoint is removed again.
func (s *Service) CreateEndpoint(ctx context.Context, req CreateRequest) (*domain.Endpoint, error) {
	if req.Name == "" || req.Type == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "endpoint name and type are required")
	}

	endpoint := &domain.Endpoint{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Type:           req.Type,
		Description:    req.Description,
		ConnectionInfo: req.ConnectionInfo,
		CreatedAt:      time.Now(),
	}
	if err := s.endpoints.AddEndpoint(ctx, endpoint); err != nil {
		return nil, fmt.Errorf("failed to add endpoint: %w", err)
	}

	if len(req.MappedRegions) > 0 {
		update := ports.EndpointUpdate{MappedRegions: req.MappedRegions}
		if err := s.endpoints.UpdateEndpoint(ctx, endpoint.ID, update); err != nil {
			s.logger.Warn("failed to map endpoint regions, removing endpoint",
				zap.String("endpoint_id", endpoint.ID),
				zap.Error(err))
			if delErr := s.endpoints.DeleteEndpoint(ctx, endpoint.ID); delErr != nil {
				err = errors.WithSecondaryError(err, delErr)
			}
			return nil, fmt.Errorf("failed to map endpoint regions: %w", err)
		}
	}

	s.logger.Info("endpoint created",
		zap.String("endpoint_id", endpoint.ID),
		zap.String("type", endpoint.Type))

	return s.endpoints.GetEndpoint(ctx, endpoint.ID)
}

// GetEndpoint returns an endpoint
func (s *Service) GetEndpoint(ctx context.Context, endpointID string) (*domain.Endpoint, error) {
	return s.endpoints.GetEndpoint(ctx, endpointID)
}

// ListEndpoints returns every endpoint
func (s *Service) ListEndpoints(ctx context.Context) ([]*domain.Endpoint, error) {
	return s.endpoints.ListEndpoints(ctx)
}

// UpdateEndpoint applies an update and returns the result
func (s *Service) UpdateEndpoint(ctx context.Context, endpointID string, update ports.EndpointUpdate) (*domain.Endpoint, error) {
	if err := s.endpoints.UpdateEndpoint(ctx, endpointID, update); err != nil {
		return nil, err
	}
	return s.endpoints.GetEndpoint(ctx, endpointID)
}

// DeleteEndpoint removes an endpoint no replica or running execution
// references
func (s *Service) DeleteEndpoint(ctx context.Context, endpointID string) error {
	count, err := s.executions.CountActiveReplicaExecutions(ctx, endpointID)
	if err != nil {
		return fmt.Errorf("failed to count executions of endpoint: %w", err)
	}
	if count > 0 {
		return errors.Wrapf(domain.ErrNotAuthorized,
			"endpoint %s is referenced by %d active executions", endpointID, count)
	}

	if err := s.endpoints.DeleteEndpoint(ctx, endpointID); err != nil {
		return err
	}

	s.logger.Info("endpoint deleted", zap.String("endpoint_id", endpointID))
	return nil
}

// GetEndpointInstances lists the workload instances of an endpoint
func (s *Service) GetEndpointInstances(ctx context.Context, endpointID string, q ports.EndpointQuery) ([]map[string]any, error) {
	return call(ctx, s, endpointID, domain.ProviderTypeEndpointInstances, q, ports.WorkerClient.GetEndpointInstances)
}

// GetEndpointInstance returns a single workload instance
func (s *Service) GetEndpointInstance(ctx context.Context, endpointID string, q ports.EndpointQuery) (map[string]any, error) {
	if q.InstanceName == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "instance name is required")
	}
	return call(ctx, s, endpointID, domain.ProviderTypeEndpointInstances, q, ports.WorkerClient.GetEndpointInstance)
}

// GetEndpointSourceOptions returns the options an endpoint accepts as a
// migration source
func (s *Service) GetEndpointSourceOptions(ctx context.Context, endpointID string, q ports.EndpointQuery) ([]map[string]any, error) {
	return call(ctx, s, endpointID, domain.ProviderTypeSourceEndpointOptions, q, ports.WorkerClient.GetEndpointOptions)
}

// GetEndpointDestinationOptions returns the options an endpoint accepts as
// a migration destination
func (s *Service) GetEndpointDestinationOptions(ctx context.Context, endpointID string, q ports.EndpointQuery) ([]map[string]any, error) {
	return call(ctx, s, endpointID, domain.ProviderTypeDestinationEndpointOptions, q, ports.WorkerClient.GetEndpointOptions)
}

func (s *Service) GetEndpointNetworks(ctx context.Context, endpointID string, q ports.EndpointQuery) ([]map[string]any, error) {
	return call(ctx, s, endpointID, domain.ProviderTypeEndpointNetworks, q, ports.WorkerClient.GetEndpointNetworks)
}

func (s *Service) GetEndpointStorage(ctx context.Context, endpointID string, q ports.EndpointQuery) (map[string]any, error) {
	return call(ctx, s, endpointID, domain.ProviderTypeEndpointStorage, q, ports.WorkerClient.GetEndpointStorage)
}

// ValidateEndpointConnection checks the endpoint credentials
func (s *Service) ValidateEndpointConnection(ctx context.Context, endpointID string) error {
	_, err := call(ctx, s, endpointID, domain.ProviderTypeEndpoint, ports.EndpointQuery{}, noResult(ports.WorkerClient.ValidateEndpointConnection))
	return err
}

// ValidateEndpointEnvironment checks a source or target environment against
// the endpoint
func (s *Service) ValidateEndpointEnvironment(ctx context.Context, endpointID string, environment map[string]any) error {
	q := ports.EndpointQuery{Environment: environment}
	_, err := call(ctx, s, endpointID, domain.ProviderTypeEndpoint, q, noResult(ports.WorkerClient.ValidateEndpointEnvironment))
	return err
}

// GetAvailableProviders asks any enabled worker service for its providers
func (s *Service) GetAvailableProviders(ctx context.Context) (map[string]any, error) {
	client, err := s.anyClient(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()
	return client.GetAvailableProviders(ctx)
}

// GetProviderSchemas asks any enabled worker service for the schemas of a
// provider
func (s *Service) GetProviderSchemas(ctx context.Context, platform string, providerType domain.ProviderType) (map[string]any, error) {
	client, err := s.anyClient(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()
	return client.GetProviderSchemas(ctx, platform, providerType)
}

// Diagnostics is what one worker service reported about itself
type Diagnostics struct {
	ServiceID string         `json:"service_id"`
	Host      string         `json:"host"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// GetDiagnostics collects diagnostics from every enabled worker service.
// A service that cannot be reached is reported with its error.
func (s *Service) GetDiagnostics(ctx context.Context) ([]Diagnostics, error) {
	services, err := s.scheduler.GetWorkersForSpecs(ctx, ports.SpecsQuery{Enabled: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list worker services: %w", err)
	}

	out := make([]Diagnostics, 0, len(services))
	for _, service := range services {
		d := Diagnostics{ServiceID: service.ID, Host: service.Host}
		data, err := s.diagnose(ctx, service)
		if err != nil {
			d.Error = err.Error()
		} else {
			d.Data = data
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Service) diagnose(ctx context.Context, service *domain.WorkerService) (map[string]any, error) {
	client, err := s.clients.FromServiceDefinition(service)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()
	return client.GetDiagnostics(ctx)
}

func (s *Service) anyClient(ctx context.Context) (ports.WorkerClient, error) {
	service, err := s.scheduler.GetAnyWorkerService(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find worker service: %w", err)
	}
	return s.clients.FromServiceDefinition(service)
}

// call resolves a worker offering providerType for the endpoint platform
// and runs fn with the endpoint connection filled into the query
func call[T any](
	ctx context.Context,
	s *Service,
	endpointID string,
	providerType domain.ProviderType,
	q ports.EndpointQuery,
	fn func(ports.WorkerClient, context.Context, ports.EndpointQuery) (T, error),
) (T, error) {
	var zero T

	endpoint, err := s.endpoints.GetEndpoint(ctx, endpointID)
	if err != nil {
		return zero, err
	}

	reqs := domain.ProviderRequirements{}
	reqs.Add(endpoint.Type, providerType)
	client, err := s.resolver.GetWorkerServiceRPCForSpecs(ctx, reqs, [][]string{{}},
		workers.WithEnabled(true), workers.WithRandomChoice(true))
	if err != nil {
		return zero, err
	}
	defer func() { _ = client.Close() }()

	q.PlatformType = endpoint.Type
	q.ConnectionInfo = endpoint.ConnectionInfo
	q.ProviderType = providerType

	s.logger.Debug("routing endpoint call",
		zap.String("endpoint_id", endpointID),
		zap.String("provider_type", string(providerType)),
		zap.String("service_id", client.ServiceID()))

	return fn(client, ctx, q)
}

func noResult(fn func(ports.WorkerClient, context.Context, ports.EndpointQuery) error) func(ports.WorkerClient, context.Context, ports.EndpointQuery) (struct{}, error) {
	return func(c ports.WorkerClient, ctx context.Context, q ports.EndpointQuery) (struct{}, error) {
		return struct{}{}, fn(c, ctx, q)
	}
}
