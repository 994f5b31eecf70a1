package redis

import (
	"context"
	"math/rand/v2"
	"sort"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Scheduler matches worker services from the registry against provider and
// region requirements
type Scheduler struct {
	registry  *Registry
	taskTypes *domain.TaskTypeRegistry
	logger    *zap.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(registry *Registry, taskTypes *domain.TaskTypeRegistry, logger *zap.Logger) *Scheduler {
	return &Scheduler{registry: registry, taskTypes: taskTypes, logger: logger}
}

// MatchServices returns the services satisfying query, ordered by ID
func MatchServices(services []*domain.WorkerService, query ports.SpecsQuery) []*domain.WorkerService {
	var matches []*domain.WorkerService
	for _, s := range services {
		if s.Enabled != query.Enabled {
			continue
		}
		if !s.Supports(query.ProviderRequirements) || !s.InRegions(query.RegionSets) {
			continue
		}
		matches = append(matches, s)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches
}

// GetWorkerServiceForSpecs returns one matching service, or nil when none
// matches and query.RaiseOnNoMatches is unset
func (s *Scheduler) GetWorkerServiceForSpecs(ctx context.Context, query ports.SpecsQuery) (*domain.WorkerService, error) {
	matches, err := s.GetWorkersForSpecs(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		if query.RaiseOnNoMatches {
			return nil, errors.Wrapf(domain.ErrNoWorkerServiceMatch,
				"requirements %v in regions %v", query.ProviderRequirements, query.RegionSets)
		}
		return nil, nil
	}
	return choose(matches, query.RandomChoice), nil
}

// GetWorkerServiceForTask returns an enabled service able to run the task
// between the two endpoints, within the regions the endpoints map to
func (s *Scheduler) GetWorkerServiceForTask(
	ctx context.Context,
	task domain.TaskDescriptor,
	origin, destination *domain.Endpoint,
	randomChoice bool,
) (*domain.WorkerService, error) {
	reqs, err := s.taskTypes.ProviderRequirements(task.TaskType, origin, destination)
	if err != nil {
		return nil, err
	}

	var regionSets [][]string
	for _, e := range []*domain.Endpoint{origin, destination} {
		if e != nil && len(e.MappedRegions) > 0 {
			regionSets = append(regionSets, e.MappedRegions)
		}
	}

	service, err := s.GetWorkerServiceForSpecs(ctx, ports.SpecsQuery{
		ProviderRequirements: reqs,
		RegionSets:           regionSets,
		Enabled:              true,
		RandomChoice:         randomChoice,
		RaiseOnNoMatches:     true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "task %s (%s)", task.ID, task.TaskType)
	}

	s.logger.Debug("worker service selected",
		zap.String("task_id", task.ID),
		zap.String("task_type", string(task.TaskType)),
		zap.String("service_id", service.ID))

	return service, nil
}

// GetWorkersForSpecs returns every matching service
func (s *Scheduler) GetWorkersForSpecs(ctx context.Context, query ports.SpecsQuery) ([]*domain.WorkerService, error) {
	services, err := s.registry.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	return MatchServices(services, query), nil
}

// GetAnyWorkerService returns a random enabled service
func (s *Scheduler) GetAnyWorkerService(ctx context.Context) (*domain.WorkerService, error) {
	return s.GetWorkerServiceForSpecs(ctx, ports.SpecsQuery{
		Enabled:          true,
		RandomChoice:     true,
		RaiseOnNoMatches: true,
	})
}

// GetService returns the current record of a worker service
func (s *Scheduler) GetService(ctx context.Context, serviceID string) (*domain.WorkerService, error) {
	return s.registry.GetService(ctx, serviceID)
}

func choose(matches []*domain.WorkerService, random bool) *domain.WorkerService {
	if random {
		return matches[rand.IntN(len(matches))]
	}
	return matches[0]
}
