package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/cockroachdb/errors"
)

// InMemoryStore implements ExecutionRepository and EndpointRepository
// using in-memory maps. Values are copied on the way in and out.
type InMemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*domain.Execution
	taskIndex  map[string]string // task ID -> execution ID
	endpoints  map[string]*domain.Endpoint
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		executions: make(map[string]*domain.Execution),
		taskIndex:  make(map[string]string),
		endpoints:  make(map[string]*domain.Endpoint),
	}
}

// SaveExecution stores a copy of the execution and its tasks
func (s *InMemoryStore) SaveExecution(ctx context.Context, execution *domain.Execution) error {
	c := execution.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[c.ID] = c
	for _, t := range c.Tasks {
		s.taskIndex[t.ID] = c.ID
	}
	return nil
}

// GetExecution retrieves an execution
func (s *InMemoryStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[executionID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "execution %s", executionID)
	}
	return e.Clone(), nil
}

// ListExecutions returns every execution, oldest first
func (s *InMemoryStore) ListExecutions(ctx context.Context) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Execution, 0, len(s.executions))
	for _, e := range s.executions {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetTask retrieves a task by ID
func (s *InMemoryStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, err := s.lookupTask(taskID)
	if err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// SetTaskStatus updates the stored status of a task
func (s *InMemoryStore) SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, exceptionDetails string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.lookupTask(taskID)
	if err != nil {
		return err
	}
	now := time.Now()
	task.Status = status
	task.ExceptionDetails = exceptionDetails
	task.UpdatedAt = &now
	return nil
}

func (s *InMemoryStore) lookupTask(taskID string) (*domain.Task, error) {
	executionID, ok := s.taskIndex[taskID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "task %s", taskID)
	}
	task, ok := s.executions[executionID].TaskByID(taskID)
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "task %s", taskID)
	}
	return task, nil
}

// CountActiveReplicaExecutions counts replica executions, and executions
// still running, that reference the endpoint
func (s *InMemoryStore) CountActiveReplicaExecutions(ctx context.Context, endpointID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.executions {
		if !e.References(endpointID) {
			continue
		}
		if e.Type.IsReplica() || !e.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// AddEndpoint stores a new endpoint
func (s *InMemoryStore) AddEndpoint(ctx context.Context, endpoint *domain.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[endpoint.ID]; ok {
		return errors.Wrapf(domain.ErrInvalidInput, "endpoint %s already exists", endpoint.ID)
	}
	c := *endpoint
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.endpoints[c.ID] = &c
	return nil
}

// GetEndpoint retrieves an endpoint
func (s *InMemoryStore) GetEndpoint(ctx context.Context, endpointID string) (*domain.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.endpoints[endpointID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "endpoint %s", endpointID)
	}
	c := *e
	return &c, nil
}

// ListEndpoints returns every endpoint ordered by name
func (s *InMemoryStore) ListEndpoints(ctx context.Context) ([]*domain.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateEndpoint applies updates to a stored endpoint
func (s *InMemoryStore) UpdateEndpoint(ctx context.Context, endpointID string, updates ports.EndpointUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.endpoints[endpointID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "endpoint %s", endpointID)
	}
	updates.Apply(e)
	return nil
}

// DeleteEndpoint removes an endpoint
func (s *InMemoryStore) DeleteEndpoint(ctx context.Context, endpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[endpointID]; !ok {
		return errors.Wrapf(domain.ErrNotFound, "endpoint %s", endpointID)
	}
	delete(s.endpoints, endpointID)
	return nil
}
