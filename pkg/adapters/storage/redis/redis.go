package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	executionIndexKey = "conductor:executions"
	endpointIndexKey  = "conductor:endpoints"
)

// Store implements ExecutionRepository and EndpointRepository using Redis
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore creates a new Redis store. Finished executions expire after
// ttl; zero keeps them.
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveExecution persists an execution and indexes its tasks
func (s *Store) SaveExecution(ctx context.Context, execution *domain.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	ttl := time.Duration(0)
	if execution.Status.IsTerminal() {
		ttl = s.ttl
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, getExecutionKey(execution.ID), data, ttl)
		pipe.ZAdd(ctx, executionIndexKey, redis.Z{
			Score:  float64(execution.CreatedAt.UnixNano()),
			Member: execution.ID,
		})
		for _, t := range execution.Tasks {
			pipe.Set(ctx, getTaskKey(t.ID), execution.ID, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	s.logger.Debug("execution saved",
		zap.String("execution_id", execution.ID),
		zap.String("status", string(execution.Status)))

	return nil
}

// GetExecution retrieves an execution from Redis
func (s *Store) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	return s.loadExecution(ctx, s.client, executionID)
}

// getter is the part of a client or transaction loadExecution reads through
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) loadExecution(ctx context.Context, c getter, executionID string) (*domain.Execution, error) {
	data, err := c.Get(ctx, getExecutionKey(executionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(domain.ErrNotFound, "execution %s", executionID)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var execution domain.Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &execution, nil
}

// ListExecutions lists executions oldest first. Expired entries are
// dropped from the index.
func (s *Store) ListExecutions(ctx context.Context) ([]*domain.Execution, error) {
	ids, err := s.client.ZRange(ctx, executionIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	executions := make([]*domain.Execution, 0, len(ids))
	for _, id := range ids {
		execution, err := s.GetExecution(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			s.client.ZRem(ctx, executionIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}
	return executions, nil
}

// GetTask retrieves a task through its execution
func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	executionID, err := s.taskExecution(ctx, taskID)
	if err != nil {
		return nil, err
	}
	execution, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	task, ok := execution.TaskByID(taskID)
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "task %s", taskID)
	}
	return task, nil
}

// SetTaskStatus updates a task inside its stored execution. The update is
// retried when the execution changes concurrently.
func (s *Store) SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, exceptionDetails string) error {
	executionID, err := s.taskExecution(ctx, taskID)
	if err != nil {
		return err
	}
	key := getExecutionKey(executionID)

	update := func(tx *redis.Tx) error {
		execution, err := s.loadExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		task, ok := execution.TaskByID(taskID)
		if !ok {
			return errors.Wrapf(domain.ErrNotFound, "task %s", taskID)
		}
		now := time.Now()
		task.Status = status
		task.ExceptionDetails = exceptionDetails
		task.UpdatedAt = &now

		data, err := json.Marshal(execution)
		if err != nil {
			return fmt.Errorf("failed to marshal execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err = s.client.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to set task status: %w", err)
	}
	return nil
}

// CountActiveReplicaExecutions counts replica executions, and executions
// still running, that reference the endpoint
func (s *Store) CountActiveReplicaExecutions(ctx context.Context, endpointID string) (int, error) {
	executions, err := s.ListExecutions(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range executions {
		if e.References(endpointID) && (e.Type.IsReplica() || !e.Status.IsTerminal()) {
			count++
		}
	}
	return count, nil
}

func (s *Store) taskExecution(ctx context.Context, taskID string) (string, error) {
	executionID, err := s.client.Get(ctx, getTaskKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", errors.Wrapf(domain.ErrNotFound, "task %s", taskID)
		}
		return "", fmt.Errorf("failed to get task: %w", err)
	}
	return executionID, nil
}

// AddEndpoint stores a new endpoint
func (s *Store) AddEndpoint(ctx context.Context, endpoint *domain.Endpoint) error {
	if endpoint.CreatedAt.IsZero() {
		endpoint.CreatedAt = time.Now()
	}
	data, err := json.Marshal(endpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoint: %w", err)
	}

	created, err := s.client.SetNX(ctx, getEndpointKey(endpoint.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save endpoint: %w", err)
	}
	if !created {
		return errors.Wrapf(domain.ErrInvalidInput, "endpoint %s already exists", endpoint.ID)
	}
	if err := s.client.SAdd(ctx, endpointIndexKey, endpoint.ID).Err(); err != nil {
		return fmt.Errorf("failed to index endpoint: %w", err)
	}
	return nil
}

// GetEndpoint retrieves an endpoint
func (s *Store) GetEndpoint(ctx context.Context, endpointID string) (*domain.Endpoint, error) {
	data, err := s.client.Get(ctx, getEndpointKey(endpointID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(domain.ErrNotFound, "endpoint %s", endpointID)
		}
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}

	var endpoint domain.Endpoint
	if err := json.Unmarshal(data, &endpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal endpoint: %w", err)
	}
	return &endpoint, nil
}

// ListEndpoints returns every endpoint
func (s *Store) ListEndpoints(ctx context.Context) ([]*domain.Endpoint, error) {
	ids, err := s.client.SMembers(ctx, endpointIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}

	endpoints := make([]*domain.Endpoint, 0, len(ids))
	for _, id := range ids {
		endpoint, err := s.GetEndpoint(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}

// UpdateEndpoint applies updates to a stored endpoint
func (s *Store) UpdateEndpoint(ctx context.Context, endpointID string, updates ports.EndpointUpdate) error {
	endpoint, err := s.GetEndpoint(ctx, endpointID)
	if err != nil {
		return err
	}
	updates.Apply(endpoint)

	data, err := json.Marshal(endpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoint: %w", err)
	}
	if err := s.client.Set(ctx, getEndpointKey(endpointID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update endpoint: %w", err)
	}
	return nil
}

// DeleteEndpoint removes an endpoint
func (s *Store) DeleteEndpoint(ctx context.Context, endpointID string) error {
	removed, err := s.client.Del(ctx, getEndpointKey(endpointID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	if removed == 0 {
		return errors.Wrapf(domain.ErrNotFound, "endpoint %s", endpointID)
	}
	s.client.SRem(ctx, endpointIndexKey, endpointID)

	s.logger.Debug("endpoint deleted",
		zap.String("endpoint_id", endpointID))

	return nil
}

// getExecutionKey returns the Redis key for an execution
func getExecutionKey(executionID string) string {
	return fmt.Sprintf("conductor:execution:%s", executionID)
}

// getTaskKey returns the Redis key mapping a task to its execution
func getTaskKey(taskID string) string {
	return fmt.Sprintf("conductor:task:%s", taskID)
}

// getEndpointKey returns the Redis key for an endpoint
func getEndpointKey(endpointID string) string {
	return fmt.Sprintf("conductor:endpoint:%s", endpointID)
}
