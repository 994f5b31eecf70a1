package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const workerIndexKey = "conductor:workers"

// Registry stores worker service records in Redis. A record expires when
// its service stops sending heartbeats for longer than ttl.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRegistry creates a new worker service registry
func NewRegistry(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{client: client, ttl: ttl, logger: logger}
}

// Register stores or replaces a worker service record
func (r *Registry) Register(ctx context.Context, service *domain.WorkerService) error {
	if service.ID == "" {
		return errors.Wrap(domain.ErrInvalidInput, "worker service id is required")
	}
	record := *service
	record.LastSeen = time.Now()

	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to marshal worker service: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, getWorkerKey(service.ID), data, r.ttl)
		pipe.SAdd(ctx, workerIndexKey, service.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register worker service: %w", err)
	}

	r.logger.Info("worker service registered",
		zap.String("service_id", service.ID),
		zap.String("host", service.Host),
		zap.Bool("enabled", service.Enabled))

	return nil
}

// Heartbeat refreshes a worker service record
func (r *Registry) Heartbeat(ctx context.Context, serviceID string) error {
	service, err := r.GetService(ctx, serviceID)
	if err != nil {
		return err
	}
	return r.Register(ctx, service)
}

// Deregister removes a worker service
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, getWorkerKey(serviceID))
		pipe.SRem(ctx, workerIndexKey, serviceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to deregister worker service: %w", err)
	}
	return nil
}

// GetService returns the current record of a worker service
func (r *Registry) GetService(ctx context.Context, serviceID string) (*domain.WorkerService, error) {
	data, err := r.client.Get(ctx, getWorkerKey(serviceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(domain.ErrNotFound, "worker service %s", serviceID)
		}
		return nil, fmt.Errorf("failed to get worker service: %w", err)
	}

	var service domain.WorkerService
	if err := json.Unmarshal(data, &service); err != nil {
		return nil, fmt.Errorf("failed to unmarshal worker service: %w", err)
	}
	return &service, nil
}

// ListServices returns every live worker service. Expired records are
// dropped from the index.
func (r *Registry) ListServices(ctx context.Context) ([]*domain.WorkerService, error) {
	ids, err := r.client.SMembers(ctx, workerIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list worker services: %w", err)
	}

	services := make([]*domain.WorkerService, 0, len(ids))
	for _, id := range ids {
		service, err := r.GetService(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			r.client.SRem(ctx, workerIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		services = append(services, service)
	}
	return services, nil
}

// getWorkerKey returns the Redis key for a worker service
func getWorkerKey(serviceID string) string {
	return fmt.Sprintf("conductor:worker:%s", serviceID)
}
