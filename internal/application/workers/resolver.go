package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Retry policy applied by NewResolver when ResolverConfig carries a negative
// value. Zero stays valid and means no retries or no wait between attempts.
const (
	DefaultRetryCount  = 5
	DefaultRetryPeriod = 2 * time.Second
)

// ResolverConfig holds the retry policy for task scheduling
type ResolverConfig struct {
	RetryCount  int
	RetryPeriod time.Duration
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	if c.RetryCount < 0 {
		c.RetryCount = DefaultRetryCount
	}
	if c.RetryPeriod < 0 {
		c.RetryPeriod = DefaultRetryPeriod
	}
	return c
}

// Resolver finds worker services through the scheduler and hands back RPC
// clients bound to them
type Resolver struct {
	scheduler ports.Scheduler
	services  ports.ServiceDirectory
	clients   ports.WorkerClientFactory
	tasks     ports.TaskStatusWriter
	metrics   ports.MetricsCollector
	logger    *zap.Logger

	retryCount  int
	retryPeriod time.Duration
}

// NewResolver creates a new worker service resolver
func NewResolver(
	scheduler ports.Scheduler,
	services ports.ServiceDirectory,
	clients ports.WorkerClientFactory,
	tasks ports.TaskStatusWriter,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	cfg ResolverConfig,
) *Resolver {
	cfg = cfg.withDefaults()
	return &Resolver{
		scheduler:   scheduler,
		services:    services,
		clients:     clients,
		tasks:       tasks,
		metrics:     metrics,
		logger:      logger,
		retryCount:  cfg.RetryCount,
		retryPeriod: cfg.RetryPeriod,
	}
}

type resolveOptions struct {
	enabled      bool
	randomChoice bool
	retryCount   int
	retryPeriod  time.Duration
}

// ResolveOption tunes a single resolution
type ResolveOption func(*resolveOptions)

// WithEnabled restricts matches to enabled (true) or disabled services
func WithEnabled(enabled bool) ResolveOption {
	return func(o *resolveOptions) { o.enabled = enabled }
}

// WithRandomChoice picks randomly among equally valid services
func WithRandomChoice(random bool) ResolveOption {
	return func(o *resolveOptions) { o.randomChoice = random }
}

// WithRetry overrides the retry policy of task resolution
func WithRetry(count int, period time.Duration) ResolveOption {
	return func(o *resolveOptions) {
		o.retryCount = count
		o.retryPeriod = period
	}
}

// GetWorkerServiceRPCForSpecs returns a client for a worker service that
// satisfies the provider requirements in the given regions. A missing match
// fails immediately.
func (r *Resolver) GetWorkerServiceRPCForSpecs(
	ctx context.Context,
	requirements domain.ProviderRequirements,
	regionSets [][]string,
	opts ...ResolveOption,
) (ports.WorkerClient, error) {
	o := resolveOptions{enabled: true}
	for _, opt := range opts {
		opt(&o)
	}

	service, err := r.scheduler.GetWorkerServiceForSpecs(ctx, ports.SpecsQuery{
		ProviderRequirements: requirements,
		RegionSets:           regionSets,
		Enabled:              o.enabled,
		RandomChoice:         o.randomChoice,
		RaiseOnNoMatches:     true,
	})
	if err != nil {
		r.logger.Warn("no worker service for specs",
			zap.Any("provider_requirements", requirements),
			zap.Error(err))
		return nil, fmt.Errorf("failed to find worker service: %w", err)
	}
	if service == nil {
		return nil, errors.Wrapf(domain.ErrNoWorkerServiceMatch, "requirements %v", requirements)
	}

	definition, err := r.services.GetService(ctx, service.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get worker service %s: %w", service.ID, err)
	}

	return r.clients.FromServiceDefinition(definition)
}

// GetWorkerServiceRPCForTask returns a client for a worker service able to
// run the task between the two endpoints. Scheduling is retried with a fixed
// period; once retries are exhausted the task is marked FAILED_TO_SCHEDULE
// and the scheduler's error is returned. Cancelling ctx aborts the retries
// and leaves the task untouched.
func (r *Resolver) GetWorkerServiceRPCForTask(
	ctx context.Context,
	task *domain.Task,
	origin, destination *domain.Endpoint,
	opts ...ResolveOption,
) (ports.WorkerClient, error) {
	if task == nil {
		return nil, errors.Wrap(domain.ErrInvalidInput, "task is nil")
	}

	o := resolveOptions{
		enabled:      true,
		randomChoice: true,
		retryCount:   r.retryCount,
		retryPeriod:  r.retryPeriod,
	}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	service, err := r.scheduleTask(ctx, task.Descriptor(), origin, destination, o)
	r.metrics.RecordSchedulingDuration(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, r.markFailedToSchedule(ctx, task, err)
	}

	return r.clients.FromServiceDefinition(service)
}

// scheduleTask asks the scheduler up to 1+retryCount times
func (r *Resolver) scheduleTask(
	ctx context.Context,
	desc domain.TaskDescriptor,
	origin, destination *domain.Endpoint,
	o resolveOptions,
) (*domain.WorkerService, error) {
	attempts := o.retryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		service, err := r.scheduler.GetWorkerServiceForTask(ctx, desc, origin, destination, o.randomChoice)
		if err == nil && service != nil {
			r.metrics.RecordSchedulingAttempt("success")
			r.logger.Debug("worker service scheduled",
				zap.String("task_id", desc.ID),
				zap.String("service_id", service.ID),
				zap.Int("attempt", attempt))
			return service, nil
		}
		if err == nil {
			err = errors.Wrapf(domain.ErrNoWorkerServiceMatch, "task %s", desc.ID)
		}
		lastErr = err
		r.metrics.RecordSchedulingAttempt("failure")

		if errors.IsAny(err, context.Canceled, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, err
		}

		r.logger.Warn("failed to schedule task",
			zap.String("task_id", desc.ID),
			zap.String("task_type", string(desc.TaskType)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(o.retryPeriod)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, lastErr
}

// markFailedToSchedule records the failure on the task and returns cause.
// A persistence failure is attached as a secondary error.
func (r *Resolver) markFailedToSchedule(ctx context.Context, task *domain.Task, cause error) error {
	details := cause.Error()

	if err := task.TransitionTo(domain.TaskStatusFailedToSchedule, details); err != nil {
		r.logger.Warn("task settled before scheduling failure was recorded",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return cause
	}

	r.logger.Error("task failed to schedule",
		zap.String("task_id", task.ID),
		zap.String("task_type", string(task.TaskType)),
		zap.Error(cause))

	if err := r.tasks.SetTaskStatus(ctx, task.ID, domain.TaskStatusFailedToSchedule, details); err != nil {
		r.logger.Error("failed to persist task status",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return errors.WithSecondaryError(cause, err)
	}

	return cause
}
