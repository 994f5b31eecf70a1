package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DispatchJob asks the pool to schedule and send one task
type DispatchJob struct {
	ExecutionID string
	Task        *domain.Task
	Origin      *domain.Endpoint
	Destination *domain.Endpoint
	TaskInfo    map[string]any
}

// ResultHandler receives task outcomes the pool observes itself
type ResultHandler interface {
	HandleTaskResult(ctx context.Context, result domain.TaskResult) error
}

// TaskResolver resolves worker services for tasks
type TaskResolver interface {
	GetWorkerServiceRPCForTask(ctx context.Context, task *domain.Task, origin, destination *domain.Endpoint, opts ...ResolveOption) (ports.WorkerClient, error)
}

// Pool manages a pool of dispatcher goroutines
type Pool struct {
	size     int
	resolver TaskResolver
	tasks    ports.TaskStatusWriter
	eventBus ports.EventBus
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	health   *HealthMonitor

	mu      sync.RWMutex
	handler ResultHandler

	jobs    chan queuedJob
	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// queuedJob carries the caller's context so cancelling an execution
// aborts its pending scheduling
type queuedJob struct {
	ctx context.Context
	job DispatchJob
}

// worker represents a single dispatcher goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents dispatcher status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new dispatch pool
func NewPool(
	size int,
	resolver TaskResolver,
	tasks ports.TaskStatusWriter,
	eventBus ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	health HealthConfig,
) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		size:     size,
		resolver: resolver,
		tasks:    tasks,
		eventBus: eventBus,
		metrics:  metrics,
		logger:   logger,
		jobs:     make(chan queuedJob, size*16),
		workers:  make([]*worker, size),
		ctx:      ctx,
		cancel:   cancel,
	}

	pool.health = NewHealthMonitor(pool, health, logger)

	return pool
}

// SetResultHandler registers who is told about dispatch outcomes
func (p *Pool) SetResultHandler(handler ResultHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

// Health returns the pool's health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// Start starts the dispatch pool
func (p *Pool) Start() error {
	p.logger.Info("starting dispatch pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("dispatcher-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}

	p.health.Start()

	p.logger.Info("dispatch pool started", zap.Int("dispatchers", p.size))
	return nil
}

// Dispatch queues a task. ctx scopes the job: once it is done the task is
// no longer scheduled.
func (p *Pool) Dispatch(ctx context.Context, job DispatchJob) error {
	select {
	case p.jobs <- queuedJob{ctx: ctx, job: job}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("dispatch pool is shut down")
	}
}

// Shutdown gracefully shuts down the dispatch pool
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down dispatch pool")

	p.health.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("dispatch pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all dispatchers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// run is the main dispatcher loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("dispatcher started", zap.String("dispatcher_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.setStatus(WorkerStatusStopped)
			w.pool.logger.Debug("dispatcher stopped", zap.String("dispatcher_id", w.id))
			return
		case q := <-w.pool.jobs:
			w.handle(q.ctx, q.job)
		}
	}
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	if status == WorkerStatusBusy {
		w.lastJob = time.Now()
	}
}

// handle schedules one task on a worker service and sends it
func (w *worker) handle(ctx context.Context, job DispatchJob) {
	w.setStatus(WorkerStatusBusy)
	defer w.setStatus(WorkerStatusIdle)

	p := w.pool
	task := job.Task
	if ctx.Err() != nil {
		p.logger.Debug("skipping dispatch of canceled task",
			zap.String("dispatcher_id", w.id),
			zap.String("task_id", task.ID))
		return
	}

	client, err := p.resolver.GetWorkerServiceRPCForTask(ctx, task, job.Origin, job.Destination)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.RecordTaskDispatched(string(task.TaskType), string(domain.TaskStatusFailedToSchedule))
		p.publishEvent(ctx, job, ports.EventTypeTaskUnschedulable, map[string]any{"error": err.Error()})
		p.report(ctx, domain.TaskResult{
			TaskID:           task.ID,
			Status:           domain.TaskStatusFailedToSchedule,
			ExceptionDetails: err.Error(),
		})
		return
	}
	defer func() { _ = client.Close() }()

	if err := task.TransitionTo(domain.TaskStatusRunning, ""); err != nil {
		p.logger.Warn("task settled before dispatch",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}
	if err := p.tasks.SetTaskStatus(ctx, task.ID, domain.TaskStatusRunning, ""); err != nil {
		p.logger.Error("failed to persist task status",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	err = client.ExecuteTask(ctx, ports.TaskDispatch{
		ExecutionID:         job.ExecutionID,
		Task:                task.Descriptor(),
		Instance:            task.Instance,
		OriginEndpoint:      job.Origin,
		DestinationEndpoint: job.Destination,
		TaskInfo:            job.TaskInfo,
	})
	if err != nil {
		p.logger.Error("failed to send task to worker service",
			zap.String("dispatcher_id", w.id),
			zap.String("task_id", task.ID),
			zap.String("service_id", client.ServiceID()),
			zap.Error(err))
		p.metrics.RecordTaskDispatched(string(task.TaskType), string(domain.TaskStatusFailed))
		p.report(ctx, domain.TaskResult{
			TaskID:           task.ID,
			Status:           domain.TaskStatusFailed,
			ExceptionDetails: err.Error(),
		})
		return
	}

	p.metrics.RecordTaskDispatched(string(task.TaskType), string(domain.TaskStatusRunning))
	p.publishEvent(ctx, job, ports.EventTypeTaskDispatched, map[string]any{"service_id": client.ServiceID()})

	p.logger.Info("task dispatched",
		zap.String("dispatcher_id", w.id),
		zap.String("execution_id", job.ExecutionID),
		zap.String("task_id", task.ID),
		zap.String("task_type", string(task.TaskType)),
		zap.String("service_id", client.ServiceID()))
}

// report hands an outcome to the result handler
func (p *Pool) report(ctx context.Context, result domain.TaskResult) {
	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()

	if handler == nil {
		return
	}
	if err := handler.HandleTaskResult(ctx, result); err != nil {
		p.logger.Error("failed to handle task result",
			zap.String("task_id", result.TaskID),
			zap.String("status", string(result.Status)),
			zap.Error(err))
	}
}

// publishEvent publishes a task event to the event bus
func (p *Pool) publishEvent(ctx context.Context, job DispatchJob, eventType ports.EventType, data map[string]any) {
	event := ports.Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now(),
		ExecutionID: job.ExecutionID,
		TaskID:      job.Task.ID,
		Data:        data,
	}

	if err := p.eventBus.Publish(ctx, ports.TopicTasks, event); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
