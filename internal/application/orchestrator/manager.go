package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/conductor/internal/application/workers"
	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher queues ready tasks for scheduling on worker services
type Dispatcher interface {
	Dispatch(ctx context.Context, job workers.DispatchJob) error
}

// Manager coordinates execution lifecycles
type Manager struct {
	executions ports.ExecutionRepository
	endpoints  ports.EndpointRepository
	dispatcher Dispatcher
	eventBus   ports.EventBus
	metrics    ports.MetricsCollector
	planner    *Planner
	validator  *Validator
	logger     *zap.Logger

	// Track active executions
	runs  sync.Map // map[string]*executionRun
	tasks sync.Map // map[taskID]executionID

	// Graph construction and validation run one execution at a time
	planMu sync.Mutex
	wg     sync.WaitGroup

	executionTimeout time.Duration
}

// executionRun holds state for a single active execution
type executionRun struct {
	execution   *domain.Execution
	origin      *domain.Endpoint
	destination *domain.Endpoint
	startedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	dispatched map[string]bool
	finishOnce sync.Once

	// persistMu orders the writes of this execution to the repository.
	// Taken before mu, held across the write.
	persistMu sync.Mutex
}

// NewManager creates a new orchestrator manager
func NewManager(
	executions ports.ExecutionRepository,
	endpoints ports.EndpointRepository,
	dispatcher Dispatcher,
	eventBus ports.EventBus,
	metrics ports.MetricsCollector,
	planner *Planner,
	validator *Validator,
	logger *zap.Logger,
	executionTimeout time.Duration,
) *Manager {
	return &Manager{
		executions:       executions,
		endpoints:        endpoints,
		dispatcher:       dispatcher,
		eventBus:         eventBus,
		metrics:          metrics,
		planner:          planner,
		validator:        validator,
		logger:           logger,
		executionTimeout: executionTimeout,
	}
}

// CreateExecution plans, validates and starts an execution. Nothing is
// persisted when the task graph fails the sanity check.
func (m *Manager) CreateExecution(ctx context.Context, req ExecutionRequest) (*domain.Execution, error) {
	origin, destination, err := m.loadEndpoints(ctx, req)
	if err != nil {
		return nil, err
	}

	execution, err := m.buildExecution(req)
	if err != nil {
		return nil, err
	}

	if err := m.executions.SaveExecution(ctx, execution.Clone()); err != nil {
		m.logger.Error("failed to save execution",
			zap.String("execution_id", execution.ID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if m.executionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), m.executionTimeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	run := &executionRun{
		execution:   execution,
		origin:      origin,
		destination: destination,
		startedAt:   time.Now(),
		ctx:         runCtx,
		cancel:      cancel,
		dispatched:  make(map[string]bool),
	}
	m.runs.Store(execution.ID, run)
	for _, t := range execution.Tasks {
		m.tasks.Store(t.ID, execution.ID)
	}

	m.publishEvent(ctx, ports.TopicExecutions, ports.EventTypeExecutionCreated, execution.ID, "", map[string]any{
		"type":      execution.Type,
		"instances": execution.Instances,
		"tasks":     len(execution.Tasks),
	})
	m.metrics.RecordExecutionCreated(string(execution.Type), string(execution.Status))
	m.logger.Info("execution created",
		zap.String("execution_id", execution.ID),
		zap.String("type", string(execution.Type)),
		zap.Int("instances", len(execution.Instances)),
		zap.Int("tasks", len(execution.Tasks)))

	snapshot := run.snapshot()

	go m.monitorExecution(run)
	m.advance(run)

	return snapshot, nil
}

// buildExecution creates the task graph for req and checks it
func (m *Manager) buildExecution(req ExecutionRequest) (*domain.Execution, error) {
	m.planMu.Lock()
	defer m.planMu.Unlock()

	execution := domain.NewExecution(uuid.New().String(), req.Type)
	execution.OriginEndpointID = req.OriginEndpointID
	execution.DestinationEndpointID = req.DestinationEndpointID
	execution.Instances = append([]string(nil), req.Instances...)

	initial, err := m.planner.Plan(execution, req)
	if err != nil {
		m.logger.Warn("failed to plan execution",
			zap.String("type", string(req.Type)),
			zap.Error(err))
		return nil, err
	}

	if err := m.validator.CheckExecutionTasksSanity(execution, initial); err != nil {
		kind := validationErrorKind(err)
		m.metrics.RecordSanityCheckFailure(kind)
		m.logger.Error("execution sanity check failed",
			zap.String("execution_id", execution.ID),
			zap.String("kind", kind),
			zap.Error(err))
		return nil, errors.Wrap(err, "execution sanity check failed")
	}

	execution.TaskInfo = initial
	execution.Status = domain.ExecutionStatusRunning
	return execution, nil
}

func (m *Manager) loadEndpoints(ctx context.Context, req ExecutionRequest) (origin, destination *domain.Endpoint, err error) {
	needsBoth := req.Type == domain.ExecutionTypeMigration || req.Type == domain.ExecutionTypeReplicaExecution
	if needsBoth && (req.OriginEndpointID == "" || req.DestinationEndpointID == "") {
		return nil, nil, errors.Wrapf(domain.ErrInvalidInput,
			"%s executions need an origin and a destination endpoint", req.Type)
	}

	if req.OriginEndpointID != "" {
		if origin, err = m.endpoints.GetEndpoint(ctx, req.OriginEndpointID); err != nil {
			return nil, nil, fmt.Errorf("failed to get origin endpoint: %w", err)
		}
	}
	if req.DestinationEndpointID != "" {
		if destination, err = m.endpoints.GetEndpoint(ctx, req.DestinationEndpointID); err != nil {
			return nil, nil, fmt.Errorf("failed to get destination endpoint: %w", err)
		}
	}
	return origin, destination, nil
}

// GetExecution returns a snapshot of an execution
func (m *Manager) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	if run, ok := m.activeRun(executionID); ok {
		return run.snapshot(), nil
	}

	execution, err := m.executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return execution, nil
}

// ListExecutions returns every known execution
func (m *Manager) ListExecutions(ctx context.Context) ([]*domain.Execution, error) {
	executions, err := m.executions.ListExecutions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	for i, e := range executions {
		if run, ok := m.activeRun(e.ID); ok {
			executions[i] = run.snapshot()
		}
	}
	return executions, nil
}

// CancelExecution stops an active execution. In-flight scheduling is
// aborted and every open task is canceled.
func (m *Manager) CancelExecution(ctx context.Context, executionID string) error {
	run, ok := m.activeRun(executionID)
	if !ok {
		execution, err := m.executions.GetExecution(ctx, executionID)
		if err != nil {
			return fmt.Errorf("failed to get execution: %w", err)
		}
		return errors.Wrapf(domain.ErrInvalidInput,
			"execution %s is already in terminal state %s", executionID, execution.Status)
	}

	run.persistMu.Lock()
	defer run.persistMu.Unlock()

	run.mu.Lock()
	if status := run.execution.Status; status.IsTerminal() {
		run.mu.Unlock()
		return errors.Wrapf(domain.ErrInvalidInput,
			"execution %s is already in terminal state %s", executionID, status)
	}
	run.cancel()
	for _, t := range run.execution.Tasks {
		if t.CurrentStatus().IsTerminal() {
			continue
		}
		if err := t.TransitionTo(domain.TaskStatusCanceled, "execution canceled"); err != nil {
			continue
		}
		run.dispatched[t.ID] = true
	}
	now := time.Now()
	run.execution.Status = domain.ExecutionStatusCanceled
	run.execution.UpdatedAt = &now
	snapshot := run.execution.Clone()
	run.mu.Unlock()

	if err := m.executions.SaveExecution(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	m.finish(ctx, run, ports.EventTypeExecutionCanceled)

	m.logger.Info("execution canceled",
		zap.String("execution_id", executionID))

	return nil
}

// ReportTaskResult records the outcome a worker reported for a task
func (m *Manager) ReportTaskResult(ctx context.Context, taskID string, result domain.TaskResult) error {
	result.TaskID = taskID
	return m.HandleTaskResult(ctx, result)
}

// HandleTaskResult applies a task outcome and dispatches whatever became
// runnable
func (m *Manager) HandleTaskResult(ctx context.Context, result domain.TaskResult) error {
	switch result.Status {
	case domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusFailedToSchedule:
	default:
		return errors.Wrapf(domain.ErrInvalidInput, "unsupported task result status %q", result.Status)
	}

	val, ok := m.tasks.Load(result.TaskID)
	if !ok {
		if _, err := m.executions.GetTask(ctx, result.TaskID); err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}
		return errors.Wrapf(domain.ErrInvalidInput, "task %s belongs to no active execution", result.TaskID)
	}
	run, ok := m.activeRun(val.(string))
	if !ok {
		return errors.Wrapf(domain.ErrInvalidInput, "task %s belongs to no active execution", result.TaskID)
	}

	run.persistMu.Lock()
	run.mu.Lock()
	task, ok := run.execution.TaskByID(result.TaskID)
	if !ok {
		run.mu.Unlock()
		run.persistMu.Unlock()
		return errors.Wrapf(domain.ErrNotFound, "task %s", result.TaskID)
	}
	if err := task.TransitionFrom(resultSources(result.Status), result.Status, result.ExceptionDetails); err != nil {
		run.mu.Unlock()
		run.persistMu.Unlock()
		return err
	}
	if result.Status == domain.TaskStatusCompleted {
		run.execution.TaskInfo.Merge(task.Instance, result.TaskInfo)
	}
	run.mu.Unlock()

	if err := m.executions.SetTaskStatus(ctx, task.ID, result.Status, result.ExceptionDetails); err != nil {
		m.logger.Error("failed to persist task status",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	run.persistMu.Unlock()

	eventType := ports.EventTypeTaskCompleted
	switch result.Status {
	case domain.TaskStatusFailed:
		eventType = ports.EventTypeTaskFailed
	case domain.TaskStatusFailedToSchedule:
		eventType = ports.EventTypeTaskUnschedulable
	}
	data := map[string]any{"task_type": task.TaskType, "instance": task.Instance}
	if result.ExceptionDetails != "" {
		data["exception_details"] = result.ExceptionDetails
	}
	m.publishEvent(ctx, ports.TopicTasks, eventType, run.execution.ID, task.ID, data)

	m.logger.Info("task result recorded",
		zap.String("execution_id", run.execution.ID),
		zap.String("task_id", task.ID),
		zap.String("status", string(result.Status)))

	m.advance(run)
	return nil
}

// resultSources lists the statuses a task may be in when an outcome is
// reported. Workers only answer for tasks they were sent, while scheduling
// failures happen before dispatch and may already be recorded by the
// resolver.
func resultSources(status domain.TaskStatus) []domain.TaskStatus {
	if status == domain.TaskStatusFailedToSchedule {
		return []domain.TaskStatus{
			domain.TaskStatusScheduled,
			domain.TaskStatusOnErrorOnly,
			domain.TaskStatusFailedToSchedule,
		}
	}
	return []domain.TaskStatus{domain.TaskStatusRunning}
}

// advance dispatches runnable tasks and finishes the execution once every
// task is terminal
func (m *Manager) advance(run *executionRun) {
	run.persistMu.Lock()
	run.mu.Lock()
	if run.execution.Status.IsTerminal() {
		run.mu.Unlock()
		run.persistMu.Unlock()
		return
	}

	ready := run.execution.Advance(m.validator.taskTypes)
	var jobs []workers.DispatchJob
	for _, t := range ready {
		if run.dispatched[t.ID] {
			continue
		}
		run.dispatched[t.ID] = true

		info := make(map[string]any, len(run.execution.TaskInfo[t.Instance]))
		for k, v := range run.execution.TaskInfo[t.Instance] {
			info[k] = v
		}
		jobs = append(jobs, workers.DispatchJob{
			ExecutionID: run.execution.ID,
			Task:        t,
			Origin:      run.origin,
			Destination: run.destination,
			TaskInfo:    info,
		})
	}
	status := run.execution.Status
	snapshot := run.execution.Clone()
	run.mu.Unlock()

	if err := m.executions.SaveExecution(context.Background(), snapshot); err != nil {
		m.logger.Error("failed to save execution",
			zap.String("execution_id", snapshot.ID),
			zap.Error(err))
	}
	run.persistMu.Unlock()

	for _, job := range jobs {
		m.dispatch(run, job)
	}

	switch status {
	case domain.ExecutionStatusCompleted:
		m.finish(context.Background(), run, ports.EventTypeExecutionCompleted)
	case domain.ExecutionStatusError:
		m.finish(context.Background(), run, ports.EventTypeExecutionFailed)
	}
}

// dispatch hands a job to the dispatcher without blocking the caller, which
// may itself be a dispatcher reporting a result
func (m *Manager) dispatch(run *executionRun, job workers.DispatchJob) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.dispatcher.Dispatch(run.ctx, job); err != nil {
			if run.ctx.Err() != nil {
				return
			}
			m.logger.Error("failed to dispatch task",
				zap.String("execution_id", job.ExecutionID),
				zap.String("task_id", job.Task.ID),
				zap.Error(err))
		}
	}()
}

// finish stops tracking an execution. It runs once per execution.
func (m *Manager) finish(ctx context.Context, run *executionRun, eventType ports.EventType) {
	run.finishOnce.Do(func() {
		run.cancel()

		run.mu.Lock()
		execution := run.execution
		status := execution.Status
		for _, t := range execution.Tasks {
			m.tasks.Delete(t.ID)
		}
		run.mu.Unlock()
		m.runs.Delete(execution.ID)

		duration := time.Since(run.startedAt)
		m.metrics.RecordExecutionFinished(string(execution.Type), string(status), duration)
		m.publishEvent(ctx, ports.TopicExecutions, eventType, execution.ID, "", map[string]any{
			"status":   status,
			"duration": duration.String(),
		})

		m.logger.Info("execution finished",
			zap.String("execution_id", execution.ID),
			zap.String("status", string(status)),
			zap.Duration("duration", duration))
	})
}

// monitorExecution fails the execution when it outlives its timeout
func (m *Manager) monitorExecution(run *executionRun) {
	<-run.ctx.Done()
	if errors.Is(run.ctx.Err(), context.DeadlineExceeded) {
		m.handleTimeout(run)
	}
}

// handleTimeout handles execution timeout
func (m *Manager) handleTimeout(run *executionRun) {
	run.persistMu.Lock()
	run.mu.Lock()
	if run.execution.Status.IsTerminal() {
		run.mu.Unlock()
		run.persistMu.Unlock()
		return
	}
	m.logger.Warn("execution timed out",
		zap.String("execution_id", run.execution.ID))

	for _, t := range run.execution.Tasks {
		if !t.CurrentStatus().IsTerminal() {
			_ = t.TransitionTo(domain.TaskStatusCanceled, "execution timeout")
		}
	}
	now := time.Now()
	run.execution.Status = domain.ExecutionStatusError
	run.execution.UpdatedAt = &now
	snapshot := run.execution.Clone()
	run.mu.Unlock()

	ctx := context.Background()
	if err := m.executions.SaveExecution(ctx, snapshot); err != nil {
		m.logger.Error("failed to save execution during timeout",
			zap.String("execution_id", snapshot.ID),
			zap.Error(err))
	}
	run.persistMu.Unlock()

	m.finish(ctx, run, ports.EventTypeExecutionFailed)
}

func (m *Manager) activeRun(executionID string) (*executionRun, bool) {
	val, ok := m.runs.Load(executionID)
	if !ok {
		return nil, false
	}
	return val.(*executionRun), true
}

func (r *executionRun) snapshot() *domain.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.execution.Clone()
}

// publishEvent publishes an event to the event bus
func (m *Manager) publishEvent(ctx context.Context, topic string, eventType ports.EventType, executionID, taskID string, data map[string]any) {
	event := ports.Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now(),
		ExecutionID: executionID,
		TaskID:      taskID,
		Data:        data,
	}

	if err := m.eventBus.Publish(ctx, topic, event); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("event_type", string(eventType)),
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")

	// Cancel all active executions
	m.runs.Range(func(key, value any) bool {
		value.(*executionRun).cancel()
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("orchestrator manager shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}
