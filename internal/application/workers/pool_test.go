package workers

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type poolFixture struct {
	pool    *Pool
	sched   *fakeScheduler
	factory *fakeFactory
	writer  *fakeTaskWriter
	bus     *fakeBus
	handler *fakeHandler
}

func newPoolFixture(t *testing.T, taskFn func(int) (*domain.WorkerService, error), client *fakeClient) *poolFixture {
	t.Helper()

	f := &poolFixture{
		sched:   &fakeScheduler{taskFn: taskFn},
		factory: &fakeFactory{client: client},
		writer:  &fakeTaskWriter{},
		bus:     &fakeBus{},
		handler: newFakeHandler(),
	}
	resolver := NewResolver(f.sched, &fakeDirectory{}, f.factory, f.writer, nopMetrics{}, zap.NewNop(),
		ResolverConfig{RetryCount: 1, RetryPeriod: time.Millisecond})
	f.pool = NewPool(2, resolver, f.writer, f.bus, nopMetrics{}, zap.NewNop(), HealthConfig{Interval: time.Hour})
	f.pool.SetResultHandler(f.handler)
	require.NoError(t, f.pool.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.pool.Shutdown(ctx)
	})
	return f
}

func testJob() DispatchJob {
	return DispatchJob{
		ExecutionID: "exec-1",
		Task:        scheduledTask(),
		Origin:      &domain.Endpoint{ID: "origin"},
		Destination: &domain.Endpoint{ID: "destination"},
		TaskInfo:    map[string]any{"export_info": map[string]any{"disks": 1}},
	}
}

func TestPoolDispatchSendsTask(t *testing.T) {
	client := &fakeClient{id: "svc-1"}
	f := newPoolFixture(t, func(int) (*domain.WorkerService, error) {
		return &domain.WorkerService{ID: "svc-1"}, nil
	}, client)

	job := testJob()
	require.NoError(t, f.pool.Dispatch(context.Background(), job))

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.executed) == 1
	}, time.Second, 5*time.Millisecond)

	client.mu.Lock()
	sent := client.executed[0]
	client.mu.Unlock()
	assert.Equal(t, "exec-1", sent.ExecutionID)
	assert.Equal(t, job.Task.Descriptor(), sent.Task)
	assert.Equal(t, "instance-1", sent.Instance)
	assert.Equal(t, job.TaskInfo, sent.TaskInfo)

	assert.Equal(t, domain.TaskStatusRunning, job.Task.CurrentStatus())
	require.Eventually(t, func() bool {
		return len(f.bus.types()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []ports.EventType{ports.EventTypeTaskDispatched}, f.bus.types())
	assert.Equal(t, []statusWrite{{taskID: "task-1", status: domain.TaskStatusRunning}}, f.writer.snapshot())
	assert.Empty(t, f.handler.snapshot())
}

func TestPoolReportsUnschedulableTask(t *testing.T) {
	f := newPoolFixture(t, func(int) (*domain.WorkerService, error) {
		return nil, errors.New("no worker service")
	}, nil)

	job := testJob()
	require.NoError(t, f.pool.Dispatch(context.Background(), job))

	select {
	case <-f.handler.notify:
	case <-time.After(time.Second):
		t.Fatal("no result reported")
	}

	results := f.handler.snapshot()
	require.Len(t, results, 1)
	assert.Equal(t, "task-1", results[0].TaskID)
	assert.Equal(t, domain.TaskStatusFailedToSchedule, results[0].Status)
	assert.Equal(t, "no worker service", results[0].ExceptionDetails)
	assert.Equal(t, 2, f.sched.taskCallCount())
	assert.Equal(t, domain.TaskStatusFailedToSchedule, job.Task.CurrentStatus())
	assert.Contains(t, f.bus.types(), ports.EventTypeTaskUnschedulable)
}

func TestPoolReportsSendFailure(t *testing.T) {
	client := &fakeClient{id: "svc-1", executeErr: errors.New("connection refused")}
	f := newPoolFixture(t, func(int) (*domain.WorkerService, error) {
		return &domain.WorkerService{ID: "svc-1"}, nil
	}, client)

	require.NoError(t, f.pool.Dispatch(context.Background(), testJob()))

	select {
	case <-f.handler.notify:
	case <-time.After(time.Second):
		t.Fatal("no result reported")
	}

	results := f.handler.snapshot()
	require.Len(t, results, 1)
	assert.Equal(t, domain.TaskStatusFailed, results[0].Status)
	assert.Equal(t, "connection refused", results[0].ExceptionDetails)
}

func TestPoolSkipsCanceledJobs(t *testing.T) {
	f := newPoolFixture(t, func(int) (*domain.WorkerService, error) {
		return &domain.WorkerService{ID: "svc-1"}, nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := testJob()
	err := f.pool.Dispatch(ctx, job)
	if err == nil {
		// queued before the select noticed cancellation
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, 0, f.sched.taskCallCount())
	assert.Equal(t, domain.TaskStatusScheduled, job.Task.CurrentStatus())
}

func TestPoolHealth(t *testing.T) {
	f := newPoolFixture(t, nil, nil)

	require.Eventually(t, func() bool {
		return f.pool.Health().GetStatus().IdleWorkers == 2
	}, time.Second, 5*time.Millisecond)

	status := f.pool.Health().GetStatus()
	assert.Equal(t, 2, status.TotalWorkers)
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Services)
}

func TestHealthProbesServices(t *testing.T) {
	sched := &fakeScheduler{allWorkers: []*domain.WorkerService{{ID: "good"}, {ID: "bad"}}}
	clients := &probeFactory{unhealthy: map[string]bool{"bad": true}}
	pool := NewPool(1, nil, &fakeTaskWriter{}, &fakeBus{}, nopMetrics{}, zap.NewNop(),
		HealthConfig{Interval: time.Hour, Scheduler: sched, Clients: clients})

	results := pool.Health().ProbeServices(context.Background())
	assert.Equal(t, map[string]string{"good": "healthy", "bad": "unhealthy"}, results)
	assert.Equal(t, results, pool.Health().GetStatus().Services)
}

type probeFactory struct {
	unhealthy map[string]bool
}

func (f *probeFactory) FromServiceDefinition(service *domain.WorkerService) (ports.WorkerClient, error) {
	c := &fakeClient{id: service.ID}
	if f.unhealthy[service.ID] {
		c.healthErr = errors.New("unavailable")
	}
	return c, nil
}
