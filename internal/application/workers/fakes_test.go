package workers

import (
	"context"
	"sync"
	"time"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
)

type fakeScheduler struct {
	mu sync.Mutex

	specsCalls []ports.SpecsQuery
	specsFn    func(ports.SpecsQuery) (*domain.WorkerService, error)

	taskCalls  []bool
	taskFn     func(attempt int) (*domain.WorkerService, error)
	allWorkers []*domain.WorkerService
}

func (s *fakeScheduler) GetWorkerServiceForSpecs(_ context.Context, q ports.SpecsQuery) (*domain.WorkerService, error) {
	s.mu.Lock()
	s.specsCalls = append(s.specsCalls, q)
	s.mu.Unlock()
	return s.specsFn(q)
}

func (s *fakeScheduler) GetWorkerServiceForTask(_ context.Context, _ domain.TaskDescriptor, _, _ *domain.Endpoint, random bool) (*domain.WorkerService, error) {
	s.mu.Lock()
	s.taskCalls = append(s.taskCalls, random)
	attempt := len(s.taskCalls)
	s.mu.Unlock()
	return s.taskFn(attempt)
}

func (s *fakeScheduler) GetWorkersForSpecs(context.Context, ports.SpecsQuery) ([]*domain.WorkerService, error) {
	return s.allWorkers, nil
}

func (s *fakeScheduler) GetAnyWorkerService(context.Context) (*domain.WorkerService, error) {
	if len(s.allWorkers) == 0 {
		return nil, domain.ErrNoWorkerServiceMatch
	}
	return s.allWorkers[0], nil
}

func (s *fakeScheduler) taskCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.taskCalls)
}

type fakeDirectory struct {
	calls []string
	err   error
}

func (d *fakeDirectory) GetService(_ context.Context, id string) (*domain.WorkerService, error) {
	d.calls = append(d.calls, id)
	if d.err != nil {
		return nil, d.err
	}
	return &domain.WorkerService{ID: id, Host: "materialized-" + id, Enabled: true}, nil
}

type fakeClient struct {
	id         string
	healthErr  error
	executeErr error

	mu       sync.Mutex
	executed []ports.TaskDispatch
	closed   bool
}

func (c *fakeClient) ServiceID() string                 { return c.id }
func (c *fakeClient) CheckHealth(context.Context) error { return c.healthErr }
func (c *fakeClient) Close() error                      { c.closed = true; return nil }
func (c *fakeClient) ExecuteTask(_ context.Context, req ports.TaskDispatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, req)
	return c.executeErr
}
func (c *fakeClient) GetEndpointInstances(context.Context, ports.EndpointQuery) ([]map[string]any, error) {
	return nil, nil
}
func (c *fakeClient) GetEndpointInstance(context.Context, ports.EndpointQuery) (map[string]any, error) {
	return nil, nil
}
func (c *fakeClient) GetEndpointOptions(context.Context, ports.EndpointQuery) ([]map[string]any, error) {
	return nil, nil
}
func (c *fakeClient) GetEndpointNetworks(context.Context, ports.EndpointQuery) ([]map[string]any, error) {
	return nil, nil
}
func (c *fakeClient) GetEndpointStorage(context.Context, ports.EndpointQuery) (map[string]any, error) {
	return nil, nil
}
func (c *fakeClient) ValidateEndpointConnection(context.Context, ports.EndpointQuery) error  { return nil }
func (c *fakeClient) ValidateEndpointEnvironment(context.Context, ports.EndpointQuery) error { return nil }
func (c *fakeClient) GetAvailableProviders(context.Context) (map[string]any, error)          { return nil, nil }
func (c *fakeClient) GetProviderSchemas(context.Context, string, domain.ProviderType) (map[string]any, error) {
	return nil, nil
}
func (c *fakeClient) GetDiagnostics(context.Context) (map[string]any, error) { return nil, nil }

type fakeFactory struct {
	mu       sync.Mutex
	received []*domain.WorkerService
	client   *fakeClient
	err      error
}

func (f *fakeFactory) FromServiceDefinition(service *domain.WorkerService) (ports.WorkerClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, service)
	if f.err != nil {
		return nil, f.err
	}
	if f.client != nil {
		return f.client, nil
	}
	return &fakeClient{id: service.ID}, nil
}

type statusWrite struct {
	taskID  string
	status  domain.TaskStatus
	details string
}

type fakeTaskWriter struct {
	mu     sync.Mutex
	writes []statusWrite
	err    error
}

func (w *fakeTaskWriter) SetTaskStatus(_ context.Context, taskID string, status domain.TaskStatus, details string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, statusWrite{taskID, status, details})
	return w.err
}

func (w *fakeTaskWriter) snapshot() []statusWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]statusWrite(nil), w.writes...)
}

type nopMetrics struct{}

func (nopMetrics) RecordExecutionCreated(string, string)                 {}
func (nopMetrics) RecordExecutionFinished(string, string, time.Duration) {}
func (nopMetrics) RecordSanityCheckFailure(string)                       {}
func (nopMetrics) RecordSchedulingAttempt(string)                        {}
func (nopMetrics) RecordSchedulingDuration(time.Duration)                {}
func (nopMetrics) RecordTaskDispatched(string, string)                   {}
func (nopMetrics) RecordDispatchPoolStatus(int, int, int)                {}

type fakeHandler struct {
	mu      sync.Mutex
	results []domain.TaskResult
	notify  chan struct{}
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{notify: make(chan struct{}, 16)}
}

func (h *fakeHandler) HandleTaskResult(_ context.Context, result domain.TaskResult) error {
	h.mu.Lock()
	h.results = append(h.results, result)
	h.mu.Unlock()
	h.notify <- struct{}{}
	return nil
}

func (h *fakeHandler) snapshot() []domain.TaskResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.TaskResult(nil), h.results...)
}

type fakeBus struct {
	mu     sync.Mutex
	events []ports.Event
}

func (b *fakeBus) Publish(_ context.Context, _ string, event ports.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string, ports.EventHandler) error { return nil }
func (b *fakeBus) Unsubscribe(context.Context, string) error                   { return nil }
func (b *fakeBus) Close() error                                                { return nil }

func (b *fakeBus) types() []ports.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ports.EventType
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}
