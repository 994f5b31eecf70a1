package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aescanero/conductor/internal/application/endpoints"
	"github.com/aescanero/conductor/internal/application/orchestrator"
	"github.com/aescanero/conductor/internal/application/workers"
	eventsmemory "github.com/aescanero/conductor/pkg/adapters/events/memory"
	promcollector "github.com/aescanero/conductor/pkg/adapters/metrics/prometheus"
	storagememory "github.com/aescanero/conductor/pkg/adapters/storage/memory"
	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// dropDispatcher accepts every task as a worker service would, without
// running it
type dropDispatcher struct{}

func (dropDispatcher) Dispatch(_ context.Context, job workers.DispatchJob) error {
	return job.Task.TransitionTo(domain.TaskStatusRunning, "")
}

type noWorkers struct{}

func (noWorkers) GetWorkerServiceRPCForSpecs(context.Context, domain.ProviderRequirements, [][]string, ...workers.ResolveOption) (ports.WorkerClient, error) {
	return nil, errors.Wrap(domain.ErrNoWorkerServiceMatch, "no worker services registered")
}

func (noWorkers) GetWorkerServiceForSpecs(context.Context, ports.SpecsQuery) (*domain.WorkerService, error) {
	return nil, nil
}

func (noWorkers) GetWorkerServiceForTask(context.Context, domain.TaskDescriptor, *domain.Endpoint, *domain.Endpoint, bool) (*domain.WorkerService, error) {
	return nil, errors.Wrap(domain.ErrNoWorkerServiceMatch, "no worker services registered")
}

func (noWorkers) GetWorkersForSpecs(context.Context, ports.SpecsQuery) ([]*domain.WorkerService, error) {
	return nil, nil
}

func (noWorkers) GetAnyWorkerService(context.Context) (*domain.WorkerService, error) {
	return nil, errors.Wrap(domain.ErrNoWorkerServiceMatch, "no worker services registered")
}

func (noWorkers) FromServiceDefinition(*domain.WorkerService) (ports.WorkerClient, error) {
	return nil, errors.New("unreachable")
}

type staticHealth struct{ healthy bool }

func (h staticHealth) GetStatus() *workers.HealthStatus {
	return &workers.HealthStatus{TotalWorkers: 2, IdleWorkers: 2, Healthy: h.healthy}
}

func newTestServer(t *testing.T, health HealthReporter) *Server {
	t.Helper()

	logger := zap.NewNop()
	store := storagememory.NewInMemoryStore()
	bus := eventsmemory.NewInMemoryEventBus(logger)
	reg := prometheus.NewRegistry()
	taskTypes := domain.DefaultTaskTypes()

	mgr := orchestrator.NewManager(store, store, dropDispatcher{}, bus, promcollector.NewCollector(reg),
		orchestrator.NewPlanner(orchestrator.NewBuilder(taskTypes)), orchestrator.NewValidator(taskTypes), logger, 0)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	return NewServer(&Config{
		Executions: mgr,
		Endpoints:  endpoints.NewService(store, store, noWorkers{}, noWorkers{}, noWorkers{}, logger),
		Health:     health,
		TaskTypes:  taskTypes,
		Gatherer:   reg,
		Logger:     logger,
	})
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorResponse](t, w).Error.Code
}

func createEndpoint(t *testing.T, s *Server, name, typ string) string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/endpoints", endpoints.CreateRequest{
		Name:           name,
		Type:           typ,
		ConnectionInfo: map[string]any{"host": name + ".local"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[struct {
		Endpoint domain.Endpoint `json:"endpoint"`
	}](t, w).Endpoint.ID
}

func TestHealth(t *testing.T) {
	w := do(t, newTestServer(t, nil), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, w)["status"])

	w = do(t, newTestServer(t, staticHealth{healthy: false}), http.MethodGet, "/health", nil)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, 2.0, body["dispatch_pool"].(map[string]any)["total_workers"])
}

func TestEndpointRoutes(t *testing.T) {
	s := newTestServer(t, staticHealth{healthy: true})

	id := createEndpoint(t, s, "vcenter", "vmware")

	w := do(t, s, http.MethodGet, "/api/v1/endpoints/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPatch, "/api/v1/endpoints/"+id, map[string]any{"description": "lab"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"description":"lab"`)

	w = do(t, s, http.MethodGet, "/api/v1/endpoints", nil)
	assert.Equal(t, 1.0, decode[map[string]any](t, w)["total"])

	w = do(t, s, http.MethodGet, "/api/v1/endpoints/"+id+"/instances?limit=5", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "NO_WORKER_SERVICE", errorCode(t, w))

	w = do(t, s, http.MethodGet, "/api/v1/endpoints/"+id+"/instances?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/endpoints/"+id+"/networks?env=%7Bbad", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodDelete, "/api/v1/endpoints/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/endpoints/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))

	w = do(t, s, http.MethodPost, "/api/v1/endpoints", map[string]any{"name": "no type"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/providers", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/workers/diagnostics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExecutionRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	src := createEndpoint(t, s, "vcenter", "vmware")
	dst := createEndpoint(t, s, "cloud", "openstack")

	req := orchestrator.ExecutionRequest{
		Type:                  domain.ExecutionTypeMigration,
		OriginEndpointID:      src,
		DestinationEndpointID: dst,
		Instances:             []string{"vm-1"},
		SourceEnvironment:     map[string]any{"datacenter": "dc1"},
	}

	w := do(t, s, http.MethodPost, "/api/v1/executions", req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "SANITY_CHECK_FAILED", errorCode(t, w))
	assert.Contains(t, w.Body.String(), "target_environment")

	req.TargetEnvironment = map[string]any{"flavor": "m1.small"}
	w = do(t, s, http.MethodPost, "/api/v1/executions", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	exec := decode[ExecutionResponse](t, w).Execution
	assert.Equal(t, domain.ExecutionStatusRunning, exec.Status)

	w = do(t, s, http.MethodGet, "/api/v1/executions/"+exec.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/executions?status=RUNNING", nil)
	assert.Equal(t, 1.0, decode[map[string]any](t, w)["total"])

	w = do(t, s, http.MethodDelete, "/api/v1/endpoints/"+src, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	first := exec.Tasks[0].ID
	for attempt := 0; ; attempt++ {
		w = do(t, s, http.MethodGet, "/api/v1/executions/"+exec.ID, nil)
		if decode[ExecutionResponse](t, w).Execution.Tasks[0].Status == domain.TaskStatusRunning {
			break
		}
		require.Less(t, attempt, 100, "first task was never dispatched")
		time.Sleep(10 * time.Millisecond)
	}

	last := exec.Tasks[len(exec.Tasks)-1].ID
	w = do(t, s, http.MethodPost, "/api/v1/tasks/"+last+"/result", domain.TaskResult{Status: domain.TaskStatusCompleted})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(t, s, http.MethodPost, "/api/v1/tasks/"+first+"/result", domain.TaskResult{Status: domain.TaskStatusRunning})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/tasks/"+first+"/result", domain.TaskResult{
		Status:   domain.TaskStatusCompleted,
		TaskInfo: map[string]any{"export_info": map[string]any{"disks": 2}},
	})
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/api/v1/tasks/"+first+"/result", domain.TaskResult{Status: domain.TaskStatusFailed})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TASK_STATE", errorCode(t, w))

	w = do(t, s, http.MethodPost, "/api/v1/tasks/missing/result", domain.TaskResult{Status: domain.TaskStatusCompleted})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "conductor_executions_created_total"))
}

func TestTaskTypesRoute(t *testing.T) {
	w := do(t, newTestServer(t, nil), http.MethodGet, "/api/v1/task-types", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"replicate_disks"`)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.Wrap(domain.ErrNotFound, "x"), http.StatusNotFound},
		{errors.Wrap(domain.ErrNotAuthorized, "x"), http.StatusForbidden},
		{&domain.ExecutionDeadlockError{ExecutionID: "e"}, http.StatusUnprocessableEntity},
		{&domain.TaskFieldsConflictError{Field: "f"}, http.StatusUnprocessableEntity},
		{errors.Wrap(domain.ErrInvalidReplicaState, "x"), http.StatusConflict},
		{errors.Wrap(domain.ErrInvalidTaskType, "x"), http.StatusBadRequest},
		{errors.Wrap(domain.ErrNoWorkerServiceMatch, "x"), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := errorStatus(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}
