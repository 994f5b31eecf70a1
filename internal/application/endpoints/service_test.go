package endpoints

import (
	"context"
	"testing"

	"github.com/aescanero/conductor/internal/application/workers"
	"github.com/aescanero/conductor/pkg/adapters/storage/memory"
	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	id      string
	queries []ports.EndpointQuery
	err     error
	closed  bool
}

func (c *fakeClient) ServiceID() string                                     { return c.id }
func (c *fakeClient) CheckHealth(context.Context) error                     { return nil }
func (c *fakeClient) Close() error                                          { c.closed = true; return nil }
func (c *fakeClient) ExecuteTask(context.Context, ports.TaskDispatch) error { return nil }

func (c *fakeClient) list(q ports.EndpointQuery) ([]map[string]any, error) {
	c.queries = append(c.queries, q)
	if c.err != nil {
		return nil, c.err
	}
	return []map[string]any{{"provider_type": string(q.ProviderType)}}, nil
}

func (c *fakeClient) object(q ports.EndpointQuery) (map[string]any, error) {
	c.queries = append(c.queries, q)
	if c.err != nil {
		return nil, c.err
	}
	return map[string]any{"provider_type": string(q.ProviderType), "name": q.InstanceName}, nil
}

func (c *fakeClient) GetEndpointInstances(_ context.Context, q ports.EndpointQuery) ([]map[string]any, error) {
	return c.list(q)
}

func (c *fakeClient) GetEndpointInstance(_ context.Context, q ports.EndpointQuery) (map[string]any, error) {
	return c.object(q)
}

func (c *fakeClient) GetEndpointOptions(_ context.Context, q ports.EndpointQuery) ([]map[string]any, error) {
	return c.list(q)
}

func (c *fakeClient) GetEndpointNetworks(_ context.Context, q ports.EndpointQuery) ([]map[string]any, error) {
	return c.list(q)
}

func (c *fakeClient) GetEndpointStorage(_ context.Context, q ports.EndpointQuery) (map[string]any, error) {
	return c.object(q)
}

func (c *fakeClient) ValidateEndpointConnection(_ context.Context, q ports.EndpointQuery) error {
	_, err := c.object(q)
	return err
}

func (c *fakeClient) ValidateEndpointEnvironment(_ context.Context, q ports.EndpointQuery) error {
	_, err := c.object(q)
	return err
}

func (c *fakeClient) GetAvailableProviders(context.Context) (map[string]any, error) {
	return map[string]any{"served_by": c.id}, c.err
}

func (c *fakeClient) GetProviderSchemas(_ context.Context, platform string, pt domain.ProviderType) (map[string]any, error) {
	return map[string]any{"platform": platform, "type": string(pt)}, c.err
}

func (c *fakeClient) GetDiagnostics(context.Context) (map[string]any, error) {
	if c.err != nil {
		return nil, c.err
	}
	return map[string]any{"service": c.id}, nil
}

type resolveCall struct {
	reqs       domain.ProviderRequirements
	regionSets [][]string
}

type fakeResolver struct {
	client *fakeClient
	err    error
	calls  []resolveCall
}

func (r *fakeResolver) GetWorkerServiceRPCForSpecs(_ context.Context, reqs domain.ProviderRequirements, regionSets [][]string, _ ...workers.ResolveOption) (ports.WorkerClient, error) {
	r.calls = append(r.calls, resolveCall{reqs: reqs, regionSets: regionSets})
	if r.err != nil {
		return nil, r.err
	}
	return r.client, nil
}

type fakeScheduler struct {
	services []*domain.WorkerService
}

func (s *fakeScheduler) GetWorkerServiceForSpecs(context.Context, ports.SpecsQuery) (*domain.WorkerService, error) {
	return nil, nil
}

func (s *fakeScheduler) GetWorkerServiceForTask(context.Context, domain.TaskDescriptor, *domain.Endpoint, *domain.Endpoint, bool) (*domain.WorkerService, error) {
	return nil, nil
}

func (s *fakeScheduler) GetWorkersForSpecs(_ context.Context, q ports.SpecsQuery) ([]*domain.WorkerService, error) {
	return s.services, nil
}

func (s *fakeScheduler) GetAnyWorkerService(context.Context) (*domain.WorkerService, error) {
	if len(s.services) == 0 {
		return nil, errors.Wrap(domain.ErrNoWorkerServiceMatch, "no services")
	}
	return s.services[0], nil
}

type fakeFactory struct {
	clients map[string]*fakeClient
}

func (f *fakeFactory) FromServiceDefinition(service *domain.WorkerService) (ports.WorkerClient, error) {
	c, ok := f.clients[service.ID]
	if !ok {
		return nil, errors.Newf("cannot dial %s", service.Host)
	}
	return c, nil
}

// failingUpdates rejects every endpoint update
type failingUpdates struct {
	*memory.InMemoryStore
}

func (failingUpdates) UpdateEndpoint(context.Context, string, ports.EndpointUpdate) error {
	return errors.New("update rejected")
}

type serviceHarness struct {
	svc      *Service
	store    *memory.InMemoryStore
	resolver *fakeResolver
	client   *fakeClient
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	store := memory.NewInMemoryStore()
	client := &fakeClient{id: "svc-1"}
	resolver := &fakeResolver{client: client}
	scheduler := &fakeScheduler{services: []*domain.WorkerService{
		{ID: "svc-1", Host: "a:5000", Enabled: true},
		{ID: "svc-2", Host: "b:5000", Enabled: true},
	}}
	factory := &fakeFactory{clients: map[string]*fakeClient{"svc-1": client}}

	return &serviceHarness{
		svc:      NewService(store, store, resolver, scheduler, factory, zap.NewNop()),
		store:    store,
		resolver: resolver,
		client:   client,
	}
}

func (h *serviceHarness) createEndpoint(t *testing.T) *domain.Endpoint {
	t.Helper()
	e, err := h.svc.CreateEndpoint(context.Background(), CreateRequest{
		Name:           "vcenter",
		Type:           "vmware",
		ConnectionInfo: map[string]any{"host": "vc.local"},
		MappedRegions:  []string{"eu-west"},
	})
	require.NoError(t, err)
	return e
}

func TestEndpointCRUD(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	e := h.createEndpoint(t)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, []string{"eu-west"}, e.MappedRegions)
	assert.NotNil(t, e.UpdatedAt)

	name := "vcenter-prod"
	updated, err := h.svc.UpdateEndpoint(ctx, e.ID, ports.EndpointUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "vcenter-prod", updated.Name)
	assert.Equal(t, "vmware", updated.Type)

	list, err := h.svc.ListEndpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, h.svc.DeleteEndpoint(ctx, e.ID))
	_, err = h.svc.GetEndpoint(ctx, e.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = h.svc.CreateEndpoint(ctx, CreateRequest{Name: "no type"})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestCreateEndpointRollsBackFailedRegionMapping(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemoryStore()
	svc := NewService(failingUpdates{store}, store, &fakeResolver{}, &fakeScheduler{}, &fakeFactory{}, zap.NewNop())

	_, err := svc.CreateEndpoint(ctx, CreateRequest{Name: "n", Type: "vmware", MappedRegions: []string{"r1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update rejected")

	list, err := store.ListEndpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	e, err := svc.CreateEndpoint(ctx, CreateRequest{Name: "n", Type: "vmware"})
	require.NoError(t, err)
	assert.Empty(t, e.MappedRegions)
}

func TestDeleteEndpointGuard(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	e := h.createEndpoint(t)

	replica := domain.NewExecution("exec-1", domain.ExecutionTypeReplicaExecution)
	replica.OriginEndpointID = e.ID
	replica.Status = domain.ExecutionStatusCompleted
	require.NoError(t, h.store.SaveExecution(ctx, replica))

	err := h.svc.DeleteEndpoint(ctx, e.ID)
	assert.True(t, errors.Is(err, domain.ErrNotAuthorized))

	_, err = h.svc.GetEndpoint(ctx, e.ID)
	require.NoError(t, err)
}

func TestDiscoveryRouting(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	e := h.createEndpoint(t)

	tests := []struct {
		name string
		call func() (any, error)
		want domain.ProviderType
	}{
		{"instances", func() (any, error) {
			return h.svc.GetEndpointInstances(ctx, e.ID, ports.EndpointQuery{Limit: 5})
		}, domain.ProviderTypeEndpointInstances},
		{"instance", func() (any, error) {
			return h.svc.GetEndpointInstance(ctx, e.ID, ports.EndpointQuery{InstanceName: "vm-1"})
		}, domain.ProviderTypeEndpointInstances},
		{"source options", func() (any, error) {
			return h.svc.GetEndpointSourceOptions(ctx, e.ID, ports.EndpointQuery{})
		}, domain.ProviderTypeSourceEndpointOptions},
		{"destination options", func() (any, error) {
			return h.svc.GetEndpointDestinationOptions(ctx, e.ID, ports.EndpointQuery{})
		}, domain.ProviderTypeDestinationEndpointOptions},
		{"networks", func() (any, error) {
			return h.svc.GetEndpointNetworks(ctx, e.ID, ports.EndpointQuery{})
		}, domain.ProviderTypeEndpointNetworks},
		{"storage", func() (any, error) {
			return h.svc.GetEndpointStorage(ctx, e.ID, ports.EndpointQuery{})
		}, domain.ProviderTypeEndpointStorage},
		{"connection", func() (any, error) {
			return nil, h.svc.ValidateEndpointConnection(ctx, e.ID)
		}, domain.ProviderTypeEndpoint},
		{"environment", func() (any, error) {
			return nil, h.svc.ValidateEndpointEnvironment(ctx, e.ID, map[string]any{"network_map": "x"})
		}, domain.ProviderTypeEndpoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.resolver.calls = nil
			h.client.queries = nil
			h.client.closed = false

			_, err := tt.call()
			require.NoError(t, err)

			require.Len(t, h.resolver.calls, 1)
			call := h.resolver.calls[0]
			assert.Equal(t, domain.ProviderRequirements{"vmware": {tt.want}}, call.reqs)
			assert.Equal(t, [][]string{{}}, call.regionSets)

			require.Len(t, h.client.queries, 1)
			q := h.client.queries[0]
			assert.Equal(t, "vmware", q.PlatformType)
			assert.Equal(t, tt.want, q.ProviderType)
			if tt.name == "instances" {
				assert.Equal(t, 5, q.Limit)
			}
			assert.Equal(t, "vc.local", q.ConnectionInfo["host"])
			assert.True(t, h.client.closed)
		})
	}
}

func TestDiscoveryErrors(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	e := h.createEndpoint(t)

	_, err := h.svc.GetEndpointInstances(ctx, "missing", ports.EndpointQuery{})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = h.svc.GetEndpointInstance(ctx, e.ID, ports.EndpointQuery{})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	h.resolver.err = errors.Wrap(domain.ErrNoWorkerServiceMatch, "none")
	_, err = h.svc.GetEndpointNetworks(ctx, e.ID, ports.EndpointQuery{})
	assert.True(t, errors.Is(err, domain.ErrNoWorkerServiceMatch))
}

func TestProvidersAndDiagnostics(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	providers, err := h.svc.GetAvailableProviders(ctx)
	require.NoError(t, err)
	assert.Equal(t, "svc-1", providers["served_by"])

	schemas, err := h.svc.GetProviderSchemas(ctx, "openstack", domain.ProviderTypeReplicaImport)
	require.NoError(t, err)
	assert.Equal(t, "openstack", schemas["platform"])

	diags, err := h.svc.GetDiagnostics(ctx)
	require.NoError(t, err)
	require.Len(t, diags, 2)
	assert.Equal(t, map[string]any{"service": "svc-1"}, diags[0].Data)
	assert.Empty(t, diags[0].Error)
	assert.Equal(t, "svc-2", diags[1].ServiceID)
	assert.Contains(t, diags[1].Error, "cannot dial b:5000")
}
