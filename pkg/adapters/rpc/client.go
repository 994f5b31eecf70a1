package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ClientFactory dials worker services from their registry records
type ClientFactory struct {
	callTimeout time.Duration
	dialOptions []grpc.DialOption
	logger      *zap.Logger
}

// NewClientFactory creates a factory. Calls without a deadline are bounded
// by callTimeout when it is positive. Extra dial options are appended to
// the insecure transport default.
func NewClientFactory(callTimeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) *ClientFactory {
	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	return &ClientFactory{
		callTimeout: callTimeout,
		dialOptions: dialOptions,
		logger:      logger,
	}
}

// FromServiceDefinition returns a client bound to the service host
func (f *ClientFactory) FromServiceDefinition(service *domain.WorkerService) (ports.WorkerClient, error) {
	if service == nil || service.Host == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "worker service has no host")
	}

	conn, err := grpc.NewClient(service.Host, f.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial worker service %s: %w", service.ID, err)
	}

	return &Client{
		serviceID:   service.ID,
		conn:        conn,
		health:      healthpb.NewHealthClient(conn),
		callTimeout: f.callTimeout,
		logger:      f.logger,
	}, nil
}

// Client calls one worker service
type Client struct {
	serviceID   string
	conn        *grpc.ClientConn
	health      healthpb.HealthClient
	callTimeout time.Duration
	logger      *zap.Logger
}

// ServiceID returns the worker service the client is bound to
func (c *Client) ServiceID() string {
	return c.serviceID
}

// CheckHealth queries the standard health service of the worker
func (c *Client) CheckHealth(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: WorkerServiceName})
	if err != nil {
		return fmt.Errorf("health check of %s failed: %w", c.serviceID, FromStatus(err))
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errors.Newf("worker service %s is %s", c.serviceID, resp.GetStatus())
	}
	return nil
}

// ExecuteTask hands a task to the worker
func (c *Client) ExecuteTask(ctx context.Context, req ports.TaskDispatch) error {
	c.logger.Debug("sending task to worker",
		zap.String("service_id", c.serviceID),
		zap.String("execution_id", req.ExecutionID),
		zap.String("task_id", req.Task.ID))

	return c.invoke(ctx, "ExecuteTask", &req, &Empty{})
}

func (c *Client) GetEndpointInstances(ctx context.Context, req ports.EndpointQuery) ([]map[string]any, error) {
	return c.list(ctx, "GetEndpointInstances", req)
}

func (c *Client) GetEndpointInstance(ctx context.Context, req ports.EndpointQuery) (map[string]any, error) {
	return c.object(ctx, "GetEndpointInstance", &req)
}

func (c *Client) GetEndpointOptions(ctx context.Context, req ports.EndpointQuery) ([]map[string]any, error) {
	return c.list(ctx, "GetEndpointOptions", req)
}

func (c *Client) GetEndpointNetworks(ctx context.Context, req ports.EndpointQuery) ([]map[string]any, error) {
	return c.list(ctx, "GetEndpointNetworks", req)
}

func (c *Client) GetEndpointStorage(ctx context.Context, req ports.EndpointQuery) (map[string]any, error) {
	return c.object(ctx, "GetEndpointStorage", &req)
}

func (c *Client) ValidateEndpointConnection(ctx context.Context, req ports.EndpointQuery) error {
	return c.invoke(ctx, "ValidateEndpointConnection", &req, &Empty{})
}

func (c *Client) ValidateEndpointEnvironment(ctx context.Context, req ports.EndpointQuery) error {
	return c.invoke(ctx, "ValidateEndpointEnvironment", &req, &Empty{})
}

func (c *Client) GetAvailableProviders(ctx context.Context) (map[string]any, error) {
	return c.object(ctx, "GetAvailableProviders", &Empty{})
}

func (c *Client) GetProviderSchemas(ctx context.Context, platform string, providerType domain.ProviderType) (map[string]any, error) {
	return c.object(ctx, "GetProviderSchemas", &SchemasRequest{Platform: platform, ProviderType: providerType})
}

func (c *Client) GetDiagnostics(ctx context.Context) (map[string]any, error) {
	return c.object(ctx, "GetDiagnostics", &Empty{})
}

// Close releases the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) list(ctx context.Context, method string, req ports.EndpointQuery) ([]map[string]any, error) {
	var reply ListReply
	if err := c.invoke(ctx, method, &req, &reply); err != nil {
		return nil, err
	}
	return reply.Items, nil
}

func (c *Client) object(ctx context.Context, method string, req any) (map[string]any, error) {
	var reply ObjectReply
	if err := c.invoke(ctx, method, req, &reply); err != nil {
		return nil, err
	}
	return reply.Item, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	err := c.conn.Invoke(ctx, "/"+WorkerServiceName+"/"+method, req, reply, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return fmt.Errorf("worker service %s %s: %w", c.serviceID, method, FromStatus(err))
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}
