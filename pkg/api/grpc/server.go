package grpc

import (
	"context"
	"fmt"
	"net"

	"github.com/aescanero/conductor/pkg/adapters/rpc"
	"github.com/aescanero/conductor/pkg/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ConductorServiceName is the gRPC service worker services call back into
const ConductorServiceName = "conductor.v1.Conductor"

// Executions is the slice of the orchestrator the gRPC API exposes
type Executions interface {
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	CancelExecution(ctx context.Context, executionID string) error
	ReportTaskResult(ctx context.Context, taskID string, result domain.TaskResult) error
}

// Registry records worker services
type Registry interface {
	Register(ctx context.Context, service *domain.WorkerService) error
	Heartbeat(ctx context.Context, serviceID string) error
	Deregister(ctx context.Context, serviceID string) error
}

// ExecutionRequest names an execution
type ExecutionRequest struct {
	ExecutionID string `json:"execution_id"`
}

// ExecutionReply carries an execution
type ExecutionReply struct {
	Execution *domain.Execution `json:"execution"`
}

// ServiceRequest names a worker service
type ServiceRequest struct {
	ServiceID string `json:"service_id"`
}

// Server represents the gRPC API server
type Server struct {
	server     *grpc.Server
	listener   net.Listener
	health     *health.Server
	executions Executions
	registry   Registry
	logger     *zap.Logger
}

// Config holds gRPC server configuration
type Config struct {
	Port       int
	Executions Executions
	Registry   Registry
	Logger     *zap.Logger
	// Listener overrides Port when set
	Listener net.Listener
}

// NewServer creates a new gRPC server
func NewServer(cfg *Config) (*Server, error) {
	listener := cfg.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			return nil, fmt.Errorf("failed to create listener: %w", err)
		}
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(logUnary(cfg.Logger)))

	s := &Server{
		server:     grpcServer,
		listener:   listener,
		health:     health.NewServer(),
		executions: cfg.Executions,
		registry:   cfg.Registry,
		logger:     cfg.Logger,
	}

	grpcServer.RegisterService(&conductorServiceDesc, s)
	healthpb.RegisterHealthServer(grpcServer, s.health)
	s.health.SetServingStatus(ConductorServiceName, healthpb.HealthCheckResponse_SERVING)

	return s, nil
}

var conductorServiceDesc = grpc.ServiceDesc{
	ServiceName: ConductorServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		rpc.UnaryMethod(ConductorServiceName, "ReportTaskResult", (*Server).reportTaskResult),
		rpc.UnaryMethod(ConductorServiceName, "GetExecution", (*Server).getExecution),
		rpc.UnaryMethod(ConductorServiceName, "CancelExecution", (*Server).cancelExecution),
		rpc.UnaryMethod(ConductorServiceName, "RegisterWorkerService", (*Server).registerWorkerService),
		rpc.UnaryMethod(ConductorServiceName, "Heartbeat", (*Server).heartbeat),
		rpc.UnaryMethod(ConductorServiceName, "DeregisterWorkerService", (*Server).deregisterWorkerService),
	},
	Metadata: "conductor/conductor",
}

func (s *Server) reportTaskResult(ctx context.Context, in *domain.TaskResult) (*rpc.Empty, error) {
	return &rpc.Empty{}, s.executions.ReportTaskResult(ctx, in.TaskID, *in)
}

func (s *Server) getExecution(ctx context.Context, in *ExecutionRequest) (*ExecutionReply, error) {
	execution, err := s.executions.GetExecution(ctx, in.ExecutionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionReply{Execution: execution}, nil
}

func (s *Server) cancelExecution(ctx context.Context, in *ExecutionRequest) (*rpc.Empty, error) {
	return &rpc.Empty{}, s.executions.CancelExecution(ctx, in.ExecutionID)
}

func (s *Server) registerWorkerService(ctx context.Context, in *domain.WorkerService) (*rpc.Empty, error) {
	return &rpc.Empty{}, s.registry.Register(ctx, in)
}

func (s *Server) heartbeat(ctx context.Context, in *ServiceRequest) (*rpc.Empty, error) {
	return &rpc.Empty{}, s.registry.Heartbeat(ctx, in.ServiceID)
}

func (s *Server) deregisterWorkerService(ctx context.Context, in *ServiceRequest) (*rpc.Empty, error) {
	return &rpc.Empty{}, s.registry.Deregister(ctx, in.ServiceID)
}

// logUnary logs failed calls
func logUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("gRPC call failed",
				zap.String("method", info.FullMethod),
				zap.Error(err))
		}
		return resp, err
	}
}

// Start starts the gRPC server
func (s *Server) Start() error {
	s.logger.Info("starting gRPC server", zap.String("addr", s.listener.Addr().String()))

	if err := s.server.Serve(s.listener); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gRPC server")

	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}

	s.logger.Info("gRPC server shut down complete")
	return nil
}
