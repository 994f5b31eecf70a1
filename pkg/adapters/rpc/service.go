package rpc

import (
	"context"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"google.golang.org/grpc"
)

// WorkerServiceName is the gRPC service every worker exposes
const WorkerServiceName = "conductor.worker.v1.Worker"

// Empty is the message of calls without payload
type Empty struct{}

// ListReply wraps a list of provider objects
type ListReply struct {
	Items []map[string]any `json:"items"`
}

// ObjectReply wraps a single provider object
type ObjectReply struct {
	Item map[string]any `json:"item"`
}

// SchemasRequest asks for the schemas of one provider
type SchemasRequest struct {
	Platform     string              `json:"platform"`
	ProviderType domain.ProviderType `json:"provider_type"`
}

// WorkerServer is implemented by worker services
type WorkerServer interface {
	ExecuteTask(ctx context.Context, req ports.TaskDispatch) error
	GetEndpointInstances(ctx context.Context, req ports.EndpointQuery) ([]map[string]any, error)
	GetEndpointInstance(ctx context.Context, req ports.EndpointQuery) (map[string]any, error)
	GetEndpointOptions(ctx context.Context, req ports.EndpointQuery) ([]map[string]any, error)
	GetEndpointNetworks(ctx context.Context, req ports.EndpointQuery) ([]map[string]any, error)
	GetEndpointStorage(ctx context.Context, req ports.EndpointQuery) (map[string]any, error)
	ValidateEndpointConnection(ctx context.Context, req ports.EndpointQuery) error
	ValidateEndpointEnvironment(ctx context.Context, req ports.EndpointQuery) error
	GetAvailableProviders(ctx context.Context) (map[string]any, error)
	GetProviderSchemas(ctx context.Context, req SchemasRequest) (map[string]any, error)
	GetDiagnostics(ctx context.Context) (map[string]any, error)
}

// RegisterWorkerServer registers a worker implementation on a gRPC server
func RegisterWorkerServer(s *grpc.Server, srv WorkerServer) {
	s.RegisterService(&workerServiceDesc, srv)
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkerServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		UnaryMethod(WorkerServiceName, "ExecuteTask", func(s WorkerServer, ctx context.Context, in *ports.TaskDispatch) (*Empty, error) {
			return &Empty{}, s.ExecuteTask(ctx, *in)
		}),
		UnaryMethod(WorkerServiceName, "GetEndpointInstances", func(s WorkerServer, ctx context.Context, in *ports.EndpointQuery) (*ListReply, error) {
			return list(s.GetEndpointInstances(ctx, *in))
		}),
		UnaryMethod(WorkerServiceName, "GetEndpointInstance", func(s WorkerServer, ctx context.Context, in *ports.EndpointQuery) (*ObjectReply, error) {
			return object(s.GetEndpointInstance(ctx, *in))
		}),
		UnaryMethod(WorkerServiceName, "GetEndpointOptions", func(s WorkerServer, ctx context.Context, in *ports.EndpointQuery) (*ListReply, error) {
			return list(s.GetEndpointOptions(ctx, *in))
		}),
		UnaryMethod(WorkerServiceName, "GetEndpointNetworks", func(s WorkerServer, ctx context.Context, in *ports.EndpointQuery) (*ListReply, error) {
			return list(s.GetEndpointNetworks(ctx, *in))
		}),
		UnaryMethod(WorkerServiceName, "GetEndpointStorage", func(s WorkerServer, ctx context.Context, in *ports.EndpointQuery) (*ObjectReply, error) {
			return object(s.GetEndpointStorage(ctx, *in))
		}),
		UnaryMethod(WorkerServiceName, "ValidateEndpointConnection", func(s WorkerServer, ctx context.Context, in *ports.EndpointQuery) (*Empty, error) {
			return &Empty{}, s.ValidateEndpointConnection(ctx, *in)
		}),
		UnaryMethod(WorkerServiceName, "ValidateEndpointEnvironment", func(s WorkerServer, ctx context.Context, in *ports.EndpointQuery) (*Empty, error) {
			return &Empty{}, s.ValidateEndpointEnvironment(ctx, *in)
		}),
		UnaryMethod(WorkerServiceName, "GetAvailableProviders", func(s WorkerServer, ctx context.Context, _ *Empty) (*ObjectReply, error) {
			return object(s.GetAvailableProviders(ctx))
		}),
		UnaryMethod(WorkerServiceName, "GetProviderSchemas", func(s WorkerServer, ctx context.Context, in *SchemasRequest) (*ObjectReply, error) {
			return object(s.GetProviderSchemas(ctx, *in))
		}),
		UnaryMethod(WorkerServiceName, "GetDiagnostics", func(s WorkerServer, ctx context.Context, _ *Empty) (*ObjectReply, error) {
			return object(s.GetDiagnostics(ctx))
		}),
	},
	Metadata: "conductor/worker",
}

// UnaryMethod adapts a typed call on a server of type S into a gRPC method
// handler. Errors are converted with ToStatus.
func UnaryMethod[S, Req, Resp any](serviceName, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(S), ctx, req.(*Req))
				if err != nil {
					return nil, ToStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func list(items []map[string]any, err error) (*ListReply, error) {
	if err != nil {
		return nil, err
	}
	return &ListReply{Items: items}, nil
}

func object(item map[string]any, err error) (*ObjectReply, error) {
	if err != nil {
		return nil, err
	}
	return &ObjectReply{Item: item}, nil
}
