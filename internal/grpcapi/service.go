package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "biblio.lending.v1.LendingService"

// Method names of LendingService. Requests and responses are
// google.protobuf.Struct documents carrying the JSON form of the lending types.
const (
	MethodBorrow        = "Borrow"
	MethodApprove       = "Approve"
	MethodReturn        = "Return"
	MethodRenew         = "Renew"
	MethodListLoans     = "ListLoans"
	MethodQueuePosition = "QueuePosition"
)

// LendingServer is the server API of LendingService.
type LendingServer interface {
	Borrow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Return(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Renew(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListLoans(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueuePosition(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryFn func(LendingServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFn) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(LendingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(LendingServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes LendingService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LendingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodBorrow, LendingServer.Borrow),
		unary(MethodApprove, LendingServer.Approve),
		unary(MethodReturn, LendingServer.Return),
		unary(MethodRenew, LendingServer.Renew),
		unary(MethodListLoans, LendingServer.ListLoans),
		unary(MethodQueuePosition, LendingServer.QueuePosition),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "biblio/lending/v1/lending.proto",
}

// RegisterLendingServer registers srv on s.
func RegisterLendingServer(s grpc.ServiceRegistrar, srv LendingServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
