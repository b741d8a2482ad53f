package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "appointly.v1.BookingService"

// BookingServiceServer is the server API of appointly.v1.BookingService. Requests
// and responses are JSON-shaped google.protobuf.Struct messages.
type BookingServiceServer interface {
	Book(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateAppointment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetAppointment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListAppointments(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DeleteAppointment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpsertAvailabilityRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DeactivateAvailabilityRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetAvailabilityRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListAvailabilityRules(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListOpenSlots(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ConnectCalendar(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type rpcCall func(srv BookingServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

var BookingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BookingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Book", BookingServiceServer.Book),
		unaryMethod("Cancel", BookingServiceServer.Cancel),
		unaryMethod("UpdateAppointment", BookingServiceServer.UpdateAppointment),
		unaryMethod("GetAppointment", BookingServiceServer.GetAppointment),
		unaryMethod("ListAppointments", BookingServiceServer.ListAppointments),
		unaryMethod("DeleteAppointment", BookingServiceServer.DeleteAppointment),
		unaryMethod("UpsertAvailabilityRule", BookingServiceServer.UpsertAvailabilityRule),
		unaryMethod("DeactivateAvailabilityRule", BookingServiceServer.DeactivateAvailabilityRule),
		unaryMethod("GetAvailabilityRule", BookingServiceServer.GetAvailabilityRule),
		unaryMethod("ListAvailabilityRules", BookingServiceServer.ListAvailabilityRules),
		unaryMethod("ListOpenSlots", BookingServiceServer.ListOpenSlots),
		unaryMethod("ConnectCalendar", BookingServiceServer.ConnectCalendar),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "appointly/v1/booking.proto",
}

func unaryMethod(name string, call rpcCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BookingServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BookingServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func RegisterBookingServiceServer(s grpc.ServiceRegistrar, srv BookingServiceServer) {
	s.RegisterService(&BookingServiceDesc, srv)
}

// BookingServiceClient invokes BookingService methods by name.
type BookingServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewBookingServiceClient(cc grpc.ClientConnInterface) *BookingServiceClient {
	return &BookingServiceClient{cc: cc}
}

func (c *BookingServiceClient) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
