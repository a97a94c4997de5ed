// ABOUTME: Hand-registered gRPC service descriptor for loom.v1.Control.
// ABOUTME: Four unary routing operations plus the bidirectional message stream.

package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully qualified Control service name.
	ServiceName = "loom.v1.Control"

	methodRegisterAgentType  = "/" + ServiceName + "/RegisterAgentType"
	methodAddSubscription    = "/" + ServiceName + "/AddSubscription"
	methodRemoveSubscription = "/" + ServiceName + "/RemoveSubscription"
	methodGetSubscriptions   = "/" + ServiceName + "/GetSubscriptions"
	methodMessageStream      = "/" + ServiceName + "/MessageStream"
)

// ControlServer is the server-side contract for the Control service.
type ControlServer interface {
	RegisterAgentType(context.Context, *RegisterAgentTypeRequest) (*RegisterAgentTypeResponse, error)
	AddSubscription(context.Context, *AddSubscriptionRequest) (*AddSubscriptionResponse, error)
	RemoveSubscription(context.Context, *RemoveSubscriptionRequest) (*RemoveSubscriptionResponse, error)
	GetSubscriptions(context.Context, *GetSubscriptionsRequest) (*GetSubscriptionsResponse, error)
	MessageStream(Control_MessageStreamServer) error
}

// Control_MessageStreamServer is the server half of the bidirectional stream.
type Control_MessageStreamServer interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

type controlMessageStreamServer struct {
	grpc.ServerStream
}

func (s *controlMessageStreamServer) Send(f *Frame) error {
	return s.ServerStream.SendMsg(f)
}

func (s *controlMessageStreamServer) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// RegisterControlServer registers srv on the given gRPC server.
func RegisterControlServer(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

func registerAgentTypeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterAgentTypeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).RegisterAgentType(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRegisterAgentType}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).RegisterAgentType(ctx, req.(*RegisterAgentTypeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func addSubscriptionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AddSubscriptionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).AddSubscription(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAddSubscription}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).AddSubscription(ctx, req.(*AddSubscriptionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func removeSubscriptionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RemoveSubscriptionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).RemoveSubscription(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRemoveSubscription}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).RemoveSubscription(ctx, req.(*RemoveSubscriptionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getSubscriptionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetSubscriptionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).GetSubscriptions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetSubscriptions}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).GetSubscriptions(ctx, req.(*GetSubscriptionsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func messageStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ControlServer).MessageStream(&controlMessageStreamServer{stream})
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterAgentType", Handler: registerAgentTypeHandler},
		{MethodName: "AddSubscription", Handler: addSubscriptionHandler},
		{MethodName: "RemoveSubscription", Handler: removeSubscriptionHandler},
		{MethodName: "GetSubscriptions", Handler: getSubscriptionsHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "MessageStream",
			Handler:       messageStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}
