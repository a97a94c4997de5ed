// ABOUTME: Control gRPC service implementation for worker communication.
// ABOUTME: Handles the register/subscribe unary surface and the bidirectional stream.

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/threadworks/loom/internal/rpc"
)

// controlServer implements the loom.v1.Control gRPC service.
type controlServer struct {
	gateway *Gateway
	logger  *slog.Logger
}

// newControlServer creates a new Control service instance.
func newControlServer(gw *Gateway, logger *slog.Logger) *controlServer {
	return &controlServer{
		gateway: gw,
		logger:  logger,
	}
}

// RegisterAgentType records a connected worker as the host of an agent type.
// Registrations from a worker that has not completed the stream hello are
// refused, so no message can be routed to a type before its handlers exist.
func (s *controlServer) RegisterAgentType(ctx context.Context, req *rpc.RegisterAgentTypeRequest) (*rpc.RegisterAgentTypeResponse, error) {
	if req.WorkerID == "" {
		return nil, status.Error(codes.InvalidArgument, "worker_id is required")
	}
	if req.AgentType == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_type is required")
	}
	if !s.gateway.manager.IsOnline(req.WorkerID) {
		return nil, status.Errorf(codes.FailedPrecondition, "worker %s has no active message stream", req.WorkerID)
	}

	if err := s.gateway.registry.RegisterAgentType(req.AgentType, req.WorkerID); err != nil {
		if errors.Is(err, ErrAgentTypeRegistered) {
			return nil, status.Errorf(codes.AlreadyExists, "%v", err)
		}
		return nil, status.Errorf(codes.Internal, "registering agent type: %v", err)
	}
	return &rpc.RegisterAgentTypeResponse{}, nil
}

// AddSubscription installs a topic routing rule.
func (s *controlServer) AddSubscription(ctx context.Context, req *rpc.AddSubscriptionRequest) (*rpc.AddSubscriptionResponse, error) {
	if req.Subscription == nil {
		return nil, status.Error(codes.InvalidArgument, "subscription is required")
	}
	if !s.gateway.manager.IsOnline(req.WorkerID) {
		return nil, status.Errorf(codes.FailedPrecondition, "worker %s has no active message stream", req.WorkerID)
	}

	id, err := s.gateway.registry.AddSubscription(req.WorkerID, req.Subscription)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "adding subscription: %v", err)
	}
	return &rpc.AddSubscriptionResponse{ID: id}, nil
}

// RemoveSubscription deletes a routing rule by ID.
func (s *controlServer) RemoveSubscription(ctx context.Context, req *rpc.RemoveSubscriptionRequest) (*rpc.RemoveSubscriptionResponse, error) {
	if err := s.gateway.registry.RemoveSubscription(req.ID); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, status.Errorf(codes.NotFound, "subscription %s not found", req.ID)
		}
		return nil, status.Errorf(codes.Internal, "removing subscription: %v", err)
	}
	return &rpc.RemoveSubscriptionResponse{}, nil
}

// GetSubscriptions lists installed routing rules.
func (s *controlServer) GetSubscriptions(ctx context.Context, req *rpc.GetSubscriptionsRequest) (*rpc.GetSubscriptionsResponse, error) {
	return &rpc.GetSubscriptionsResponse{
		Subscriptions: s.gateway.registry.Subscriptions(req.TopicType),
	}, nil
}

// MessageStream handles the bidirectional streaming connection with a worker.
// Protocol flow:
// 1. Worker sends Hello
// 2. Server responds with Welcome
// 3. Worker sends Publish frames; server sends Deliver and Shutdown frames
func (s *controlServer) MessageStream(stream rpc.Control_MessageStreamServer) error {
	frame, err := stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return status.Errorf(codes.Internal, "receiving first frame: %v", err)
	}

	hello := frame.Hello
	if hello == nil {
		return status.Error(codes.InvalidArgument, "first frame must be hello")
	}
	if hello.WorkerID == "" {
		return status.Error(codes.InvalidArgument, "worker_id is required")
	}

	conn := NewConnection(hello.WorkerID, stream, s.logger.With("worker_id", hello.WorkerID))
	if err := s.gateway.manager.Register(conn); err != nil {
		if errors.Is(err, ErrWorkerAlreadyRegistered) {
			return status.Errorf(codes.AlreadyExists, "worker %s already connected", hello.WorkerID)
		}
		return status.Errorf(codes.Internal, "registering worker: %v", err)
	}
	defer func() {
		s.gateway.manager.Unregister(conn.ID)
		s.gateway.registry.DropWorker(conn.ID)
	}()

	if err := stream.Send(&rpc.Frame{Welcome: &rpc.Welcome{
		ServerID: s.gateway.serverID,
		WorkerID: hello.WorkerID,
	}}); err != nil {
		return status.Errorf(codes.Internal, "sending welcome: %v", err)
	}

	for {
		frame, err := stream.Recv()
		if err != nil {
			if err == io.EOF || stream.Context().Err() != nil {
				return nil
			}
			return status.Errorf(codes.Internal, "receiving frame: %v", err)
		}
		if frame.Publish == nil {
			continue
		}
		s.gateway.routePublish(conn.ID, frame.Publish)
	}
}
