// ABOUTME: gRPC interceptors authenticating Control requests via bearer tokens.
// ABOUTME: Extracts auth from metadata and places the caller identity in context.

package auth

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey struct{}

// WithCaller returns a context carrying the authenticated worker ID.
func WithCaller(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, contextKey{}, workerID)
}

// CallerFromContext returns the authenticated worker ID, if any.
func CallerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok
}

// extractBearer pulls the bearer token out of incoming metadata.
func extractBearer(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing authorization")
	}
	token := strings.TrimPrefix(values[0], "Bearer ")
	if token == "" || token == values[0] {
		return "", status.Error(codes.Unauthenticated, "malformed authorization header")
	}
	return token, nil
}

func authenticate(ctx context.Context, verifier TokenVerifier) (context.Context, error) {
	token, err := extractBearer(ctx)
	if err != nil {
		return nil, err
	}
	workerID, err := verifier.Verify(token)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "verifying token: %v", err)
	}
	return WithCaller(ctx, workerID), nil
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates
// every request against the verifier.
func UnaryInterceptor(verifier TokenVerifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticate(ctx, verifier)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates
// the stream's opening request.
func StreamInterceptor(verifier TokenVerifier) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), verifier)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// NoAuthUnaryInterceptor injects an anonymous caller when auth is disabled,
// so handlers reading the caller identity keep working.
func NoAuthUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return handler(WithCaller(ctx, "anonymous"), req)
	}
}

// NoAuthStreamInterceptor is the stream variant of NoAuthUnaryInterceptor.
func NoAuthStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: WithCaller(ss.Context(), "anonymous")})
	}
}

// wrappedServerStream overrides the stream context with the authenticated one.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
