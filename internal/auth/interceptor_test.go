// ABOUTME: Tests for the bearer-token gRPC interceptors.
// ABOUTME: Covers metadata extraction, rejection codes, and caller propagation.

package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type fakeVerifier struct {
	workerID string
	err      error
}

func (f *fakeVerifier) Verify(token string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.workerID, nil
}

func unaryCtx(token string) context.Context {
	md := metadata.Pairs("authorization", "Bearer "+token)
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestUnaryInterceptorAcceptsValidToken(t *testing.T) {
	interceptor := UnaryInterceptor(&fakeVerifier{workerID: "worker-1"})

	var gotCaller string
	handler := func(ctx context.Context, req any) (any, error) {
		caller, ok := CallerFromContext(ctx)
		require.True(t, ok)
		gotCaller = caller
		return "ok", nil
	}

	resp, err := interceptor(unaryCtx("some-token"), nil, &grpc.UnaryServerInfo{}, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, "worker-1", gotCaller)
}

func TestUnaryInterceptorRejectsMissingMetadata(t *testing.T) {
	interceptor := UnaryInterceptor(&fakeVerifier{workerID: "worker-1"})

	handler := func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not run")
		return nil, nil
	}

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, handler)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestUnaryInterceptorRejectsMalformedHeader(t *testing.T) {
	interceptor := UnaryInterceptor(&fakeVerifier{workerID: "worker-1"})

	md := metadata.Pairs("authorization", "Basic abc123")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not run")
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestUnaryInterceptorRejectsBadToken(t *testing.T) {
	interceptor := UnaryInterceptor(&fakeVerifier{err: errors.New("signature mismatch")})

	_, err := interceptor(unaryCtx("tampered"), nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not run")
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestNoAuthUnaryInterceptorInjectsAnonymous(t *testing.T) {
	interceptor := NoAuthUnaryInterceptor()

	var gotCaller string
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
		caller, ok := CallerFromContext(ctx)
		require.True(t, ok)
		gotCaller = caller
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "anonymous", gotCaller)
}

type stubStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *stubStream) Context() context.Context { return s.ctx }

func TestStreamInterceptorAuthenticatesOpeningContext(t *testing.T) {
	interceptor := StreamInterceptor(&fakeVerifier{workerID: "worker-2"})

	var gotCaller string
	handler := func(srv any, ss grpc.ServerStream) error {
		caller, ok := CallerFromContext(ss.Context())
		require.True(t, ok)
		gotCaller = caller
		return nil
	}

	err := interceptor(nil, &stubStream{ctx: unaryCtx("stream-token")}, &grpc.StreamServerInfo{}, handler)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", gotCaller)
}

func TestStreamInterceptorRejectsMissingAuth(t *testing.T) {
	interceptor := StreamInterceptor(&fakeVerifier{workerID: "worker-2"})

	err := interceptor(nil, &stubStream{ctx: context.Background()}, &grpc.StreamServerInfo{}, func(srv any, ss grpc.ServerStream) error {
		t.Fatal("handler should not run")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
