// ABOUTME: Bounded exponential-backoff retry for transient channel failures.
// ABOUTME: Only codes.Unavailable is retried; everything else propagates immediately.

package rpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryPolicy bounds automatic retries of transient transport failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy mirrors the gateway channel's method config: five
// attempts, 1s initial backoff, 5s cap, 1.5x multiplier.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: time.Second,
	MaxBackoff:     5 * time.Second,
	Multiplier:     1.5,
}

// Backoff returns the delay before the given retry. attempt is 1-based: the
// delay after the first failed call is InitialBackoff. Delays are
// non-decreasing and capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Retryable reports whether the error is a transient channel failure.
func Retryable(err error) bool {
	return status.Code(err) == codes.Unavailable
}

// UnaryRetryInterceptor returns a client interceptor applying the policy to
// every unary call on the channel.
func UnaryRetryInterceptor(policy RetryPolicy, logger *slog.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		var err error
		for attempt := 1; ; attempt++ {
			err = invoker(ctx, method, req, reply, cc, opts...)
			if err == nil || !Retryable(err) {
				return err
			}
			if attempt >= policy.MaxAttempts {
				return err
			}
			delay := policy.Backoff(attempt)
			if logger != nil {
				logger.Warn("channel unavailable, retrying",
					"method", method,
					"attempt", attempt,
					"backoff", delay,
				)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}
