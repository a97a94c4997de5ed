// ABOUTME: Resilient client for the Control service: unary calls plus the message stream.
// ABOUTME: Owns the reconnect state machine; registrations are replayed after reconnects.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/threadworks/loom/internal/auth"
	"github.com/threadworks/loom/internal/bus"
)

// ErrNotConnected indicates the message stream is not currently established.
var ErrNotConnected = errors.New("message stream not connected")

// ConnState tracks the message-stream connection lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// ClientConfig configures a Control client.
type ClientConfig struct {
	// Addr is the gateway's gRPC address, host:port.
	Addr string

	// WorkerID identifies this worker process to the gateway.
	WorkerID string

	// RootCAFile pins the root the gateway's certificate must chain to.
	// Empty disables TLS (development only; logged loudly).
	RootCAFile string

	// ServerName overrides hostname verification when the dial address
	// differs from the certificate subject.
	ServerName string

	// Token is the bearer token presented on every call. Empty disables
	// channel authentication.
	Token string

	// Retry overrides the default transient-failure policy when non-zero.
	Retry RetryPolicy

	Logger *slog.Logger
}

// Control_MessageStreamClient is the client half of the bidirectional stream.
type Control_MessageStreamClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	CloseSend() error
}

type controlMessageStreamClient struct {
	grpc.ClientStream
}

func (s *controlMessageStreamClient) Send(f *Frame) error {
	return s.ClientStream.SendMsg(f)
}

func (s *controlMessageStreamClient) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Client talks to the gateway's Control service over a single long-lived
// channel shared by every agent instance in the process.
type Client struct {
	cfg    ClientConfig
	policy RetryPolicy
	conn   *grpc.ClientConn
	logger *slog.Logger

	mu     sync.Mutex
	stream Control_MessageStreamClient
	state  ConnState
	ferr   error

	// sendMu serializes stream writes; SendMsg on a grpc.ClientStream is
	// not safe for concurrent use.
	sendMu sync.Mutex

	replay     func(context.Context) error
	deliveries chan *bus.Delivery
	shutdowns  chan string
	done       chan struct{}
	closeOnce  sync.Once
}

// Dial builds the channel. The connection itself is lazy; Start establishes
// the message stream.
func Dial(cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("gateway address is required")
	}
	if cfg.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "control-client")

	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy
	}

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithChainUnaryInterceptor(UnaryRetryInterceptor(policy, logger)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                20 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if cfg.RootCAFile != "" {
		creds, err := ClientCredentials(cfg.RootCAFile, cfg.ServerName)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		logger.Warn("TLS disabled - no pinned root CA configured")
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if cfg.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(auth.BearerCredentials{
			Token:  cfg.Token,
			Secure: cfg.RootCAFile != "",
		}))
	}

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating channel to %s: %w", cfg.Addr, err)
	}

	return &Client{
		cfg:        cfg,
		policy:     policy,
		conn:       conn,
		logger:     logger,
		state:      StateDisconnected,
		deliveries: make(chan *bus.Delivery, 64),
		shutdowns:  make(chan string, 1),
		done:       make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal connection error, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ferr
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start establishes the message stream, performing the hello/welcome
// handshake, then runs the receive loop with automatic reconnection.
// replay is invoked after every (re)connect so the caller can reinstall its
// registrations and subscriptions; it may be nil.
func (c *Client) Start(ctx context.Context, replay func(context.Context) error) error {
	c.replay = replay

	stream, err := c.connect(ctx)
	if err != nil {
		c.fail(err)
		return err
	}
	go c.run(ctx, stream)
	return nil
}

// connect opens the stream with bounded retries and completes the handshake.
func (c *Client) connect(ctx context.Context) (Control_MessageStreamClient, error) {
	c.setState(StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		stream, err := c.openStream(ctx)
		if err == nil {
			c.mu.Lock()
			c.stream = stream
			c.state = StateConnected
			c.mu.Unlock()
			if c.replay != nil {
				if rerr := c.replay(ctx); rerr != nil {
					return nil, fmt.Errorf("replaying registrations: %w", rerr)
				}
			}
			return stream, nil
		}
		if !Retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == c.policy.MaxAttempts {
			break
		}
		delay := c.policy.Backoff(attempt)
		c.logger.Warn("stream unavailable, retrying", "attempt", attempt, "backoff", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrNotConnected
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("connecting message stream: %w", lastErr)
}

// openStream performs a single stream-open plus hello/welcome exchange.
func (c *Client) openStream(ctx context.Context) (Control_MessageStreamClient, error) {
	cs, err := c.conn.NewStream(ctx, &controlServiceDesc.Streams[0], methodMessageStream)
	if err != nil {
		return nil, err
	}
	stream := &controlMessageStreamClient{cs}

	if err := stream.Send(&Frame{Hello: &Hello{WorkerID: c.cfg.WorkerID}}); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	f, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("receiving welcome: %w", err)
	}
	if f.Welcome == nil {
		return nil, errors.New("expected welcome frame")
	}
	c.logger.Info("connected to gateway", "server_id", f.Welcome.ServerID)
	return stream, nil
}

// run receives frames until the stream breaks, then reconnects with the
// bounded backoff schedule. Exhausting reconnect attempts is terminal.
func (c *Client) run(ctx context.Context, stream Control_MessageStreamClient) {
	defer close(c.deliveries)
	for {
		err := c.recvLoop(stream)
		select {
		case <-c.done:
			return
		default:
		}
		if ctx.Err() != nil {
			return
		}

		c.setState(StateDegraded)
		c.logger.Warn("message stream broken, reconnecting", "error", err)

		var cerr error
		stream, cerr = c.connect(ctx)
		if cerr != nil {
			c.fail(cerr)
			return
		}
	}
}

func (c *Client) recvLoop(stream Control_MessageStreamClient) error {
	for {
		f, err := stream.Recv()
		if err != nil {
			return err
		}
		switch {
		case f.Deliver != nil:
			select {
			case c.deliveries <- f.Deliver:
			case <-c.done:
				return ErrNotConnected
			}
		case f.Shutdown != nil:
			select {
			case c.shutdowns <- f.Shutdown.Reason:
			default:
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.stream = nil
	if c.ferr == nil {
		c.ferr = err
	}
	c.mu.Unlock()
	c.logger.Error("control channel failed", "error", err)
}

// Publish hands an envelope to the stream writer. It returns once the frame
// is accepted by the transport, not once consumers have handled it.
func (c *Client) Publish(ctx context.Context, env *bus.Envelope) error {
	c.mu.Lock()
	stream := c.stream
	ferr := c.ferr
	c.mu.Unlock()

	if ferr != nil {
		return ferr
	}
	if stream == nil {
		return ErrNotConnected
	}
	env.Sender = c.cfg.WorkerID
	c.sendMu.Lock()
	err := stream.Send(&Frame{Publish: env})
	c.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("publishing %s: %w", env.Type, err)
	}
	return nil
}

// Deliveries returns the inbound routed-message channel. It is closed when
// the connection terminally fails or the client is closed.
func (c *Client) Deliveries() <-chan *bus.Delivery {
	return c.deliveries
}

// ShutdownSignals surfaces gateway-initiated shutdown requests.
func (c *Client) ShutdownSignals() <-chan string {
	return c.shutdowns
}

// RegisterAgentType records this worker as the host of the given agent type.
func (c *Client) RegisterAgentType(ctx context.Context, agentType string) error {
	req := &RegisterAgentTypeRequest{WorkerID: c.cfg.WorkerID, AgentType: agentType}
	return c.conn.Invoke(ctx, methodRegisterAgentType, req, new(RegisterAgentTypeResponse))
}

// AddSubscription installs a routing rule and returns its generated ID.
func (c *Client) AddSubscription(ctx context.Context, sub *bus.Subscription) (string, error) {
	req := &AddSubscriptionRequest{WorkerID: c.cfg.WorkerID, Subscription: sub}
	resp := new(AddSubscriptionResponse)
	if err := c.conn.Invoke(ctx, methodAddSubscription, req, resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// RemoveSubscription removes a previously installed routing rule.
func (c *Client) RemoveSubscription(ctx context.Context, id string) error {
	req := &RemoveSubscriptionRequest{ID: id}
	return c.conn.Invoke(ctx, methodRemoveSubscription, req, new(RemoveSubscriptionResponse))
}

// GetSubscriptions lists installed subscriptions, optionally filtered by
// topic type.
func (c *Client) GetSubscriptions(ctx context.Context, topicType string) ([]*bus.Subscription, error) {
	req := &GetSubscriptionsRequest{TopicType: topicType}
	resp := new(GetSubscriptionsResponse)
	if err := c.conn.Invoke(ctx, methodGetSubscriptions, req, resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Close tears down the stream and the underlying channel.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.conn.Close()
}
