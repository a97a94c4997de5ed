// ABOUTME: Gateway orchestrator that coordinates the gRPC and HTTP servers.
// ABOUTME: Owns the routing registry, worker manager, and publish dedupe lifecycle.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/threadworks/loom/internal/auth"
	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/config"
	"github.com/threadworks/loom/internal/dedupe"
	"github.com/threadworks/loom/internal/rpc"
)

// Gateway orchestrates the loom-gateway server components. It manages the
// gRPC server for worker connections and the HTTP server for health checks.
type Gateway struct {
	cfg        *config.Gateway
	registry   *Registry
	manager    *Manager
	dedupe     *dedupe.Cache
	grpcServer *grpc.Server
	httpServer *http.Server
	logger     *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// newGRPCServer builds the server with transport credentials and auth
// interceptors per config. Missing TLS or auth is allowed but logged loudly;
// a present-but-broken TLS config is fatal.
func newGRPCServer(cfg *config.Gateway, logger *slog.Logger) (*grpc.Server, error) {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if cfg.TLS.CertFile != "" || cfg.TLS.KeyFile != "" {
		creds, err := rpc.ServerCredentials(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("TLS disabled - no cert_file/key_file configured")
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		opts = append(opts,
			grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(verifier)),
			grpc.ChainStreamInterceptor(auth.StreamInterceptor(verifier)),
		)
		logger.Info("auth interceptors enabled (JWT)")
	} else {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(auth.NoAuthUnaryInterceptor()),
			grpc.ChainStreamInterceptor(auth.NoAuthStreamInterceptor()),
		)
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	return grpc.NewServer(opts...), nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Gateway, logger *slog.Logger) (*Gateway, error) {
	grpcServer, err := newGRPCServer(cfg, logger)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		cfg:        cfg,
		registry:   NewRegistry(logger.With("component", "registry")),
		manager:    NewManager(logger.With("component", "worker-manager")),
		dedupe:     dedupe.New(5 * time.Minute),
		grpcServer: grpcServer,
		logger:     logger.With("component", "gateway"),
		serverID:   generateServerID(),
	}

	rpc.RegisterControlServer(grpcServer, newControlServer(gw, logger.With("component", "grpc")))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Registry exposes the routing tables, for diagnostics and tests.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// routePublish routes one published envelope to every subscribed instance.
// Duplicate envelope IDs within the dedupe window are dropped.
func (g *Gateway) routePublish(sender string, env *bus.Envelope) {
	if env.ID != "" && g.dedupe.CheckAndMark(env.ID) {
		g.logger.Debug("duplicate publish dropped", "message_id", env.ID, "type", env.Type)
		return
	}
	env.Sender = sender

	targets := g.registry.Route(env)
	if len(targets) == 0 {
		g.logger.Debug("no route for message",
			"type", env.Type,
			"topic_type", env.Topic.Type,
			"topic_source", env.Topic.Source,
		)
		return
	}

	for _, t := range targets {
		d := &bus.Delivery{Target: t.Agent, Envelope: env}
		if err := g.manager.Deliver(t.Worker, d); err != nil {
			g.logger.Warn("delivering message",
				"worker_id", t.Worker,
				"target", t.Agent.String(),
				"type", env.Type,
				"error", err,
			)
		}
	}
}

// setupListeners creates TCP listeners for gRPC and HTTP.
func (g *Gateway) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.cfg.Server.GRPCAddr,
		"http_addr", g.cfg.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.cfg.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	httpLn, err = net.Listen("tcp", g.cfg.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// startServers starts gRPC and HTTP servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners()
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown gracefully stops all gateway servers. Workers are asked to
// terminate first so in-flight handling can complete.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.manager.Broadcast("gateway shutting down")

	var httpErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		httpErr = fmt.Errorf("HTTP shutdown: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}

	return httpErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one worker connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	workers := g.manager.List()
	if len(workers) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no workers connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d workers)", len(workers))
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("loom-gateway-%d", time.Now().UnixNano()%1000000)
}
