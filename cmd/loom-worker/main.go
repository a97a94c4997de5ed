// ABOUTME: Entry point for a loom worker: hosts the dev-team agents and
// ABOUTME: keeps a resilient channel to the gateway.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/threadworks/loom/internal/config"
	"github.com/threadworks/loom/internal/devteam"
	"github.com/threadworks/loom/internal/inference"
	"github.com/threadworks/loom/internal/rpc"
	"github.com/threadworks/loom/internal/runtime"
	"github.com/threadworks/loom/internal/sandbox"
	"github.com/threadworks/loom/internal/state"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _
| | ___   ___  _ __ ___
| |/ _ \ / _ \| '_ ' _ \
| | (_) | (_) | | | | | |
|_|\___/ \___/|_| |_| |_|  worker
`

// getConfigPath returns the path to the worker config file.
// Priority: LOOM_WORKER_CONFIG env var > XDG_CONFIG_HOME/loom/worker.toml > ~/.config/loom/worker.toml
func getConfigPath() string {
	if envPath := os.Getenv("LOOM_WORKER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	path := filepath.Join(configDir, "loom", "worker.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "" // defaults plus env overrides
	}
	return path
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: loom-worker <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the worker and connect to the gateway")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	configPath := getConfigPath()
	cfg, err := config.LoadWorker(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	workerID := cfg.Gateway.WorkerID
	if workerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving worker id: %w", err)
		}
		workerID = hostname
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Worker:  %s\n", workerID)
	green.Print("    ▶ ")
	fmt.Printf("Gateway: %s\n", cfg.Gateway.Addr)
	green.Print("    ▶ ")
	fmt.Printf("State:   %s\n", cfg.Database.Path)
	fmt.Println()

	store, err := state.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	client, err := rpc.Dial(rpc.ClientConfig{
		Addr:       cfg.Gateway.Addr,
		WorkerID:   workerID,
		RootCAFile: cfg.Gateway.RootCAFile,
		ServerName: cfg.Gateway.ServerName,
		Token:      cfg.Gateway.Token,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}

	rt := runtime.New(client, store, logger)

	runner, err := buildRunner(cfg.Sandbox, logger)
	if err != nil {
		return err
	}

	deps := devteam.Deps{
		Generator:   inference.FromConfig(cfg.Inference, logger),
		GitHub:      devteam.NewDryRunGitHub(0, logger),
		Runner:      runner,
		Artifacts:   devteam.DirStore{Root: cfg.Sandbox.OutputDir},
		Logger:      logger,
		SandboxPoll: cfg.Sandbox.PollEvery.Duration,
	}
	if !cfg.GitHub.DryRun {
		logger.Warn("github.dry_run=false but no live client is configured; recording intents only")
	}
	if err := devteam.Register(rt, deps); err != nil {
		return fmt.Errorf("registering agents: %w", err)
	}

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("starting runtime: %w", err)
	}
	logger.Info("worker running", "worker_id", workerID, "gateway", cfg.Gateway.Addr)

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case <-rt.ShutdownRequested():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return rt.Shutdown(shutdownCtx)
}

// buildRunner prefers the Docker daemon and falls back to recording runs
// when it is unavailable.
func buildRunner(cfg config.SandboxConfig, logger *slog.Logger) (sandbox.Runner, error) {
	runner, err := sandbox.NewDocker(cfg.Image, cfg.OutputDir, logger)
	if err != nil {
		logger.Warn("docker unavailable, sandbox runs will be recorded only", "error", err)
		return sandbox.NewDryRun(1), nil
	}
	return runner, nil
}

func setupLogger(cfg config.WorkerLogging) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
