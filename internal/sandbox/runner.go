// ABOUTME: Container-backed execution of generated code, one container per run.
// ABOUTME: Runs are labeled so orphans can be found and removed after crashes.

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// LabelManager marks containers owned by this runtime.
	LabelManager      = "manager"
	LabelManagerValue = "loom"
	// LabelRunID identifies which sandbox run a container belongs to.
	LabelRunID = "run-id"

	scriptName = "run.sh"
)

// Runner executes one script per sandbox run and reports completion.
type Runner interface {
	// CreateRun materializes the script and starts its container.
	CreateRun(ctx context.Context, runID, script string) error

	// IsCompleted reports whether the run's container has exited. A missing
	// container counts as completed.
	IsCompleted(ctx context.Context, runID string) (bool, error)

	// Output returns the combined stdout/stderr captured so far.
	Output(ctx context.Context, runID string) (string, error)

	// Delete stops and removes the run's container. Idempotent.
	Delete(ctx context.Context, runID string) error
}

// DockerRunner implements Runner on the local Docker daemon.
type DockerRunner struct {
	client    *client.Client
	image     string
	outputDir string
	logger    *slog.Logger
}

// NewDocker creates a runner using the environment's Docker daemon.
func NewDocker(image, outputDir string, logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRunner{
		client:    cli,
		image:     image,
		outputDir: outputDir,
		logger:    logger.With("component", "sandbox"),
	}, nil
}

func (r *DockerRunner) containerName(runID string) string {
	return "loom-sandbox-" + strings.ToLower(runID)
}

// CreateRun writes the script under the run's output directory, then starts
// a container with that directory mounted at /sandbox.
func (r *DockerRunner) CreateRun(ctx context.Context, runID, script string) error {
	runDir, err := filepath.Abs(filepath.Join(r.outputDir, runID))
	if err != nil {
		return fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, scriptName), []byte(script), 0o755); err != nil {
		return fmt.Errorf("writing run script: %w", err)
	}

	cfg := &container.Config{
		Image:      r.image,
		Cmd:        []string{"bash", "/sandbox/" + scriptName},
		WorkingDir: "/sandbox",
		Labels: map[string]string{
			LabelManager: LabelManagerValue,
			LabelRunID:   runID,
		},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{runDir + ":/sandbox"},
	}

	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, r.containerName(runID))
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	if err := r.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}

	r.logger.Info("sandbox run started", "run_id", runID, "container_id", resp.ID[:12])
	return nil
}

// IsCompleted inspects the run's container state.
func (r *DockerRunner) IsCompleted(ctx context.Context, runID string) (bool, error) {
	c, err := r.client.ContainerInspect(ctx, r.containerName(runID))
	if err != nil {
		if client.IsErrNotFound(err) {
			return true, nil
		}
		return false, fmt.Errorf("inspecting container: %w", err)
	}
	return !c.State.Running, nil
}

// Output collects the container's log stream.
func (r *DockerRunner) Output(ctx context.Context, runID string) (string, error) {
	reader, err := r.client.ContainerLogs(ctx, r.containerName(runID), types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("reading container logs: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", fmt.Errorf("demultiplexing logs: %w", err)
	}
	return buf.String(), nil
}

// Delete stops and force-removes every container labeled with the run ID.
func (r *DockerRunner) Delete(ctx context.Context, runID string) error {
	containers, err := r.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
			filters.Arg("label", LabelRunID+"="+runID),
		),
	})
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	for _, c := range containers {
		timeout := 10
		if err := r.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			r.logger.Warn("stopping container", "id", c.ID[:12], "error", err)
		}
		if err := r.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("removing container %s: %w", c.ID[:12], err)
		}
	}
	return nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.client.Close()
}

// DryRun is a Runner that records scripts and completes after a configurable
// number of polls. Used when no Docker daemon is available, and in tests.
type DryRun struct {
	// PollsUntilDone is how many IsCompleted calls report false before a run
	// completes. Zero means runs complete immediately.
	PollsUntilDone int

	mu    sync.Mutex
	runs  map[string]*dryRunState
	order []string
}

type dryRunState struct {
	script string
	polls  int
}

func NewDryRun(pollsUntilDone int) *DryRun {
	return &DryRun{
		PollsUntilDone: pollsUntilDone,
		runs:           make(map[string]*dryRunState),
	}
}

func (d *DryRun) CreateRun(_ context.Context, runID, script string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.runs[runID]; exists {
		return fmt.Errorf("run %s already exists", runID)
	}
	d.runs[runID] = &dryRunState{script: script}
	d.order = append(d.order, runID)
	return nil
}

func (d *DryRun) IsCompleted(_ context.Context, runID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	run, ok := d.runs[runID]
	if !ok {
		return true, nil
	}
	run.polls++
	return run.polls > d.PollsUntilDone, nil
}

func (d *DryRun) Output(_ context.Context, runID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	run, ok := d.runs[runID]
	if !ok {
		return "", fmt.Errorf("run %s not found", runID)
	}
	return "dry run of:\n" + run.script, nil
}

func (d *DryRun) Delete(_ context.Context, runID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.runs, runID)
	return nil
}

// Runs returns run IDs in creation order.
func (d *DryRun) Runs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}
