// ABOUTME: AzureGenie persona: lands artifacts on disk and launches sandbox runs.

package devteam

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/runtime"
	"github.com/threadworks/loom/internal/sandbox"
)

// ArtifactStore persists workflow artifacts for one work item.
type ArtifactStore interface {
	Save(item WorkItem, name string, content []byte) error
	// Dir returns the directory holding the item's artifacts.
	Dir(item WorkItem) string
}

// DirStore writes artifacts under Root/{org}-{repo}-{parent}-{issue}/.
type DirStore struct {
	Root string
}

func (s DirStore) Dir(item WorkItem) string {
	return filepath.Join(s.Root,
		fmt.Sprintf("%s-%s-%d-%d", item.Org, item.Repo, item.ParentNumber, item.IssueNumber))
}

func (s DirStore) Save(item WorkItem, name string, content []byte) error {
	dir := s.Dir(item)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		return fmt.Errorf("writing artifact %s: %w", name, err)
	}
	return nil
}

// RunID derives the sandbox run identifier for a work item.
func RunID(item WorkItem) string {
	return fmt.Sprintf("sk-sandbox-%s-%s-%d-%d",
		item.Org, item.Repo, item.ParentNumber, item.IssueNumber)
}

// AzureGenie owns the infrastructure side effects: artifact storage and
// sandbox run creation.
type AzureGenie struct {
	runner    sandbox.Runner
	artifacts ArtifactStore
	logger    *slog.Logger
}

// NewAzureGenie returns the factory for AzureGenie instances.
func NewAzureGenie(runner sandbox.Runner, artifacts ArtifactStore, logger *slog.Logger) runtime.Factory {
	return func(id bus.AgentID) (runtime.Agent, error) {
		return &AzureGenie{
			runner:    runner,
			artifacts: artifacts,
			logger:    logger.With("component", "azure-genie", "agent", id.String()),
		}, nil
	}
}

func (a *AzureGenie) Routes() map[string]runtime.HandlerFunc {
	return map[string]runtime.HandlerFunc{
		MsgReadmeCreated: a.handleReadmeCreated,
		MsgCodeCreated:   a.handleCodeCreated,
		MsgShutdown:      shutdownRoute,
	}
}

func (a *AzureGenie) handleReadmeCreated(ctx context.Context, turn *runtime.Turn, env *bus.Envelope) error {
	var content ContentPayload
	if err := env.Decode(&content); err != nil {
		return err
	}
	item, err := workItemFrom(env, content.WorkItem)
	if err != nil {
		return err
	}

	if err := a.artifacts.Save(item, "readme.md", []byte(content.Content)); err != nil {
		return err
	}
	a.logger.Info("readme stored", "issue", item.IssueNumber)

	return turn.Publish(ctx, MsgReadmeStored,
		bus.TopicID{Type: TopicHubber, Source: env.Topic.Source},
		ContentPayload{WorkItem: item},
	)
}

func (a *AzureGenie) handleCodeCreated(ctx context.Context, turn *runtime.Turn, env *bus.Envelope) error {
	var content ContentPayload
	if err := env.Decode(&content); err != nil {
		return err
	}
	item, err := workItemFrom(env, content.WorkItem)
	if err != nil {
		return err
	}

	if err := a.artifacts.Save(item, "run.sh", []byte(content.Content)); err != nil {
		return err
	}

	runID := RunID(item)
	if err := a.runner.CreateRun(ctx, runID, content.Content); err != nil {
		return fmt.Errorf("creating sandbox run %s: %w", runID, err)
	}
	a.logger.Info("sandbox run created", "run_id", runID)

	return turn.Publish(ctx, MsgSandboxRunCreated,
		bus.TopicID{Type: TopicSandbox, Source: env.Topic.Source},
		SandboxRunPayload{WorkItem: item, RunID: runID},
	)
}
