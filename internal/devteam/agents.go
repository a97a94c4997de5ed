// ABOUTME: Shared plumbing for dev-team agents: state helpers, wiring, shutdown.
// ABOUTME: Register installs every persona factory and subscription on a runtime.

package devteam

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/inference"
	"github.com/threadworks/loom/internal/runtime"
	"github.com/threadworks/loom/internal/sandbox"
)

// Deps collects the collaborators shared by the persona agents.
type Deps struct {
	Generator inference.Generator
	GitHub    GitHub
	Runner    sandbox.Runner
	Artifacts ArtifactStore
	Logger    *slog.Logger

	// SandboxPoll is the run-completion polling interval. Zero means the
	// default one-minute cadence.
	SandboxPoll time.Duration
}

// Register wires every dev-team persona onto the runtime. Must run before
// the runtime starts.
func Register(rt *runtime.Runtime, deps Deps) error {
	type persona struct {
		agentType string
		factory   runtime.Factory
	}
	personas := []persona{
		{TopicHubber, NewHubber(deps.GitHub, deps.Artifacts, deps.Logger)},
		{TopicProductOwner, NewProductOwner(deps.Generator, deps.Logger)},
		{TopicDevLead, NewDevLead(deps.Generator, deps.Logger)},
		{TopicDeveloper, NewDeveloper(deps.Generator, deps.Logger)},
		{TopicAzureGenie, NewAzureGenie(deps.Runner, deps.Artifacts, deps.Logger)},
		{TopicSandbox, NewSandbox(deps.Runner, deps.SandboxPoll, deps.Logger)},
		{TopicStakeholder, NewStakeholder(deps.Generator, deps.Logger)},
	}
	for _, p := range personas {
		if err := rt.RegisterAgentFactory(p.agentType, p.factory); err != nil {
			return err
		}
		if err := rt.RegisterSubscriptionsFor(p.agentType, p.agentType); err != nil {
			return err
		}
	}
	return nil
}

// loadState fills st from the turn, treating a first activation as empty.
func loadState(turn *runtime.Turn, st any) error {
	if err := turn.State(st); err != nil && !errors.Is(err, runtime.ErrNoState) {
		return err
	}
	return nil
}

// lastOf returns the most recent entry of a history, or "".
func lastOf(history []string) string {
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1]
}

// shutdownRoute asks the runtime to stop. Shared by every persona.
func shutdownRoute(_ context.Context, turn *runtime.Turn, _ *bus.Envelope) error {
	turn.RequestShutdown()
	return nil
}

// workItemFrom resolves the work item for an envelope, preferring the
// payload coordinates and falling back to the topic source.
func workItemFrom(env *bus.Envelope, payload WorkItem) (WorkItem, error) {
	if payload.Org != "" {
		return payload, nil
	}
	return ParseTopicSource(env.Topic.Source)
}
