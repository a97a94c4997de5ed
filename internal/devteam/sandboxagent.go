// ABOUTME: Sandbox persona: polls a run to completion on a durable reminder.
// ABOUTME: The persisted completed flag makes a replayed fire a no-op.

package devteam

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/runtime"
	"github.com/threadworks/loom/internal/sandbox"
)

// ReminderRunCheck is the reminder each sandbox run polls completion on.
const ReminderRunCheck = "sandbox-run"

// runCheckPeriod is the default one-minute polling cadence.
const runCheckPeriod = time.Minute

// SandboxAgent watches one sandbox run per instance.
type SandboxAgent struct {
	runner sandbox.Runner
	poll   time.Duration
	logger *slog.Logger
}

type sandboxState struct {
	WorkItem
	RunID     string `json:"run_id"`
	Completed bool   `json:"completed"`
}

// NewSandbox returns the factory for SandboxAgent instances polling at the
// given interval (zero means runCheckPeriod).
func NewSandbox(runner sandbox.Runner, poll time.Duration, logger *slog.Logger) runtime.Factory {
	if poll <= 0 {
		poll = runCheckPeriod
	}
	return func(id bus.AgentID) (runtime.Agent, error) {
		return &SandboxAgent{
			runner: runner,
			poll:   poll,
			logger: logger.With("component", "sandbox-agent", "agent", id.String()),
		}, nil
	}
}

func (a *SandboxAgent) Routes() map[string]runtime.HandlerFunc {
	return map[string]runtime.HandlerFunc{
		MsgSandboxRunCreated: a.handleRunCreated,
		MsgShutdown:          shutdownRoute,
	}
}

// handleRunCreated records the run coordinates and starts polling. The first
// check fires immediately, then every minute.
func (a *SandboxAgent) handleRunCreated(ctx context.Context, turn *runtime.Turn, env *bus.Envelope) error {
	var run SandboxRunPayload
	if err := env.Decode(&run); err != nil {
		return err
	}
	item, err := workItemFrom(env, run.WorkItem)
	if err != nil {
		return err
	}

	st := sandboxState{WorkItem: item, RunID: run.RunID}
	if err := turn.SetState(&st); err != nil {
		return err
	}
	return turn.ScheduleReminder(ctx, ReminderRunCheck, 0, a.poll)
}

// HandleReminder probes the run. A completion-check failure counts as not
// complete; the next fire tries again.
func (a *SandboxAgent) HandleReminder(ctx context.Context, turn *runtime.Turn, name string) error {
	if name != ReminderRunCheck {
		return fmt.Errorf("unknown reminder %q", name)
	}

	var st sandboxState
	if err := loadState(turn, &st); err != nil {
		return err
	}
	if st.Completed {
		// Replayed fire after the run already finished
		return turn.CancelReminder(ctx, name)
	}
	if st.RunID == "" {
		a.logger.Warn("reminder fired before run coordinates were recorded")
		return nil
	}

	done, err := a.runner.IsCompleted(ctx, st.RunID)
	if err != nil {
		a.logger.Warn("completion check failed, will retry", "run_id", st.RunID, "error", err)
		return nil
	}
	if !done {
		return nil
	}

	output, err := a.runner.Output(ctx, st.RunID)
	if err != nil {
		a.logger.Warn("reading run output", "run_id", st.RunID, "error", err)
	}
	if err := a.runner.Delete(ctx, st.RunID); err != nil {
		return fmt.Errorf("deleting sandbox run %s: %w", st.RunID, err)
	}

	if err := turn.Publish(ctx, MsgSandboxRunFinished,
		bus.TopicID{Type: TopicHubber, Source: st.WorkItem.TopicSource()},
		SandboxRunPayload{WorkItem: st.WorkItem, RunID: st.RunID, Output: output},
	); err != nil {
		return err
	}

	st.Completed = true
	if err := turn.SetState(&st); err != nil {
		return err
	}
	a.logger.Info("sandbox run finished", "run_id", st.RunID)
	return turn.CancelReminder(ctx, name)
}
