// ABOUTME: Hubber persona: the repository clerk. Opens tracking issues,
// ABOUTME: relays generated content as comments, and lands finished artifacts.

package devteam

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/runtime"
)

// Posted when a persona produced no content at all.
const tiredComment = "Sorry, I got tired, can you try again please? "

// Hubber performs every repository-side operation of the workflow.
type Hubber struct {
	gh        GitHub
	artifacts ArtifactStore
	logger    *slog.Logger
}

type hubberState struct {
	Ask string `json:"ask"`
}

// NewHubber returns the factory for Hubber instances.
func NewHubber(gh GitHub, artifacts ArtifactStore, logger *slog.Logger) runtime.Factory {
	return func(id bus.AgentID) (runtime.Agent, error) {
		return &Hubber{
			gh:        gh,
			artifacts: artifacts,
			logger:    logger.With("component", "hubber", "agent", id.String()),
		}, nil
	}
}

func (a *Hubber) Routes() map[string]runtime.HandlerFunc {
	return map[string]runtime.HandlerFunc{
		MsgNewAsk:             a.handleNewAsk,
		MsgReadmeGenerated:    a.handleContent,
		MsgDevPlanGenerated:   a.handleContent,
		MsgCodeGenerated:      a.handleContent,
		MsgAsked:              a.handleContent,
		MsgAnswered:           a.handleContent,
		MsgReviewed:           a.handleContent,
		MsgApproved:           a.handleContent,
		MsgDevPlanCreated:     a.handleDevPlanCreated,
		MsgReadmeStored:       a.handleReadmeStored,
		MsgSandboxRunFinished: a.handleSandboxRunFinished,
		MsgShutdown:           shutdownRoute,
	}
}

// handleNewAsk opens the work branch and one tracking issue per skill the
// ask needs. The tracking comment lets a human follow the fan-out.
func (a *Hubber) handleNewAsk(ctx context.Context, turn *runtime.Turn, env *bus.Envelope) error {
	var ask AskPayload
	if err := env.Decode(&ask); err != nil {
		return err
	}
	item := ask.WorkItem

	branch := fmt.Sprintf("sk-%d", item.IssueNumber)
	if err := a.gh.CreateBranch(ctx, item.Org, item.Repo, branch); err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}

	tracks := []struct{ skill, function string }{
		{SkillPM, FunctionReadme},
		{SkillDevLead, FunctionPlan},
	}
	for _, t := range tracks {
		label := t.skill + "." + t.function
		number, err := a.gh.CreateIssue(ctx, item.Org, item.Repo, ask.Ask, ask.Ask, item.IssueNumber, []string{label})
		if err != nil {
			return fmt.Errorf("creating %s issue: %w", label, err)
		}
		comment := fmt.Sprintf(" - #%d - tracks %s", number, label)
		if err := a.gh.PostComment(ctx, item.Org, item.Repo, item.IssueNumber, comment); err != nil {
			return fmt.Errorf("commenting on #%d: %w", item.IssueNumber, err)
		}
	}

	return turn.SetState(&hubberState{Ask: ask.Ask})
}

// handleContent relays a persona's output onto its tracking issue.
func (a *Hubber) handleContent(ctx context.Context, _ *runtime.Turn, env *bus.Envelope) error {
	var content ContentPayload
	if err := env.Decode(&content); err != nil {
		return err
	}
	item, err := workItemFrom(env, content.WorkItem)
	if err != nil {
		return err
	}

	body := content.Content
	if body == "" {
		body = tiredComment
	}
	return a.gh.PostComment(ctx, item.Org, item.Repo, item.IssueNumber, body)
}

// handleDevPlanCreated fans the approved plan out into one implementation
// issue per step, each parented on the original ask.
func (a *Hubber) handleDevPlanCreated(ctx context.Context, _ *runtime.Turn, env *bus.Envelope) error {
	var plan ContentPayload
	if err := env.Decode(&plan); err != nil {
		return err
	}
	item, err := workItemFrom(env, plan.WorkItem)
	if err != nil {
		return err
	}

	steps := PlanSteps(plan.Content)
	if len(steps) == 0 {
		a.logger.Warn("plan has no extractable steps", "issue", item.IssueNumber)
		return nil
	}

	parent := item.ParentNumber
	if parent == 0 {
		parent = item.IssueNumber
	}
	label := SkillDeveloper + "." + FunctionImplement
	for _, step := range steps {
		number, err := a.gh.CreateIssue(ctx, item.Org, item.Repo, step, step, parent, []string{label})
		if err != nil {
			return fmt.Errorf("creating %s issue: %w", label, err)
		}
		comment := fmt.Sprintf(" - #%d - tracks %s", number, label)
		if err := a.gh.PostComment(ctx, item.Org, item.Repo, item.IssueNumber, comment); err != nil {
			return fmt.Errorf("commenting on #%d: %w", item.IssueNumber, err)
		}
	}
	return nil
}

// handleReadmeStored commits the stored artifacts and opens the pull request.
func (a *Hubber) handleReadmeStored(ctx context.Context, _ *runtime.Turn, env *bus.Envelope) error {
	var stored ContentPayload
	if err := env.Decode(&stored); err != nil {
		return err
	}
	item, err := workItemFrom(env, stored.WorkItem)
	if err != nil {
		return err
	}

	parent := item.ParentNumber
	if parent == 0 {
		parent = item.IssueNumber
	}
	branch := fmt.Sprintf("sk-%d", parent)

	dir := a.artifacts.Dir(item)
	if err := a.gh.CommitToBranch(ctx, item.Org, item.Repo, branch, dir); err != nil {
		return fmt.Errorf("committing artifacts: %w", err)
	}
	title := fmt.Sprintf("Resolves #%d", parent)
	if err := a.gh.CreatePullRequest(ctx, item.Org, item.Repo, branch, title); err != nil {
		return fmt.Errorf("opening pull request: %w", err)
	}
	return nil
}

// handleSandboxRunFinished posts the run output back onto the issue.
func (a *Hubber) handleSandboxRunFinished(ctx context.Context, _ *runtime.Turn, env *bus.Envelope) error {
	var run SandboxRunPayload
	if err := env.Decode(&run); err != nil {
		return err
	}
	item, err := workItemFrom(env, run.WorkItem)
	if err != nil {
		return err
	}

	body := run.Output
	if body == "" {
		body = fmt.Sprintf("Sandbox run %s finished with no output.", run.RunID)
	}
	return a.gh.PostComment(ctx, item.Org, item.Repo, item.IssueNumber, body)
}
