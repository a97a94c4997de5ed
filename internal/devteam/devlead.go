// ABOUTME: DevLead persona: breaks a user ask into an implementation plan.

package devteam

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/inference"
	"github.com/threadworks/loom/internal/runtime"
)

// DevLead generates development plans and remembers every revision.
type DevLead struct {
	gen    inference.Generator
	logger *slog.Logger
}

type devLeadState struct {
	PlanHistory []string `json:"plan_history"`
}

// NewDevLead returns the factory for DevLead instances.
func NewDevLead(gen inference.Generator, logger *slog.Logger) runtime.Factory {
	return func(id bus.AgentID) (runtime.Agent, error) {
		return &DevLead{
			gen:    gen,
			logger: logger.With("component", "dev-lead", "agent", id.String()),
		}, nil
	}
}

func (a *DevLead) Routes() map[string]runtime.HandlerFunc {
	return map[string]runtime.HandlerFunc{
		MsgDevPlanRequested:   a.handleRequested,
		MsgDevPlanIssueClosed: a.handleIssueClosed,
		MsgShutdown:           shutdownRoute,
	}
}

func (a *DevLead) handleRequested(ctx context.Context, turn *runtime.Turn, env *bus.Envelope) error {
	var ask AskPayload
	if err := env.Decode(&ask); err != nil {
		return err
	}
	item, err := workItemFrom(env, ask.WorkItem)
	if err != nil {
		return err
	}

	plan, err := a.gen.Generate(ctx, planPrompt, ask.Ask)
	if err != nil {
		a.logger.Warn("plan generation failed", "error", err)
		plan = ""
	}

	var st devLeadState
	if err := loadState(turn, &st); err != nil {
		return err
	}
	st.PlanHistory = append(st.PlanHistory, plan)
	if err := turn.SetState(&st); err != nil {
		return err
	}

	return turn.Publish(ctx, MsgDevPlanGenerated,
		bus.TopicID{Type: TopicHubber, Source: env.Topic.Source},
		ContentPayload{WorkItem: item, Content: plan},
	)
}

func (a *DevLead) handleIssueClosed(ctx context.Context, turn *runtime.Turn, env *bus.Envelope) error {
	item, err := ParseTopicSource(env.Topic.Source)
	if err != nil {
		return err
	}

	var st devLeadState
	if err := loadState(turn, &st); err != nil {
		return err
	}

	return turn.Publish(ctx, MsgDevPlanCreated,
		bus.TopicID{Type: TopicHubber, Source: env.Topic.Source},
		ContentPayload{WorkItem: item, Content: lastOf(st.PlanHistory)},
	)
}

// PlanSteps extracts the individual implementation steps from a generated
// plan. JSON of the form {"steps":[{"description":...}]} is preferred;
// bullet lines are the fallback.
func PlanSteps(plan string) []string {
	var parsed struct {
		Steps []struct {
			Description string `json:"description"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(plan), &parsed); err == nil && len(parsed.Steps) > 0 {
		steps := make([]string, 0, len(parsed.Steps))
		for _, s := range parsed.Steps {
			if s.Description != "" {
				steps = append(steps, s.Description)
			}
		}
		return steps
	}

	var steps []string
	for _, line := range strings.Split(plan, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "- "); ok && rest != "" {
			steps = append(steps, rest)
		}
	}
	return steps
}
