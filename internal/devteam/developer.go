// ABOUTME: Developer persona: implements one plan step as a runnable script.

package devteam

import (
	"context"
	"log/slog"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/inference"
	"github.com/threadworks/loom/internal/runtime"
)

// Developer generates code for one subtask issue and remembers revisions.
type Developer struct {
	gen    inference.Generator
	logger *slog.Logger
}

type developerState struct {
	CodeHistory []string `json:"code_history"`
}

// NewDeveloper returns the factory for Developer instances.
func NewDeveloper(gen inference.Generator, logger *slog.Logger) runtime.Factory {
	return func(id bus.AgentID) (runtime.Agent, error) {
		return &Developer{
			gen:    gen,
			logger: logger.With("component", "developer", "agent", id.String()),
		}, nil
	}
}

func (a *Developer) Routes() map[string]runtime.HandlerFunc {
	return map[string]runtime.HandlerFunc{
		MsgCodeGenerationRequested: a.handleRequested,
		MsgCodeIssueClosed:         a.handleIssueClosed,
		MsgShutdown:                shutdownRoute,
	}
}

func (a *Developer) handleRequested(ctx context.Context, turn *runtime.Turn, env *bus.Envelope) error {
	var ask AskPayload
	if err := env.Decode(&ask); err != nil {
		return err
	}
	item, err := workItemFrom(env, ask.WorkItem)
	if err != nil {
		return err
	}

	code, err := a.gen.Generate(ctx, implementPrompt, ask.Ask)
	if err != nil {
		a.logger.Warn("code generation failed", "error", err)
		code = ""
	}

	var st developerState
	if err := loadState(turn, &st); err != nil {
		return err
	}
	st.CodeHistory = append(st.CodeHistory, code)
	if err := turn.SetState(&st); err != nil {
		return err
	}

	return turn.Publish(ctx, MsgCodeGenerated,
		bus.TopicID{Type: TopicHubber, Source: env.Topic.Source},
		ContentPayload{WorkItem: item, Content: code},
	)
}

func (a *Developer) handleIssueClosed(ctx context.Context, turn *runtime.Turn, env *bus.Envelope) error {
	item, err := ParseTopicSource(env.Topic.Source)
	if err != nil {
		return err
	}

	var st developerState
	if err := loadState(turn, &st); err != nil {
		return err
	}

	return turn.Publish(ctx, MsgCodeCreated,
		bus.TopicID{Type: TopicAzureGenie, Source: env.Topic.Source},
		ContentPayload{WorkItem: item, Content: lastOf(st.CodeHistory)},
	)
}
