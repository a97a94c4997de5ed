// ABOUTME: ProductOwner persona: turns a user ask into the repository README.

package devteam

import (
	"context"
	"log/slog"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/inference"
	"github.com/threadworks/loom/internal/runtime"
)

// ProductOwner generates README content for one work item and remembers
// every revision it produced.
type ProductOwner struct {
	gen    inference.Generator
	logger *slog.Logger
}

type productOwnerState struct {
	ReadmeHistory []string `json:"readme_history"`
}

// NewProductOwner returns the factory for ProductOwner instances.
func NewProductOwner(gen inference.Generator, logger *slog.Logger) runtime.Factory {
	return func(id bus.AgentID) (runtime.Agent, error) {
		return &ProductOwner{
			gen:    gen,
			logger: logger.With("component", "product-owner", "agent", id.String()),
		}, nil
	}
}

func (a *ProductOwner) Routes() map[string]runtime.HandlerFunc {
	return map[string]runtime.HandlerFunc{
		MsgReadmeRequested:   a.handleRequested,
		MsgReadmeIssueClosed: a.handleIssueClosed,
		MsgShutdown:          shutdownRoute,
	}
}

func (a *ProductOwner) handleRequested(ctx context.Context, turn *runtime.Turn, env *bus.Envelope) error {
	var ask AskPayload
	if err := env.Decode(&ask); err != nil {
		return err
	}
	item, err := workItemFrom(env, ask.WorkItem)
	if err != nil {
		return err
	}

	// A failed generation degrades to an empty readme so the pipeline keeps
	// moving; the clerk posts the placeholder comment for empty content.
	readme, err := a.gen.Generate(ctx, readmePrompt, ask.Ask)
	if err != nil {
		a.logger.Warn("readme generation failed", "error", err)
		readme = ""
	}

	var st productOwnerState
	if err := loadState(turn, &st); err != nil {
		return err
	}
	st.ReadmeHistory = append(st.ReadmeHistory, readme)
	if err := turn.SetState(&st); err != nil {
		return err
	}

	return turn.Publish(ctx, MsgReadmeGenerated,
		bus.TopicID{Type: TopicHubber, Source: env.Topic.Source},
		ContentPayload{WorkItem: item, Content: readme},
	)
}

// handleIssueClosed promotes the latest generated readme to the created
// artifact once the tracking issue closes.
func (a *ProductOwner) handleIssueClosed(ctx context.Context, turn *runtime.Turn, env *bus.Envelope) error {
	item, err := ParseTopicSource(env.Topic.Source)
	if err != nil {
		return err
	}

	var st productOwnerState
	if err := loadState(turn, &st); err != nil {
		return err
	}

	return turn.Publish(ctx, MsgReadmeCreated,
		bus.TopicID{Type: TopicAzureGenie, Source: env.Topic.Source},
		ContentPayload{WorkItem: item, Content: lastOf(st.ReadmeHistory)},
	)
}
