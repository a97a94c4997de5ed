// ABOUTME: Stakeholder persona: answers the team on behalf of the requester.

package devteam

import (
	"context"
	"log/slog"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/inference"
	"github.com/threadworks/loom/internal/runtime"
)

// Stakeholder responds to team questions, reviews, and approval requests.
type Stakeholder struct {
	gen    inference.Generator
	logger *slog.Logger
}

type stakeholderState struct {
	ResponseHistory []string `json:"response_history"`
}

// NewStakeholder returns the factory for Stakeholder instances.
func NewStakeholder(gen inference.Generator, logger *slog.Logger) runtime.Factory {
	return func(id bus.AgentID) (runtime.Agent, error) {
		return &Stakeholder{
			gen:    gen,
			logger: logger.With("component", "stakeholder", "agent", id.String()),
		}, nil
	}
}

func (a *Stakeholder) Routes() map[string]runtime.HandlerFunc {
	return map[string]runtime.HandlerFunc{
		MsgAsk:      a.respond(MsgAsked),
		MsgAnswer:   a.respond(MsgAnswered),
		MsgReview:   a.respond(MsgReviewed),
		MsgApprove:  a.respond(MsgApproved),
		MsgShutdown: shutdownRoute,
	}
}

// respond builds a handler that generates the stakeholder's reply and
// publishes it under the given response type.
func (a *Stakeholder) respond(responseType string) runtime.HandlerFunc {
	return func(ctx context.Context, turn *runtime.Turn, env *bus.Envelope) error {
		var content ContentPayload
		if err := env.Decode(&content); err != nil {
			return err
		}
		item, err := workItemFrom(env, content.WorkItem)
		if err != nil {
			return err
		}

		reply, err := a.gen.Generate(ctx, stakeholderPrompt, content.Content)
		if err != nil {
			a.logger.Warn("response generation failed", "type", responseType, "error", err)
			reply = ""
		}

		var st stakeholderState
		if err := loadState(turn, &st); err != nil {
			return err
		}
		st.ResponseHistory = append(st.ResponseHistory, reply)
		if err := turn.SetState(&st); err != nil {
			return err
		}

		return turn.Publish(ctx, responseType,
			bus.TopicID{Type: TopicHubber, Source: env.Topic.Source},
			ContentPayload{WorkItem: item, Content: reply},
		)
	}
}
