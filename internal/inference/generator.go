// ABOUTME: Text generation interface for persona agents, backed by OpenAI.
// ABOUTME: A static generator stands in when no API key is configured.

package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/threadworks/loom/internal/config"
)

// ErrEmptyCompletion indicates the model returned no usable choice.
var ErrEmptyCompletion = errors.New("model returned empty completion")

// Generator produces a completion for a persona prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// OpenAIGenerator calls the chat completions API.
type OpenAIGenerator struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI builds a generator from worker inference config.
func NewOpenAI(cfg config.InferenceConfig, logger *slog.Logger) *OpenAIGenerator {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: logger.With("component", "inference"),
	}
}

// Generate sends one system+user prompt pair and returns the completion text.
func (g *OpenAIGenerator) Generate(ctx context.Context, system, user string) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyCompletion
	}

	g.logger.Debug("completion generated",
		"model", g.model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

// Static returns canned text regardless of prompt. Used when no API key is
// configured and in tests.
type Static struct {
	Text string
}

func (s Static) Generate(_ context.Context, _, _ string) (string, error) {
	if s.Text == "" {
		return "", ErrEmptyCompletion
	}
	return s.Text, nil
}

// FromConfig picks the OpenAI generator when an API key is configured and a
// static placeholder otherwise, so local runs work without credentials.
func FromConfig(cfg config.InferenceConfig, logger *slog.Logger) Generator {
	if cfg.APIKey == "" {
		logger.Warn("no inference api_key configured, using static generator")
		return Static{Text: "TODO: configure inference.api_key to generate real content"}
	}
	return NewOpenAI(cfg, logger)
}
