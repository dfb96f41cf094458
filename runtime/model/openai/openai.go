// Package openai provides the model.Client adapter for OpenAI's API.
package openai

import (
	"context"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime/envelope"
	"github.com/dipeo/dipeo-go/runtime/model"
)

// Client implements model.Client for OpenAI chat completions.
//
// Failures are classified into the runtime error taxonomy; retry
// decisions belong to the engine, so the adapter performs no retries
// of its own.
type Client struct {
	apiKey       string
	defaultModel string
}

// NewClient creates an OpenAI client. An empty modelName selects
// "gpt-4o".
func NewClient(apiKey, modelName string) *Client {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	return &Client{apiKey: apiKey, defaultModel: modelName}
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if c.apiKey == "" {
		return model.Response{}, errdefs.New(errdefs.KindValidation, "OpenAI API key is required")
	}
	if ctx.Err() != nil {
		return model.Response{}, ctx.Err()
	}

	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey), option.WithMaxRetries(0))

	modelName := req.Model
	if modelName == "" {
		modelName = c.defaultModel
	}
	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(modelName),
		Messages: convertMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.MaxTokens))
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, classify(err)
	}

	out := model.Response{
		Usage: envelope.Usage{
			Input:  int(resp.Usage.PromptTokens),
			Output: int(resp.Usage.CompletionTokens),
			Cached: int(resp.Usage.PromptTokensDetails.CachedTokens),
		},
	}
	out.Usage.Total = out.Usage.Input + out.Usage.Output
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	return out, nil
}

func convertMessages(messages []model.Message) []openaisdk.ChatCompletionMessageParamUnion {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result[i] = openaisdk.SystemMessage(msg.Content)
		case model.RoleAssistant:
			result[i] = openaisdk.AssistantMessage(msg.Content)
		default:
			result[i] = openaisdk.UserMessage(msg.Content)
		}
	}
	return result
}

// classify maps provider failures onto the runtime error taxonomy so
// the engine can decide whether to retry.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key"):
		return errdefs.Wrap(errdefs.KindPermissionDenied, err, "OpenAI authentication failed")
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "connection"):
		return errdefs.Wrap(errdefs.KindTransient, err, "OpenAI request failed transiently")
	default:
		return errdefs.Wrap(errdefs.KindHandlerFailure, err, "OpenAI request failed")
	}
}
