// Package anthropic provides the model.Client adapter for Anthropic's
// Claude API.
package anthropic

import (
	"context"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime/envelope"
	"github.com/dipeo/dipeo-go/runtime/model"
)

const defaultMaxTokens = 4096

// Client implements model.Client for Anthropic messages.
//
// Anthropic expects the system prompt as a separate parameter, so the
// adapter extracts system messages out of the conversation before
// conversion.
type Client struct {
	apiKey       string
	defaultModel string
}

// NewClient creates an Anthropic client. An empty modelName selects
// "claude-sonnet-4-5".
func NewClient(apiKey, modelName string) *Client {
	if modelName == "" {
		modelName = "claude-sonnet-4-5"
	}
	return &Client{apiKey: apiKey, defaultModel: modelName}
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if c.apiKey == "" {
		return model.Response{}, errdefs.New(errdefs.KindValidation, "Anthropic API key is required")
	}
	if ctx.Err() != nil {
		return model.Response{}, ctx.Err()
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	systemPrompt, conversation := extractSystemPrompt(req.Messages)

	modelName := req.Model
	if modelName == "" {
		modelName = c.defaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(modelName),
		Messages:  convertMessages(conversation),
		MaxTokens: maxTokens,
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, classify(err)
	}

	out := model.Response{
		Usage: envelope.Usage{
			Input:  int(resp.Usage.InputTokens),
			Output: int(resp.Usage.OutputTokens),
			Cached: int(resp.Usage.CacheReadInputTokens),
		},
	}
	out.Usage.Total = out.Usage.Input + out.Usage.Output
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += text.Text
		}
	}
	return out, nil
}

// extractSystemPrompt separates system messages from the conversation;
// multiple system messages are concatenated.
func extractSystemPrompt(messages []model.Message) (string, []model.Message) {
	var systemPrompt string
	var conversation []model.Message
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return systemPrompt, conversation
}

func convertMessages(messages []model.Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case model.RoleAssistant:
			result[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content))
		default:
			result[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content))
		}
	}
	return result
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "permission"):
		return errdefs.Wrap(errdefs.KindPermissionDenied, err, "Anthropic authentication failed")
	case strings.Contains(msg, "rate_limit") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "429") || strings.Contains(msg, "529") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "connection"):
		return errdefs.Wrap(errdefs.KindTransient, err, "Anthropic request failed transiently")
	default:
		return errdefs.Wrap(errdefs.KindHandlerFailure, err, "Anthropic request failed")
	}
}
