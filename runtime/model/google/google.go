// Package google provides the model.Client adapter for Google's
// Gemini API.
package google

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime/envelope"
	"github.com/dipeo/dipeo-go/runtime/model"
)

// Client implements model.Client for Gemini content generation.
type Client struct {
	apiKey       string
	defaultModel string
}

// NewClient creates a Google client. An empty modelName selects
// "gemini-2.5-flash".
func NewClient(apiKey, modelName string) *Client {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &Client{apiKey: apiKey, defaultModel: modelName}
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if c.apiKey == "" {
		return model.Response{}, errdefs.New(errdefs.KindValidation, "Google API key is required")
	}
	if ctx.Err() != nil {
		return model.Response{}, ctx.Err()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return model.Response{}, fmt.Errorf("failed to create Google client: %w", err)
	}
	defer func() { _ = client.Close() }()

	modelName := req.Model
	if modelName == "" {
		modelName = c.defaultModel
	}
	genModel := client.GenerativeModel(modelName)
	if req.MaxTokens > 0 {
		maxTokens := int32(req.MaxTokens)
		genModel.MaxOutputTokens = &maxTokens
	}

	var parts []genai.Part
	for _, msg := range req.Messages {
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return model.Response{}, classify(err)
	}

	var out model.Response
	if resp.UsageMetadata != nil {
		out.Usage = envelope.Usage{
			Input:  int(resp.UsageMetadata.PromptTokenCount),
			Output: int(resp.UsageMetadata.CandidatesTokenCount),
		}
		out.Usage.Total = out.Usage.Input + out.Usage.Output
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				out.Text += string(text)
			}
		}
	}
	return out, nil
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "api key"):
		return errdefs.Wrap(errdefs.KindPermissionDenied, err, "Google authentication failed")
	case strings.Contains(msg, "429") || strings.Contains(msg, "quota") ||
		strings.Contains(msg, "unavailable") || strings.Contains(msg, "500") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "connection"):
		return errdefs.Wrap(errdefs.KindTransient, err, "Google request failed transiently")
	default:
		return errdefs.Wrap(errdefs.KindHandlerFailure, err, "Google request failed")
	}
}
