// Package model defines the LLM client port consumed by person_job
// handlers, with adapters for OpenAI, Anthropic, and Google providers
// in subpackages.
package model

import (
	"context"

	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// Message is one turn of an LLM conversation in the common chat
// format shared by the major providers.
type Message struct {
	// Role identifies the sender: "system", "user", or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// Standard role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is a completion request routed to a provider.
type Request struct {
	// Messages is the conversation to complete.
	Messages []Message

	// Model names the provider model, e.g. "gpt-4o".
	Model string

	// APIKeyID references the stored credential to use. The bundled
	// adapters do not resolve it; each uses the API key it was
	// constructed with.
	APIKeyID string

	// MaxTokens caps the completion length (0 = provider default).
	MaxTokens int
}

// Response is the provider-neutral completion result.
type Response struct {
	// Text is the completion text.
	Text string

	// Usage is the provider-reported token accounting.
	Usage envelope.Usage

	// ToolOutputs carries structured tool-call results when the
	// provider produced any.
	ToolOutputs []map[string]any
}

// Client is the LLM collaborator port. Implementations handle
// provider authentication, format conversion, and rate limiting, and
// must respect context cancellation.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
