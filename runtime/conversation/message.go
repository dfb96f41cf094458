// Package conversation implements the per-person message log and the
// forgetting strategies consumed by LLM node handlers.
package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// Role identifies the speaker of a message in the LLM sense.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Senders that are not persons.
const (
	FromSystem = "system"
	FromUser   = "user"
)

// Message is one entry in a person's conversation log.
type Message struct {
	ID          string              `json:"id"`
	From        string              `json:"from_person_id"`
	To          string              `json:"to_person_id,omitempty"`
	Role        Role                `json:"role"`
	Content     string              `json:"content"`
	Timestamp   time.Time           `json:"timestamp"`
	ExecutionID diagram.ExecutionID `json:"execution_id"`
	NodeID      diagram.NodeID      `json:"node_id,omitempty"`
	Usage       *envelope.Usage     `json:"token_usage,omitempty"`
}

func newMessage(from, to string, role Role, content string, executionID diagram.ExecutionID, nodeID diagram.NodeID, usage *envelope.Usage) Message {
	return Message{
		ID:          uuid.NewString(),
		From:        from,
		To:          to,
		Role:        role,
		Content:     content,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		NodeID:      nodeID,
		Usage:       usage,
	}
}

// ForgetMode selects the start-of-turn memory semantics for a person.
type ForgetMode string

// Forgetting modes.
const (
	// ForgetNone returns full history.
	ForgetNone ForgetMode = "no_forget"

	// ForgetEveryTurn keeps system messages plus only the last user
	// message; assistant context from other persons is re-introduced
	// as a consolidated labelled block at prompt time.
	ForgetEveryTurn ForgetMode = "on_every_turn"

	// ForgetOwn drops the person's own messages.
	ForgetOwn ForgetMode = "own_only"

	// ForgetAll drops all non-system messages.
	ForgetAll ForgetMode = "all"

	// ForgetUponRequest performs no automatic forgetting; the handler
	// invokes Forget explicitly.
	ForgetUponRequest ForgetMode = "upon_request"
)

// HistoryFilter narrows History results.
type HistoryFilter struct {
	ExecutionID diagram.ExecutionID
	Since       time.Time
	Limit       int
}
