// Package emit provides the lifecycle event bus: observer fan-out to
// persistence, live streaming subscribers, and the interactive-prompt
// broker.
package emit

import (
	"encoding/json"
	"time"

	"github.com/dipeo/dipeo-go/diagram"
)

// Type identifies a lifecycle event on the wire.
type Type string

// Lifecycle event types.
const (
	ExecutionStart    Type = "execution_start"
	ExecutionComplete Type = "execution_complete"
	ExecutionError    Type = "execution_error"
	NodeStart         Type = "node_start"
	NodeProgress      Type = "node_progress"
	NodeComplete      Type = "node_complete"
	NodeError         Type = "node_error"
	NodeSkipped       Type = "node_skipped"
	InteractivePrompt Type = "interactive_prompt"
	PromptTimeout     Type = "interactive_prompt_timeout"
)

// Control reports whether the event is a control event. Control events
// are buffered without bound on subscriber queues; only high-rate
// progress events may be dropped under pressure.
func (t Type) Control() bool {
	return t != NodeProgress
}

// Terminal reports whether the event ends its execution's stream.
func (t Type) Terminal() bool {
	return t == ExecutionComplete || t == ExecutionError
}

// Event is one message on the event stream.
type Event struct {
	Type        Type                `json:"type"`
	ExecutionID diagram.ExecutionID `json:"execution_id"`
	NodeID      diagram.NodeID      `json:"node_id,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	Data        map[string]any      `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t Type, executionID diagram.ExecutionID, nodeID diagram.NodeID, data map[string]any) Event {
	return Event{
		Type:        t,
		ExecutionID: executionID,
		NodeID:      nodeID,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}
}

// MarshalJSON renders the timestamp as ISO-8601, matching the wire
// contract consumed by WebSocket and CLI transports.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		alias
		Timestamp string `json:"timestamp"`
	}{
		alias:     alias(e),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}
