// Package envelope defines the immutable data packets that flow on
// diagram edges, together with the token-usage accounting they carry.
package envelope

import (
	"time"

	"github.com/google/uuid"

	"github.com/dipeo/dipeo-go/diagram"
)

// Usage aggregates LLM token consumption. Total is always maintained
// as Input + Output; cached tokens are tracked separately and do not
// contribute to the total.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Cached int `json:"cached,omitempty"`
	Total  int `json:"total"`
}

// Add accumulates other into u componentwise and recomputes the total.
func (u *Usage) Add(other Usage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Cached += other.Cached
	u.Total = u.Input + u.Output
}

// IsZero reports whether no usage has been recorded.
func (u Usage) IsZero() bool {
	return u.Input == 0 && u.Output == 0 && u.Cached == 0
}

// Meta carries the execution metadata attached to an envelope.
type Meta struct {
	// ExecutionTime is the wall-clock duration of the producing node.
	ExecutionTime time.Duration `json:"execution_time,omitempty"`

	// RetryCount is the number of retries the producing node needed.
	RetryCount int `json:"retry_count,omitempty"`

	// LLMUsage holds token usage when the producer called an LLM.
	LLMUsage *Usage `json:"llm_usage,omitempty"`

	// Error holds a terse error description for error envelopes.
	Error string `json:"error,omitempty"`

	// Extra holds handler-specific metadata.
	Extra map[string]any `json:"extra,omitempty"`
}

// Envelope is the value carried on an edge. Envelopes are addressed to
// output ports of the producing node; routing onto edges is performed
// by the token manager. An envelope is immutable once published.
type Envelope struct {
	ID          string              `json:"id"`
	TraceID     string              `json:"trace_id,omitempty"`
	ProducedBy  diagram.NodeID      `json:"produced_by"`
	ContentType diagram.ContentType `json:"content_type"`
	Body        any                 `json:"body"`
	Meta        Meta                `json:"meta,omitempty"`
}

// New creates an envelope with a fresh ID.
func New(producedBy diagram.NodeID, contentType diagram.ContentType, body any) *Envelope {
	return &Envelope{
		ID:          uuid.NewString(),
		ProducedBy:  producedBy,
		ContentType: contentType,
		Body:        body,
	}
}

// Text creates a raw_text envelope.
func Text(producedBy diagram.NodeID, body string) *Envelope {
	return New(producedBy, diagram.ContentRawText, body)
}

// Object creates an object envelope.
func Object(producedBy diagram.NodeID, body any) *Envelope {
	return New(producedBy, diagram.ContentObject, body)
}

// Empty creates the synthetic empty envelope published for skipped
// nodes and timed-out prompts.
func Empty(producedBy diagram.NodeID) *Envelope {
	return Text(producedBy, "")
}

// WithMeta returns a copy of the envelope with the given metadata.
// The original is left untouched, preserving immutability.
func (e *Envelope) WithMeta(meta Meta) *Envelope {
	clone := *e
	clone.Meta = meta
	return &clone
}

// WithTrace returns a copy of the envelope carrying the trace ID.
func (e *Envelope) WithTrace(traceID string) *Envelope {
	clone := *e
	clone.TraceID = traceID
	return &clone
}

// BodyString renders the body as a string. Object bodies render as
// JSON (Go formatting only when marshalling fails); nil bodies render
// empty.
func (e *Envelope) BodyString() string {
	switch v := e.Body.(type) {
	case string:
		return v
	case nil:
		return ""
	case []byte:
		return string(v)
	default:
		return stringify(v)
	}
}
