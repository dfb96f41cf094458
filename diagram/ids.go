// Package diagram defines the compiled diagram model executed by the runtime.
package diagram

// Opaque identifier types. One type per concept so that an execution ID
// can never be passed where a node ID is expected.
type (
	// ExecutionID identifies a single run of a diagram.
	ExecutionID string

	// NodeID identifies a node within a diagram.
	NodeID string

	// ArrowID identifies an edge within a diagram.
	ArrowID string

	// HandleID identifies a connection handle on a node.
	HandleID string

	// PersonID identifies a configured LLM agent.
	PersonID string

	// DiagramID identifies a compiled diagram.
	DiagramID string

	// APIKeyID references a stored provider credential.
	APIKeyID string
)
