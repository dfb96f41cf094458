// Package state provides the durable+cached execution-state registry.
//
// The registry stores one row per execution with JSON fields for node
// states, node outputs, variables, and token usage. Active executions
// are additionally held in an in-memory hot cache; terminal executions
// are persisted and evicted.
package state

import (
	"time"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// Status is the lifecycle status of an execution.
type Status string

// Execution statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// NodeStatus is the lifecycle status of a node within an execution.
type NodeStatus string

// Node statuses.
const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodePaused    NodeStatus = "paused"
)

// Terminal reports whether the node status is absorbing.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// ValidTransition reports whether a node may move from one status to
// another. The allowed transitions are pending→running,
// running→{completed,failed,skipped}, pending→skipped, and
// running↔paused; terminal states are absorbing. The registries do not
// enforce it: a loop node that restarts moves from its terminal state
// straight back to running, and applyNodeStatus resets its timestamps
// and error for the new cycle.
func ValidTransition(from, to NodeStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case NodePending, "":
		return to == NodeRunning || to == NodeSkipped
	case NodeRunning:
		return to == NodeCompleted || to == NodeFailed || to == NodeSkipped || to == NodePaused
	case NodePaused:
		return to == NodeRunning
	default:
		return false
	}
}

// NodeState tracks one node's lifecycle within an execution. Created
// lazily on first start.
type NodeState struct {
	Status    NodeStatus      `json:"status"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Error     string          `json:"error,omitempty"`
	LLMUsage  *envelope.Usage `json:"llm_usage,omitempty"`

	// ExecCount is incremented on each start; loop nodes execute
	// multiple times per execution.
	ExecCount int `json:"exec_count"`
}

// ExecutionState is the full mutable state of one execution. It is
// exclusively owned by the engine while running; the registry owns the
// persisted copy and hands out snapshots.
type ExecutionState struct {
	ID         diagram.ExecutionID                    `json:"id"`
	DiagramID  diagram.DiagramID                      `json:"diagram_id,omitempty"`
	Status     Status                                 `json:"status"`
	StartedAt  time.Time                              `json:"started_at"`
	EndedAt    *time.Time                             `json:"ended_at,omitempty"`
	NodeStates map[diagram.NodeID]*NodeState          `json:"node_states"`
	NodeOutput map[diagram.NodeID]*envelope.Envelope  `json:"node_outputs"`
	Variables  map[string]any                         `json:"variables,omitempty"`
	TokenUsage envelope.Usage                         `json:"token_usage"`
	Error      string                                 `json:"error,omitempty"`
	IsActive   bool                                   `json:"is_active"`
}

// NewExecutionState creates a pending, active execution.
func NewExecutionState(id diagram.ExecutionID, diagramID diagram.DiagramID, variables map[string]any) *ExecutionState {
	if variables == nil {
		variables = make(map[string]any)
	}
	return &ExecutionState{
		ID:         id,
		DiagramID:  diagramID,
		Status:     StatusPending,
		StartedAt:  time.Now().UTC(),
		NodeStates: make(map[diagram.NodeID]*NodeState),
		NodeOutput: make(map[diagram.NodeID]*envelope.Envelope),
		Variables:  variables,
		IsActive:   true,
	}
}

// Node returns the node state, creating it lazily.
func (s *ExecutionState) Node(id diagram.NodeID) *NodeState {
	ns, ok := s.NodeStates[id]
	if !ok {
		ns = &NodeState{Status: NodePending}
		s.NodeStates[id] = ns
	}
	return ns
}

// Clone returns a deep-enough copy for read-only snapshots: maps are
// copied, envelopes and times are shared since they are immutable.
func (s *ExecutionState) Clone() *ExecutionState {
	clone := *s
	clone.NodeStates = make(map[diagram.NodeID]*NodeState, len(s.NodeStates))
	for id, ns := range s.NodeStates {
		c := *ns
		clone.NodeStates[id] = &c
	}
	clone.NodeOutput = make(map[diagram.NodeID]*envelope.Envelope, len(s.NodeOutput))
	for id, env := range s.NodeOutput {
		clone.NodeOutput[id] = env
	}
	clone.Variables = make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		clone.Variables[k] = v
	}
	return &clone
}
