package state

import (
	"context"
	"errors"
	"time"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// ErrNotFound is returned when a requested execution does not exist.
var ErrNotFound = errors.New("execution not found")

// Filter narrows ListExecutions results.
type Filter struct {
	DiagramID diagram.DiagramID
	Status    Status
	Limit     int
	Offset    int
}

// BlobStore externalises large envelope bodies. The conversation
// store implements it; node outputs above the inline threshold are
// written there and replaced by a {ref} body.
type BlobStore interface {
	PutBlob(ctx context.Context, executionID diagram.ExecutionID, content string) (string, error)
	GetBlob(ctx context.Context, ref string) (string, error)
}

// Registry is the durable store of execution state with a hot cache
// for active executions.
//
// Concurrency discipline: mutations for one execution are serialised
// by the caller (the engine writes through a single observer); readers
// receive either the cached copy or a consistent persisted row.
type Registry interface {
	// CreateExecution creates a pending, active execution.
	CreateExecution(ctx context.Context, id diagram.ExecutionID, diagramID diagram.DiagramID, variables map[string]any) (*ExecutionState, error)

	// GetState returns a snapshot of the execution, reading the hot
	// cache first, then the durable store. Returns ErrNotFound when
	// the execution does not exist anywhere.
	GetState(ctx context.Context, id diagram.ExecutionID) (*ExecutionState, error)

	// SaveState stores the state: active executions update the cache,
	// inactive ones are persisted and evicted from the cache.
	SaveState(ctx context.Context, st *ExecutionState) error

	// UpdateStatus transitions the execution status. Terminal statuses
	// set the end time, deactivate the execution, and persist it.
	UpdateStatus(ctx context.Context, id diagram.ExecutionID, status Status, errMsg string) error

	// UpdateNodeStatus upserts a node state, stamping started_at on
	// running and ended_at on terminal statuses.
	UpdateNodeStatus(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, status NodeStatus, errMsg string) error

	// UpdateNodeOutput stores the node's representative envelope
	// (externalised via the blob store when oversized) and accumulates
	// token usage.
	UpdateNodeOutput(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, env *envelope.Envelope, usage *envelope.Usage) error

	// AddTokenUsage adds usage componentwise into the execution total.
	AddTokenUsage(ctx context.Context, id diagram.ExecutionID, usage envelope.Usage) error

	// ListExecutions returns executions matching the filter, newest
	// first.
	ListExecutions(ctx context.Context, f Filter) ([]*ExecutionState, error)

	// CleanupOld deletes persisted executions older than the retention
	// window and returns how many were removed.
	CleanupOld(ctx context.Context, retention time.Duration) (int, error)
}

// applyNodeStatus is the shared upsert logic for node status updates.
func applyNodeStatus(st *ExecutionState, nodeID diagram.NodeID, status NodeStatus, errMsg string) {
	ns := st.Node(nodeID)
	now := time.Now().UTC()
	switch status {
	case NodeRunning:
		// Loop nodes re-enter running from a terminal state; reset to a
		// fresh cycle rather than rejecting the transition.
		ns.StartedAt = &now
		ns.EndedAt = nil
		ns.Error = ""
		ns.ExecCount++
	case NodeCompleted, NodeFailed, NodeSkipped:
		ns.EndedAt = &now
	}
	ns.Status = status
	if errMsg != "" {
		ns.Error = errMsg
	}
}
