package emit

import (
	"context"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// Observer receives execution lifecycle callbacks from the engine.
//
// Implementations must be safe for concurrent use across executions;
// within one (execution, node) pair the engine guarantees callback
// order node_start < node_progress* < (node_complete | node_error |
// node_skipped). Observers must not block the engine: slow sinks
// buffer or drop internally.
type Observer interface {
	OnExecutionStart(ctx context.Context, id diagram.ExecutionID, diagramID diagram.DiagramID)
	OnExecutionComplete(ctx context.Context, id diagram.ExecutionID)
	OnExecutionError(ctx context.Context, id diagram.ExecutionID, err error)
	OnNodeStart(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID)
	OnNodeComplete(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, out *envelope.Envelope)
	OnNodeError(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, err error)
	OnNodeSkipped(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, reason string)
}

// Sink receives raw wire events in addition to (or instead of) the
// typed Observer callbacks. The bus delivers every event — including
// node_progress and the interactive-prompt events, which have no
// Observer callback — to attached sinks.
type Sink interface {
	Deliver(event Event)
}

// NullObserver is a no-op Observer, convenient for embedding when an
// implementation only cares about a subset of callbacks.
type NullObserver struct{}

// OnExecutionStart implements Observer.
func (NullObserver) OnExecutionStart(context.Context, diagram.ExecutionID, diagram.DiagramID) {}

// OnExecutionComplete implements Observer.
func (NullObserver) OnExecutionComplete(context.Context, diagram.ExecutionID) {}

// OnExecutionError implements Observer.
func (NullObserver) OnExecutionError(context.Context, diagram.ExecutionID, error) {}

// OnNodeStart implements Observer.
func (NullObserver) OnNodeStart(context.Context, diagram.ExecutionID, diagram.NodeID) {}

// OnNodeComplete implements Observer.
func (NullObserver) OnNodeComplete(context.Context, diagram.ExecutionID, diagram.NodeID, *envelope.Envelope) {
}

// OnNodeError implements Observer.
func (NullObserver) OnNodeError(context.Context, diagram.ExecutionID, diagram.NodeID, error) {}

// OnNodeSkipped implements Observer.
func (NullObserver) OnNodeSkipped(context.Context, diagram.ExecutionID, diagram.NodeID, string) {}
