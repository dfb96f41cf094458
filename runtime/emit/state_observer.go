package emit

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
	"github.com/dipeo/dipeo-go/runtime/state"
)

// StateObserver mirrors lifecycle callbacks into state-registry writes.
//
// Registry failures during event handling are logged and retried once;
// a persistent failure is recorded and surfaced via Err so the engine
// can escalate the execution to failed.
type StateObserver struct {
	registry state.Registry
	log      zerolog.Logger

	mu      sync.Mutex
	lastErr error
}

// NewStateObserver wires a registry behind the bus.
func NewStateObserver(registry state.Registry, log zerolog.Logger) *StateObserver {
	return &StateObserver{registry: registry, log: log}
}

// Err returns the last persistent registry failure, if any.
func (o *StateObserver) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// write runs a registry mutation, retrying once on failure.
func (o *StateObserver) write(what string, fn func() error) {
	err := fn()
	if err == nil {
		return
	}
	o.log.Warn().Err(err).Str("op", what).Msg("state write failed, retrying once")
	if err = fn(); err == nil {
		return
	}
	o.log.Error().Err(err).Str("op", what).Msg("state write failed permanently")
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
}

// OnExecutionStart implements Observer.
func (o *StateObserver) OnExecutionStart(ctx context.Context, id diagram.ExecutionID, _ diagram.DiagramID) {
	o.write("execution_start", func() error {
		return o.registry.UpdateStatus(ctx, id, state.StatusRunning, "")
	})
}

// OnExecutionComplete implements Observer.
func (o *StateObserver) OnExecutionComplete(ctx context.Context, id diagram.ExecutionID) {
	o.write("execution_complete", func() error {
		return o.registry.UpdateStatus(ctx, id, state.StatusCompleted, "")
	})
}

// OnExecutionError implements Observer. The terminal status is chosen
// by the engine beforehand (failed vs aborted) and recorded together
// with the error message; an execution that is already terminal is left
// unchanged, and one that is still live is marked failed with the
// message.
func (o *StateObserver) OnExecutionError(ctx context.Context, id diagram.ExecutionID, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.write("execution_error", func() error {
		st, gerr := o.registry.GetState(ctx, id)
		if gerr != nil {
			return gerr
		}
		if st.Status.Terminal() {
			return nil
		}
		return o.registry.UpdateStatus(ctx, id, state.StatusFailed, msg)
	})
}

// OnNodeStart implements Observer.
func (o *StateObserver) OnNodeStart(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID) {
	o.write("node_start", func() error {
		return o.registry.UpdateNodeStatus(ctx, id, nodeID, state.NodeRunning, "")
	})
}

// OnNodeComplete implements Observer.
func (o *StateObserver) OnNodeComplete(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, out *envelope.Envelope) {
	o.write("node_complete", func() error {
		if out != nil {
			if err := o.registry.UpdateNodeOutput(ctx, id, nodeID, out, out.Meta.LLMUsage); err != nil {
				return err
			}
		}
		return o.registry.UpdateNodeStatus(ctx, id, nodeID, state.NodeCompleted, "")
	})
}

// OnNodeError implements Observer.
func (o *StateObserver) OnNodeError(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.write("node_error", func() error {
		return o.registry.UpdateNodeStatus(ctx, id, nodeID, state.NodeFailed, msg)
	})
}

// OnNodeSkipped implements Observer.
func (o *StateObserver) OnNodeSkipped(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, reason string) {
	o.write("node_skipped", func() error {
		return o.registry.UpdateNodeStatus(ctx, id, nodeID, state.NodeSkipped, reason)
	})
}
