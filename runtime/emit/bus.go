package emit

import (
	"context"
	"sync"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// Bus fans lifecycle events out to attached observers and sinks.
//
// Delivery is synchronous and in attachment order, which preserves the
// per-(execution, node) event ordering contract: the engine publishes
// events for a node from a single goroutine, and the bus never
// reorders them. Observers that cannot afford to run inline must
// buffer internally (see StreamObserver).
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
	sinks     []Sink
}

// NewBus creates an empty bus.
func NewBus(observers ...Observer) *Bus {
	b := &Bus{}
	for _, o := range observers {
		b.Attach(o)
	}
	return b
}

// Attach registers an observer. If the observer also implements Sink
// it receives raw wire events too.
func (b *Bus) Attach(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
	if s, ok := o.(Sink); ok {
		b.sinks = append(b.sinks, s)
	}
}

// AttachSink registers a sink that only consumes raw wire events.
func (b *Bus) AttachSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *Bus) snapshot() ([]Observer, []Sink) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.observers, b.sinks
}

// Publish delivers a raw wire event to all sinks. Used for events
// without a typed callback: node_progress and the prompt events.
func (b *Bus) Publish(event Event) {
	_, sinks := b.snapshot()
	for _, s := range sinks {
		s.Deliver(event)
	}
}

// ExecutionStart notifies observers and sinks.
func (b *Bus) ExecutionStart(ctx context.Context, id diagram.ExecutionID, diagramID diagram.DiagramID) {
	observers, sinks := b.snapshot()
	for _, o := range observers {
		o.OnExecutionStart(ctx, id, diagramID)
	}
	ev := NewEvent(ExecutionStart, id, "", map[string]any{"diagram_id": string(diagramID)})
	for _, s := range sinks {
		s.Deliver(ev)
	}
}

// ExecutionComplete notifies observers and sinks.
func (b *Bus) ExecutionComplete(ctx context.Context, id diagram.ExecutionID) {
	observers, sinks := b.snapshot()
	for _, o := range observers {
		o.OnExecutionComplete(ctx, id)
	}
	ev := NewEvent(ExecutionComplete, id, "", map[string]any{"status": "completed"})
	for _, s := range sinks {
		s.Deliver(ev)
	}
}

// ExecutionFailed notifies observers and sinks with a terse message.
func (b *Bus) ExecutionFailed(ctx context.Context, id diagram.ExecutionID, err error) {
	observers, sinks := b.snapshot()
	for _, o := range observers {
		o.OnExecutionError(ctx, id, err)
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	ev := NewEvent(ExecutionError, id, "", map[string]any{"error": msg})
	for _, s := range sinks {
		s.Deliver(ev)
	}
}

// NodeStart notifies observers and sinks.
func (b *Bus) NodeStart(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID) {
	observers, sinks := b.snapshot()
	for _, o := range observers {
		o.OnNodeStart(ctx, id, nodeID)
	}
	ev := NewEvent(NodeStart, id, nodeID, nil)
	for _, s := range sinks {
		s.Deliver(ev)
	}
}

// NodeComplete notifies observers and sinks.
func (b *Bus) NodeComplete(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, out *envelope.Envelope) {
	observers, sinks := b.snapshot()
	for _, o := range observers {
		o.OnNodeComplete(ctx, id, nodeID, out)
	}
	data := map[string]any{}
	if out != nil {
		data["output"] = out.BodyString()
	}
	ev := NewEvent(NodeComplete, id, nodeID, data)
	for _, s := range sinks {
		s.Deliver(ev)
	}
}

// NodeError notifies observers and sinks.
func (b *Bus) NodeError(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, err error) {
	observers, sinks := b.snapshot()
	for _, o := range observers {
		o.OnNodeError(ctx, id, nodeID, err)
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	ev := NewEvent(NodeError, id, nodeID, map[string]any{"error": msg})
	for _, s := range sinks {
		s.Deliver(ev)
	}
}

// NodeSkipped notifies observers and sinks.
func (b *Bus) NodeSkipped(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, reason string) {
	observers, sinks := b.snapshot()
	for _, o := range observers {
		o.OnNodeSkipped(ctx, id, nodeID, reason)
	}
	data := map[string]any{}
	if reason != "" {
		data["reason"] = reason
	}
	ev := NewEvent(NodeSkipped, id, nodeID, data)
	for _, s := range sinks {
		s.Deliver(ev)
	}
}

// NodeProgress publishes a progress event for streaming consumers.
// Progress has no typed callback; it exists for live subscribers.
func (b *Bus) NodeProgress(id diagram.ExecutionID, nodeID diagram.NodeID, data map[string]any) {
	b.Publish(NewEvent(NodeProgress, id, nodeID, data))
}
