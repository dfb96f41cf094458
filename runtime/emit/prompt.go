package emit

import (
	"context"
	"sync"
	"time"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/errdefs"
)

// PromptBroker mediates interactive prompts between suspended node
// handlers and external responders.
//
// A handler calls RequestInput, which registers a one-shot future
// keyed by (execution, node), publishes an interactive_prompt event,
// and suspends. An external responder fulfils the future via Resolve.
// On timeout the broker publishes interactive_prompt_timeout and
// fulfils the future with the empty string — a prompt timeout is not
// an execution failure. At most one prompt may be pending per
// (execution, node).
type PromptBroker struct {
	bus *Bus

	mu      sync.Mutex
	pending map[promptKey]chan string
}

type promptKey struct {
	execution diagram.ExecutionID
	node      diagram.NodeID
}

// NewPromptBroker creates a broker publishing on the given bus.
func NewPromptBroker(bus *Bus) *PromptBroker {
	return &PromptBroker{bus: bus, pending: make(map[promptKey]chan string)}
}

// RequestInput suspends until a response arrives, the timeout expires,
// or the context is cancelled. The returned error is non-nil only for
// duplicate pending prompts or cancellation; a timeout yields ("", nil)
// after emitting the timeout event.
func (b *PromptBroker) RequestInput(ctx context.Context, executionID diagram.ExecutionID, nodeID diagram.NodeID, prompt string, promptCtx map[string]any, timeout time.Duration) (string, error) {
	key := promptKey{execution: executionID, node: nodeID}
	future := make(chan string, 1)

	b.mu.Lock()
	if _, exists := b.pending[key]; exists {
		b.mu.Unlock()
		return "", errdefs.Newf(errdefs.KindValidation,
			"prompt already pending for node %s", nodeID)
	}
	b.pending[key] = future
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
	}()

	data := map[string]any{"prompt": prompt}
	if len(promptCtx) > 0 {
		data["context"] = promptCtx
	}
	if timeout > 0 {
		data["timeout_s"] = timeout.Seconds()
	}
	b.bus.Publish(NewEvent(InteractivePrompt, executionID, nodeID, data))

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case response := <-future:
		return response, nil
	case <-timer:
		b.bus.Publish(NewEvent(PromptTimeout, executionID, nodeID, map[string]any{"prompt": prompt}))
		return "", nil
	case <-ctx.Done():
		return "", errdefs.Wrap(errdefs.KindCancelled, ctx.Err(), "prompt cancelled")
	}
}

// Resolve fulfils a pending prompt. Returns a NotFound error when no
// prompt is pending for the (execution, node) pair.
func (b *PromptBroker) Resolve(executionID diagram.ExecutionID, nodeID diagram.NodeID, response string) error {
	key := promptKey{execution: executionID, node: nodeID}

	b.mu.Lock()
	future, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if !ok {
		return errdefs.Newf(errdefs.KindNotFound,
			"no pending prompt for execution %s node %s", executionID, nodeID)
	}
	future <- response
	return nil
}

// Pending reports whether a prompt is awaiting a response.
func (b *PromptBroker) Pending(executionID diagram.ExecutionID, nodeID diagram.NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[promptKey{execution: executionID, node: nodeID}]
	return ok
}
