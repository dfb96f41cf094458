package runtime

import (
	"context"
	"sync"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// Outputs maps a node's output ports to the envelopes it produced.
type Outputs map[string]*envelope.Envelope

// SingleOutput wraps one envelope on the default port.
func SingleOutput(env *envelope.Envelope) Outputs {
	return Outputs{diagram.PortDefault: env}
}

// Request is the handler-visible execution context: a read-only view
// of the diagram and node, the consumed inbound envelopes, a mutable
// view of the execution variables, and the collaborator services.
type Request struct {
	ExecutionID diagram.ExecutionID
	Node        *diagram.Node
	Diagram     *diagram.Diagram
	Inputs      map[string]*envelope.Envelope
	Variables   *Variables
	Services    *Services

	// Epoch is the epoch the node's outputs will be published at.
	Epoch int

	// Attempt is the zero-based retry attempt.
	Attempt int

	// ExecCount is the node's execution count including this run.
	ExecCount int

	// Interactive reports whether interactive prompts are enabled for
	// this execution.
	Interactive bool

	// Counts reports any node's execution count; condition handlers
	// use it for iteration-cap checks.
	Counts func(diagram.NodeID) int
}

// Input returns the envelope on a port, or nil.
func (r *Request) Input(port string) *envelope.Envelope {
	return r.Inputs[port]
}

// FirstInput returns the default-port envelope when present, otherwise
// any single input. Handlers with one logical input use it to stay
// indifferent to edge labelling.
func (r *Request) FirstInput() *envelope.Envelope {
	if env, ok := r.Inputs[diagram.PortDefault]; ok {
		return env
	}
	for _, env := range r.Inputs {
		return env
	}
	return nil
}

// Handler executes one node type. Implementations return the node's
// port-addressed outputs, or an error classified into the errdefs
// taxonomy; retry and skip decisions belong to the engine.
type Handler interface {
	Execute(ctx context.Context, req *Request) (Outputs, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (Outputs, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, req *Request) (Outputs, error) {
	return f(ctx, req)
}

// HandlerSpec declares a handler's contract beyond its code: which
// config keys a node of this type must carry, and which collaborator
// services must be wired for it to run. The engine validates both
// before dispatch, so handlers never see malformed configuration.
type HandlerSpec struct {
	// RequiredConfig lists config keys that must be present.
	RequiredConfig []string

	// RequiredServices names the collaborator ports the handler needs:
	// "llm", "http", "files", "conversation", "prompts".
	RequiredServices []string
}

// HandlerRegistry resolves node types to handlers and their specs.
// The node-type set is closed, so registration normally happens once
// at composition time; the registry is nonetheless safe for concurrent
// use.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[diagram.NodeType]Handler
	specs    map[diagram.NodeType]HandlerSpec
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[diagram.NodeType]Handler),
		specs:    make(map[diagram.NodeType]HandlerSpec),
	}
}

// Register binds a handler and its spec to a node type.
// Re-registering a type is an error; use Replace for test doubles.
func (r *HandlerRegistry) Register(t diagram.NodeType, spec HandlerSpec, h Handler) error {
	if t == "" {
		return errdefs.New(errdefs.KindValidation, "node type cannot be empty")
	}
	if h == nil {
		return errdefs.New(errdefs.KindValidation, "handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return errdefs.Newf(errdefs.KindValidation, "duplicate handler for node type %q", t)
	}
	r.handlers[t] = h
	r.specs[t] = spec
	return nil
}

// Replace binds a handler unconditionally with an empty spec.
func (r *HandlerRegistry) Replace(t diagram.NodeType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
	r.specs[t] = HandlerSpec{}
}

// Resolve looks up the handler for a node type.
func (r *HandlerRegistry) Resolve(t diagram.NodeType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Spec returns the registered spec for a node type.
func (r *HandlerRegistry) Spec(t diagram.NodeType) HandlerSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs[t]
}

// validate checks a node's config and the wired services against the
// handler's spec.
func (spec HandlerSpec) validate(node *diagram.Node, services *Services) error {
	for _, key := range spec.RequiredConfig {
		if _, ok := node.Config[key]; !ok {
			return errdefs.Newf(errdefs.KindValidation,
				"node %s missing required config %q", node.ID, key)
		}
	}
	for _, name := range spec.RequiredServices {
		ok := true
		switch name {
		case "llm":
			ok = services.LLM != nil
		case "http":
			ok = services.HTTP != nil
		case "files":
			ok = services.Files != nil
		case "conversation":
			ok = services.Conversation != nil
		case "prompts":
			ok = services.Prompts != nil
		}
		if !ok {
			return errdefs.Newf(errdefs.KindDependencyUnmet,
				"node %s requires the %s service", node.ID, name)
		}
	}
	return nil
}
