package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime/emit"
	"github.com/dipeo/dipeo-go/runtime/state"
)

// ControlAction is an execution control verb from an external
// transport.
type ControlAction string

// Control actions.
const (
	ActionPause    ControlAction = "pause"
	ActionResume   ControlAction = "resume"
	ActionAbort    ControlAction = "abort"
	ActionSkipNode ControlAction = "skip_node"
)

// ExecuteOptions parameterise one execution request.
type ExecuteOptions struct {
	// Variables seeds the execution variables.
	Variables map[string]any

	// Timeout overrides the execution-level timeout (0 = default).
	Timeout time.Duration

	// Interactive enables interactive prompts; when false,
	// user_response nodes resolve immediately with the empty string.
	Interactive bool
}

// Service is the inbound control surface consumed by transports
// (HTTP, WebSocket, CLI — out of scope here). It launches engines,
// routes control actions and prompt responses to them, and hands out
// event subscriptions.
type Service struct {
	registry state.Registry
	handlers *HandlerRegistry
	services *Services
	bus      *emit.Bus
	stream   *emit.StreamObserver
	stateObs *emit.StateObserver
	options  []Option
	log      zerolog.Logger

	mu      sync.Mutex
	engines map[diagram.ExecutionID]*Engine
}

// NewService wires the composition root: a shared bus carrying the
// state-store observer and a streaming observer, plus any extra
// observers (logging, tracing) the caller attaches.
func NewService(registry state.Registry, handlers *HandlerRegistry, services *Services, log zerolog.Logger, extraObservers []emit.Observer, options ...Option) *Service {
	bus := emit.NewBus()
	stateObs := emit.NewStateObserver(registry, log)
	stream := emit.NewStreamObserver(log)
	bus.Attach(stateObs)
	bus.AttachSink(stream)
	for _, obs := range extraObservers {
		bus.Attach(obs)
	}

	if services == nil {
		services = &Services{}
	}
	if services.Prompts == nil {
		services.Prompts = emit.NewPromptBroker(bus)
	}

	return &Service{
		registry: registry,
		handlers: handlers,
		services: services,
		bus:      bus,
		stream:   stream,
		stateObs: stateObs,
		options:  options,
		log:      log,
		engines:  make(map[diagram.ExecutionID]*Engine),
	}
}

// Bus exposes the shared event bus for additional observers.
func (s *Service) Bus() *emit.Bus {
	return s.bus
}

// Execute launches a diagram asynchronously and returns its execution
// ID. The execution detaches from the caller's context; use Control
// with ActionAbort to stop it.
func (s *Service) Execute(ctx context.Context, d *diagram.Diagram, opts ExecuteOptions) (diagram.ExecutionID, error) {
	options := append([]Option(nil), s.options...)
	if opts.Timeout > 0 {
		options = append(options, WithExecutionTimeout(opts.Timeout))
	}
	options = append(options, WithInteractive(opts.Interactive))

	engine, err := New(d, s.registry, s.bus, s.handlers, s.services, options...)
	if err != nil {
		return "", err
	}
	engine.AttachStateObserver(s.stateObs)

	execID := diagram.ExecutionID(uuid.NewString())
	s.mu.Lock()
	s.engines[execID] = engine
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.engines, execID)
			s.mu.Unlock()
		}()
		if _, err := engine.Run(context.Background(), execID, opts.Variables); err != nil {
			s.log.Warn().
				Str("execution_id", string(execID)).
				Err(err).
				Msg("execution finished with error")
		}
	}()
	return execID, nil
}

func (s *Service) engine(id diagram.ExecutionID) (*Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	engine, ok := s.engines[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "no active execution %s", id)
	}
	return engine, nil
}

// Control applies a control action to a running execution. The nodeID
// argument is only meaningful for ActionSkipNode.
func (s *Service) Control(id diagram.ExecutionID, action ControlAction, nodeID diagram.NodeID) error {
	engine, err := s.engine(id)
	if err != nil {
		return err
	}
	switch action {
	case ActionPause:
		engine.Pause()
	case ActionResume:
		engine.Resume()
	case ActionAbort:
		engine.Abort()
	case ActionSkipNode:
		if nodeID == "" {
			return errdefs.New(errdefs.KindValidation, "skip_node requires a node id")
		}
		engine.RequestSkip(nodeID)
	default:
		return errdefs.Newf(errdefs.KindValidation, "unknown control action %q", action)
	}
	return nil
}

// Respond fulfils a pending interactive prompt.
func (s *Service) Respond(id diagram.ExecutionID, nodeID diagram.NodeID, response string) error {
	return s.services.Prompts.Resolve(id, nodeID, response)
}

// Subscribe returns a live event stream for one execution.
func (s *Service) Subscribe(id diagram.ExecutionID) (<-chan emit.Event, func()) {
	return s.stream.Subscribe(id)
}

// State returns a snapshot of an execution's state.
func (s *Service) State(ctx context.Context, id diagram.ExecutionID) (*state.ExecutionState, error) {
	return s.registry.GetState(ctx, id)
}

// List returns executions matching the filter.
func (s *Service) List(ctx context.Context, f state.Filter) ([]*state.ExecutionState, error) {
	return s.registry.ListExecutions(ctx, f)
}
