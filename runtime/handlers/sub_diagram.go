package handlers

import (
	"context"
	"fmt"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime"
	"github.com/dipeo/dipeo-go/runtime/envelope"
	"github.com/dipeo/dipeo-go/runtime/state"
)

// subDiagramHandler executes a nested diagram synchronously in a child
// engine sharing the parent's registry, bus, handler registry, and
// services. The child gets its own execution ID derived from the
// parent, so its events and state rows stay distinguishable on shared
// observers.
type subDiagramHandler struct {
	cfg Config
}

func newSubDiagramHandler(cfg Config) runtime.Handler {
	return &subDiagramHandler{cfg: cfg}
}

// Execute implements runtime.Handler.
func (h *subDiagramHandler) Execute(ctx context.Context, req *runtime.Request) (runtime.Outputs, error) {
	if h.cfg.Registry == nil {
		return nil, errdefs.New(errdefs.KindDependencyUnmet, "sub_diagram requires a state registry")
	}

	path := req.Node.Config.String("diagram_path")
	if path == "" {
		return nil, errdefs.New(errdefs.KindValidation, "sub_diagram node has no diagram_path")
	}
	child, err := diagram.LoadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, err, "failed to load sub-diagram")
	}

	engine, err := runtime.New(child, h.cfg.Registry, h.cfg.Bus, h.cfg.Handlers, req.Services, h.cfg.EngineOptions...)
	if err != nil {
		return nil, err
	}

	variables := req.Variables.Snapshot()
	if in := req.FirstInput(); in != nil {
		if obj, ok := in.Body.(map[string]any); ok {
			for k, v := range obj {
				variables[k] = v
			}
		} else if body := in.BodyString(); body != "" {
			variables["input"] = body
		}
	}

	childID := diagram.ExecutionID(fmt.Sprintf("%s.%s.%d", req.ExecutionID, req.Node.ID, req.ExecCount))
	st, err := engine.Run(ctx, childID, variables)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindHandlerFailure, err, "sub-diagram execution failed")
	}

	out := childResult(child, st, req.Node.ID)
	meta := envelope.Meta{}
	if !st.TokenUsage.IsZero() {
		usage := st.TokenUsage
		meta.LLMUsage = &usage
		out = out.WithMeta(meta)
	}
	return runtime.SingleOutput(out), nil
}

// childResult extracts the sub-execution's result: the first completed
// endpoint output, falling back to the final variable snapshot.
func childResult(child *diagram.Diagram, st *state.ExecutionState, producedBy diagram.NodeID) *envelope.Envelope {
	for _, endpoint := range child.EndpointNodes() {
		if env, ok := st.NodeOutput[endpoint.ID]; ok && env != nil {
			return envelope.New(producedBy, env.ContentType, env.Body)
		}
	}
	return envelope.Object(producedBy, st.Variables)
}
