// Package handlers implements the node handlers for the closed
// node-type set and wires them into a runtime handler registry.
package handlers

import (
	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime"
	"github.com/dipeo/dipeo-go/runtime/emit"
	"github.com/dipeo/dipeo-go/runtime/state"
)

// Config carries the dependencies handlers need beyond the per-request
// Services bundle. Sub-diagram execution reuses the registry, bus, and
// handler registry of the parent composition root.
type Config struct {
	Registry state.Registry
	Bus      *emit.Bus

	// Handlers is the registry child engines resolve against; usually
	// the same registry Register is called with.
	Handlers *runtime.HandlerRegistry

	// EngineOptions are applied to child engines spawned by
	// sub_diagram nodes.
	EngineOptions []runtime.Option
}

// Register binds the default handler for every node type, each with
// the spec the engine validates before dispatch.
func Register(reg *runtime.HandlerRegistry, cfg Config) error {
	if cfg.Handlers == nil {
		cfg.Handlers = reg
	}
	bindings := []struct {
		t       diagram.NodeType
		spec    runtime.HandlerSpec
		handler runtime.Handler
	}{
		{diagram.NodeStart, runtime.HandlerSpec{}, runtime.HandlerFunc(executeStart)},
		{diagram.NodeEndpoint, runtime.HandlerSpec{}, runtime.HandlerFunc(executeEndpoint)},
		{diagram.NodeCondition, runtime.HandlerSpec{}, runtime.HandlerFunc(executeCondition)},
		{diagram.NodePersonJob, runtime.HandlerSpec{
			RequiredConfig:   []string{"person"},
			RequiredServices: []string{"llm", "conversation"},
		}, runtime.HandlerFunc(executePersonJob)},
		{diagram.NodeCodeJob, runtime.HandlerSpec{
			RequiredConfig: []string{"code"},
		}, runtime.HandlerFunc(executeCodeJob)},
		{diagram.NodeAPIJob, runtime.HandlerSpec{
			RequiredConfig:   []string{"url"},
			RequiredServices: []string{"http"},
		}, runtime.HandlerFunc(executeAPIJob)},
		{diagram.NodeDB, runtime.HandlerSpec{
			RequiredServices: []string{"files"},
		}, runtime.HandlerFunc(executeDB)},
		{diagram.NodeUserResponse, runtime.HandlerSpec{
			RequiredServices: []string{"prompts"},
		}, runtime.HandlerFunc(executeUserResponse)},
		{diagram.NodeSubDiagram, runtime.HandlerSpec{
			RequiredConfig: []string{"diagram_path"},
		}, newSubDiagramHandler(cfg)},
	}
	for _, b := range bindings {
		if err := reg.Register(b.t, b.spec, b.handler); err != nil {
			return err
		}
	}
	return nil
}
