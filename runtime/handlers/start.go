package handlers

import (
	"context"

	"github.com/dipeo/dipeo-go/runtime"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// executeStart emits the execution trigger. Start nodes run exactly
// once per execution and carry no payload of their own; downstream
// nodes read execution variables directly.
func executeStart(_ context.Context, req *runtime.Request) (runtime.Outputs, error) {
	return runtime.SingleOutput(envelope.Empty(req.Node.ID)), nil
}
