package handlers

import (
	"context"
	"time"

	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// defaultPromptTimeout bounds how long a user_response node waits for
// input before resolving with the empty string.
const defaultPromptTimeout = 60 * time.Second

// executeUserResponse suspends on the prompt broker until an external
// responder answers or the prompt times out. Outside interactive
// executions the node resolves immediately with the empty string.
func executeUserResponse(ctx context.Context, req *runtime.Request) (runtime.Outputs, error) {
	prompt := req.Variables.Interpolate(req.Node.Config.String("prompt"))

	if !req.Interactive {
		return runtime.SingleOutput(envelope.Text(req.Node.ID, "")), nil
	}
	if req.Services.Prompts == nil {
		return nil, errdefs.New(errdefs.KindDependencyUnmet, "user_response requires the prompt broker")
	}

	timeout := req.Node.Config.Duration("timeout", defaultPromptTimeout)
	promptCtx := map[string]any{}
	if in := req.FirstInput(); in != nil && in.BodyString() != "" {
		promptCtx["input"] = in.BodyString()
	}

	response, err := req.Services.Prompts.RequestInput(ctx, req.ExecutionID, req.Node.ID, prompt, promptCtx, timeout)
	if err != nil {
		return nil, err
	}
	return runtime.SingleOutput(envelope.Text(req.Node.ID, response)), nil
}
