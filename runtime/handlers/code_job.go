package handlers

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// executeCodeJob runs an inline script as a subprocess. The script is
// interpolated against the execution variables, receives the inbound
// envelope body on stdin, and its stdout becomes the output envelope.
//
// Supported languages: shell (default), python, node. With
// "set_variable" configured, the trimmed stdout is also stored as an
// execution variable.
func executeCodeJob(ctx context.Context, req *runtime.Request) (runtime.Outputs, error) {
	cfg := req.Node.Config
	code := cfg.String("code")
	if code == "" {
		return nil, errdefs.New(errdefs.KindValidation, "code_job node has no code")
	}
	code = req.Variables.Interpolate(code)

	var cmd *exec.Cmd
	switch cfg.String("language") {
	case "", "shell", "bash":
		cmd = exec.CommandContext(ctx, "bash", "-c", code)
	case "python":
		cmd = exec.CommandContext(ctx, "python3", "-c", code)
	case "node", "javascript":
		cmd = exec.CommandContext(ctx, "node", "-e", code)
	default:
		return nil, errdefs.Newf(errdefs.KindValidation, "unsupported language %q", cfg.String("language"))
	}

	if in := req.FirstInput(); in != nil {
		cmd.Stdin = strings.NewReader(in.BodyString())
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, errdefs.Wrap(errdefs.KindCancelled, ctx.Err(), "code_job cancelled")
		}
		return nil, errdefs.Newf(errdefs.KindHandlerFailure,
			"script failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	result := strings.TrimRight(stdout.String(), "\n")
	if name := cfg.String("set_variable"); name != "" {
		req.Variables.Set(name, strings.TrimSpace(result))
	}
	return runtime.SingleOutput(envelope.Text(req.Node.ID, result)), nil
}
