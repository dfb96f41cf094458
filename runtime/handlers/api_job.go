package handlers

import (
	"context"
	"encoding/json"

	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime"
	"github.com/dipeo/dipeo-go/runtime/envelope"
	"github.com/dipeo/dipeo-go/runtime/tool"
)

// executeAPIJob issues one HTTP request through the HTTP port. URL,
// headers, and body are interpolated against the execution variables.
// The port classifies 5xx and network failures as transient, so the
// engine's retry policy applies transparently.
func executeAPIJob(ctx context.Context, req *runtime.Request) (runtime.Outputs, error) {
	if req.Services.HTTP == nil {
		return nil, errdefs.New(errdefs.KindDependencyUnmet, "api_job requires the HTTP port")
	}
	cfg := req.Node.Config
	url := req.Variables.Interpolate(cfg.String("url"))
	if url == "" {
		return nil, errdefs.New(errdefs.KindValidation, "api_job node has no url")
	}

	httpReq := tool.HTTPRequest{
		Method:      cfg.String("method"),
		URL:         url,
		BearerToken: cfg.String("bearer_token"),
		Timeout:     cfg.Duration("request_timeout", 0),
	}
	if headers := cfg.Map("headers"); headers != nil {
		httpReq.Headers = make(map[string]string, len(headers))
		for key, value := range headers {
			if s, ok := value.(string); ok {
				httpReq.Headers[key] = req.Variables.Interpolate(s)
			}
		}
	}
	if body := cfg.String("body"); body != "" {
		httpReq.Body = []byte(req.Variables.Interpolate(body))
	}

	resp, err := req.Services.HTTP.Request(ctx, httpReq)
	if err != nil {
		return nil, err
	}

	// JSON responses surface as structured objects, everything else as
	// raw text.
	var parsed any
	if json.Unmarshal(resp.Body, &parsed) == nil {
		out := envelope.Object(req.Node.ID, map[string]any{
			"status": resp.Status,
			"body":   parsed,
		})
		return runtime.SingleOutput(out), nil
	}
	out := envelope.Object(req.Node.ID, map[string]any{
		"status": resp.Status,
		"body":   string(resp.Body),
	})
	return runtime.SingleOutput(out), nil
}
