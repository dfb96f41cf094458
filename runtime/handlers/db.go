package handlers

import (
	"context"
	"strings"

	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// executeDB performs file-backed data I/O through the file port.
//
// Operations:
//   - "read": the file's content becomes the output envelope;
//   - "write": the inbound envelope body is written to the file;
//   - "append": the body is appended to the file;
//   - "list": matching file names, one per line.
func executeDB(_ context.Context, req *runtime.Request) (runtime.Outputs, error) {
	if req.Services.Files == nil {
		return nil, errdefs.New(errdefs.KindDependencyUnmet, "db node requires the file port")
	}
	cfg := req.Node.Config
	path := req.Variables.Interpolate(cfg.String("file"))
	if path == "" && cfg.String("operation") != "list" {
		return nil, errdefs.New(errdefs.KindValidation, "db node has no file configured")
	}

	switch op := cfg.String("operation"); op {
	case "", "read":
		data, err := req.Services.Files.Read(path)
		if err != nil {
			return nil, err
		}
		return runtime.SingleOutput(envelope.Text(req.Node.ID, string(data))), nil

	case "write":
		content := inputBody(req)
		if err := req.Services.Files.Write(path, []byte(content)); err != nil {
			return nil, err
		}
		return runtime.SingleOutput(envelope.Text(req.Node.ID, path)), nil

	case "append":
		content := inputBody(req)
		existing, err := req.Services.Files.Read(path)
		if err != nil && errdefs.KindOf(err) != errdefs.KindNotFound {
			return nil, err
		}
		if err := req.Services.Files.Write(path, append(existing, []byte(content)...)); err != nil {
			return nil, err
		}
		return runtime.SingleOutput(envelope.Text(req.Node.ID, path)), nil

	case "list":
		dir := req.Variables.Interpolate(cfg.String("dir"))
		names, err := req.Services.Files.List(dir, cfg.String("pattern"))
		if err != nil {
			return nil, err
		}
		return runtime.SingleOutput(envelope.Text(req.Node.ID, strings.Join(names, "\n"))), nil

	default:
		return nil, errdefs.Newf(errdefs.KindValidation, "unsupported db operation %q", op)
	}
}

func inputBody(req *runtime.Request) string {
	if in := req.FirstInput(); in != nil {
		return in.BodyString()
	}
	return ""
}
