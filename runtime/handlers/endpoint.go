package handlers

import (
	"context"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// executeEndpoint terminates a path through the diagram. The inbound
// envelope becomes the endpoint's recorded output, so the execution
// result can be read from node_outputs. With "save_to_file" set, the
// result is additionally written through the file port.
func executeEndpoint(_ context.Context, req *runtime.Request) (runtime.Outputs, error) {
	in := req.FirstInput()
	if in == nil {
		in = envelope.Empty(req.Node.ID)
	}

	if path := req.Node.Config.String("save_to_file"); path != "" && req.Services.Files != nil {
		if err := req.Services.Files.Write(path, []byte(in.BodyString())); err != nil {
			return nil, err
		}
	}

	// Endpoint nodes have no outgoing edges; the default-port envelope
	// is persisted as the node output without producing tokens.
	result := envelope.New(req.Node.ID, in.ContentType, in.Body)
	return runtime.Outputs{diagram.PortDefault: result}, nil
}
