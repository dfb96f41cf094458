package emit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelObserver records each wire event as an OpenTelemetry span,
// carrying the execution and node identity plus event data as span
// attributes. Errors set the span status.
//
// Attach it as a sink so that progress and prompt events are traced
// alongside the typed lifecycle callbacks.
type OTelObserver struct {
	tracer trace.Tracer
}

// NewOTelObserver creates an observer over the given tracer.
func NewOTelObserver(tracer trace.Tracer) *OTelObserver {
	return &OTelObserver{tracer: tracer}
}

// Deliver implements Sink.
func (o *OTelObserver) Deliver(event Event) {
	_, span := o.tracer.Start(context.Background(), string(event.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("dipeo.execution_id", string(event.ExecutionID)),
		attribute.String("dipeo.node_id", string(event.NodeID)),
	)
	for key, value := range event.Data {
		attrKey := "dipeo." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		}
	}

	if event.Type == NodeError || event.Type == ExecutionError {
		if msg, ok := event.Data["error"].(string); ok {
			span.SetStatus(codes.Error, msg)
		}
	}
}

// Flush forces the tracer provider to export pending spans, when the
// configured provider supports it.
func (o *OTelObserver) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
