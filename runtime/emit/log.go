package emit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// LogObserver writes every lifecycle event as a structured log line.
type LogObserver struct {
	log zerolog.Logger
}

// NewLogObserver creates a log observer.
func NewLogObserver(log zerolog.Logger) *LogObserver {
	return &LogObserver{log: log}
}

// OnExecutionStart implements Observer.
func (l *LogObserver) OnExecutionStart(_ context.Context, id diagram.ExecutionID, diagramID diagram.DiagramID) {
	l.log.Info().
		Str("execution_id", string(id)).
		Str("diagram_id", string(diagramID)).
		Msg("execution started")
}

// OnExecutionComplete implements Observer.
func (l *LogObserver) OnExecutionComplete(_ context.Context, id diagram.ExecutionID) {
	l.log.Info().Str("execution_id", string(id)).Msg("execution completed")
}

// OnExecutionError implements Observer.
func (l *LogObserver) OnExecutionError(_ context.Context, id diagram.ExecutionID, err error) {
	l.log.Error().Str("execution_id", string(id)).Err(err).Msg("execution failed")
}

// OnNodeStart implements Observer.
func (l *LogObserver) OnNodeStart(_ context.Context, id diagram.ExecutionID, nodeID diagram.NodeID) {
	l.log.Debug().
		Str("execution_id", string(id)).
		Str("node_id", string(nodeID)).
		Msg("node started")
}

// OnNodeComplete implements Observer.
func (l *LogObserver) OnNodeComplete(_ context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, out *envelope.Envelope) {
	ev := l.log.Debug().
		Str("execution_id", string(id)).
		Str("node_id", string(nodeID))
	if out != nil {
		ev = ev.Dur("execution_time", out.Meta.ExecutionTime)
		if out.Meta.LLMUsage != nil {
			ev = ev.Int("tokens_in", out.Meta.LLMUsage.Input).
				Int("tokens_out", out.Meta.LLMUsage.Output)
		}
	}
	ev.Msg("node completed")
}

// OnNodeError implements Observer.
func (l *LogObserver) OnNodeError(_ context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, err error) {
	l.log.Warn().
		Str("execution_id", string(id)).
		Str("node_id", string(nodeID)).
		Err(err).
		Msg("node failed")
}

// OnNodeSkipped implements Observer.
func (l *LogObserver) OnNodeSkipped(_ context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, reason string) {
	l.log.Debug().
		Str("execution_id", string(id)).
		Str("node_id", string(nodeID)).
		Str("reason", reason).
		Msg("node skipped")
}
