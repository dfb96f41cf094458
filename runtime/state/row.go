package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// row is the flattened persistence shape shared by the SQL-backed
// registries: one row per execution with JSON columns for the nested
// maps.
type row struct {
	id          string
	status      string
	diagramID   sql.NullString
	startedAt   string
	endedAt     sql.NullString
	nodeStates  string
	nodeOutputs string
	variables   string
	tokenUsage  string
	errMsg      sql.NullString
	isActive    bool
}

func toRow(st *ExecutionState) (*row, error) {
	nodeStates, err := json.Marshal(st.NodeStates)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node states: %w", err)
	}
	nodeOutputs, err := json.Marshal(st.NodeOutput)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node outputs: %w", err)
	}
	variables, err := json.Marshal(st.Variables)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variables: %w", err)
	}
	usage, err := json.Marshal(st.TokenUsage)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token usage: %w", err)
	}

	r := &row{
		id:          string(st.ID),
		status:      string(st.Status),
		startedAt:   st.StartedAt.Format(time.RFC3339Nano),
		nodeStates:  string(nodeStates),
		nodeOutputs: string(nodeOutputs),
		variables:   string(variables),
		tokenUsage:  string(usage),
		isActive:    st.IsActive,
	}
	if st.DiagramID != "" {
		r.diagramID = sql.NullString{String: string(st.DiagramID), Valid: true}
	}
	if st.EndedAt != nil {
		r.endedAt = sql.NullString{String: st.EndedAt.Format(time.RFC3339Nano), Valid: true}
	}
	if st.Error != "" {
		r.errMsg = sql.NullString{String: st.Error, Valid: true}
	}
	return r, nil
}

func (r *row) toState() (*ExecutionState, error) {
	startedAt, err := time.Parse(time.RFC3339Nano, r.startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	st := &ExecutionState{
		ID:        diagram.ExecutionID(r.id),
		Status:    Status(r.status),
		StartedAt: startedAt,
		IsActive:  r.isActive,
	}
	if r.diagramID.Valid {
		st.DiagramID = diagram.DiagramID(r.diagramID.String)
	}
	if r.endedAt.Valid {
		endedAt, err := time.Parse(time.RFC3339Nano, r.endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
		st.EndedAt = &endedAt
	}
	if r.errMsg.Valid {
		st.Error = r.errMsg.String
	}

	if err := json.Unmarshal([]byte(r.nodeStates), &st.NodeStates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node states: %w", err)
	}
	if err := json.Unmarshal([]byte(r.nodeOutputs), &st.NodeOutput); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(r.variables), &st.Variables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
	}
	if err := json.Unmarshal([]byte(r.tokenUsage), &st.TokenUsage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token usage: %w", err)
	}
	if st.NodeStates == nil {
		st.NodeStates = make(map[diagram.NodeID]*NodeState)
	}
	if st.NodeOutput == nil {
		st.NodeOutput = make(map[diagram.NodeID]*envelope.Envelope)
	}
	if st.Variables == nil {
		st.Variables = make(map[string]any)
	}
	return st, nil
}
