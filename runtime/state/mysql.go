package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// MySQLRegistry is a MySQL-backed Registry with the same hot-cache
// discipline as SQLiteRegistry. Unlike SQLite, MySQL handles
// concurrent writers, so database calls go through the connection pool
// directly instead of a dedicated executor goroutine.
//
// Use for multi-process deployments where several API replicas read
// execution history while one engine writes it.
type MySQLRegistry struct {
	db    *sql.DB
	cache *MemRegistry
}

// NewMySQLRegistry connects with a standard DSN, e.g.
// "user:pass@tcp(localhost:3306)/dipeo?parseTime=false".
func NewMySQLRegistry(dsn string) (*MySQLRegistry, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	r := &MySQLRegistry{db: db, cache: NewMemRegistry()}
	if err := r.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// SetBlobStore wires the store used to externalise oversized bodies.
func (r *MySQLRegistry) SetBlobStore(b BlobStore) {
	r.cache.SetBlobStore(b)
}

func (r *MySQLRegistry) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS execution_states (
			execution_id VARCHAR(64) PRIMARY KEY,
			status VARCHAR(16) NOT NULL,
			diagram_id VARCHAR(128),
			started_at VARCHAR(40) NOT NULL,
			ended_at VARCHAR(40),
			node_states JSON NOT NULL,
			node_outputs JSON NOT NULL,
			variables JSON NOT NULL,
			token_usage JSON NOT NULL,
			error TEXT,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			INDEX idx_exec_status (status),
			INDEX idx_exec_started (started_at)
		)
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create execution_states table: %w", err)
	}
	return nil
}

func (r *MySQLRegistry) persist(ctx context.Context, st *ExecutionState) error {
	pr, err := toRow(st)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO execution_states
		(execution_id, status, diagram_id, started_at, ended_at,
		 node_states, node_outputs, variables, token_usage, error, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			ended_at = VALUES(ended_at),
			node_states = VALUES(node_states),
			node_outputs = VALUES(node_outputs),
			variables = VALUES(variables),
			token_usage = VALUES(token_usage),
			error = VALUES(error),
			is_active = VALUES(is_active)
	`
	_, err = r.db.ExecContext(ctx, query,
		pr.id, pr.status, pr.diagramID, pr.startedAt, pr.endedAt,
		pr.nodeStates, pr.nodeOutputs, pr.variables, pr.tokenUsage,
		pr.errMsg, pr.isActive)
	if err != nil {
		return fmt.Errorf("failed to persist execution %s: %w", pr.id, err)
	}
	return nil
}

func (r *MySQLRegistry) persistCached(ctx context.Context, id diagram.ExecutionID) error {
	st, err := r.cache.GetState(ctx, id)
	if err != nil {
		return err
	}
	return r.persist(ctx, st)
}

// CreateExecution implements Registry.
func (r *MySQLRegistry) CreateExecution(ctx context.Context, id diagram.ExecutionID, diagramID diagram.DiagramID, variables map[string]any) (*ExecutionState, error) {
	st, err := r.cache.CreateExecution(ctx, id, diagramID, variables)
	if err != nil {
		return nil, err
	}
	if err := r.persist(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// GetState implements Registry.
func (r *MySQLRegistry) GetState(ctx context.Context, id diagram.ExecutionID) (*ExecutionState, error) {
	if st, err := r.cache.GetState(ctx, id); err == nil {
		return st, nil
	}
	query := `
		SELECT execution_id, status, diagram_id, started_at, ended_at,
		       node_states, node_outputs, variables, token_usage, error, is_active
		FROM execution_states WHERE execution_id = ?
	`
	var pr row
	err := r.db.QueryRowContext(ctx, query, string(id)).Scan(
		&pr.id, &pr.status, &pr.diagramID, &pr.startedAt, &pr.endedAt,
		&pr.nodeStates, &pr.nodeOutputs, &pr.variables, &pr.tokenUsage,
		&pr.errMsg, &pr.isActive)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", id, err)
	}
	return pr.toState()
}

// SaveState implements Registry.
func (r *MySQLRegistry) SaveState(ctx context.Context, st *ExecutionState) error {
	if err := r.cache.SaveState(ctx, st); err != nil {
		return err
	}
	if st.IsActive {
		return nil
	}
	if err := r.persist(ctx, st); err != nil {
		return err
	}
	r.cache.Drop(st.ID)
	return nil
}

// UpdateStatus implements Registry.
func (r *MySQLRegistry) UpdateStatus(ctx context.Context, id diagram.ExecutionID, status Status, errMsg string) error {
	if err := r.cache.UpdateStatus(ctx, id, status, errMsg); err != nil {
		return err
	}
	if err := r.persistCached(ctx, id); err != nil {
		return err
	}
	if status.Terminal() {
		r.cache.Drop(id)
	}
	return nil
}

// UpdateNodeStatus implements Registry.
func (r *MySQLRegistry) UpdateNodeStatus(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, status NodeStatus, errMsg string) error {
	if err := r.cache.UpdateNodeStatus(ctx, id, nodeID, status, errMsg); err != nil {
		return err
	}
	return r.persistCached(ctx, id)
}

// UpdateNodeOutput implements Registry.
func (r *MySQLRegistry) UpdateNodeOutput(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, env *envelope.Envelope, usage *envelope.Usage) error {
	if err := r.cache.UpdateNodeOutput(ctx, id, nodeID, env, usage); err != nil {
		return err
	}
	return r.persistCached(ctx, id)
}

// AddTokenUsage implements Registry.
func (r *MySQLRegistry) AddTokenUsage(ctx context.Context, id diagram.ExecutionID, usage envelope.Usage) error {
	if err := r.cache.AddTokenUsage(ctx, id, usage); err != nil {
		return err
	}
	return r.persistCached(ctx, id)
}

// ListExecutions implements Registry.
func (r *MySQLRegistry) ListExecutions(ctx context.Context, f Filter) ([]*ExecutionState, error) {
	query := `
		SELECT execution_id, status, diagram_id, started_at, ended_at,
		       node_states, node_outputs, variables, token_usage, error, is_active
		FROM execution_states
		WHERE (? = '' OR diagram_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, query,
		string(f.DiagramID), string(f.DiagramID),
		string(f.Status), string(f.Status),
		limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ExecutionState
	for rows.Next() {
		var pr row
		if err := rows.Scan(
			&pr.id, &pr.status, &pr.diagramID, &pr.startedAt, &pr.endedAt,
			&pr.nodeStates, &pr.nodeOutputs, &pr.variables, &pr.tokenUsage,
			&pr.errMsg, &pr.isActive); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		st, err := pr.toState()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CleanupOld implements Registry.
func (r *MySQLRegistry) CleanupOld(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM execution_states WHERE started_at < ? AND is_active = FALSE", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up executions: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := r.cache.CleanupOld(ctx, retention); err != nil {
		return int(n), err
	}
	return int(n), nil
}

// Close closes the connection pool.
func (r *MySQLRegistry) Close() error {
	return r.db.Close()
}
