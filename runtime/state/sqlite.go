package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
	_ "modernc.org/sqlite"
)

// SQLiteRegistry is a SQLite-backed Registry with an in-memory hot
// cache for active executions.
//
// All database work is confined to a single dedicated executor
// goroutine; registry methods mutate the hot cache synchronously and
// submit persistence jobs to the executor, awaiting the result. This
// keeps SQLite on one writer connection and gives callers a clean
// async facade over the blocking driver.
//
// The database runs in WAL mode with a busy timeout, matching the
// journalling recommendation for local stores.
type SQLiteRegistry struct {
	db    *sql.DB
	cache *MemRegistry
	log   zerolog.Logger

	jobs   chan job
	closed chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	isOpen bool
}

type job struct {
	fn   func(db *sql.DB) error
	done chan error
}

// SQLiteOption configures the registry.
type SQLiteOption func(*SQLiteRegistry)

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) SQLiteOption {
	return func(r *SQLiteRegistry) { r.log = log }
}

// WithBlobStore wires the store used to externalise oversized
// envelope bodies.
func WithBlobStore(b BlobStore) SQLiteOption {
	return func(r *SQLiteRegistry) { r.cache.SetBlobStore(b) }
}

// NewSQLiteRegistry opens (or creates) the registry database at path.
// Use ":memory:" for an ephemeral database.
func NewSQLiteRegistry(path string, opts ...SQLiteOption) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; keep a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	r := &SQLiteRegistry{
		db:     db,
		cache:  NewMemRegistry(),
		log:    zerolog.Nop(),
		jobs:   make(chan job, 64),
		closed: make(chan struct{}),
		isOpen: true,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	r.wg.Add(1)
	go r.executor()
	return r, nil
}

func (r *SQLiteRegistry) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS execution_states (
			execution_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			diagram_id TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			node_states TEXT NOT NULL,
			node_outputs TEXT NOT NULL,
			variables TEXT NOT NULL,
			token_usage TEXT NOT NULL,
			error TEXT,
			is_active INTEGER NOT NULL DEFAULT 0
		)
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create execution_states table: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_exec_status ON execution_states(status)",
		"CREATE INDEX IF NOT EXISTS idx_exec_started ON execution_states(started_at)",
	} {
		if _, err := r.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// executor drains persistence jobs on the dedicated goroutine.
func (r *SQLiteRegistry) executor() {
	defer r.wg.Done()
	for {
		select {
		case <-r.closed:
			// Drain any submitted work before exiting.
			for {
				select {
				case j := <-r.jobs:
					j.done <- j.fn(r.db)
				default:
					return
				}
			}
		case j := <-r.jobs:
			j.done <- j.fn(r.db)
		}
	}
}

// submit runs fn on the executor goroutine and awaits the result.
func (r *SQLiteRegistry) submit(ctx context.Context, fn func(db *sql.DB) error) error {
	r.mu.Lock()
	if !r.isOpen {
		r.mu.Unlock()
		return fmt.Errorf("registry is closed")
	}
	r.mu.Unlock()

	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case r.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist upserts the full execution row.
func (r *SQLiteRegistry) persist(ctx context.Context, st *ExecutionState) error {
	pr, err := toRow(st)
	if err != nil {
		return err
	}
	return r.submit(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO execution_states
			(execution_id, status, diagram_id, started_at, ended_at,
			 node_states, node_outputs, variables, token_usage, error, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(execution_id) DO UPDATE SET
				status = excluded.status,
				ended_at = excluded.ended_at,
				node_states = excluded.node_states,
				node_outputs = excluded.node_outputs,
				variables = excluded.variables,
				token_usage = excluded.token_usage,
				error = excluded.error,
				is_active = excluded.is_active
		`
		_, err := db.ExecContext(ctx, query,
			pr.id, pr.status, pr.diagramID, pr.startedAt, pr.endedAt,
			pr.nodeStates, pr.nodeOutputs, pr.variables, pr.tokenUsage,
			pr.errMsg, pr.isActive)
		if err != nil {
			return fmt.Errorf("failed to persist execution %s: %w", pr.id, err)
		}
		return nil
	})
}

// persistCached persists the current cached copy of an execution.
func (r *SQLiteRegistry) persistCached(ctx context.Context, id diagram.ExecutionID) error {
	st, err := r.cache.GetState(ctx, id)
	if err != nil {
		return err
	}
	return r.persist(ctx, st)
}

// CreateExecution implements Registry.
func (r *SQLiteRegistry) CreateExecution(ctx context.Context, id diagram.ExecutionID, diagramID diagram.DiagramID, variables map[string]any) (*ExecutionState, error) {
	st, err := r.cache.CreateExecution(ctx, id, diagramID, variables)
	if err != nil {
		return nil, err
	}
	if err := r.persist(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// GetState implements Registry: hot cache first, then the database.
func (r *SQLiteRegistry) GetState(ctx context.Context, id diagram.ExecutionID) (*ExecutionState, error) {
	if st, err := r.cache.GetState(ctx, id); err == nil {
		return st, nil
	}

	var st *ExecutionState
	err := r.submit(ctx, func(db *sql.DB) error {
		query := `
			SELECT execution_id, status, diagram_id, started_at, ended_at,
			       node_states, node_outputs, variables, token_usage, error, is_active
			FROM execution_states WHERE execution_id = ?
		`
		var pr row
		err := db.QueryRowContext(ctx, query, string(id)).Scan(
			&pr.id, &pr.status, &pr.diagramID, &pr.startedAt, &pr.endedAt,
			&pr.nodeStates, &pr.nodeOutputs, &pr.variables, &pr.tokenUsage,
			&pr.errMsg, &pr.isActive)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load execution %s: %w", id, err)
		}
		st, err = pr.toState()
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SaveState implements Registry.
func (r *SQLiteRegistry) SaveState(ctx context.Context, st *ExecutionState) error {
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

// UpdateStatus implements Registry. Terminal transitions persist the
// row and evict the execution from the hot cache.
func (r *SQLiteRegistry) UpdateStatus(ctx context.Context, id diagram.ExecutionID, status Status, errMsg string) error {
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
func (r *SQLiteRegistry) UpdateNodeStatus(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, status NodeStatus, errMsg string) error {
	if err := r.cache.UpdateNodeStatus(ctx, id, nodeID, status, errMsg); err != nil {
		return err
	}
	return r.persistCached(ctx, id)
}

// UpdateNodeOutput implements Registry.
func (r *SQLiteRegistry) UpdateNodeOutput(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, env *envelope.Envelope, usage *envelope.Usage) error {
	if err := r.cache.UpdateNodeOutput(ctx, id, nodeID, env, usage); err != nil {
		return err
	}
	return r.persistCached(ctx, id)
}

// AddTokenUsage implements Registry.
func (r *SQLiteRegistry) AddTokenUsage(ctx context.Context, id diagram.ExecutionID, usage envelope.Usage) error {
	if err := r.cache.AddTokenUsage(ctx, id, usage); err != nil {
		return err
	}
	return r.persistCached(ctx, id)
}

// ListExecutions implements Registry, reading the database so that
// both active and historical executions are visible.
func (r *SQLiteRegistry) ListExecutions(ctx context.Context, f Filter) ([]*ExecutionState, error) {
	var out []*ExecutionState
	err := r.submit(ctx, func(db *sql.DB) error {
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
			limit = -1
		}
		rows, err := db.QueryContext(ctx, query,
			string(f.DiagramID), string(f.DiagramID),
			string(f.Status), string(f.Status),
			limit, f.Offset)
		if err != nil {
			return fmt.Errorf("failed to list executions: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var pr row
			if err := rows.Scan(
				&pr.id, &pr.status, &pr.diagramID, &pr.startedAt, &pr.endedAt,
				&pr.nodeStates, &pr.nodeOutputs, &pr.variables, &pr.tokenUsage,
				&pr.errMsg, &pr.isActive); err != nil {
				return fmt.Errorf("failed to scan execution row: %w", err)
			}
			st, err := pr.toState()
			if err != nil {
				return err
			}
			out = append(out, st)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CleanupOld implements Registry.
func (r *SQLiteRegistry) CleanupOld(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	removed := 0
	err := r.submit(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"DELETE FROM execution_states WHERE started_at < ? AND is_active = 0", cutoff)
		if err != nil {
			return fmt.Errorf("failed to clean up executions: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed = int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if _, err := r.cache.CleanupOld(ctx, retention); err != nil {
		return removed, err
	}
	return removed, nil
}

// CachedLen reports the hot-cache size (active executions).
func (r *SQLiteRegistry) CachedLen() int {
	return r.cache.CachedLen()
}

// Close stops the executor and closes the database. Safe to call
// multiple times.
func (r *SQLiteRegistry) Close() error {
	r.mu.Lock()
	if !r.isOpen {
		r.mu.Unlock()
		return nil
	}
	r.isOpen = false
	r.mu.Unlock()

	close(r.closed)
	r.wg.Wait()
	return r.db.Close()
}
