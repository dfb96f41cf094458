package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// SQLiteArchive persists conversation messages and externalised
// envelope bodies. It backs the in-memory Store as its Archive and
// doubles as the secondary store referenced by node outputs.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive opens (or creates) the archive database at path.
func NewSQLiteArchive(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	a := &SQLiteArchive{db: db}
	if err := a.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *SQLiteArchive) createTables(ctx context.Context) error {
	messages := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			person_id TEXT NOT NULL,
			from_person_id TEXT NOT NULL,
			to_person_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			token_usage TEXT
		)
	`
	if _, err := a.db.ExecContext(ctx, messages); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	blobs := `
		CREATE TABLE IF NOT EXISTS conversation_blobs (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
	`
	if _, err := a.db.ExecContext(ctx, blobs); err != nil {
		return fmt.Errorf("failed to create conversation_blobs table: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_execution ON messages(execution_id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_person ON messages(person_id, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_blobs_execution ON conversation_blobs(execution_id)",
	} {
		if _, err := a.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// SaveMessage implements Archive.
func (a *SQLiteArchive) SaveMessage(ctx context.Context, personID diagram.PersonID, msg Message) error {
	var usageJSON sql.NullString
	if msg.Usage != nil {
		data, err := json.Marshal(msg.Usage)
		if err != nil {
			return fmt.Errorf("failed to marshal token usage: %w", err)
		}
		usageJSON = sql.NullString{String: string(data), Valid: true}
	}
	var to sql.NullString
	if msg.To != "" {
		to = sql.NullString{String: msg.To, Valid: true}
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO messages
		(id, execution_id, person_id, from_person_id, to_person_id, role, content, timestamp, token_usage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		msg.ID, string(msg.ExecutionID), string(personID), msg.From, to,
		string(msg.Role), msg.Content, msg.Timestamp.Format(time.RFC3339Nano), usageJSON)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// History loads a person's archived messages in timestamp order.
func (a *SQLiteArchive) History(ctx context.Context, personID diagram.PersonID, filter HistoryFilter) ([]Message, error) {
	query := `
		SELECT id, execution_id, from_person_id, to_person_id, role, content, timestamp, token_usage
		FROM messages
		WHERE person_id = ?
		  AND (? = '' OR execution_id = ?)
		ORDER BY timestamp ASC
	`
	rows, err := a.db.QueryContext(ctx, query,
		string(personID), string(filter.ExecutionID), string(filter.ExecutionID))
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var (
			msg       Message
			execID    string
			to        sql.NullString
			role      string
			timestamp string
			usage     sql.NullString
		)
		if err := rows.Scan(&msg.ID, &execID, &msg.From, &to, &role, &msg.Content, &timestamp, &usage); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.ExecutionID = diagram.ExecutionID(execID)
		msg.Role = Role(role)
		if to.Valid {
			msg.To = to.String
		}
		if msg.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, fmt.Errorf("failed to parse message timestamp: %w", err)
		}
		if usage.Valid {
			var u envelope.Usage
			if err := json.Unmarshal([]byte(usage.String), &u); err != nil {
				return nil, fmt.Errorf("failed to unmarshal token usage: %w", err)
			}
			msg.Usage = &u
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// SaveBlob implements Archive.
func (a *SQLiteArchive) SaveBlob(ctx context.Context, id string, executionID diagram.ExecutionID, content string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO conversation_blobs (id, execution_id, content, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content
	`, id, string(executionID), content, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save blob: %w", err)
	}
	return nil
}

// LoadBlob implements Archive.
func (a *SQLiteArchive) LoadBlob(ctx context.Context, id string) (string, error) {
	var content string
	err := a.db.QueryRowContext(ctx,
		"SELECT content FROM conversation_blobs WHERE id = ?", id).Scan(&content)
	if err == sql.ErrNoRows {
		return "", errdefs.Newf(errdefs.KindNotFound, "blob %s not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load blob: %w", err)
	}
	return content, nil
}

// Close closes the archive database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
