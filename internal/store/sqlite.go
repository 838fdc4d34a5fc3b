package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/ashureev/claude-relay/internal/domain"
	"github.com/ashureev/claude-relay/internal/shared"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 100

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers alongside the recorder's writes.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

var migrations = []func(*sql.DB) error{
	migrateV1,
	migrateV2,
	migrateV3,
}

// migrate applies schema migrations.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the sessions table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			working_dir TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			ended_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner, updated_at);
	`)
	return err
}

// migrateV2 creates the messages table.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata_json TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`)
	return err
}

// migrateV3 creates the activity log.
func migrateV3(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS activity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			action TEXT NOT NULL,
			details_json TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_activity_created ON activity(created_at);
	`)
	return err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := shared.RetryOnConflict(ctx, s.retry, op, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// UpsertSession creates or updates a session record. An empty external id
// never overwrites a known one.
func (s *SQLiteStore) UpsertSession(ctx context.Context, rec *domain.SessionRecord) error {
	query := `
	INSERT INTO sessions (id, owner, external_id, status, working_dir, model,
		message_count, input_tokens, output_tokens, cost_usd, created_at, updated_at, ended_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		external_id = CASE WHEN excluded.external_id != '' THEN excluded.external_id ELSE sessions.external_id END,
		status = excluded.status,
		working_dir = excluded.working_dir,
		model = excluded.model,
		message_count = excluded.message_count,
		input_tokens = excluded.input_tokens,
		output_tokens = excluded.output_tokens,
		cost_usd = excluded.cost_usd,
		updated_at = excluded.updated_at,
		ended_at = excluded.ended_at`

	var endedAt any
	if rec.EndedAt != nil {
		endedAt = rec.EndedAt.Unix()
	}

	_, err := s.exec(ctx, "upsert session", query,
		rec.ID, rec.Owner, rec.ExternalID, rec.Status, rec.WorkingDir, rec.Model,
		rec.MessageCount, rec.InputTokens, rec.OutputTokens, rec.CostUSD,
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(), endedAt,
	)
	return err
}

const sessionColumns = `id, owner, external_id, status, working_dir, model,
	message_count, input_tokens, output_tokens, cost_usd, created_at, updated_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var createdAt, updatedAt int64
	var endedAt sql.NullInt64

	err := row.Scan(
		&rec.ID, &rec.Owner, &rec.ExternalID, &rec.Status, &rec.WorkingDir, &rec.Model,
		&rec.MessageCount, &rec.InputTokens, &rec.OutputTokens, &rec.CostUSD,
		&createdAt, &updatedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0)
		rec.EndedAt = &t
	}
	return &rec, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return rec, nil
}

// ListSessions returns the owner's sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, owner string, limit int) ([]*domain.SessionRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE owner = ? ORDER BY updated_at DESC, created_at DESC LIMIT ?`,
		owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// UpdateSessionStats overwrites the counters of a session.
func (s *SQLiteStore) UpdateSessionStats(ctx context.Context, sessionID string, stats domain.SessionStats) error {
	query := `UPDATE sessions SET message_count = ?, input_tokens = ?, output_tokens = ?, cost_usd = ?, updated_at = ?
		WHERE id = ?`
	result, err := s.exec(ctx, "update session stats", query,
		stats.MessageCount, stats.InputTokens, stats.OutputTokens, stats.CostUSD, time.Now().Unix(), sessionID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSessionStats affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// RecordMessage appends a conversation entry.
func (s *SQLiteStore) RecordMessage(ctx context.Context, msg *domain.StoredMessage) error {
	metadata, err := encodeJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := s.exec(ctx, "insert message",
		`INSERT INTO messages (session_id, role, content, metadata_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, metadata, createdAt.Unix())
	if err != nil {
		return err
	}
	if id, err := result.LastInsertId(); err == nil {
		msg.ID = id
	}
	return nil
}

// ListMessages returns the latest limit messages of a session in
// chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.StoredMessage, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, metadata_json, created_at
		FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.StoredMessage
	for rows.Next() {
		var msg domain.StoredMessage
		var metadata sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				slog.Warn("Discarding unreadable message metadata", "message_id", msg.ID, "error", err)
			}
		}
		msg.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	slices.Reverse(out)
	return out, nil
}

// LogActivity appends an audit entry.
func (s *SQLiteStore) LogActivity(ctx context.Context, act *domain.Activity) error {
	details, err := encodeJSON(act.Details)
	if err != nil {
		return fmt.Errorf("encode activity details: %w", err)
	}
	createdAt := act.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.exec(ctx, "insert activity",
		`INSERT INTO activity (session_id, action, details_json, created_at) VALUES (?, ?, ?, ?)`,
		act.SessionID, act.Action, details, createdAt.Unix())
	return err
}

// CleanupActivity removes activity entries older than retention.
func (s *SQLiteStore) CleanupActivity(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := s.exec(ctx, "cleanup activity", `DELETE FROM activity WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// encodeJSON returns nil for an empty map so the column stays NULL.
func encodeJSON(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
