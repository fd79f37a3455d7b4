package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/models"
)

// sqliteTimeLayout is a fixed-width UTC form so lexicographic
// comparison in SQL matches chronological order
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// envelopeColumns are the columns shared by every memory table
const envelopeColumns = `
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	content TEXT NOT NULL,
	embedding BLOB,
	importance REAL NOT NULL DEFAULT 0.5,
	confidence REAL NOT NULL DEFAULT 0.5,
	access_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_accessed_at TEXT,
	context TEXT,
	tags TEXT`

// schema holds the DDL for every table, one statement per table
var schema = []string{
	`CREATE TABLE IF NOT EXISTS factual_memories (` + envelopeColumns + `,
	fact_type TEXT,
	subject TEXT,
	predicate TEXT,
	object_value TEXT,
	source TEXT,
	verification_status TEXT,
	related_facts TEXT)`,

	`CREATE TABLE IF NOT EXISTS episodic_memories (` + envelopeColumns + `,
	event_type TEXT,
	location TEXT,
	participants TEXT,
	emotional_valence REAL,
	vividness REAL,
	episode_date TEXT)`,

	`CREATE TABLE IF NOT EXISTS semantic_memories (` + envelopeColumns + `,
	concept_type TEXT,
	definition TEXT,
	properties TEXT,
	abstraction_level TEXT,
	category TEXT,
	related_concepts TEXT)`,

	`CREATE TABLE IF NOT EXISTS procedural_memories (` + envelopeColumns + `,
	skill_type TEXT,
	steps TEXT,
	prerequisites TEXT,
	difficulty_level TEXT,
	success_rate REAL,
	domain TEXT,
	current_step TEXT,
	progress_percentage REAL)`,

	`CREATE TABLE IF NOT EXISTS working_memories (` + envelopeColumns + `,
	task_id TEXT,
	task_context TEXT,
	ttl_seconds INTEGER,
	priority INTEGER,
	expires_at TEXT)`,

	`CREATE TABLE IF NOT EXISTS session_messages (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	message_type TEXT,
	message_metadata TEXT,
	is_summary_candidate INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL)`,

	`CREATE TABLE IF NOT EXISTS session_summaries (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL UNIQUE,
	conversation_summary TEXT,
	key_decisions TEXT,
	total_messages INTEGER NOT NULL DEFAULT 0,
	messages_since_last_summary INTEGER NOT NULL DEFAULT 0,
	last_summary_at TEXT,
	session_metadata TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL)`,

	`CREATE INDEX IF NOT EXISTS idx_factual_user ON factual_memories(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_episodic_user ON episodic_memories(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_semantic_user ON semantic_memories(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_procedural_user ON procedural_memories(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_working_user ON working_memories(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_working_expiry ON working_memories(user_id, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(user_id, session_id)`,
}

// SQLiteStore is the relational row store behind every memory engine
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite handles one writer at a time
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	log.Info("sqlite store opened", zap.String("path", path))
	return &SQLiteStore{db: db, log: log}, nil
}

// DB exposes the underlying handle for components that run their own
// SQL against the same database
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// bindValue converts a row value into its SQL binding form
func bindValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		if val.IsZero() {
			return nil
		}
		return val.UTC().Format(sqliteTimeLayout)
	case []float32:
		return EncodeVector(val)
	default:
		return v
	}
}

// Insert writes one new row
func (s *SQLiteStore) Insert(ctx context.Context, table string, row models.Row) error {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		args[i] = bindValue(row[col])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// Get fetches one row by id, nil when absent
func (s *SQLiteStore) Get(ctx context.Context, table, id string) (models.Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE id = ?", table)
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRow(rows)
}

// Select scans rows matching the filter in creation order
func (s *SQLiteStore) Select(ctx context.Context, table string, f models.Filter) ([]models.Row, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.MinImportance > 0 {
		where = append(where, "importance >= ?")
		args = append(args, f.MinImportance)
	}
	if f.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, bindValue(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, bindValue(*f.CreatedBefore))
	}
	if f.ActiveOnly {
		where = append(where, "expires_at > ?")
		args = append(args, bindValue(time.Now().UTC()))
	}
	if len(f.Equals) > 0 {
		cols := make([]string, 0, len(f.Equals))
		for k := range f.Equals {
			cols = append(cols, k)
		}
		sort.Strings(cols)
		for _, col := range cols {
			where = append(where, col+" = ?")
			args = append(args, bindValue(f.Equals[col]))
		}
	}

	query := "SELECT * FROM " + table
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []models.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Update applies changes to one row by id
func (s *SQLiteStore) Update(ctx context.Context, table, id string, changes models.Row) error {
	sets, args := setClause(changes)
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, sets)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no row with id %s in %s", id, table)
	}
	return nil
}

// UpdateMany applies the same changes to every listed id in one statement
func (s *SQLiteStore) UpdateMany(ctx context.Context, table string, ids []string, changes models.Row) error {
	if len(ids) == 0 {
		return nil
	}
	sets, args := setClause(changes)
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id IN (%s)",
		table, sets, strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	return nil
}

// setClause renders a deterministic SET clause from the change set
func setClause(changes models.Row) (string, []any) {
	cols := make([]string, 0, len(changes))
	for k := range changes {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		sets[i] = col + " = ?"
		args[i] = bindValue(changes[col])
	}
	return strings.Join(sets, ", "), args
}

// Delete removes one row by id
func (s *SQLiteStore) Delete(ctx context.Context, table, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

// DeleteExpired bulk-deletes rows whose expires_at is at or before now
func (s *SQLiteStore) DeleteExpired(ctx context.Context, table, userID string, now time.Time) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = ? AND expires_at <= ?", table)
	res, err := s.db.ExecContext(ctx, query, userID, bindValue(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rows from %s: %w", table, err)
	}
	return res.RowsAffected()
}

// Count returns the number of rows owned by userID
func (s *SQLiteStore) Count(ctx context.Context, table, userID string) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE user_id = ?", table)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return n, nil
}

// scanRow reads the current result row into a generic row map. BLOB
// columns decode into vectors, everything else keeps its driver type.
func scanRow(rows *sql.Rows) (models.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	row := make(models.Row, len(cols))
	for i, col := range cols {
		switch v := values[i].(type) {
		case []byte:
			if col == "embedding" {
				vec, err := DecodeVector(v)
				if err != nil {
					return nil, err
				}
				row[col] = vec
			} else {
				row[col] = string(v)
			}
		default:
			row[col] = v
		}
	}
	return row, nil
}
