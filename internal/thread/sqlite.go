package thread

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS threads (
	id          TEXT PRIMARY KEY,
	version     INTEGER NOT NULL,
	status      TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL,
	source_id   TEXT NOT NULL DEFAULT '',
	messages    TEXT NOT NULL DEFAULT '[]',
	context     TEXT NOT NULL DEFAULT '{}',
	wake_handle TEXT NOT NULL DEFAULT '',
	wake_reason TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_source ON threads(source, source_id, created_at);
CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_live_identity
	ON threads(source, source_id)
	WHERE source_id <> '' AND status IN ('active', 'sleeping');
`

const selectColumns = `id, version, status, title, source, source_id, messages, context,
	wake_handle, wake_reason, created_at, updated_at`

// SQLiteStore is the default [Store], backed by a single SQLite file.
// All access is serialized through one connection, so each update's
// read-compare-write transaction is atomic with respect to every other
// writer in the process.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the thread database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, raw := range strings.Split(schemaSQL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create implements [Store].
func (s *SQLiteStore) Create(ctx context.Context, seed Seed) (*Thread, error) {
	now := s.now().UTC()
	t := &Thread{
		ID:        NewID(),
		Version:   1,
		Status:    StatusActive,
		Title:     seed.Title,
		Source:    seed.Source,
		SourceID:  seed.SourceID,
		Messages:  seed.Messages,
		Context:   seed.Context,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t = t.Clone()

	msgs, err := EncodeMessages(t.Messages)
	if err != nil {
		return nil, err
	}
	tctx, err := EncodeContext(t.Context)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, version, status, title, source, source_id, messages, context,
			wake_handle, wake_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
		t.ID, t.Version, t.Status, t.Title, t.Source, t.SourceID, string(msgs), string(tctx),
		now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrLiveThreadExists
		}
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return t, nil
}

// FindByID implements [Store].
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find thread %s: %w", id, err)
	}
	return t, nil
}

// FindBySource implements [Store].
func (s *SQLiteStore) FindBySource(ctx context.Context, source, sourceID string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM threads
		WHERE source = ? AND source_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, source, sourceID)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find thread %s/%s: %w", source, sourceID, err)
	}
	return t, nil
}

// UpdateLocked implements [Store].
func (s *SQLiteStore) UpdateLocked(ctx context.Context, id string, expectedVersion int64, patch Patch) (*Thread, error) {
	return s.update(ctx, id, &expectedVersion, patch)
}

// Update implements [Store].
func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch) (*Thread, error) {
	return s.update(ctx, id, nil, patch)
}

func (s *SQLiteStore) update(ctx context.Context, id string, expected *int64, patch Patch) (*Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read thread %s: %w", id, err)
	}
	if expected != nil && t.Version != *expected {
		return nil, &ConflictError{ID: id, Expected: *expected}
	}

	prev := t.Version
	patch.Apply(t)
	t.Version = prev + 1
	t.UpdatedAt = s.now().UTC()

	msgs, err := EncodeMessages(t.Messages)
	if err != nil {
		return nil, err
	}
	tctx, err := EncodeContext(t.Context)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE threads SET version = version + 1, status = ?, title = ?, messages = ?, context = ?,
			wake_handle = ?, wake_reason = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		t.Status, t.Title, string(msgs), string(tctx), t.WakeHandle, t.WakeReason,
		t.UpdatedAt.Format(timeFormat), id, prev,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrLiveThreadExists
		}
		return nil, fmt.Errorf("update thread %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, &ConflictError{ID: id, Expected: prev}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update %s: %w", id, err)
	}
	return t, nil
}

// List implements [Store].
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*Thread, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + selectColumns + ` FROM threads`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var (
		t                    Thread
		msgs, tctx           string
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.Version, &t.Status, &t.Title, &t.Source, &t.SourceID,
		&msgs, &tctx, &t.WakeHandle, &t.WakeReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if t.Messages, err = DecodeMessages([]byte(msgs)); err != nil {
		return nil, err
	}
	if t.Context, err = DecodeContext([]byte(tctx)); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
