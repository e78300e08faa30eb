// Package pgstore implements thread.Store on PostgreSQL for deployments
// that run more than one skein process against shared state.
//
// The Store accepts an externally-owned *pgxpool.Pool. The caller creates
// and closes the pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nugget/skein/internal/thread"
)

const uniqueViolation = "23505"

const selectColumns = `id, version, status, title, source, source_id, messages, context,
	wake_handle, wake_reason, created_at, updated_at`

// Store implements thread.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ thread.Store = (*Store)(nil)

// New creates a Store using an existing pool. Call [Store.Init] before use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Init creates the threads table and its indexes. Safe to call multiple
// times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id          TEXT PRIMARY KEY,
			version     BIGINT NOT NULL,
			status      TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			source      TEXT NOT NULL,
			source_id   TEXT NOT NULL DEFAULT '',
			messages    JSONB NOT NULL DEFAULT '[]'::jsonb,
			context     JSONB NOT NULL DEFAULT '{}'::jsonb,
			wake_handle TEXT NOT NULL DEFAULT '',
			wake_reason TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_source ON threads(source, source_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_live_identity
			ON threads(source, source_id)
			WHERE source_id <> '' AND status IN ('active', 'sleeping')`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init threads schema: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error {
	return nil
}

func (s *Store) timestamp() time.Time {
	// Postgres keeps microseconds.
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create implements thread.Store.
func (s *Store) Create(ctx context.Context, seed thread.Seed) (*thread.Thread, error) {
	now := s.timestamp()
	t := (&thread.Thread{
		ID:        thread.NewID(),
		Version:   1,
		Status:    thread.StatusActive,
		Title:     seed.Title,
		Source:    seed.Source,
		SourceID:  seed.SourceID,
		Messages:  seed.Messages,
		Context:   seed.Context,
		CreatedAt: now,
		UpdatedAt: now,
	}).Clone()

	msgs, err := thread.EncodeMessages(t.Messages)
	if err != nil {
		return nil, err
	}
	tctx, err := thread.EncodeContext(t.Context)
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO threads (id, version, status, title, source, source_id, messages, context,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10)`,
		t.ID, t.Version, string(t.Status), t.Title, t.Source, t.SourceID,
		string(msgs), string(tctx), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, thread.ErrLiveThreadExists
		}
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return t, nil
}

// FindByID implements thread.Store.
func (s *Store) FindByID(ctx context.Context, id string) (*thread.Thread, error) {
	t, err := scanThread(s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM threads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find thread %s: %w", id, err)
	}
	return t, nil
}

// FindBySource implements thread.Store.
func (s *Store) FindBySource(ctx context.Context, source, sourceID string) (*thread.Thread, error) {
	t, err := scanThread(s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM threads
		WHERE source = $1 AND source_id = $2
		ORDER BY created_at DESC, id DESC LIMIT 1`, source, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find thread %s/%s: %w", source, sourceID, err)
	}
	return t, nil
}

// UpdateLocked implements thread.Store.
func (s *Store) UpdateLocked(ctx context.Context, id string, expectedVersion int64, patch thread.Patch) (*thread.Thread, error) {
	return s.update(ctx, id, &expectedVersion, patch)
}

// Update implements thread.Store.
func (s *Store) Update(ctx context.Context, id string, patch thread.Patch) (*thread.Thread, error) {
	return s.update(ctx, id, nil, patch)
}

func (s *Store) update(ctx context.Context, id string, expected *int64, patch thread.Patch) (*thread.Thread, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update %s: %w", id, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	t, err := scanThread(tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM threads WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, thread.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read thread %s: %w", id, err)
	}
	if expected != nil && t.Version != *expected {
		return nil, &thread.ConflictError{ID: id, Expected: *expected}
	}

	prev := t.Version
	patch.Apply(t)
	t.Version = prev + 1
	t.UpdatedAt = s.timestamp()

	msgs, err := thread.EncodeMessages(t.Messages)
	if err != nil {
		return nil, err
	}
	tctx, err := thread.EncodeContext(t.Context)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE threads SET version = version + 1, status = $1, title = $2, messages = $3::jsonb,
			context = $4::jsonb, wake_handle = $5, wake_reason = $6, updated_at = $7
		WHERE id = $8 AND version = $9`,
		string(t.Status), t.Title, string(msgs), string(tctx), t.WakeHandle, t.WakeReason,
		t.UpdatedAt, id, prev,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, thread.ErrLiveThreadExists
		}
		return nil, fmt.Errorf("update thread %s: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return nil, &thread.ConflictError{ID: id, Expected: prev}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update %s: %w", id, err)
	}
	return t, nil
}

// List implements thread.Store.
func (s *Store) List(ctx context.Context, opts thread.ListOptions) ([]*thread.Thread, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = thread.DefaultListLimit
	}

	var (
		rows pgx.Rows
		err  error
	)
	if opts.Status != "" {
		rows, err = s.pool.Query(ctx, `SELECT `+selectColumns+` FROM threads
			WHERE status = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, string(opts.Status), limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+selectColumns+` FROM threads
			ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []*thread.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanThread(row pgx.Row) (*thread.Thread, error) {
	var (
		t          thread.Thread
		status     string
		msgs, tctx []byte
	)
	err := row.Scan(&t.ID, &t.Version, &status, &t.Title, &t.Source, &t.SourceID,
		&msgs, &tctx, &t.WakeHandle, &t.WakeReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = thread.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()

	if t.Messages, err = thread.DecodeMessages(msgs); err != nil {
		return nil, err
	}
	if t.Context, err = thread.DecodeContext(tctx); err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
