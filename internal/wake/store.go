package wake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store handles wake job persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a wake job store with SQLite backend.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wake_jobs (
		id         TEXT PRIMARY KEY,
		thread_id  TEXT NOT NULL,
		fire_at    TEXT NOT NULL,
		status     TEXT NOT NULL,
		payload    BLOB NOT NULL,
		error      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wake_jobs_status ON wake_jobs(status, fire_at);
	CREATE INDEX IF NOT EXISTS idx_wake_jobs_thread ON wake_jobs(thread_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Create persists a new pending job.
func (s *Store) Create(ctx context.Context, job *Job) error {
	payload, err := encodePayload(Payload{ThreadID: job.ThreadID, Reason: job.Reason})
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wake_jobs (id, thread_id, fire_at, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ThreadID, job.FireAt.Format(time.RFC3339Nano), string(job.Status), payload,
		job.CreatedAt.Format(time.RFC3339Nano), job.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns a job by ID, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fire_at, status, payload, error, created_at, updated_at
		FROM wake_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListUndelivered returns jobs that have not finished delivery: pending
// ones, and ones that were mid-delivery when the process stopped.
func (s *Store) ListUndelivered(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fire_at, status, payload, error, created_at, updated_at
		FROM wake_jobs WHERE status IN (?, ?) ORDER BY fire_at`,
		string(StatusPending), string(StatusDelivering))
	if err != nil {
		return nil, fmt.Errorf("list undelivered jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Transition moves a job from one of the given statuses to the target
// status. It reports false when the job is missing or in some other state.
func (s *Store) Transition(ctx context.Context, id string, to Status, reason string, from ...Status) (bool, error) {
	query := `UPDATE wake_jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`
	args := []any{string(to), reason, time.Now().UTC().Format(time.RFC3339Nano), id}
	if len(from) > 0 {
		query += ` AND status IN (`
		for i, st := range from {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(st))
		}
		query += `)`
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition job %s: %w", id, err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                           Job
		status                        string
		payload                       []byte
		fireAt, createdAt, updatedAt string
	)
	if err := row.Scan(&job.ID, &fireAt, &status, &payload, &job.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.Status = Status(status)

	p, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	job.ThreadID = p.ThreadID
	job.Reason = p.Reason

	if job.FireAt, err = time.Parse(time.RFC3339Nano, fireAt); err != nil {
		return nil, fmt.Errorf("parse fire_at: %w", err)
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &job, nil
}
