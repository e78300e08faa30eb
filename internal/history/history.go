// Package history indexes thread transcripts as embeddings and answers
// semantic searches across past threads. It is best-effort: a missing
// or failing embedding backend yields empty results, never errors that
// would interrupt a run.
package history

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/nugget/skein/internal/embeddings"
	"github.com/nugget/skein/internal/thread"

	_ "modernc.org/sqlite"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS history_entries (
	message_id TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	model      TEXT NOT NULL,
	embedding  BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_thread ON history_entries(thread_id);
CREATE INDEX IF NOT EXISTS idx_history_model ON history_entries(model);
`

// Default and maximum result counts for [Index.Search].
const (
	DefaultLimit = 5
	MaxLimit     = 20
)

// maxEmbedChars caps the text sent to the embedding model per message.
const maxEmbedChars = 4000

// Embedder turns text into a vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Filter narrows a search.
type Filter struct {
	Limit           int
	ExcludeThreadID string
}

// Result is one matching message.
type Result struct {
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id"`
	Title     string    `json:"title,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Score     float32   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Index stores message embeddings in SQLite and ranks them by cosine
// similarity.
type Index struct {
	db     *sql.DB
	embed  Embedder
	model  string
	logger *slog.Logger
}

// Open opens (creating if needed) the history database at path. model
// tags stored vectors so a model change does not mix vector spaces.
func Open(path string, embed Embedder, model string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, raw := range append([]string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"}, strings.Split(schemaSQL, ";")...) {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
		}
	}

	return &Index{db: db, embed: embed, model: model, logger: logger.With("component", "history")}, nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Index embeds the thread's user and assistant messages that are not
// yet stored and refreshes the stored title. It is idempotent per
// message id and returns how many messages were added.
func (x *Index) Index(ctx context.Context, t *thread.Thread) (int, error) {
	if x == nil || x.embed == nil || t == nil {
		return 0, nil
	}

	known, err := x.knownIDs(ctx, t.ID)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, m := range t.Messages {
		if m.Role != thread.RoleUser && m.Role != thread.RoleAssistant {
			continue
		}
		if known[m.ID] || strings.TrimSpace(m.Content) == "" {
			continue
		}

		text := m.Content
		if len(text) > maxEmbedChars {
			text = text[:maxEmbedChars]
		}
		vec, err := x.embed.Generate(ctx, text)
		if err != nil {
			return added, fmt.Errorf("embed message %s: %w", m.ID, err)
		}

		_, err = x.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO history_entries
				(message_id, thread_id, title, role, content, model, embedding, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, t.ID, t.Title, string(m.Role), m.Content, x.model,
			embeddings.Encode(vec), m.CreatedAt.UTC().Format(timeFormat))
		if err != nil {
			return added, fmt.Errorf("store message %s: %w", m.ID, err)
		}
		added++
	}

	if t.Title != "" {
		if _, err := x.db.ExecContext(ctx,
			`UPDATE history_entries SET title = ? WHERE thread_id = ? AND title <> ?`,
			t.Title, t.ID, t.Title); err != nil {
			return added, fmt.Errorf("update title: %w", err)
		}
	}

	if added > 0 {
		x.logger.Debug("thread indexed", "thread_id", t.ID, "messages", added)
	}
	return added, nil
}

func (x *Index) knownIDs(ctx context.Context, threadID string) (map[string]bool, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT message_id FROM history_entries WHERE thread_id = ?`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list indexed messages: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		known[id] = true
	}
	return known, rows.Err()
}

// Search returns the messages most similar to query, best first. A
// failure to embed the query or read the index is logged and reported
// as no results.
func (x *Index) Search(ctx context.Context, query string, f Filter) []Result {
	if x == nil || x.embed == nil || strings.TrimSpace(query) == "" {
		return []Result{}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	qvec, err := x.embed.Generate(ctx, query)
	if err != nil {
		x.logger.Warn("history search unavailable", "error", err)
		return []Result{}
	}

	results, err := x.scan(ctx, qvec, f.ExcludeThreadID)
	if err != nil {
		x.logger.Warn("history search failed", "error", err)
		return []Result{}
	}

	slices.SortFunc(results, func(a, b Result) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (x *Index) scan(ctx context.Context, qvec []float32, exclude string) ([]Result, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT message_id, thread_id, title, role, content, embedding, created_at
		   FROM history_entries
		  WHERE model = ? AND thread_id <> ?`,
		x.model, exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Result{}
	for rows.Next() {
		var (
			r         Result
			blob      []byte
			createdAt string
		)
		if err := rows.Scan(&r.MessageID, &r.ThreadID, &r.Title, &r.Role, &r.Content, &blob, &createdAt); err != nil {
			return nil, err
		}
		vec, err := embeddings.Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", r.MessageID, err)
		}
		r.Score = embeddings.CosineSimilarity(qvec, vec)
		r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		results = append(results, r)
	}
	return results, rows.Err()
}
