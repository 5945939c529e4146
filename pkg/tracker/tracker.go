// Package tracker stores per-dispatch usage rows in SQLite.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/ladder/pkg/models"
)

// Tracker records and queries routed usage.
type Tracker interface {
	// Record stores a usage record and updates its session.
	Record(ctx context.Context, rec models.UsageRecord) error
	// Query returns records for an intent since a given time, newest first.
	Query(ctx context.Context, intent string, since time.Time, limit int) ([]models.UsageRecord, error)
	// TotalByIntent returns total tokens for an intent since a given time.
	TotalByIntent(ctx context.Context, intent string, since time.Time) (int64, error)
	// Summary aggregates usage by intent, provider and model.
	Summary(ctx context.Context, intent string) ([]models.UsageSummary, error)
	// ListSessions returns sessions ordered by last activity.
	ListSessions(ctx context.Context) ([]models.Session, error)
	// SessionRequests returns per-request detail for a session with prompt growth.
	SessionRequests(ctx context.Context, sessionID string) ([]models.SessionRequest, error)
	// Prune deletes records older than before.
	Prune(ctx context.Context, before time.Time) (int64, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	intent TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	tier TEXT NOT NULL DEFAULT '',
	corr_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	escalations INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_intent_time ON usage_records(intent, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);
`

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at DATETIME NOT NULL,
	last_activity DATETIME NOT NULL,
	last_provider TEXT NOT NULL DEFAULT '',
	request_count INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0
);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	if _, err := db.Exec(createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sessions table: %w", err)
	}

	// Older databases predate escalation counts.
	if !columnExists(db, "usage_records", "escalations") {
		if _, err := db.Exec(`ALTER TABLE usage_records ADD COLUMN escalations INTEGER NOT NULL DEFAULT 0`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add escalations column: %w", err)
		}
	}

	return &SQLiteTracker{db: db}, nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// Record stores a usage record and upserts session counters.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (intent, provider, model, tier, corr_id, session_id,
		   prompt_tokens, completion_tokens, total_tokens, latency_ms, escalations, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Intent, rec.Provider, rec.Model, rec.Tier, rec.CorrID, rec.SessionID,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.LatencyMs, rec.Escalations, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	if rec.SessionID != "" {
		_, err = t.db.ExecContext(ctx,
			`INSERT INTO sessions (id, started_at, last_activity, last_provider, request_count, total_tokens)
			 VALUES (?, ?, ?, ?, 1, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   last_activity = excluded.last_activity,
			   last_provider = excluded.last_provider,
			   request_count = request_count + 1,
			   total_tokens = total_tokens + excluded.total_tokens`,
			rec.SessionID, rec.CreatedAt, rec.CreatedAt, rec.Provider, rec.TotalTokens,
		)
		if err != nil {
			return fmt.Errorf("update session counters: %w", err)
		}
	}

	return nil
}

// ListSessions returns all sessions, most recently active first.
func (t *SQLiteTracker) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, started_at, last_activity, last_provider, request_count, total_tokens
		 FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.LastActivity, &s.LastProvider, &s.RequestCount, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionRequests returns per-request detail for a session with prompt growth.
func (t *SQLiteTracker) SessionRequests(ctx context.Context, sessionID string) ([]models.SessionRequest, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT intent, provider, created_at, prompt_tokens, completion_tokens, total_tokens
		 FROM usage_records WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("session requests: %w", err)
	}
	defer rows.Close()

	var reqs []models.SessionRequest
	var prevPrompt int
	seq := 0
	for rows.Next() {
		var r models.SessionRequest
		if err := rows.Scan(&r.Intent, &r.Provider, &r.CreatedAt, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan session request: %w", err)
		}
		seq++
		r.Seq = seq
		if seq > 1 {
			r.ContextGrowth = r.PromptTokens - prevPrompt
		}
		prevPrompt = r.PromptTokens
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// Query returns usage records for an intent since a given time. An empty
// intent matches every intent; limit <= 0 means 100.
func (t *SQLiteTracker) Query(ctx context.Context, intent string, since time.Time, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, intent, provider, model, tier, corr_id, session_id, prompt_tokens, completion_tokens,
		   total_tokens, latency_ms, escalations, created_at
		 FROM usage_records WHERE created_at >= ?`
	args := []any{since}
	if intent != "" {
		query += ` AND intent = ?`
		args = append(args, intent)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.Intent, &r.Provider, &r.Model, &r.Tier, &r.CorrID, &r.SessionID,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.LatencyMs, &r.Escalations, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalByIntent returns total tokens used by an intent since a given time.
func (t *SQLiteTracker) TotalByIntent(ctx context.Context, intent string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE intent = ? AND created_at >= ?`,
		intent, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by intent, provider and model.
func (t *SQLiteTracker) Summary(ctx context.Context, intent string) ([]models.UsageSummary, error) {
	query := `SELECT intent, provider, model, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens),
		   SUM(total_tokens), AVG(latency_ms)
		 FROM usage_records`
	var args []any
	if intent != "" {
		query += ` WHERE intent = ?`
		args = append(args, intent)
	}
	query += ` GROUP BY intent, provider, model ORDER BY intent, provider, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Intent, &s.Provider, &s.Model, &s.RequestCount, &s.TotalPrompt,
			&s.TotalCompletion, &s.TotalTokens, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Prune deletes usage rows created before the cutoff and sessions idle since.
func (t *SQLiteTracker) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM usage_records WHERE created_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	if _, err := t.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity < ?`, before); err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
