package stats

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/takuphilchan/offgrid-edge/internal/inference"
	"github.com/takuphilchan/offgrid-edge/internal/logging"
)

// timeLayout is fixed-width so started_at sorts correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// HistoryStore persists session metrics in SQLite. It implements
// inference.SessionRecorder; write failures are logged, not returned.
type HistoryStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
	log    *logging.Logger
}

// NewHistoryStore opens (or creates) the history database at dbPath.
// ":memory:" gives a private in-memory store.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	store := &HistoryStore{
		db:     db,
		dbPath: dbPath,
		log:    logging.Default().With(map[string]any{"component": "history"}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *HistoryStore) initSchema() error {
	if s.dbPath != ":memory:" {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			model TEXT,
			state TEXT NOT NULL,
			started_at TEXT NOT NULL,
			input_tokens INTEGER,
			output_tokens INTEGER,
			duration_seconds REAL,
			tokens_per_second REAL,
			first_token_latency_ms REAL,
			context_used INTEGER,
			context_size INTEGER,
			max_tokens INTEGER,
			eos_hit INTEGER,
			error TEXT,
			sampling TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// RecordSession stores m, logging any failure.
func (s *HistoryStore) RecordSession(m inference.GenerationMetrics) {
	if err := s.Save(m); err != nil {
		s.log.Error("failed to record session", map[string]any{"session": m.SessionID, "error": err})
	}
}

// Save inserts or replaces the record for m.SessionID.
func (s *HistoryStore) Save(m inference.GenerationMetrics) error {
	sampling, err := json.Marshal(m.Sampling)
	if err != nil {
		return fmt.Errorf("failed to encode sampling config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`INSERT OR REPLACE INTO sessions
		(id, model, state, started_at, input_tokens, output_tokens, duration_seconds,
		 tokens_per_second, first_token_latency_ms, context_used, context_size,
		 max_tokens, eos_hit, error, sampling)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.Model, m.State, m.StartedAt.UTC().Format(timeLayout),
		m.InputTokens, m.OutputTokens, m.DurationSeconds, m.TokensPerSecond,
		m.FirstTokenLatencyMs, m.ContextUsed, m.ContextSize, m.MaxTokens,
		boolToInt(m.EOSHit), m.Error, string(sampling))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first.
func (s *HistoryStore) Recent(limit int) ([]inference.GenerationMetrics, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, model, state, started_at, input_tokens, output_tokens,
		duration_seconds, tokens_per_second, first_token_latency_ms, context_used,
		context_size, max_tokens, eos_hit, error, sampling
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []inference.GenerationMetrics
	for rows.Next() {
		var (
			m        inference.GenerationMetrics
			started  string
			eos      int
			errText  sql.NullString
			model    sql.NullString
			sampling sql.NullString
		)
		if err := rows.Scan(&m.SessionID, &model, &m.State, &started, &m.InputTokens,
			&m.OutputTokens, &m.DurationSeconds, &m.TokensPerSecond, &m.FirstTokenLatencyMs,
			&m.ContextUsed, &m.ContextSize, &m.MaxTokens, &eos, &errText, &sampling); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		m.Model = model.String
		m.Error = errText.String
		m.EOSHit = eos != 0
		if t, err := time.Parse(timeLayout, started); err == nil {
			m.StartedAt = t
		}
		if m.ContextSize > 0 {
			m.ContextUsagePercent = float64(m.ContextUsed) * 100 / float64(m.ContextSize)
		}
		if sampling.Valid && sampling.String != "" {
			if err := json.Unmarshal([]byte(sampling.String), &m.Sampling); err != nil {
				return nil, fmt.Errorf("failed to decode sampling config: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of stored sessions.
func (s *HistoryStore) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
