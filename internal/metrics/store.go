// Package metrics provides SQLite-based per-query performance tracking and
// the rating report behind the #performance directive.
package metrics

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrorCap bounds the errors table. Older rows are evicted.
const ErrorCap = 100

// QueryMetric records a single answered question.
type QueryMetric struct {
	ID           int64     `json:"id"`
	Kind         string    `json:"kind"`
	Source       string    `json:"source"`
	LatencyMS    int64     `json:"latency_ms"`
	Success      bool      `json:"success"`
	FallbackUsed bool      `json:"fallback_used"`
	// Correct stays nil until the user rates the answer.
	Correct   *bool     `json:"correct,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorRecord is one captured pipeline error.
type ErrorRecord struct {
	ID        int64     `json:"id"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Store provides SQLite-backed metrics storage.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the metrics database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	// SQLite tolerates exactly one writer.
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewStore creates a metrics store on the provided database connection.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init metrics schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		latency_ms INTEGER NOT NULL,
		success BOOLEAN NOT NULL,
		fallback_used BOOLEAN NOT NULL,
		correct BOOLEAN,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_queries_created_at ON queries(created_at);
	CREATE INDEX IF NOT EXISTS idx_queries_source ON queries(source);

	CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		component TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordQuery inserts one answered question and returns its row id.
func (s *Store) RecordQuery(m *QueryMetric) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO queries (kind, source, latency_ms, success, fallback_used)
		VALUES (?, ?, ?, ?, ?)
	`, m.Kind, m.Source, m.LatencyMS, m.Success, m.FallbackUsed)
	if err != nil {
		return 0, fmt.Errorf("record query: %w", err)
	}
	return res.LastInsertId()
}

// SetVerdict attaches the user's correctness rating to a recorded query.
func (s *Store) SetVerdict(id int64, correct bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE queries SET correct = ? WHERE id = ?`, correct, id)
	if err != nil {
		return fmt.Errorf("set verdict: %w", err)
	}
	return nil
}

// RecordError captures one pipeline error, evicting the oldest rows past the
// cap.
func (s *Store) RecordError(component, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`INSERT INTO errors (component, message) VALUES (?, ?)`,
		component, message); err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	_, err := s.db.Exec(`
		DELETE FROM errors WHERE id NOT IN (
			SELECT id FROM errors ORDER BY id DESC LIMIT ?
		)
	`, ErrorCap)
	return err
}

// Totals are the raw aggregates the rating is computed from.
type Totals struct {
	Queries      int64
	Successes    int64
	Fallbacks    int64
	Rated        int64
	RatedCorrect int64
	AvgLatencyMS float64
	Errors       int64
	SourceCounts map[string]int64
}

// Totals aggregates the queries table.
func (s *Store) Totals() (*Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Totals{SourceCounts: map[string]int64{}}

	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN fallback_used THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN correct IS NOT NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN correct THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(latency_ms), 0)
		FROM queries
	`).Scan(&t.Queries, &t.Successes, &t.Fallbacks, &t.Rated, &t.RatedCorrect, &t.AvgLatencyMS)
	if err != nil {
		return nil, fmt.Errorf("aggregate queries: %w", err)
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM errors`).Scan(&t.Errors); err != nil {
		return nil, fmt.Errorf("count errors: %w", err)
	}

	rows, err := s.db.Query(`SELECT source, COUNT(*) FROM queries GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("count sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int64
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		t.SourceCounts[source] = n
	}
	return t, rows.Err()
}

// RecentErrors returns the newest captured errors, newest first.
func (s *Store) RecentErrors(limit int) ([]ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, component, message, created_at
		FROM errors ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var r ErrorRecord
		if err := rows.Scan(&r.ID, &r.Component, &r.Message, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset drops all recorded data. Backs the #reset_metrics directive.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM queries`); err != nil {
		return fmt.Errorf("reset queries: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM errors`); err != nil {
		return fmt.Errorf("reset errors: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
