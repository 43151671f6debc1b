package sdk

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/agentstack/agentstack/pkg/model"
)

const defaultFallbackFile = ".agentstack.db"

// LocalStore is the sqlite-backed offline fallback. When the collector is
// unreachable the exporter parks batches here; a replay loop drains the
// backlog once connectivity returns. span_id is the primary key with upsert
// semantics, so redelivery never duplicates a row.
type LocalStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenLocalStore opens (creating if needed) the fallback database at path.
// Empty path means .agentstack.db in the working directory.
func OpenLocalStore(path string) (*LocalStore, error) {
	if path == "" {
		path = defaultFallbackFile
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open fallback store: %w", err)
	}
	// Single writer; sqlite serializes the rest.
	db.SetMaxOpenConns(1)

	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`CREATE TABLE IF NOT EXISTS spans (
			span_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			sent INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_unsent ON spans (sent) WHERE sent = 0`,
		`CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans (trace_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init fallback schema: %w", err)
		}
	}
	return &LocalStore{db: db}, nil
}

// SaveSpans persists a batch in one transaction. Returns the number saved.
func (s *LocalStore) SaveSpans(records []*model.SpanRecord) int {
	if len(records) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0
	}
	stmt, err := tx.Prepare(
		`INSERT INTO spans (span_id, trace_id, data, sent) VALUES (?, ?, ?, 0)
		 ON CONFLICT(span_id) DO UPDATE SET data = excluded.data, sent = 0`)
	if err != nil {
		tx.Rollback()
		return 0
	}
	defer stmt.Close()

	saved := 0
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := stmt.Exec(rec.SpanID, rec.TraceID, string(data)); err != nil {
			continue
		}
		saved++
	}
	if err := tx.Commit(); err != nil {
		return 0
	}
	return saved
}

// GetUnsent returns up to limit spans still awaiting delivery, oldest first.
func (s *LocalStore) GetUnsent(limit int) []*model.SpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT data FROM spans WHERE sent = 0 ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []*model.SpanRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var rec model.SpanRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out
}

// MarkSent flags the given span ids as delivered. Idempotent.
func (s *LocalStore) MarkSent(spanIDs []string) int {
	if len(spanIDs) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimRight(strings.Repeat("?,", len(spanIDs)), ",")
	args := make([]any, len(spanIDs))
	for i, id := range spanIDs {
		args[i] = id
	}
	res, err := s.db.Exec(
		`UPDATE spans SET sent = 1 WHERE span_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// DeleteSent removes rows already delivered.
func (s *LocalStore) DeleteSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM spans WHERE sent = 1`)
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// UnsentCount returns the number of spans still pending delivery.
func (s *LocalStore) UnsentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM spans WHERE sent = 0`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// ExportJSON dumps every stored span to a JSON file for inspection.
func (s *LocalStore) ExportJSON(path string) (int, error) {
	s.mu.Lock()
	rows, err := s.db.Query(`SELECT data FROM spans ORDER BY created_at ASC`)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("query spans: %w", err)
	}
	var records []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err == nil {
			records = append(records, json.RawMessage(data))
		}
	}
	rows.Close()
	s.mu.Unlock()

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return 0, fmt.Errorf("write export: %w", err)
	}
	return len(records), nil
}

// Close releases the underlying database handle.
func (s *LocalStore) Close() error {
	return s.db.Close()
}
