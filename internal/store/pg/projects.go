// Package pg implements the project store on Postgres, the same relational
// database the dashboard uses for project CRUD.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/agentstack/agentstack/internal/store"
)

// PGProjectStore implements store.ProjectStore backed by Postgres.
type PGProjectStore struct {
	db *sql.DB
}

// Open connects to Postgres via the pgx stdlib driver and verifies the
// connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPGProjectStore wraps an open database handle.
func NewPGProjectStore(db *sql.DB) *PGProjectStore {
	return &PGProjectStore{db: db}
}

func (s *PGProjectStore) ListKeyHashes(ctx context.Context) ([]store.ProjectKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, api_key_hash FROM projects`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []store.ProjectKey
	for rows.Next() {
		var pk store.ProjectKey
		if err := rows.Scan(&pk.ProjectID, &pk.KeyHash); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// CreateProject inserts a project with its key hash and returns the new id.
func (s *PGProjectStore) CreateProject(ctx context.Context, name, keyHash string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, api_key_hash, created_at) VALUES ($1, $2, $3, $4)`,
		id, name, keyHash, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert project: %w", err)
	}
	return id, nil
}

// DeleteProject removes a project row.
func (s *PGProjectStore) DeleteProject(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}
