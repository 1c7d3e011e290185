package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/prospector/internal/core/ports"
)

type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the database at path. An empty path opens
// an in-memory database.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Ensure Repository implements the ports it backs
var (
	_ ports.TransitionRecorder = (*Repository)(nil)
	_ ports.JobRepository      = (*Repository)(nil)
)

func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS transition_seq START 1`,
		`CREATE TABLE IF NOT EXISTS job_transitions (
			seq         BIGINT DEFAULT nextval('transition_seq'),
			job_id      VARCHAR NOT NULL,
			from_status VARCHAR NOT NULL,
			to_status   VARCHAR NOT NULL,
			reason      VARCHAR,
			worker_id   VARCHAR,
			at          TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id         VARCHAR PRIMARY KEY,
			status     VARCHAR NOT NULL,
			record     VARCHAR NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
