package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manthysbr/prospector/internal/core/domain"
)

// SaveJob upserts the full job record as a JSON document.
func (r *Repository) SaveJob(ctx context.Context, job domain.Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, record, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status     = excluded.status,
			record     = excluded.record,
			updated_at = excluded.updated_at`,
		string(job.ID),
		string(job.Status),
		string(record),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	var record string
	err := r.db.QueryRowContext(ctx, `SELECT record FROM jobs WHERE id = ?`, string(id)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(record), &job); err != nil {
		return domain.Job{}, &domain.CriticalError{Op: "decode job " + string(id), Err: err}
	}
	return job, nil
}

func (r *Repository) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record FROM jobs ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []domain.Job{}
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(record), &job); err != nil {
			return nil, &domain.CriticalError{Op: "decode job record", Err: err}
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
