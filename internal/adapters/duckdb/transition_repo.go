package duckdb

import (
	"context"
	"fmt"

	"github.com/manthysbr/prospector/internal/core/domain"
)

// RecordTransition appends one status change to the history table.
func (r *Repository) RecordTransition(ctx context.Context, t domain.Transition) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_transitions (job_id, from_status, to_status, reason, worker_id, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(t.JobID),
		string(t.From),
		string(t.To),
		t.Reason,
		string(t.WorkerID),
		t.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// ListTransitions returns the history of one job, oldest first.
func (r *Repository) ListTransitions(ctx context.Context, id domain.JobID) ([]domain.Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id, from_status, to_status, reason, worker_id, at
		FROM job_transitions
		WHERE job_id = ?
		ORDER BY seq ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	out := []domain.Transition{}
	for rows.Next() {
		var t domain.Transition
		var jobID, from, to, reason, workerID string
		if err := rows.Scan(&jobID, &from, &to, &reason, &workerID, &t.At); err != nil {
			return nil, err
		}
		t.JobID = domain.JobID(jobID)
		t.From = domain.JobStatus(from)
		t.To = domain.JobStatus(to)
		t.Reason = reason
		t.WorkerID = domain.WorkerID(workerID)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTransitions returns the number of recorded changes per target status.
func (r *Repository) CountTransitions(ctx context.Context) (map[domain.JobStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT to_status, count(*) FROM job_transitions GROUP BY to_status`)
	if err != nil {
		return nil, fmt.Errorf("count transitions: %w", err)
	}
	defer rows.Close()

	out := map[domain.JobStatus]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.JobStatus(status)] = n
	}
	return out, rows.Err()
}
