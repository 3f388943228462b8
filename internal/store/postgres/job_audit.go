package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tapelens/tapelens/internal/jobs"
)

// JobAuditStore records every job state transition for post-hoc inspection.
type JobAuditStore struct {
	pool *pgxpool.Pool
}

var (
	_ jobs.AuditStore    = (*JobAuditStore)(nil)
	_ jobs.HistoryReader = (*JobAuditStore)(nil)
)

// NewJobAuditStore creates an audit store backed by the given client.
func NewJobAuditStore(client *Client) *JobAuditStore {
	return &JobAuditStore{pool: client.Pool()}
}

// RecordTransition appends one transition row.
func (s *JobAuditStore) RecordTransition(ctx context.Context, jobID, jobType, from, to, reason string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_transitions (job_id, job_type, from_state, to_state, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		jobID, jobType, from, to, reason, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: record job transition: %w", err)
	}
	return nil
}

// JobHistory returns the transition rows for a job in chronological order.
func (s *JobAuditStore) JobHistory(ctx context.Context, jobID string) ([]jobs.Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, job_type, from_state, to_state, reason, occurred_at
		FROM job_transitions
		WHERE job_id = $1
		ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: query job history: %w", err)
	}
	defer rows.Close()

	var out []jobs.Transition
	for rows.Next() {
		var t jobs.Transition
		if err := rows.Scan(&t.JobID, &t.JobType, &t.From, &t.To, &t.Reason, &t.At); err != nil {
			return nil, fmt.Errorf("postgres: scan job transition: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate job transitions: %w", err)
	}
	return out, nil
}
