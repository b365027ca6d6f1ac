package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tracker/internal/domain"
	"tracker/internal/ports"
)

func (db *DB) Insert(ctx context.Context, job ports.QueuedJob) error {
	encoded, err := json.Marshal(job.Job)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO scan_jobs (id, protocol, scan_id, job, status, attempts, queued_at)
		VALUES ($1, $2, $3, $4, 'queued', $5, $6)
	`, job.ID, string(job.Job.Protocol), job.Job.ScanID, encoded, job.Attempts, job.QueuedAt)
	return err
}

// ClaimNext selects the next claimable job using SKIP LOCKED and marks it
// running. A running job whose lease has lapsed counts as claimable.
func (db *DB) ClaimNext(ctx context.Context, p domain.Protocol, now time.Time, lease time.Duration) (job ports.QueuedJob, found bool, err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return job, false, err
	}
	defer endTx(ctx, tx, &err)

	// zero time never matches started_at, so lease <= 0 disables reclaiming
	var lapsed time.Time
	if lease > 0 {
		lapsed = now.Add(-lease)
	}
	var raw []byte
	err = tx.QueryRow(ctx, `
		SELECT id, job, queued_at FROM scan_jobs
		WHERE protocol = $1
		  AND (status = 'queued' OR (status = 'running' AND started_at <= $2))
		ORDER BY queued_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, string(p), lapsed).Scan(&job.ID, &raw, &job.QueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return job, false, nil
	}
	if err != nil {
		return job, false, err
	}
	if err = json.Unmarshal(raw, &job.Job); err != nil {
		return job, false, fmt.Errorf("decode job %s: %w", job.ID, err)
	}
	if err = tx.QueryRow(ctx, `
		UPDATE scan_jobs SET status = 'running', started_at = $2, attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts
	`, job.ID, now).Scan(&job.Attempts); err != nil {
		return job, false, err
	}
	return job, true, nil
}

func (db *DB) MarkCompleted(ctx context.Context, jobID string, result json.RawMessage, at time.Time) error {
	return db.updateJob(ctx, `
		UPDATE scan_jobs SET status = 'completed', result = $2, finished_at = $3 WHERE id = $1
	`, jobID, []byte(result), at)
}

func (db *DB) MarkDelivered(ctx context.Context, jobID string) error {
	return db.updateJob(ctx, `UPDATE scan_jobs SET delivered = true, result = NULL WHERE id = $1`, jobID)
}

func (db *DB) MarkFailed(ctx context.Context, jobID string, status domain.JobStatus, reason string, at time.Time) error {
	return db.updateJob(ctx, `
		UPDATE scan_jobs SET status = $2, reason = $3, finished_at = $4, result = NULL WHERE id = $1
	`, jobID, string(status), reason, at)
}

func (db *DB) updateJob(ctx context.Context, sql string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tag, err := db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (db *DB) Undelivered(ctx context.Context, p domain.Protocol) ([]ports.CompletedJob, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, job, attempts, queued_at, result, finished_at FROM scan_jobs
		WHERE protocol = $1 AND status = 'completed' AND NOT delivered
		ORDER BY finished_at
	`, string(p))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ports.CompletedJob
	for rows.Next() {
		var (
			cj          ports.CompletedJob
			raw, result []byte
		)
		if err := rows.Scan(&cj.ID, &raw, &cj.Attempts, &cj.QueuedAt, &result, &cj.FinishedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &cj.Job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", cj.ID, err)
		}
		cj.Result = json.RawMessage(result)
		out = append(out, cj)
	}
	return out, rows.Err()
}
