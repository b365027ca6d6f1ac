package ports

import (
	"context"
	"encoding/json"
	"time"

	"tracker/internal/domain"
)

// QueuedJob is a ScanJob as held by a queue.
type QueuedJob struct {
	ID       string
	Job      domain.ScanJob
	Attempts int
	QueuedAt time.Time
}

// CompletedJob is a finished job whose result still awaits delivery.
type CompletedJob struct {
	QueuedJob
	Result     json.RawMessage
	FinishedAt time.Time
}

// JobRepository backs the named scan queues.
type JobRepository interface {
	Insert(ctx context.Context, job QueuedJob) error
	// ClaimNext marks the oldest claimable job for protocol as running.
	// Running jobs whose lease expired are claimable again.
	ClaimNext(ctx context.Context, p domain.Protocol, now time.Time, lease time.Duration) (job QueuedJob, found bool, err error)
	MarkCompleted(ctx context.Context, jobID string, result json.RawMessage, at time.Time) error
	MarkDelivered(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string, status domain.JobStatus, reason string, at time.Time) error
	// Undelivered lists completed jobs whose result has not been delivered.
	Undelivered(ctx context.Context, p domain.Protocol) ([]CompletedJob, error)
}
