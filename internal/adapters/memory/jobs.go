package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"tracker/internal/domain"
	"tracker/internal/ports"
)

const (
	jobQueued    = "queued"
	jobRunning   = "running"
	jobCompleted = "completed"
)

func (s *Store) Insert(ctx context.Context, job ports.QueuedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.jobs[job.ID] = &jobRecord{QueuedJob: job, seq: s.seq, status: jobQueued}
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, p domain.Protocol, now time.Time, lease time.Duration) (ports.QueuedJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*jobRecord
	for _, r := range s.jobs {
		if r.Job.Protocol != p {
			continue
		}
		if r.status == jobQueued || (r.status == jobRunning && lease > 0 && !r.startedAt.Add(lease).After(now)) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return ports.QueuedJob{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	r := candidates[0]
	r.status = jobRunning
	r.startedAt = now
	r.Attempts++
	return r.QueuedJob, true, nil
}

func (s *Store) MarkCompleted(ctx context.Context, jobID string, result json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return ports.ErrNotFound
	}
	r.status = jobCompleted
	r.result = append(json.RawMessage(nil), result...)
	r.finishedAt = at
	return nil
}

func (s *Store) MarkDelivered(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return ports.ErrNotFound
	}
	r.delivered = true
	r.result = nil
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, jobID string, status domain.JobStatus, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return ports.ErrNotFound
	}
	r.status = string(status)
	r.reason = reason
	r.finishedAt = at
	r.result = nil
	return nil
}

func (s *Store) Undelivered(ctx context.Context, p domain.Protocol) ([]ports.CompletedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ports.CompletedJob
	for _, r := range s.jobs {
		if r.Job.Protocol == p && r.status == jobCompleted && !r.delivered {
			out = append(out, ports.CompletedJob{QueuedJob: r.QueuedJob, Result: r.result, FinishedAt: r.finishedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.Before(out[j].FinishedAt) })
	return out, nil
}

// JobStatus returns a job's current queue status, for tests.
func (s *Store) JobStatus(jobID string) (status string, attempts int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return "", 0, false
	}
	return r.status, r.Attempts, true
}
