// Package scanqueue runs the named per-protocol scan queues. Jobs are
// persisted through a ports.JobRepository, claimed by a poller and handed to
// a bounded pool of workers that call the protocol's scanner with a
// per-attempt timeout and exponential backoff between attempts.
//
// A job token is verified before every attempt. Once it has expired the job
// is reported as expired and never retried, so scanners cannot act on stale
// descriptors.
package scanqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"tracker/internal/domain"
	"tracker/internal/jobtoken"
	"tracker/internal/ports"
)

// Ack is returned to submitters once a job is persisted.
const Ack = "Job enqueued"

var (
	ErrUnknownQueue = errors.New("scanqueue: unknown queue")
	ErrWrongQueue   = errors.New("scanqueue: job protocol does not match queue")
)

// Policy bounds how a queue runs its jobs.
type Policy struct {
	Workers      int
	Timeout      time.Duration
	MaxRetries   uint64
	Backoff      time.Duration
	ResultTTL    time.Duration
	PollInterval time.Duration
}

// Lease is the longest a job may stay claimed: every attempt timing out with
// the full backoff in between. A running job older than this is claimable
// again.
func (p Policy) Lease() time.Duration {
	attempts := time.Duration(p.MaxRetries + 1)
	backoff := p.Backoff * time.Duration((uint64(1)<<p.MaxRetries)-1)
	return attempts*p.Timeout + backoff
}

func (p Policy) withDefaults() Policy {
	if p.Workers < 1 {
		p.Workers = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = 20 * time.Second
	}
	if p.Backoff <= 0 {
		p.Backoff = time.Second
	}
	if p.ResultTTL <= 0 {
		p.ResultTTL = 10 * time.Minute
	}
	if p.PollInterval <= 0 {
		p.PollInterval = time.Second
	}
	return p
}

// Scanner performs one scan attempt for a job and returns its raw payload.
type Scanner interface {
	Scan(ctx context.Context, job domain.ScanJob) (json.RawMessage, error)
}

type ScannerFunc func(ctx context.Context, job domain.ScanJob) (json.RawMessage, error)

func (f ScannerFunc) Scan(ctx context.Context, job domain.ScanJob) (json.RawMessage, error) {
	return f(ctx, job)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a scanner error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

type Config struct {
	Jobs     ports.JobRepository
	Sink     ports.ResultSink
	Signer   *jobtoken.Signer
	Scanners map[domain.Protocol]Scanner
	Policy   Policy
	Clock    clockwork.Clock
	NewID    func() string
}

// Service owns one queue per configured scanner.
type Service struct {
	jobs     ports.JobRepository
	sink     ports.ResultSink
	signer   *jobtoken.Signer
	scanners map[domain.Protocol]Scanner
	policy   Policy
	clock    clockwork.Clock
	newID    func() string
}

var _ ports.JobSubmitter = (*Service)(nil)

func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return &Service{
		jobs:     cfg.Jobs,
		sink:     cfg.Sink,
		signer:   cfg.Signer,
		scanners: cfg.Scanners,
		policy:   cfg.Policy.withDefaults(),
		clock:    cfg.Clock,
		newID:    cfg.NewID,
	}
}

// Queues lists the protocols with a configured scanner.
func (s *Service) Queues() []domain.Protocol {
	out := make([]domain.Protocol, 0, len(s.scanners))
	for p := range s.scanners {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Submit enqueues job on the queue named by its protocol.
func (s *Service) Submit(ctx context.Context, job domain.ScanJob) (string, error) {
	return s.Enqueue(ctx, job.Protocol, job)
}

// Enqueue persists job on queue p and acknowledges it. The job is not
// inspected beyond its protocol; its token is checked when it runs.
func (s *Service) Enqueue(ctx context.Context, p domain.Protocol, job domain.ScanJob) (string, error) {
	if _, ok := s.scanners[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, p)
	}
	if job.Protocol != p {
		return "", fmt.Errorf("%w: %s job on %s queue", ErrWrongQueue, job.Protocol, p)
	}
	qj := ports.QueuedJob{ID: s.newID(), Job: job, QueuedAt: s.clock.Now()}
	if err := s.jobs.Insert(ctx, qj); err != nil {
		return "", fmt.Errorf("scanqueue: insert %s job for scan %s: %w", p, job.ScanID, err)
	}
	return Ack, nil
}

// Run starts a poller and worker pool per queue plus the result janitor, and
// blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range s.Queues() {
		jobsCh := make(chan ports.QueuedJob, s.policy.Workers)
		g.Go(func() error {
			s.poll(ctx, p, jobsCh)
			return nil
		})
		for i := 0; i < s.policy.Workers; i++ {
			g.Go(func() error {
				for qj := range jobsCh {
					s.process(ctx, qj)
				}
				return nil
			})
		}
	}
	g.Go(func() error {
		ticker := s.clock.NewTicker(s.janitorInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
				s.Sweep(ctx)
			}
		}
	})
	return g.Wait()
}

func (s *Service) janitorInterval() time.Duration {
	if d := s.policy.ResultTTL / 10; d > s.policy.PollInterval {
		return d
	}
	return s.policy.PollInterval
}

func (s *Service) poll(ctx context.Context, p domain.Protocol, jobsCh chan<- ports.QueuedJob) {
	defer close(jobsCh)
	ticker := s.clock.NewTicker(s.policy.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for {
				qj, found, err := s.jobs.ClaimNext(ctx, p, s.clock.Now(), s.policy.Lease())
				if err != nil {
					log.Printf("%s queue: claim error: %v", p, err)
					break
				}
				if !found {
					break
				}
				select {
				case jobsCh <- qj:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// ProcessNext claims and runs one job from queue p synchronously. It reports
// whether a job was found.
func (s *Service) ProcessNext(ctx context.Context, p domain.Protocol) (bool, error) {
	if _, ok := s.scanners[p]; !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownQueue, p)
	}
	qj, found, err := s.jobs.ClaimNext(ctx, p, s.clock.Now(), s.policy.Lease())
	if err != nil || !found {
		return false, err
	}
	s.process(ctx, qj)
	return true, nil
}

func (s *Service) process(ctx context.Context, qj ports.QueuedJob) {
	job := qj.Job
	scanner := s.scanners[job.Protocol]
	backoff := retry.WithMaxRetries(s.policy.MaxRetries, retry.NewExponential(s.policy.Backoff))

	attempt := 0
	var payload json.RawMessage
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if _, err := s.signer.VerifyJob(job); err != nil {
			return err
		}
		actx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
		defer cancel()
		out, err := scanner.Scan(actx, job)
		if err != nil {
			if IsPermanent(err) {
				return err
			}
			log.Printf("%s queue: job %s attempt %d failed: %v", job.Protocol, qj.ID, attempt, err)
			return retry.RetryableError(err)
		}
		payload = out
		return nil
	})

	if ctx.Err() != nil {
		// shutting down; the lease lapses and another worker reclaims the job
		log.Printf("%s queue: job %s abandoned: %v", job.Protocol, qj.ID, ctx.Err())
		return
	}
	now := s.clock.Now()
	if err != nil {
		status := domain.StatusFailed
		if errors.Is(err, jobtoken.ErrExpired) {
			status = domain.StatusExpired
		}
		log.Printf("%s queue: job %s for %s (scan %s) %s: %v", job.Protocol, qj.ID, job.Domain, job.ScanID, status, err)
		if merr := s.jobs.MarkFailed(ctx, qj.ID, status, err.Error(), now); merr != nil {
			log.Printf("%s queue: mark job %s failed: %v", job.Protocol, qj.ID, merr)
		}
		if serr := s.sink.Fail(ctx, job.ScanID, job.Protocol, status, err.Error()); serr != nil {
			log.Printf("%s queue: report failure for scan %s: %v", job.Protocol, job.ScanID, serr)
		}
		return
	}
	if err := s.jobs.MarkCompleted(ctx, qj.ID, payload, now); err != nil {
		log.Printf("%s queue: mark job %s completed: %v", job.Protocol, qj.ID, err)
		return
	}
	s.deliver(ctx, ports.CompletedJob{QueuedJob: qj, Result: payload, FinishedAt: now})
}

// deliver leaves the job undelivered on error so the janitor retries it.
func (s *Service) deliver(ctx context.Context, cj ports.CompletedJob) bool {
	res := domain.RawScanResult{
		ScanID:     cj.Job.ScanID,
		Protocol:   cj.Job.Protocol,
		Domain:     cj.Job.Domain,
		Payload:    cj.Result,
		Status:     domain.StatusOK,
		ReceivedAt: cj.FinishedAt,
	}
	if err := s.sink.Deliver(ctx, res); err != nil {
		log.Printf("%s queue: deliver result of job %s: %v", cj.Job.Protocol, cj.ID, err)
		return false
	}
	if err := s.jobs.MarkDelivered(ctx, cj.ID); err != nil {
		log.Printf("%s queue: mark job %s delivered: %v", cj.Job.Protocol, cj.ID, err)
	}
	return true
}

// Sweep retries delivery of completed results. Results older than the
// policy's ResultTTL are dropped and their protocol reported expired. It
// returns how many results were delivered and how many expired.
func (s *Service) Sweep(ctx context.Context) (delivered, expired int) {
	now := s.clock.Now()
	for _, p := range s.Queues() {
		pending, err := s.jobs.Undelivered(ctx, p)
		if err != nil {
			log.Printf("%s queue: list undelivered: %v", p, err)
			continue
		}
		for _, cj := range pending {
			if now.Sub(cj.FinishedAt) < s.policy.ResultTTL {
				if s.deliver(ctx, cj) {
					delivered++
				}
				continue
			}
			const reason = "result expired before delivery"
			if err := s.jobs.MarkFailed(ctx, cj.ID, domain.StatusExpired, reason, now); err != nil {
				log.Printf("%s queue: expire job %s: %v", p, cj.ID, err)
				continue
			}
			if err := s.sink.Fail(ctx, cj.Job.ScanID, p, domain.StatusExpired, reason); err != nil {
				log.Printf("%s queue: report expiry for scan %s: %v", p, cj.Job.ScanID, err)
			}
			expired++
		}
	}
	return delivered, expired
}
