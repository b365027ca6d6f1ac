package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"tracker/internal/domain"
	"tracker/internal/hostname"
	"tracker/internal/jobtoken"
	"tracker/internal/ports"
)

var ErrNothingToDispatch = errors.New("dispatch: no known protocol requested")

// Config wires the dispatcher. Domains is optional; when set, stored DKIM
// selectors are used for requests that carry none.
type Config struct {
	Signer    *jobtoken.Signer
	Submitter ports.JobSubmitter
	Events    ports.EventRegistrar
	Domains   ports.DomainRepository
	Clock     clockwork.Clock
	// Grace is added to the token expiry to form the event deadline, after
	// which outstanding protocols are marked expired.
	Grace time.Duration
	NewID func() string
}

// Service fans one scan request out to the per-protocol queues without
// waiting for results.
type Service struct {
	signer    *jobtoken.Signer
	submitter ports.JobSubmitter
	events    ports.EventRegistrar
	domains   ports.DomainRepository
	clock     clockwork.Clock
	grace     time.Duration
	newID     func() string
}

var _ ports.Dispatcher = (*Service)(nil)

func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return &Service{
		signer:    cfg.Signer,
		submitter: cfg.Submitter,
		events:    cfg.Events,
		domains:   cfg.Domains,
		clock:     cfg.Clock,
		grace:     cfg.Grace,
		newID:     cfg.NewID,
	}
}

// Dispatch issues one signed job per requested protocol under a fresh scan
// id. Protocols that cannot be signed or submitted are listed in the
// receipt's Failed map and reported to ingestion as failed; the others still
// proceed. An error is returned only when nothing could be dispatched.
func (s *Service) Dispatch(ctx context.Context, req ports.DispatchRequest) (ports.DispatchReceipt, error) {
	name, err := hostname.Canonical(req.Domain)
	if err != nil {
		return ports.DispatchReceipt{Domain: req.Domain}, fmt.Errorf("dispatch %q: %w", req.Domain, err)
	}
	receipt := ports.DispatchReceipt{ScanID: s.newID(), Domain: name, Failed: map[domain.Protocol]string{}}

	requested := req.Protocols
	if len(requested) == 0 {
		requested = domain.AllProtocols
	}
	var protocols []domain.Protocol
	seen := map[domain.Protocol]bool{}
	for _, p := range requested {
		if seen[p] {
			continue
		}
		seen[p] = true
		if _, ok := domain.ParseProtocol(string(p)); !ok {
			receipt.Failed[p] = "unknown protocol"
			continue
		}
		protocols = append(protocols, p)
	}
	if len(protocols) == 0 {
		return receipt, ErrNothingToDispatch
	}

	selectors := req.Selectors
	var domainID string
	if s.domains != nil {
		d, err := s.domains.GetDomainByName(ctx, name)
		switch {
		case err == nil:
			domainID = d.ID
			if len(selectors) == 0 {
				selectors = d.Selectors
			}
		case !errors.Is(err, ports.ErrNotFound):
			log.Printf("dispatch: lookup %s: %v", name, err)
		}
	}

	now := s.clock.Now()
	pending := domain.PendingEvent{
		ScanID:    receipt.ScanID,
		DomainID:  domainID,
		Domain:    name,
		Protocols: protocols,
		IssuedAt:  now,
		Deadline:  now.Add(s.signer.TTL() + s.grace),
	}
	if err := s.events.Expect(ctx, pending); err != nil {
		return receipt, fmt.Errorf("dispatch %s: register scan: %w", name, err)
	}

	errs := make([]error, len(protocols))
	var g errgroup.Group
	for i, p := range protocols {
		g.Go(func() error {
			errs[i] = s.submit(ctx, receipt.ScanID, name, p, selectors)
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range protocols {
		if errs[i] == nil {
			receipt.Submitted = append(receipt.Submitted, p)
			continue
		}
		receipt.Failed[p] = errs[i].Error()
		log.Printf("dispatch: %s job for %s (scan %s) failed: %v", p, name, receipt.ScanID, errs[i])
		if err := s.events.Fail(ctx, receipt.ScanID, p, domain.StatusFailed, errs[i].Error()); err != nil {
			log.Printf("dispatch: report %s failure for scan %s: %v", p, receipt.ScanID, err)
		}
	}
	if len(receipt.Failed) == 0 {
		receipt.Failed = nil
	}
	return receipt, nil
}

func (s *Service) submit(ctx context.Context, scanID, name string, p domain.Protocol, selectors []string) error {
	ticket, err := s.signer.SignJob(scanID, name, p)
	if err != nil {
		return err
	}
	job := domain.ScanJob{
		ScanID:    scanID,
		Domain:    name,
		Protocol:  p,
		IssuedAt:  ticket.IssuedAt,
		ExpiresAt: ticket.ExpiresAt,
		Token:     ticket.Token,
	}
	if p == domain.ProtocolDNS {
		job.Parameters = domain.JobParameters{Selectors: selectors, OrgDomain: hostname.OrgDomain(name)}
	}
	if _, err := s.submitter.Submit(ctx, job); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}
