// Package memory is an in-process implementation of the repository ports,
// with the same atomicity guarantees as the Postgres adapter. It backs the
// service tests and single-process local runs.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"tracker/internal/domain"
	"tracker/internal/ports"
)

type Store struct {
	mu      sync.Mutex
	domains map[string]domain.Domain // by name
	orgs    map[string]domain.Organization
	events  map[string]*domain.ScanEvent
	keys    map[string][]domain.KeyObservation // by domain name
	mx      map[string][]domain.MxSnapshot
	jobs    map[string]*jobRecord
	seq     int
}

type jobRecord struct {
	ports.QueuedJob
	seq        int
	status     string
	startedAt  time.Time
	finishedAt time.Time
	result     json.RawMessage
	delivered  bool
	reason     string
}

var (
	_ ports.DomainRepository = (*Store)(nil)
	_ ports.ScanStore        = (*Store)(nil)
	_ ports.JobRepository    = (*Store)(nil)
)

func New() *Store {
	return &Store{
		domains: map[string]domain.Domain{},
		orgs:    map[string]domain.Organization{},
		events:  map[string]*domain.ScanEvent{},
		keys:    map[string][]domain.KeyObservation{},
		mx:      map[string][]domain.MxSnapshot{},
		jobs:    map[string]*jobRecord{},
	}
}

// AddDomain seeds a domain and, when org is non-nil, its owning organisation.
func (s *Store) AddDomain(d domain.Domain, org *domain.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org != nil {
		s.orgs[org.ID] = *org
		d.OrgID = &org.ID
	}
	s.domains[d.Name] = d
}

// DomainRepository

func (s *Store) ListDomains(ctx context.Context) ([]domain.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Domain, 0, len(s.domains))
	for _, d := range s.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetDomainByName(ctx context.Context, name string) (domain.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[name]
	if !ok {
		return domain.Domain{}, ports.ErrNotFound
	}
	return d, nil
}

func (s *Store) TouchLastAttempted(ctx context.Context, domainID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, d := range s.domains {
		if d.ID == domainID {
			t := at
			d.LastAttemptedScan = &t
			s.domains[name] = d
			return nil
		}
	}
	return ports.ErrNotFound
}

func (s *Store) OwningOrganization(ctx context.Context, name string) (*domain.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[name]
	if !ok || d.OrgID == nil {
		return nil, nil
	}
	org, ok := s.orgs[*d.OrgID]
	if !ok {
		return nil, nil
	}
	return &org, nil
}

// ScanStore

func (s *Store) CreatePending(ctx context.Context, ev domain.PendingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ScanID]; ok {
		return nil
	}
	s.events[ev.ScanID] = &domain.ScanEvent{
		ScanID:    ev.ScanID,
		DomainID:  ev.DomainID,
		Domain:    ev.Domain,
		Protocols: append([]domain.Protocol(nil), ev.Protocols...),
		Results:   map[domain.Protocol]domain.ProtocolResult{},
		Status:    domain.EventPending,
		IssuedAt:  ev.IssuedAt,
		Deadline:  ev.Deadline,
	}
	return nil
}

func (s *Store) RecordOutcome(ctx context.Context, scanID string, p domain.Protocol, res domain.ProtocolResult) (ports.Recorded, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[scanID]
	if !ok {
		return ports.Recorded{}, nil
	}
	if ev.Status != domain.EventPending || !expects(ev, p) {
		return ports.Recorded{Event: copyEvent(ev)}, nil
	}
	if _, dup := ev.Results[p]; dup {
		return ports.Recorded{Event: copyEvent(ev)}, nil
	}
	ev.Results[p] = res
	return ports.Recorded{Accepted: true, Complete: len(ev.Outstanding()) == 0, Event: copyEvent(ev)}, nil
}

func (s *Store) Finalize(ctx context.Context, scanID string, tags map[string][]string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[scanID]
	if !ok {
		return ports.ErrNotFound
	}
	ev.Tags = tags
	ev.Status = domain.EventComplete
	t := completedAt
	ev.CompletedAt = &t
	return nil
}

func (s *Store) GetEvent(ctx context.Context, scanID string) (domain.ScanEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[scanID]
	if !ok {
		return domain.ScanEvent{}, ports.ErrNotFound
	}
	return copyEvent(ev), nil
}

func (s *Store) ListOverdue(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, ev := range s.events {
		if ev.Status == domain.EventPending && ev.Deadline.Before(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) RecordKeys(ctx context.Context, name string, keys []domain.KeyObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[name] = append(s.keys[name], keys...)
	return nil
}

func (s *Store) KeyHistory(ctx context.Context, name, selector string, since time.Time) ([]domain.KeyObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.KeyObservation
	for _, k := range s.keys[name] {
		if k.Selector == selector && !k.ObservedAt.Before(since) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) ReplaceMxSnapshot(ctx context.Context, next domain.MxSnapshot) (*domain.MxSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.mx[next.Domain]
	var prev *domain.MxSnapshot
	if n := len(history); n > 0 {
		p := history[n-1]
		prev = &p
	}
	s.mx[next.Domain] = append(history, next)
	return prev, nil
}

// MxHistory returns every stored snapshot for name, oldest first.
func (s *Store) MxHistory(name string) []domain.MxSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MxSnapshot(nil), s.mx[name]...)
}

func expects(ev *domain.ScanEvent, p domain.Protocol) bool {
	for _, e := range ev.Protocols {
		if e == p {
			return true
		}
	}
	return false
}

func copyEvent(ev *domain.ScanEvent) domain.ScanEvent {
	out := *ev
	out.Protocols = append([]domain.Protocol(nil), ev.Protocols...)
	out.Results = make(map[domain.Protocol]domain.ProtocolResult, len(ev.Results))
	for k, v := range ev.Results {
		out.Results[k] = v
	}
	if ev.Tags != nil {
		out.Tags = make(map[string][]string, len(ev.Tags))
		for k, v := range ev.Tags {
			out.Tags[k] = append([]string(nil), v...)
		}
	}
	return out
}
