package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"tracker/internal/domain"
	"tracker/internal/guidance"
	"tracker/internal/ports"
)

// Config wires the ingestion service. Changes and Handoff are optional.
type Config struct {
	Store   ports.ScanStore
	Changes ports.ChangeDetector
	Handoff ports.Handoff
	Clock   clockwork.Clock
}

// Service merges per-protocol results into scan events. An event is
// reconciled once every dispatched protocol has reported or been marked
// failed or expired; results arriving after that are discarded.
type Service struct {
	store   ports.ScanStore
	changes ports.ChangeDetector
	handoff ports.Handoff
	clock   clockwork.Clock
}

var (
	_ ports.EventRegistrar = (*Service)(nil)
	_ ports.ResultSink     = (*Service)(nil)
)

func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Service{store: cfg.Store, changes: cfg.Changes, handoff: cfg.Handoff, clock: cfg.Clock}
}

// Expect registers the protocols dispatched for a scan.
func (s *Service) Expect(ctx context.Context, ev domain.PendingEvent) error {
	return s.store.CreatePending(ctx, ev)
}

// Deliver ingests a scanner result.
func (s *Service) Deliver(ctx context.Context, res domain.RawScanResult) error {
	_, err := s.Ingest(ctx, res)
	return err
}

// Fail records a terminal failure for one protocol of a scan.
func (s *Service) Fail(ctx context.Context, scanID string, p domain.Protocol, status domain.JobStatus, reason string) error {
	if status == domain.StatusOK {
		return fmt.Errorf("ingest: fail called with status %q", status)
	}
	_, err := s.record(ctx, scanID, p, domain.ProtocolResult{Status: status, Reason: reason, ReceivedAt: s.clock.Now()})
	return err
}

// Ingest appends res to its scan event. It reports whether the result was
// accepted; late or duplicate results are discarded without error.
func (s *Service) Ingest(ctx context.Context, res domain.RawScanResult) (bool, error) {
	status := res.Status
	if status == "" {
		status = domain.StatusOK
	}
	received := res.ReceivedAt
	if received.IsZero() {
		received = s.clock.Now()
	}
	pr := domain.ProtocolResult{Status: status, Reason: res.Reason, ReceivedAt: received}
	if status == domain.StatusOK {
		pr.Payload = res.Payload
	}
	return s.record(ctx, res.ScanID, res.Protocol, pr)
}

func (s *Service) record(ctx context.Context, scanID string, p domain.Protocol, pr domain.ProtocolResult) (bool, error) {
	rec, err := s.store.RecordOutcome(ctx, scanID, p, pr)
	if err != nil {
		return false, fmt.Errorf("ingest: record %s result for scan %s: %w", p, scanID, err)
	}
	if !rec.Accepted {
		log.Printf("ingest: discarding %s result for scan %s", p, scanID)
		return false, nil
	}
	if rec.Complete {
		if err := s.finalize(ctx, rec.Event); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Evaluate runs the rule engine over every protocol of ev. Protocols that
// did not report successfully contribute only their missing tags.
func (s *Service) Evaluate(ctx context.Context, ev domain.ScanEvent) (map[string]guidance.Outcome, []domain.KeyObservation, []domain.MxHost) {
	outcomes := map[string]guidance.Outcome{}
	var keys []domain.KeyObservation
	var mx []domain.MxHost
	for _, p := range ev.Protocols {
		r := ev.Results[p]
		if r.Status != domain.StatusOK {
			merge(outcomes, guidance.MissingFor(p, guidance.ReasonFor(r.Status)))
			continue
		}
		payload := domain.DecodePayload(p, r.Payload)
		var history guidance.History
		if dns, ok := payload.(domain.DNSPayload); ok && !dns.Missing {
			history = s.keyHistory(ctx, ev.Domain, dns)
			for sel, rec := range dns.DKIM {
				if rec.KeyModulus != "" && !rec.Missing {
					keys = append(keys, domain.KeyObservation{Selector: sel, Modulus: rec.KeyModulus, ObservedAt: r.ReceivedAt})
				}
			}
			if dns.MX != nil && !dns.MX.Missing {
				mx = dns.MX.Hosts
				if mx == nil {
					mx = []domain.MxHost{}
				}
			}
		}
		merge(outcomes, guidance.Evaluate(payload, history))
	}
	return outcomes, keys, mx
}

func (s *Service) finalize(ctx context.Context, ev domain.ScanEvent) error {
	outcomes, keys, mx := s.Evaluate(ctx, ev)
	tags := make(map[string][]string, len(outcomes))
	for _, c := range guidance.Categories(outcomes) {
		tags[c] = outcomes[c].Tags
	}
	now := s.clock.Now()
	if err := s.store.Finalize(ctx, ev.ScanID, tags, now); err != nil {
		return fmt.Errorf("ingest: finalize scan %s: %w", ev.ScanID, err)
	}
	ev.Tags = tags
	ev.Status = domain.EventComplete
	ev.CompletedAt = &now

	if len(keys) > 0 {
		if err := s.store.RecordKeys(ctx, ev.Domain, keys); err != nil {
			log.Printf("ingest: record dkim keys for %s: %v", ev.Domain, err)
		}
	}
	if mx != nil && s.changes != nil {
		if _, err := s.changes.DetectChange(ctx, ev.Domain, mx); err != nil {
			log.Printf("ingest: mx change detection for %s: %v", ev.Domain, err)
		}
	}
	if s.handoff != nil {
		for _, res := range Processed(ev) {
			if err := s.handoff.Process(ctx, res); err != nil {
				log.Printf("ingest: handoff %s for scan %s: %v", res.Protocol, ev.ScanID, err)
			}
		}
	}
	return nil
}

// Processed splits a reconciled event into one downstream result per
// dispatched protocol, each carrying the tags of its own categories.
func Processed(ev domain.ScanEvent) []domain.ProcessedResult {
	out := make([]domain.ProcessedResult, 0, len(ev.Protocols))
	for _, p := range ev.Protocols {
		r := ev.Results[p]
		tags := map[string][]string{}
		for c, codes := range ev.Tags {
			if guidance.CategoryProtocol(c) == p {
				tags[c] = codes
			}
		}
		out = append(out, domain.ProcessedResult{
			ScanID:   ev.ScanID,
			Protocol: p,
			Results: domain.ProcessedResults{
				Domain:  ev.Domain,
				Status:  r.Status,
				Reason:  r.Reason,
				Payload: r.Payload,
				Tags:    tags,
			},
		})
	}
	return out
}

func (s *Service) keyHistory(ctx context.Context, name string, dns domain.DNSPayload) guidance.History {
	since := s.clock.Now().AddDate(0, 0, -guidance.RotationWindowDays)
	history := guidance.History{}
	for sel := range dns.DKIM {
		obs, err := s.store.KeyHistory(ctx, name, sel, since)
		if err != nil {
			log.Printf("ingest: dkim key history for %s/%s: %v", name, sel, err)
			continue
		}
		history[sel] = obs
	}
	return history
}

// CloseOverdue marks every protocol still outstanding on events past their
// deadline as expired, which reconciles those events. It returns how many
// events were closed.
func (s *Service) CloseOverdue(ctx context.Context) (int, error) {
	ids, err := s.store.ListOverdue(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("ingest: list overdue: %w", err)
	}
	closed := 0
	for _, id := range ids {
		ev, err := s.store.GetEvent(ctx, id)
		if err != nil {
			log.Printf("ingest: load overdue scan %s: %v", id, err)
			continue
		}
		outstanding := ev.Outstanding()
		if len(outstanding) == 0 {
			// every result arrived but finalizing failed at the time
			if err := s.finalize(ctx, ev); err != nil {
				log.Printf("ingest: retry finalize for scan %s: %v", id, err)
				continue
			}
			closed++
			continue
		}
		ok := true
		for _, p := range outstanding {
			if err := s.Fail(ctx, id, p, domain.StatusExpired, "no result before deadline"); err != nil {
				log.Printf("ingest: expire %s for scan %s: %v", p, id, err)
				ok = false
			}
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

// RunReconciler closes overdue events every interval until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n, err := s.CloseOverdue(ctx); err != nil {
				log.Printf("reconciler: %v", err)
			} else if n > 0 {
				log.Printf("reconciler: closed %d overdue scans", n)
			}
		}
	}
}

// Preview evaluates a payload without recording it.
func (s *Service) Preview(p domain.Protocol, raw json.RawMessage) map[string]guidance.Outcome {
	return guidance.Evaluate(domain.DecodePayload(p, raw), nil)
}

// Event returns the stored event for scanID.
func (s *Service) Event(ctx context.Context, scanID string) (domain.ScanEvent, error) {
	return s.store.GetEvent(ctx, scanID)
}

func merge(dst, src map[string]guidance.Outcome) {
	for k, v := range src {
		dst[k] = v
	}
}
