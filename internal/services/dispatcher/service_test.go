package dispatcher

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"tracker/internal/adapters/memory"
	"tracker/internal/domain"
	"tracker/internal/jobtoken"
	"tracker/internal/ports"
	"tracker/internal/services/ingestion"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []domain.ScanJob
	fail map[domain.Protocol]error
}

func (f *fakeSubmitter) Submit(ctx context.Context, job domain.ScanJob) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[job.Protocol]; err != nil {
		return "", err
	}
	f.jobs = append(f.jobs, job)
	return "Job enqueued", nil
}

func (f *fakeSubmitter) byProtocol() map[domain.Protocol]domain.ScanJob {
	out := map[domain.Protocol]domain.ScanJob{}
	for _, j := range f.jobs {
		out[j.Protocol] = j
	}
	return out
}

type fixture struct {
	svc    *Service
	store  *memory.Store
	sub    *fakeSubmitter
	signer *jobtoken.Signer
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	store.AddDomain(domain.Domain{ID: "d1", Name: "example.gc.ca", Selectors: []string{"selector1", "selector2"}}, nil)
	signer := jobtoken.NewSigner([]byte("secret"), time.Minute, clock)
	sub := &fakeSubmitter{fail: map[domain.Protocol]error{}}
	svc := New(Config{
		Signer:    signer,
		Submitter: sub,
		Events:    ingestion.New(ingestion.Config{Store: store, Clock: clock}),
		Domains:   store,
		Clock:     clock,
		Grace:     30 * time.Second,
		NewID:     func() string { return "scan-1" },
	})
	return fixture{svc: svc, store: store, sub: sub, signer: signer, clock: clock}
}

func TestDispatchAllProtocols(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	receipt, err := f.svc.Dispatch(ctx, ports.DispatchRequest{Domain: "Example.GC.ca."})
	if err != nil {
		t.Fatal(err)
	}
	if receipt.ScanID != "scan-1" || receipt.Domain != "example.gc.ca" {
		t.Errorf("receipt = %+v", receipt)
	}
	if !reflect.DeepEqual(receipt.Submitted, domain.AllProtocols) {
		t.Errorf("submitted = %v, want %v", receipt.Submitted, domain.AllProtocols)
	}
	if receipt.Err() != nil {
		t.Errorf("receipt.Err() = %v", receipt.Err())
	}

	jobs := f.sub.byProtocol()
	if len(jobs) != 3 {
		t.Fatalf("submitted %d jobs, want 3", len(jobs))
	}
	for p, job := range jobs {
		if job.ScanID != "scan-1" {
			t.Errorf("%s job scan id = %q", p, job.ScanID)
		}
		if _, err := f.signer.VerifyJob(job); err != nil {
			t.Errorf("%s job token: %v", p, err)
		}
		if !job.ExpiresAt.Equal(f.clock.Now().Add(time.Minute)) {
			t.Errorf("%s job expires at %v", p, job.ExpiresAt)
		}
	}
	dns := jobs[domain.ProtocolDNS]
	if !reflect.DeepEqual(dns.Parameters.Selectors, []string{"selector1", "selector2"}) {
		t.Errorf("dns selectors = %v", dns.Parameters.Selectors)
	}
	if dns.Parameters.OrgDomain != "example.gc.ca" {
		t.Errorf("dns org domain = %q", dns.Parameters.OrgDomain)
	}
	if len(jobs[domain.ProtocolHTTPS].Parameters.Selectors) != 0 {
		t.Errorf("https job carries dns parameters")
	}

	ev, err := f.store.GetEvent(ctx, "scan-1")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != domain.EventPending || ev.DomainID != "d1" {
		t.Errorf("event = %+v", ev)
	}
	if want := f.clock.Now().Add(90 * time.Second); !ev.Deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", ev.Deadline, want)
	}
}

func TestDispatchPartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sub.fail[domain.ProtocolSSL] = errors.New("queue unavailable")

	receipt, err := f.svc.Dispatch(ctx, ports.DispatchRequest{Domain: "example.gc.ca"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(receipt.Submitted, []domain.Protocol{domain.ProtocolDNS, domain.ProtocolHTTPS}) {
		t.Errorf("submitted = %v", receipt.Submitted)
	}
	if _, ok := receipt.Failed[domain.ProtocolSSL]; !ok || len(receipt.Failed) != 1 {
		t.Errorf("failed = %v", receipt.Failed)
	}
	if receipt.Err() == nil {
		t.Error("receipt.Err() = nil, want ssl failure")
	}

	ev, _ := f.store.GetEvent(ctx, "scan-1")
	if got := ev.Results[domain.ProtocolSSL].Status; got != domain.StatusFailed {
		t.Errorf("ssl status = %q, want failed", got)
	}
	out := ev.Outstanding()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if !reflect.DeepEqual(out, []domain.Protocol{domain.ProtocolDNS, domain.ProtocolHTTPS}) {
		t.Errorf("outstanding = %v", out)
	}
}

func TestDispatchUnknownProtocol(t *testing.T) {
	f := newFixture(t)
	receipt, err := f.svc.Dispatch(context.Background(), ports.DispatchRequest{
		Domain:    "example.gc.ca",
		Protocols: []domain.Protocol{"https", "smtp", "https"},
		Selectors: []string{"k1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(receipt.Submitted, []domain.Protocol{domain.ProtocolHTTPS}) {
		t.Errorf("submitted = %v", receipt.Submitted)
	}
	if receipt.Failed["smtp"] == "" {
		t.Errorf("failed = %v, want smtp reported", receipt.Failed)
	}
}

func TestDispatchErrors(t *testing.T) {
	tests := []struct {
		name string
		req  ports.DispatchRequest
	}{
		{"invalid domain", ports.DispatchRequest{Domain: "localhost"}},
		{"empty domain", ports.DispatchRequest{Domain: ""}},
		{"only unknown protocols", ports.DispatchRequest{Domain: "example.gc.ca", Protocols: []domain.Protocol{"ftp"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if _, err := f.svc.Dispatch(context.Background(), tt.req); err == nil {
				t.Error("expected error")
			}
			if len(f.sub.jobs) != 0 {
				t.Errorf("submitted %d jobs", len(f.sub.jobs))
			}
		})
	}
}

func TestDispatchExplicitSelectorsWin(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Dispatch(context.Background(), ports.DispatchRequest{
		Domain:    "example.gc.ca",
		Protocols: []domain.Protocol{domain.ProtocolDNS},
		Selectors: []string{"k1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.sub.byProtocol()[domain.ProtocolDNS].Parameters.Selectors; !reflect.DeepEqual(got, []string{"k1"}) {
		t.Errorf("selectors = %v, want [k1]", got)
	}
}
