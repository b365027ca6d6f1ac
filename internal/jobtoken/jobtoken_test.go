package jobtoken

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"tracker/internal/domain"
)

func TestSignVerify(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewSigner([]byte("secret"), 10*time.Second, clock)

	ticket, err := s.SignJob("scan-1", "canada.ca", domain.ProtocolDNS)
	if err != nil {
		t.Fatalf("SignJob: %v", err)
	}
	if got := ticket.ExpiresAt.Sub(ticket.IssuedAt); got != 10*time.Second {
		t.Errorf("validity = %v, want 10s", got)
	}

	job := domain.ScanJob{ScanID: "scan-1", Domain: "canada.ca", Protocol: domain.ProtocolDNS, Token: ticket.Token}
	c, err := s.VerifyJob(job)
	if err != nil {
		t.Fatalf("VerifyJob: %v", err)
	}
	if c.ScanID != "scan-1" || c.Protocol != domain.ProtocolDNS || c.Domain != "canada.ca" {
		t.Errorf("claims = %+v", c)
	}

	clock.Advance(9 * time.Second)
	if _, err := s.VerifyJob(job); err != nil {
		t.Errorf("VerifyJob before expiry: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := s.VerifyJob(job); !errors.Is(err, ErrExpired) {
		t.Errorf("VerifyJob at expiry = %v, want ErrExpired", err)
	}
}

func TestVerifyRejects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSigner([]byte("secret"), time.Minute, clock)
	other := NewSigner([]byte("other"), time.Minute, clock)

	ticket, err := s.SignJob("scan-1", "canada.ca", domain.ProtocolSSL)
	if err != nil {
		t.Fatal(err)
	}
	forged, err := other.SignJob("scan-1", "canada.ca", domain.ProtocolSSL)
	if err != nil {
		t.Fatal(err)
	}
	result, err := s.SignResult("scan-1", "canada.ca", domain.ProtocolSSL)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		job  domain.ScanJob
		want error
	}{
		{"garbage", domain.ScanJob{ScanID: "scan-1", Domain: "canada.ca", Protocol: domain.ProtocolSSL, Token: "abc.def"}, ErrMalformed},
		{"wrong key", domain.ScanJob{ScanID: "scan-1", Domain: "canada.ca", Protocol: domain.ProtocolSSL, Token: forged.Token}, ErrMalformed},
		{"result audience", domain.ScanJob{ScanID: "scan-1", Domain: "canada.ca", Protocol: domain.ProtocolSSL, Token: result.Token}, ErrMalformed},
		{"other protocol", domain.ScanJob{ScanID: "scan-1", Domain: "canada.ca", Protocol: domain.ProtocolDNS, Token: ticket.Token}, ErrMismatch},
		{"other scan", domain.ScanJob{ScanID: "scan-2", Domain: "canada.ca", Protocol: domain.ProtocolSSL, Token: ticket.Token}, ErrMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.VerifyJob(tt.job); !errors.Is(err, tt.want) {
				t.Errorf("VerifyJob() = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := s.Verify(result.Token, AudienceResult); err != nil {
		t.Errorf("Verify(result) = %v", err)
	}
}

func TestSignWithoutSecret(t *testing.T) {
	s := NewSigner(nil, time.Minute, nil)
	if _, err := s.SignJob("scan-1", "canada.ca", domain.ProtocolDNS); err == nil {
		t.Error("expected error without secret")
	}
}
