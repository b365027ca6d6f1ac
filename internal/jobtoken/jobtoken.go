// Package jobtoken signs and verifies the short-lived capability tokens
// carried by scan jobs and by scanner result deliveries.
//
// A token embeds the scan id, domain, protocol and expiry. A holder that
// presents it after expiry is refused, which bounds what a replayed or leaked
// job descriptor can do.
package jobtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"

	"tracker/internal/domain"
)

var (
	ErrExpired   = errors.New("jobtoken: token expired")
	ErrMalformed = errors.New("jobtoken: token malformed")
	ErrMismatch  = errors.New("jobtoken: token does not match job")
)

const (
	AudienceJob    = "scan-job"
	AudienceResult = "scan-result"
)

// Claims is the token body.
type Claims struct {
	ScanID   string          `json:"scan_id"`
	Domain   string          `json:"domain"`
	Protocol domain.Protocol `json:"protocol"`
	jwt.RegisteredClaims
}

// Ticket is a signed token with the instants it was issued and expires.
type Ticket struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Signer struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewSigner(secret []byte, ttl time.Duration, clock clockwork.Clock) *Signer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Signer{secret: secret, ttl: ttl, clock: clock}
}

// TTL is the validity window of issued tokens.
func (s *Signer) TTL() time.Duration { return s.ttl }

// SignJob issues the token for one protocol job of a scan.
func (s *Signer) SignJob(scanID, name string, p domain.Protocol) (Ticket, error) {
	return s.sign(scanID, name, p, AudienceJob)
}

// SignResult issues the header token a scanner presents when delivering
// results for a job.
func (s *Signer) SignResult(scanID, name string, p domain.Protocol) (Ticket, error) {
	return s.sign(scanID, name, p, AudienceResult)
}

func (s *Signer) sign(scanID, name string, p domain.Protocol, audience string) (Ticket, error) {
	if len(s.secret) == 0 {
		return Ticket{}, fmt.Errorf("jobtoken: signing secret not configured")
	}
	// NumericDate has second precision; truncate so the ticket and the
	// token agree on expiry.
	now := s.clock.Now().Truncate(time.Second)
	exp := now.Add(s.ttl)
	claims := Claims{
		ScanID:   scanID,
		Domain:   name,
		Protocol: p,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   scanID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Ticket{}, fmt.Errorf("jobtoken: sign: %w", err)
	}
	return Ticket{Token: token, IssuedAt: now, ExpiresAt: exp}, nil
}

// Verify checks the signature, audience and freshness of token.
func (s *Signer) Verify(token, audience string) (Claims, error) {
	var c Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !c.VerifyAudience(audience, true) {
		return c, fmt.Errorf("%w: audience", ErrMalformed)
	}
	if c.ExpiresAt == nil || !s.clock.Now().Before(c.ExpiresAt.Time) {
		return c, ErrExpired
	}
	return c, nil
}

// VerifyJob verifies a job token and that it was issued for job.
func (s *Signer) VerifyJob(job domain.ScanJob) (Claims, error) {
	c, err := s.Verify(job.Token, AudienceJob)
	if err != nil {
		return c, err
	}
	if c.ScanID != job.ScanID || c.Protocol != job.Protocol || c.Domain != job.Domain {
		return c, ErrMismatch
	}
	return c, nil
}
