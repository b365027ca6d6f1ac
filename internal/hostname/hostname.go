// Package hostname normalises the DNS names handled by the pipeline.
package hostname

import (
	"errors"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/publicsuffix"
)

var ErrInvalid = errors.New("hostname: invalid domain name")

// Canonical lower-cases name, strips a trailing dot and validates it as a DNS
// name with at least two labels.
func Canonical(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalid
	}
	labels, ok := dns.IsDomainName(name)
	if !ok || labels < 2 || strings.IndexFunc(name, notHostRune) >= 0 {
		return "", ErrInvalid
	}
	return strings.TrimSuffix(dns.CanonicalName(name), "."), nil
}

// notHostRune rejects what IsDomainName tolerates in presentation format but
// no scannable host contains. Underscores stay legal for DKIM-style labels.
func notHostRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case r == '-', r == '_', r == '.':
		return false
	}
	return true
}

// Host canonicalises an MX or other record target. Unlike Canonical it
// accepts single-label names and never fails; invalid names are returned
// lower-cased and trimmed so they still compare consistently.
func Host(name string) string {
	name = strings.TrimSpace(name)
	if _, ok := dns.IsDomainName(name); !ok {
		return strings.ToLower(strings.TrimSuffix(name, "."))
	}
	return strings.TrimSuffix(dns.CanonicalName(name), ".")
}

// OrgDomain returns the registrable domain (eTLD+1) for name, used as the
// DMARC organisational domain. Names that are themselves public suffixes are
// returned unchanged.
func OrgDomain(name string) string {
	org, err := publicsuffix.EffectiveTLDPlusOne(name)
	if err != nil {
		return name
	}
	return org
}
