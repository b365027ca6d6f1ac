// Package guidance turns one protocol's scanner payload into guidance tags.
//
// Every function here is pure and total: malformed input degrades to
// invalid or missing tags and nothing panics. A payload explicitly marked
// missing short-circuits to a single missing tag before any field level
// classification, since absent data is not the same as data that fails
// every check.
package guidance

import (
	"sort"
	"strings"

	"tracker/internal/domain"
)

// MissingReason explains why an outcome carries only a missing tag.
type MissingReason string

const (
	Evaluated   MissingReason = ""
	NoRecord    MissingReason = "no-record"
	NoScan      MissingReason = "no-scan"
	ScanFailed  MissingReason = "scan-failed"
	ScanExpired MissingReason = "scan-expired"
)

// Outcome is the result of evaluating one category.
type Outcome struct {
	Tags    []string      `json:"tags"`
	Missing MissingReason `json:"missing,omitempty"`
}

func missing(tag string, reason MissingReason) Outcome {
	return Outcome{Tags: []string{tag}, Missing: reason}
}

// Category names used as keys in Evaluate's result.
const (
	CategoryDMARC = "dmarc"
	CategorySPF   = "spf"
	CategoryHTTPS = "https"
	CategorySSL   = "ssl"

	dkimPrefix = "dkim:"
	// CategoryDKIM is used when no selector was scanned at all.
	CategoryDKIM = "dkim"
)

// DKIMCategory returns the category key for one selector.
func DKIMCategory(selector string) string { return dkimPrefix + selector }

// History supplies prior DKIM key observations per selector, covering the
// trailing rotation window.
type History map[string][]domain.KeyObservation

// Evaluate classifies payload. The result is keyed by category.
func Evaluate(payload domain.Payload, history History) map[string]Outcome {
	out := map[string]Outcome{}
	switch p := payload.(type) {
	case domain.DNSPayload:
		if p.Missing {
			return MissingFor(domain.ProtocolDNS, NoScan)
		}
		out[CategoryDMARC] = DMARC(p.DMARC)
		out[CategorySPF] = SPF(p.SPF)
		if len(p.DKIM) == 0 {
			out[CategoryDKIM] = missing(DKIMMissing, NoRecord)
		}
		for sel, rec := range p.DKIM {
			out[DKIMCategory(sel)] = DKIM(rec, history[sel])
		}
	case domain.HTTPSPayload:
		out[CategoryHTTPS] = HTTPS(p)
	case domain.SSLPayload:
		out[CategorySSL] = SSL(p)
	}
	return out
}

// MissingFor returns missing-only outcomes for every category protocol p
// would have produced.
func MissingFor(p domain.Protocol, reason MissingReason) map[string]Outcome {
	switch p {
	case domain.ProtocolDNS:
		return map[string]Outcome{
			CategoryDMARC: missing(DMARCMissing, reason),
			CategorySPF:   missing(SPFMissing, reason),
			CategoryDKIM:  missing(DKIMMissing, reason),
		}
	case domain.ProtocolHTTPS:
		return map[string]Outcome{CategoryHTTPS: missing(HTTPSMissing, reason)}
	case domain.ProtocolSSL:
		return map[string]Outcome{CategorySSL: missing(SSLMissing, reason)}
	}
	return map[string]Outcome{}
}

// ReasonFor maps a terminal job status onto a missing reason.
func ReasonFor(status domain.JobStatus) MissingReason {
	switch status {
	case domain.StatusExpired:
		return ScanExpired
	case domain.StatusFailed:
		return ScanFailed
	}
	return Evaluated
}

// Categories returns the keys of outcomes in a stable order: the fixed
// categories first, then dkim selectors alphabetically.
func Categories(outcomes map[string]Outcome) []string {
	var fixed, dkim []string
	for _, c := range []string{CategoryDMARC, CategorySPF, CategoryDKIM, CategoryHTTPS, CategorySSL} {
		if _, ok := outcomes[c]; ok {
			fixed = append(fixed, c)
		}
	}
	for c := range outcomes {
		if strings.HasPrefix(c, dkimPrefix) {
			dkim = append(dkim, c)
		}
	}
	sort.Strings(dkim)
	return append(fixed, dkim...)
}

// CategoryProtocol returns the protocol whose payload produces category c.
func CategoryProtocol(c string) domain.Protocol {
	switch {
	case c == CategoryHTTPS:
		return domain.ProtocolHTTPS
	case c == CategorySSL:
		return domain.ProtocolSSL
	case c == CategoryDMARC, c == CategorySPF, c == CategoryDKIM, strings.HasPrefix(c, dkimPrefix):
		return domain.ProtocolDNS
	}
	return ""
}

type tagSet struct {
	tags []string
	seen map[string]bool
}

func (s *tagSet) add(tag string) {
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	if s.seen[tag] {
		return
	}
	s.seen[tag] = true
	s.tags = append(s.tags, tag)
}

func (s *tagSet) outcome() Outcome {
	if s.tags == nil {
		return Outcome{Tags: []string{}}
	}
	return Outcome{Tags: s.tags}
}
