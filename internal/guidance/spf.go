package guidance

import (
	"strings"

	"github.com/synqronlabs/raven/spf"

	"tracker/internal/domain"
)

// MaxSPFLookups is the RFC 7208 limit on DNS-querying terms.
const MaxSPFLookups = 10

// SPF classifies an SPF record. The terminal all mechanism is checked
// against both the scanner's parsed reading and the literal record text; the
// two must agree on -all or ~all, otherwise only the invalid-all tag is
// raised for that check.
func SPF(rec domain.SPFRecord) Outcome {
	if rec.Missing || (strings.TrimSpace(rec.Record) == "" && rec.Parsed == nil) {
		return missing(SPFMissing, NoRecord)
	}

	parsed := rec.Parsed
	if parsed == nil {
		parsed = parseSPF(rec.Record)
	}
	literal := strings.ToLower(strings.TrimSpace(rec.Record))

	var s tagSet
	s.add(allTag(literal, parsedAll(parsed)))

	lookups := parsed.NestedLookups
	for _, m := range parsed.Mechanisms {
		switch strings.ToLower(m.Type) {
		case "include", "a", "mx":
			lookups++
		}
	}
	if lookups > MaxSPFLookups {
		s.add(SPFLookupLimit)
	}

	for _, m := range parsed.Mechanisms {
		if !strings.EqualFold(m.Type, "include") {
			continue
		}
		target := strings.ToLower(strings.TrimSpace(m.Value))
		if target == "" || !strings.Contains(literal, "include:"+target) {
			s.add(SPFMissingInclude)
		}
	}
	return s.outcome()
}

func allTag(literal, parsed string) string {
	var tail string
	if len(literal) >= 4 {
		tail = literal[len(literal)-4:]
	}
	switch {
	case tail == "-all" && parsed == "fail":
		return SPFHardFail
	case tail == "~all" && parsed == "softfail":
		return SPFSoftFail
	}
	return SPFInvalidAll
}

func parsedAll(p *domain.SPFParsed) string {
	if v := strings.ToLower(strings.TrimSpace(p.All)); v != "" {
		return v
	}
	for i := len(p.Mechanisms) - 1; i >= 0; i-- {
		if strings.EqualFold(p.Mechanisms[i].Type, "all") {
			return qualifierResult(p.Mechanisms[i].Qualifier)
		}
	}
	return "missing"
}

func qualifierResult(q string) string {
	switch q {
	case "-":
		return "fail"
	case "~":
		return "softfail"
	case "?":
		return "neutral"
	}
	return "allow"
}

// parseSPF reads the mechanisms out of a record when the scanner supplied
// only the text. A record that does not parse has an invalid terminal
// reading and no mechanisms.
func parseSPF(record string) *domain.SPFParsed {
	r, isSPF, err := spf.ParseRecord(strings.TrimSpace(record))
	if err != nil || !isSPF || r == nil {
		return &domain.SPFParsed{All: "invalid"}
	}
	p := &domain.SPFParsed{}
	for _, d := range r.Directives {
		m := domain.SPFMechanism{Qualifier: d.Qualifier, Type: d.Mechanism, Value: d.DomainSpec}
		if m.Value == "" && d.IP != nil {
			m.Value = d.IP.String()
		}
		p.Mechanisms = append(p.Mechanisms, m)
	}
	p.All = parsedAll(p)
	if p.All == "missing" && r.Redirect != "" {
		p.All = "redirect"
	}
	return p
}
