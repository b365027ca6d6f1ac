package guidance

import (
	"math"
	"strings"

	"github.com/chromium/hstspreload"

	"tracker/internal/domain"
)

// MinHSTSMaxAge is one year, the preload list minimum.
const MinHSTSMaxAge = 31536000

// HTTPS classifies HTTPS enforcement and HSTS. When the scanner supplied the
// raw Strict-Transport-Security header, its directives take precedence over
// the scanner's own max-age reading.
func HTTPS(p domain.HTTPSPayload) Outcome {
	if p.Missing {
		return missing(HTTPSMissing, NoScan)
	}

	var s tagSet
	switch strings.ToLower(strings.TrimSpace(p.Implementation)) {
	case "downgrades https", "bad chain", "bad hostname", "invalid", "":
		s.add(HTTPSInvalid)
	}
	switch strings.ToLower(strings.TrimSpace(p.Enforced)) {
	case "strict", "moderate", "enforced":
	default:
		s.add(HTTPSNotEnforced)
	}

	maxAge := p.HSTSMaxAge
	preloadDirective := false
	if p.HSTSHeader != nil {
		var ok bool
		maxAge, preloadDirective, ok = parseHSTS(*p.HSTSHeader)
		if !ok {
			s.add(HTTPSInvalidHSTS)
			return s.outcome()
		}
	}
	if maxAge == nil {
		s.add(HTTPSNoHSTS)
		return s.outcome()
	}
	if *maxAge < MinHSTSMaxAge {
		s.add(HTTPSShortHSTS)
	}
	preloaded := p.Preloaded != nil && *p.Preloaded
	if !preloaded && !preloadDirective {
		s.add(HTTPSNotPreloaded)
	}
	return s.outcome()
}

// parseHSTS parses a Strict-Transport-Security value. Parse errors, and a
// repeated directive (RFC 6797 section 6.1), make the header unusable. A
// header without max-age is returned with a nil max age.
func parseHSTS(v string) (maxAge *int64, preload, ok bool) {
	h, issues := hstspreload.ParseHeaderString(v)
	if len(issues.Errors) > 0 {
		return nil, false, false
	}
	for _, w := range issues.Warnings {
		if strings.HasPrefix(string(w.Code), "header.parse.repeated") {
			return nil, false, false
		}
	}
	if h.MaxAge != nil {
		if h.MaxAge.Seconds > math.MaxInt64 {
			return nil, false, false
		}
		n := int64(h.MaxAge.Seconds)
		maxAge = &n
	}
	return maxAge, h.Preload, true
}
