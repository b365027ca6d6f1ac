package guidance

import (
	"strconv"
	"strings"

	"github.com/synqronlabs/raven/dmarc"

	"tracker/internal/domain"
)

// DMARC classifies a DMARC record's policy, subdomain policy, percentage and
// reporting addresses.
func DMARC(rec domain.DMARCRecord) Outcome {
	tags := rec.Tags
	if tags == nil {
		tags = dmarcTags(rec.Record)
	}
	if rec.Missing || (strings.TrimSpace(rec.Record) == "" && len(rec.Tags) == 0) {
		return missing(DMARCMissing, NoRecord)
	}

	var s tagSet
	s.add(policyTag(tags, "p", DMARCPolicyMissing, DMARCPolicyNone, DMARCPolicyQuarantine, DMARCPolicyReject, DMARCPolicyInvalid))
	s.add(policyTag(tags, "sp", DMARCSubMissing, DMARCSubNone, DMARCSubQuarantine, DMARCSubReject, DMARCSubInvalid))
	s.add(pctTag(tags))

	// rua and ruf are reported as a pair: both configured or both absent.
	rua := strings.TrimSpace(tags["rua"]) != ""
	ruf := strings.TrimSpace(tags["ruf"]) != ""
	switch {
	case rua && ruf:
		s.add(DMARCRuaPresent)
		s.add(DMARCRufPresent)
	case !rua && !ruf:
		s.add(DMARCRuaMissing)
		s.add(DMARCRufMissing)
	}
	return s.outcome()
}

func policyTag(tags map[string]string, name, absent, none, quarantine, reject, invalid string) string {
	v, ok := tags[name]
	if !ok {
		return absent
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return absent
	case "none":
		return none
	case "quarantine":
		return quarantine
	case "reject":
		return reject
	}
	return invalid
}

func pctTag(tags map[string]string) string {
	v, ok := tags["pct"]
	if !ok {
		return DMARCPctFull
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	switch {
	case err != nil, n < 0, n > 100:
		return DMARCPctInvalid
	case n == 100:
		return DMARCPctFull
	case n == 0:
		return DMARCPctZero
	}
	return DMARCPctPartial
}

// dmarcTags reads the tags of a record supplied only as text. Records the
// DMARC parser refuses still get a per-tag reading, so an unknown policy or
// a bad pct raises its own invalid tag rather than hiding the rest.
func dmarcTags(record string) map[string]string {
	r, isDMARC, err := dmarc.ParseRecordNoRequired(strings.TrimSpace(record))
	if err != nil || !isDMARC || r == nil {
		return parseTagList(record)
	}
	tags := map[string]string{"pct": strconv.Itoa(r.Percentage)}
	if r.Policy != dmarc.PolicyEmpty {
		tags["p"] = string(r.Policy)
	}
	if r.SubdomainPolicy != dmarc.PolicyEmpty {
		tags["sp"] = string(r.SubdomainPolicy)
	}
	if len(r.AggregateReportAddresses) > 0 {
		tags["rua"] = joinURIs(r.AggregateReportAddresses)
	}
	if len(r.FailureReportAddresses) > 0 {
		tags["ruf"] = joinURIs(r.FailureReportAddresses)
	}
	return tags
}

func joinURIs(uris []dmarc.URI) string {
	out := make([]string, len(uris))
	for i, u := range uris {
		out[i] = u.String()
	}
	return strings.Join(out, ",")
}

// parseTagList splits a DNS tag-value list ("v=DMARC1; p=reject") into a map
// with lower-cased tag names. Malformed entries are skipped.
func parseTagList(record string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := out[k]; dup {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
