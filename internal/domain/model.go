package domain

import (
	"encoding/json"
	"time"
)

// Core domain models shared by the dispatcher, queue, ingestion and rule engine.
// Scanner payloads are decoded into the typed variants in payload.go.

// Protocol names one scan queue. The set is fixed.
type Protocol string

const (
	ProtocolDNS   Protocol = "dns"
	ProtocolHTTPS Protocol = "https"
	ProtocolSSL   Protocol = "ssl"
)

// AllProtocols lists the protocols in dispatch order.
var AllProtocols = []Protocol{ProtocolDNS, ProtocolHTTPS, ProtocolSSL}

// ParseProtocol returns the protocol named by s and whether it is known.
func ParseProtocol(s string) (Protocol, bool) {
	switch p := Protocol(s); p {
	case ProtocolDNS, ProtocolHTTPS, ProtocolSSL:
		return p, true
	}
	return "", false
}

type Domain struct {
	ID                string
	Name              string
	Selectors         []string
	OrgID             *string
	LastAttemptedScan *time.Time
}

type Organization struct {
	ID       string
	Name     string
	Verified bool
}

// JobParameters carries protocol specific scanner input.
type JobParameters struct {
	Selectors []string `json:"selectors,omitempty"`
	OrgDomain string   `json:"org_domain,omitempty"`
}

// ScanJob is one protocol's share of a scan request.
type ScanJob struct {
	ScanID     string        `json:"scan_id"`
	Domain     string        `json:"domain"`
	Protocol   Protocol      `json:"protocol,omitempty"`
	Parameters JobParameters `json:"parameters"`
	IssuedAt   time.Time     `json:"issued_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Token      string        `json:"token"`
}

// JobStatus is the terminal state reported for one protocol of a scan.
type JobStatus string

const (
	StatusOK      JobStatus = "ok"
	StatusFailed  JobStatus = "failed"
	StatusExpired JobStatus = "expired"
)

// RawScanResult is unvalidated scanner output, or a failure marker from the queue.
// On the wire it is the body posted to /receive.
type RawScanResult struct {
	ScanID     string          `json:"scan_id"`
	Protocol   Protocol        `json:"scan_type"`
	Domain     string          `json:"domain,omitempty"`
	Payload    json.RawMessage `json:"results,omitempty"`
	Status     JobStatus       `json:"status,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ReceivedAt time.Time       `json:"-"`
}

// UnmarshalJSON also accepts the protocol under the older "protocol" key.
func (r *RawScanResult) UnmarshalJSON(data []byte) error {
	type plain RawScanResult
	aux := struct {
		*plain
		LegacyProtocol Protocol `json:"protocol"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.Protocol == "" {
		r.Protocol = aux.LegacyProtocol
	}
	return nil
}

// ProcessedResult is one protocol's reconciled outcome, the body posted to
// /process.
type ProcessedResult struct {
	ScanID   string           `json:"scan_id"`
	Protocol Protocol         `json:"scan_type"`
	Results  ProcessedResults `json:"results"`
}

type ProcessedResults struct {
	Domain  string              `json:"domain"`
	Status  JobStatus           `json:"status"`
	Reason  string              `json:"reason,omitempty"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Tags    map[string][]string `json:"tags"`
}

// GuidanceTag is one compliance finding attached to a scan event.
type GuidanceTag struct {
	Code     string `json:"code"`
	Category string `json:"category"`
	ScanID   string `json:"scan_id"`
	Domain   string `json:"domain"`
}

type EventStatus string

const (
	EventPending  EventStatus = "pending"
	EventComplete EventStatus = "complete"
)

// ProtocolResult is what one protocol contributed to a scan event.
type ProtocolResult struct {
	Status     JobStatus       `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ScanEvent is the reconciled record for one scan id.
type ScanEvent struct {
	ScanID      string                      `json:"scan_id"`
	DomainID    string                      `json:"domain_id,omitempty"`
	Domain      string                      `json:"domain"`
	Protocols   []Protocol                  `json:"protocols"`
	Results     map[Protocol]ProtocolResult `json:"results"`
	Tags        map[string][]string         `json:"tags,omitempty"`
	Status      EventStatus                 `json:"status"`
	IssuedAt    time.Time                   `json:"issued_at"`
	Deadline    time.Time                   `json:"deadline"`
	CompletedAt *time.Time                  `json:"completed_at,omitempty"`
}

// Outstanding returns the expected protocols that have not reported yet.
func (e *ScanEvent) Outstanding() []Protocol {
	var out []Protocol
	for _, p := range e.Protocols {
		if _, ok := e.Results[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// GuidanceTags flattens the event's tag map in category order.
func (e *ScanEvent) GuidanceTags(categories []string) []GuidanceTag {
	var out []GuidanceTag
	for _, c := range categories {
		for _, code := range e.Tags[c] {
			out = append(out, GuidanceTag{Code: code, Category: c, ScanID: e.ScanID, Domain: e.Domain})
		}
	}
	return out
}

// PendingEvent is registered by the dispatcher before jobs are submitted.
type PendingEvent struct {
	ScanID    string
	DomainID  string
	Domain    string
	Protocols []Protocol
	IssuedAt  time.Time
	Deadline  time.Time
}

type MxHost struct {
	Host       string `json:"host"`
	Preference uint16 `json:"preference"`
}

type MxSnapshot struct {
	Domain     string
	Hosts      []MxHost
	ObservedAt time.Time
}

// KeyObservation is a DKIM public key modulus seen by an earlier scan.
type KeyObservation struct {
	Selector   string
	Modulus    string
	ObservedAt time.Time
}

// Alert is handed to the notification collaborator when DNS infrastructure drifts.
type Alert struct {
	Domain     string `json:"domain"`
	RecordType string `json:"record_type"`
	Org        string `json:"org"`
	PrevVal    string `json:"prev_val"`
	CurrentVal string `json:"current_val"`
}
