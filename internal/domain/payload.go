package domain

import (
	"bytes"
	"encoding/json"
)

// Payload is the decoded scanner output for one protocol. The set of
// implementations is closed: DNSPayload, HTTPSPayload and SSLPayload.
type Payload interface {
	Protocol() Protocol
	isPayload()
}

type DNSPayload struct {
	Missing bool                  `json:"missing,omitempty"`
	DMARC   DMARCRecord           `json:"dmarc"`
	SPF     SPFRecord             `json:"spf"`
	DKIM    map[string]DKIMRecord `json:"dkim"`
	// MX is nil when the scanner did not report mx_records at all.
	MX *MXRecords `json:"mx_records,omitempty"`
}

type DMARCRecord struct {
	Missing bool   `json:"missing,omitempty"`
	Record  string `json:"record,omitempty"`
	// Tags holds the parsed tag=value pairs with lower-cased names.
	// When nil the record text is parsed by the rule engine.
	Tags map[string]string `json:"tags,omitempty"`
}

type SPFRecord struct {
	Missing bool       `json:"missing,omitempty"`
	Record  string     `json:"record,omitempty"`
	Parsed  *SPFParsed `json:"parsed,omitempty"`
}

type SPFParsed struct {
	// All is the scanner's reading of the terminal mechanism:
	// fail, softfail, neutral, allow, redirect or missing.
	All        string         `json:"all"`
	Mechanisms []SPFMechanism `json:"mechanisms,omitempty"`
	// NestedLookups counts lookups incurred inside included records.
	NestedLookups int `json:"nested_lookups,omitempty"`
}

type SPFMechanism struct {
	Qualifier string `json:"qualifier,omitempty"`
	Type      string `json:"type"`
	Value     string `json:"value,omitempty"`
}

type DKIMRecord struct {
	Missing    bool   `json:"missing,omitempty"`
	Record     string `json:"record,omitempty"`
	KeyType    string `json:"key_type,omitempty"`
	KeySize    *int   `json:"key_size,omitempty"`
	KeyModulus string `json:"key_modulus,omitempty"`
	// Flags is the raw t= value.
	Flags *string `json:"t_value,omitempty"`
}

type MXRecords struct {
	Missing bool     `json:"missing,omitempty"`
	Hosts   []MxHost `json:"hosts,omitempty"`
}

type HTTPSPayload struct {
	Missing        bool   `json:"missing,omitempty"`
	Implementation string `json:"implementation,omitempty"`
	Enforced       string `json:"enforced,omitempty"`
	// HSTSHeader is the raw Strict-Transport-Security value, nil when absent.
	HSTSHeader *string `json:"hsts_header,omitempty"`
	HSTSMaxAge *int64  `json:"hsts_age,omitempty"`
	Preloaded  *bool   `json:"preloaded,omitempty"`
}

type SSLPayload struct {
	Missing            bool              `json:"missing,omitempty"`
	AcceptedCiphers    []string          `json:"accepted_cipher_suites,omitempty"`
	SignatureAlgorithm string            `json:"signature_algorithm,omitempty"`
	Heartbleed         bool              `json:"heartbleed,omitempty"`
	CCSInjection       bool              `json:"openssl_ccs_injection,omitempty"`
	CertificatePEM     string            `json:"certificate_pem,omitempty"`
	Revocation         *RevocationResult `json:"revocation,omitempty"`
}

// RevocationStatus is the external checker's verdict for a certificate.
type RevocationStatus string

const (
	RevocationGood        RevocationStatus = "Good"
	RevocationExpired     RevocationStatus = "Expired"
	RevocationNotCovered  RevocationStatus = "NotCovered"
	RevocationNotEnrolled RevocationStatus = "NotEnrolled"
	RevocationRevoked     RevocationStatus = "Revoked"
)

type RevocationResult struct {
	Status RevocationStatus `json:"status,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (DNSPayload) Protocol() Protocol   { return ProtocolDNS }
func (HTTPSPayload) Protocol() Protocol { return ProtocolHTTPS }
func (SSLPayload) Protocol() Protocol   { return ProtocolSSL }

func (DNSPayload) isPayload()   {}
func (HTTPSPayload) isPayload() {}
func (SSLPayload) isPayload()   {}

// MissingPayload returns the explicit "no scan data" variant for p.
func MissingPayload(p Protocol) Payload {
	switch p {
	case ProtocolHTTPS:
		return HTTPSPayload{Missing: true}
	case ProtocolSSL:
		return SSLPayload{Missing: true}
	default:
		return DNSPayload{Missing: true}
	}
}

// DecodePayload decodes raw scanner output for protocol p. Empty or
// undecodable input yields the missing variant; it never fails.
func DecodePayload(p Protocol, raw json.RawMessage) Payload {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return MissingPayload(p)
	}
	switch p {
	case ProtocolDNS:
		var v DNSPayload
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return MissingPayload(p)
		}
		return v
	case ProtocolHTTPS:
		var v HTTPSPayload
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return MissingPayload(p)
		}
		return v
	case ProtocolSSL:
		var v SSLPayload
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return MissingPayload(p)
		}
		return v
	}
	return MissingPayload(p)
}
