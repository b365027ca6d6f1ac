package guidance

import (
	"strings"

	"tracker/internal/domain"
)

// approvedCipherHashes are cipher suite fragments accepted as strong: SHA-256,
// SHA-384 or an AEAD construction.
var approvedCipherHashes = []string{"SHA256", "SHA384", "GCM", "CCM", "CHACHA20", "POLY1305"}

var approvedSignatureHashes = []string{"SHA256", "SHA384", "SHA512", "ED25519", "ED448"}

// SSL classifies a TLS scan. Each check is independent.
func SSL(p domain.SSLPayload) Outcome {
	if sslMissing(p) {
		return missing(SSLMissing, NoScan)
	}

	var s tagSet
	for _, c := range p.AcceptedCiphers {
		n := normaliseAlg(c)
		if strings.Contains(n, "RC4") {
			s.add(SSLRC4)
		}
		if strings.Contains(n, "3DES") || strings.Contains(n, "DESEDE") || strings.Contains(n, "DESCBC3") {
			s.add(SSL3DES)
		}
	}
	for _, c := range p.AcceptedCiphers {
		if !containsAny(normaliseAlg(c), approvedCipherHashes) {
			s.add(SSLWeakCipher)
			break
		}
	}
	if alg := normaliseAlg(p.SignatureAlgorithm); alg != "" && !containsAny(alg, approvedSignatureHashes) {
		s.add(SSLWeakSignature)
	}
	if p.Heartbleed {
		s.add(SSLHeartbleed)
	}
	if p.CCSInjection {
		s.add(SSLCCSInjection)
	}
	if tag := revocationTag(p.Revocation); tag != "" {
		s.add(tag)
	}
	return s.outcome()
}

// revocationTag never maps an undetermined status onto "not revoked".
func revocationTag(r *domain.RevocationResult) string {
	if r == nil {
		return ""
	}
	if r.Error != "" {
		return SSLRevocationUnknown
	}
	switch r.Status {
	case domain.RevocationGood:
		return ""
	case domain.RevocationRevoked:
		return SSLRevoked
	case domain.RevocationExpired:
		return SSLCertExpired
	}
	return SSLRevocationUnknown
}

func normaliseAlg(s string) string {
	return strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToUpper(s))
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// sslMissing treats a payload carrying no scan data at all like one marked
// missing.
func sslMissing(p domain.SSLPayload) bool {
	if p.Missing {
		return true
	}
	return len(p.AcceptedCiphers) == 0 && strings.TrimSpace(p.SignatureAlgorithm) == "" &&
		strings.TrimSpace(p.CertificatePEM) == "" && p.Revocation == nil && !p.Heartbleed && !p.CCSInjection
}
