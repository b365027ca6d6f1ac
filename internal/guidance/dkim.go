package guidance

import (
	"strings"

	"tracker/internal/domain"
)

// RotationWindowDays is how far back key observations are considered when
// deciding whether a DKIM key has been rotated.
const RotationWindowDays = 365

// DKIM classifies one selector's record. history holds the selector's key
// observations from the trailing rotation window.
func DKIM(rec domain.DKIMRecord, history []domain.KeyObservation) Outcome {
	if dkimMissing(rec) {
		return missing(DKIMMissing, NoRecord)
	}

	var s tagSet
	keyType := strings.ToLower(strings.TrimSpace(rec.KeyType))
	if keyType == "" {
		// k= defaults to rsa
		keyType = "rsa"
	}
	if keyType == "rsa" {
		size := 0
		if rec.KeySize != nil {
			size = *rec.KeySize
		}
		switch {
		case size >= 4096:
			s.add(DKIMRSA4096)
		case size >= 2048:
			s.add(DKIMRSA2048)
		case size == 1024:
			s.add(DKIMRSA1024)
		case size < 1024:
			s.add(DKIMRSAVeryWeak)
		}
	} else {
		s.add(DKIMInvalidCrypto)
	}

	// any t= value counts, not only y
	if rec.Flags != nil {
		s.add(DKIMTestingEnabled)
	}

	if keyUnrotated(rec.KeyModulus, history) {
		s.add(DKIMRotate)
	}
	return s.outcome()
}

func dkimMissing(rec domain.DKIMRecord) bool {
	if rec.Missing {
		return true
	}
	return strings.TrimSpace(rec.Record) == "" && rec.KeyType == "" && rec.KeySize == nil
}

func keyUnrotated(current string, history []domain.KeyObservation) bool {
	if current == "" || len(history) == 0 {
		return false
	}
	for _, h := range history {
		if h.Modulus != current {
			return false
		}
	}
	return true
}
