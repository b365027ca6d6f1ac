package scanqueue

import (
	"context"
	"encoding/json"
	"log"

	"tracker/internal/domain"
	"tracker/internal/ports"
)

// WithRevocation wraps an ssl scanner so that the leaf certificate it
// returns is classified by checker before the result leaves the queue. A
// checker failure is written into the payload as an error rather than
// failing the job, and the other payload fields are preserved.
func WithRevocation(next Scanner, checker ports.RevocationChecker) Scanner {
	return ScannerFunc(func(ctx context.Context, job domain.ScanJob) (json.RawMessage, error) {
		out, err := next.Scan(ctx, job)
		if err != nil || checker == nil {
			return out, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(out, &fields); err != nil || fields == nil {
			return out, nil
		}
		var pem string
		if raw, ok := fields["certificate_pem"]; !ok || json.Unmarshal(raw, &pem) != nil || pem == "" {
			return out, nil
		}

		var rev domain.RevocationResult
		status, cerr := checker.Check(ctx, []byte(pem))
		if cerr != nil {
			log.Printf("ssl queue: revocation check for %s: %v", job.Domain, cerr)
			rev.Error = cerr.Error()
		} else {
			rev.Status = status
		}
		encoded, err := json.Marshal(rev)
		if err != nil {
			return out, nil
		}
		fields["revocation"] = encoded
		merged, err := json.Marshal(fields)
		if err != nil {
			return out, nil
		}
		return merged, nil
	})
}
