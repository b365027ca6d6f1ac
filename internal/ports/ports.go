package ports

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"tracker/internal/domain"
)

// JobSubmitter hands a signed job to the scan queue for its protocol and
// returns the queue's acknowledgement.
type JobSubmitter interface {
	Submit(ctx context.Context, job domain.ScanJob) (string, error)
}

// EventRegistrar is told which protocols were dispatched for a scan, and
// which of them could not be submitted.
type EventRegistrar interface {
	Expect(ctx context.Context, ev domain.PendingEvent) error
	Fail(ctx context.Context, scanID string, p domain.Protocol, status domain.JobStatus, reason string) error
}

// ResultSink receives scanner output and terminal failures from the queues.
type ResultSink interface {
	Deliver(ctx context.Context, res domain.RawScanResult) error
	Fail(ctx context.Context, scanID string, p domain.Protocol, status domain.JobStatus, reason string) error
}

// Dispatcher starts a scan.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchReceipt, error)
}

type DispatchRequest struct {
	Domain    string            `json:"domain"`
	Protocols []domain.Protocol `json:"protocols,omitempty"`
	Selectors []string          `json:"selectors,omitempty"`
}

// DispatchReceipt lists the protocols submitted for a scan and those that
// failed with the reason.
type DispatchReceipt struct {
	ScanID    string                     `json:"scan_id"`
	Domain    string                     `json:"domain"`
	Submitted []domain.Protocol          `json:"submitted"`
	Failed    map[domain.Protocol]string `json:"failed,omitempty"`
}

// Err combines the per-protocol failures, or returns nil when every
// protocol was submitted.
func (r DispatchReceipt) Err() error {
	protocols := make([]string, 0, len(r.Failed))
	for p := range r.Failed {
		protocols = append(protocols, string(p))
	}
	sort.Strings(protocols)
	var err error
	for _, p := range protocols {
		err = multierr.Append(err, fmt.Errorf("%s: %s", p, r.Failed[domain.Protocol(p)]))
	}
	return err
}

// Handoff forwards one protocol of a reconciled scan to downstream reporting.
type Handoff interface {
	Process(ctx context.Context, res domain.ProcessedResult) error
}

// Notifier delivers an alert trigger to its recipients.
type Notifier interface {
	Send(ctx context.Context, alert domain.Alert) error
}

// ChangeDetector compares DNS infrastructure against the previous scan.
type ChangeDetector interface {
	DetectChange(ctx context.Context, name string, hosts []domain.MxHost) (bool, error)
}

// RevocationChecker classifies a PEM certificate.
type RevocationChecker interface {
	Check(ctx context.Context, pem []byte) (domain.RevocationStatus, error)
}
