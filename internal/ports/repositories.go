package ports

import (
	"context"
	"errors"
	"time"

	"tracker/internal/domain"
)

var ErrNotFound = errors.New("not found")

// DomainRepository reads the domains managed by the administrative side.
// The pipeline only ever writes the last-attempted timestamp.
type DomainRepository interface {
	ListDomains(ctx context.Context) ([]domain.Domain, error)
	GetDomainByName(ctx context.Context, name string) (domain.Domain, error)
	TouchLastAttempted(ctx context.Context, domainID string, at time.Time) error
	// OwningOrganization returns nil when the domain has no owning organisation.
	OwningOrganization(ctx context.Context, name string) (*domain.Organization, error)
}

// Recorded reports what happened to one outcome passed to RecordOutcome.
type Recorded struct {
	Accepted bool
	// Complete is true only for the call that filled the last expected slot.
	Complete bool
	Event    domain.ScanEvent
}

// ScanStore persists scan events, their results and tags, and the history
// needed for DKIM rotation and MX change detection.
type ScanStore interface {
	CreatePending(ctx context.Context, ev domain.PendingEvent) error
	// RecordOutcome atomically adds one protocol result to a pending event.
	// Unknown scans, complete events and already reported protocols are not
	// accepted.
	RecordOutcome(ctx context.Context, scanID string, p domain.Protocol, res domain.ProtocolResult) (Recorded, error)
	Finalize(ctx context.Context, scanID string, tags map[string][]string, completedAt time.Time) error
	GetEvent(ctx context.Context, scanID string) (domain.ScanEvent, error)
	ListOverdue(ctx context.Context, now time.Time) ([]string, error)

	RecordKeys(ctx context.Context, name string, keys []domain.KeyObservation) error
	KeyHistory(ctx context.Context, name, selector string, since time.Time) ([]domain.KeyObservation, error)

	// ReplaceMxSnapshot stores next and returns the snapshot it superseded,
	// nil for the first one. Read and write are atomic per domain.
	ReplaceMxSnapshot(ctx context.Context, next domain.MxSnapshot) (*domain.MxSnapshot, error)
}
