package changes

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"

	"tracker/internal/domain"
	"tracker/internal/hostname"
	"tracker/internal/ports"
)

const RecordTypeMX = "MX"

// Detector compares a scan's MX hosts with the previous snapshot for the
// domain and raises an alert for verified organisations.
type Detector struct {
	store    ports.ScanStore
	domains  ports.DomainRepository
	notifier ports.Notifier
	clock    clockwork.Clock
}

var _ ports.ChangeDetector = (*Detector)(nil)

func New(store ports.ScanStore, domains ports.DomainRepository, notifier ports.Notifier, clock clockwork.Clock) *Detector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Detector{store: store, domains: domains, notifier: notifier, clock: clock}
}

// DetectChange stores hosts as the domain's latest snapshot and reports
// whether they differ from the snapshot they replace. The first snapshot for
// a domain is never a change.
func (d *Detector) DetectChange(ctx context.Context, name string, hosts []domain.MxHost) (bool, error) {
	current := make([]domain.MxHost, 0, len(hosts))
	for _, h := range hosts {
		current = append(current, domain.MxHost{Host: hostname.Host(h.Host), Preference: h.Preference})
	}

	prev, err := d.store.ReplaceMxSnapshot(ctx, domain.MxSnapshot{Domain: name, Hosts: current, ObservedAt: d.clock.Now()})
	if err != nil {
		return false, fmt.Errorf("changes: replace mx snapshot for %s: %w", name, err)
	}
	if prev == nil || !Changed(prev.Hosts, current) {
		return false, nil
	}

	org, err := d.domains.OwningOrganization(ctx, name)
	if err != nil {
		return true, fmt.Errorf("changes: owning organisation for %s: %w", name, err)
	}
	if org == nil || !org.Verified || d.notifier == nil {
		return true, nil
	}
	alert := domain.Alert{
		Domain:     name,
		RecordType: RecordTypeMX,
		Org:        org.Name,
		PrevVal:    FormatHosts(prev.Hosts),
		CurrentVal: FormatHosts(current),
	}
	if err := d.notifier.Send(ctx, alert); err != nil {
		log.Printf("changes: alert for %s: %v", name, err)
	}
	return true, nil
}

// Changed reports a difference in host names, ignoring order and
// preference, or in the number of hosts.
func Changed(prev, next []domain.MxHost) bool {
	if len(prev) != len(next) {
		return true
	}
	seen := make(map[string]bool, len(prev))
	for _, h := range prev {
		seen[hostname.Host(h.Host)] = true
	}
	for _, h := range next {
		if !seen[hostname.Host(h.Host)] {
			return true
		}
	}
	nextSet := make(map[string]bool, len(next))
	for _, h := range next {
		nextSet[hostname.Host(h.Host)] = true
	}
	return len(seen) != len(nextSet)
}

// FormatHosts renders hosts as "host preference" pairs sorted by preference
// then name.
func FormatHosts(hosts []domain.MxHost) string {
	sorted := append([]domain.MxHost(nil), hosts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Preference != sorted[j].Preference {
			return sorted[i].Preference < sorted[j].Preference
		}
		return sorted[i].Host < sorted[j].Host
	})
	parts := make([]string, len(sorted))
	for i, h := range sorted {
		parts[i] = fmt.Sprintf("%s %d", h.Host, h.Preference)
	}
	return strings.Join(parts, ", ")
}
