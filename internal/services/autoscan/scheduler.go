package autoscan

import (
	"context"
	"fmt"
	"log"

	"github.com/jonboulle/clockwork"

	"tracker/internal/ports"
)

// Scheduler dispatches a scan for every known domain.
type Scheduler struct {
	domains    ports.DomainRepository
	dispatcher ports.Dispatcher
	clock      clockwork.Clock
}

func New(domains ports.DomainRepository, dispatcher ports.Dispatcher, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{domains: domains, dispatcher: dispatcher, clock: clock}
}

// RunSweep dispatches every domain once and returns how many dispatches were
// attempted, failed ones included. A failing domain is logged and skipped;
// only a failure to list domains aborts the sweep.
func (s *Scheduler) RunSweep(ctx context.Context) (int, error) {
	domains, err := s.domains.ListDomains(ctx)
	if err != nil {
		return 0, fmt.Errorf("autoscan: list domains: %w", err)
	}
	attempted, failed := 0, 0
	for _, d := range domains {
		if err := ctx.Err(); err != nil {
			log.Printf("autoscan: sweep interrupted after %d of %d domains", attempted, len(domains))
			return attempted, err
		}
		attempted++
		receipt, err := s.dispatchOne(ctx, d.Name, d.Selectors)
		switch {
		case err != nil:
			failed++
			log.Printf("autoscan: dispatch %s: %v", d.Name, err)
		case receipt.Err() != nil:
			log.Printf("autoscan: dispatch %s (scan %s) partially failed: %v", d.Name, receipt.ScanID, receipt.Err())
		}
		if err := s.domains.TouchLastAttempted(ctx, d.ID, s.clock.Now()); err != nil {
			log.Printf("autoscan: record last attempt for %s: %v", d.Name, err)
		}
	}
	log.Printf("autoscan: sweep attempted %d domains, %d failed", attempted, failed)
	return attempted, nil
}

// dispatchOne converts a dispatcher panic into an error so one bad domain
// cannot end the sweep.
func (s *Scheduler) dispatchOne(ctx context.Context, name string, selectors []string) (receipt ports.DispatchReceipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()
	return s.dispatcher.Dispatch(ctx, ports.DispatchRequest{Domain: name, Selectors: selectors})
}
