package autoscan

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

// MinInterval is the shortest accepted "every" interval.
const MinInterval = 10 * time.Second

type RunMode int

const (
	RunOnce RunMode = iota
	RunRepeat
)

// Schedule says when sweeps run.
type Schedule struct {
	Mode     RunMode
	Interval time.Duration
	Cron     cron.Schedule
}

// ParseSchedule accepts:
//   - "once": a single sweep
//   - "every 6h": a fixed interval of at least MinInterval
//   - "0 2 * * *": a five field cron expression or descriptor such as
//     "@daily", evaluated in UTC
func ParseSchedule(s string) (*Schedule, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "once") {
		return &Schedule{Mode: RunOnce}, nil
	}
	if s == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if rest, ok := strings.CutPrefix(s, "every "); ok {
		dur, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", s, err)
		}
		if dur < MinInterval {
			return nil, fmt.Errorf("interval %q is too short (minimum %s)", s, MinInterval)
		}
		return &Schedule{Mode: RunRepeat, Interval: dur}, nil
	}
	expr, err := cron.ParseStandard(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", s, err)
	}
	return &Schedule{Mode: RunRepeat, Cron: expr}, nil
}

// Run calls fn immediately and then on every tick of the schedule until ctx
// is done. Errors from fn are logged; the loop keeps going.
func (s *Schedule) Run(ctx context.Context, clock clockwork.Clock, fn func(context.Context) error) error {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := fn(ctx); err != nil {
		log.Printf("autoscan: %v", err)
	}
	if s.Mode == RunOnce {
		return nil
	}
	if s.Interval > 0 {
		return s.runInterval(ctx, clock, fn)
	}
	return s.runCron(ctx, clock, fn)
}

func (s *Schedule) runInterval(ctx context.Context, clock clockwork.Clock, fn func(context.Context) error) error {
	ticker := clock.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := fn(ctx); err != nil {
				log.Printf("autoscan: %v", err)
			}
		}
	}
}

func (s *Schedule) runCron(ctx context.Context, clock clockwork.Clock, fn func(context.Context) error) error {
	for {
		now := clock.Now().UTC()
		next := s.Cron.Next(now)
		if next.IsZero() {
			return fmt.Errorf("autoscan: schedule never fires after %s", now.Format(time.RFC3339))
		}
		timer := clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
			if err := fn(ctx); err != nil {
				log.Printf("autoscan: %v", err)
			}
		}
	}
}
