package autoscan

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"tracker/internal/adapters/memory"
	"tracker/internal/domain"
	"tracker/internal/ports"
)

type stubDispatcher struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	panic map[string]bool
}

func (d *stubDispatcher) Dispatch(ctx context.Context, req ports.DispatchRequest) (ports.DispatchReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req.Domain)
	if d.panic[req.Domain] {
		panic("boom")
	}
	if d.fail[req.Domain] {
		return ports.DispatchReceipt{}, errors.New("queue unavailable")
	}
	return ports.DispatchReceipt{ScanID: "s-" + req.Domain, Domain: req.Domain, Submitted: domain.AllProtocols}, nil
}

func seed(names ...string) *memory.Store {
	store := memory.New()
	for i, n := range names {
		store.AddDomain(domain.Domain{ID: string(rune('a' + i)), Name: n}, nil)
	}
	return store
}

func TestRunSweepCountsAttempts(t *testing.T) {
	tests := []struct {
		name  string
		fail  map[string]bool
		panic map[string]bool
	}{
		{name: "all succeed"},
		{name: "second domain fails", fail: map[string]bool{"b.example.ca": true}},
		{name: "second domain panics", panic: map[string]bool{"b.example.ca": true}},
		{name: "all fail", fail: map[string]bool{"a.example.ca": true, "b.example.ca": true, "c.example.ca": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := seed("a.example.ca", "b.example.ca", "c.example.ca")
			disp := &stubDispatcher{fail: tt.fail, panic: tt.panic}
			clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC))

			n, err := New(store, disp, clock).RunSweep(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if n != 3 {
				t.Errorf("RunSweep() = %d, want 3 attempted", n)
			}
			if want := []string{"a.example.ca", "b.example.ca", "c.example.ca"}; !reflect.DeepEqual(disp.calls, want) {
				t.Errorf("dispatched %v, want %v", disp.calls, want)
			}
			domains, _ := store.ListDomains(ctx)
			for _, d := range domains {
				if d.LastAttemptedScan == nil || !d.LastAttemptedScan.Equal(clock.Now()) {
					t.Errorf("%s last attempted = %v", d.Name, d.LastAttemptedScan)
				}
			}
		})
	}
}

type failingList struct{ *memory.Store }

func (failingList) ListDomains(context.Context) ([]domain.Domain, error) {
	return nil, errors.New("connection refused")
}

func TestRunSweepListError(t *testing.T) {
	n, err := New(failingList{memory.New()}, &stubDispatcher{}, nil).RunSweep(context.Background())
	if err == nil || n != 0 {
		t.Errorf("RunSweep() = %d, %v; want 0 and an error", n, err)
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in       string
		mode     RunMode
		interval time.Duration
		wantErr  bool
	}{
		{in: "once", mode: RunOnce},
		{in: " ONCE ", mode: RunOnce},
		{in: "every 6h", mode: RunRepeat, interval: 6 * time.Hour},
		{in: "every 5s", wantErr: true},
		{in: "every soon", wantErr: true},
		{in: "0 2 * * *", mode: RunRepeat},
		{in: "@daily", mode: RunRepeat},
		{in: "*/15 * * * 1-5", mode: RunRepeat},
		{in: "0 2 * *", wantErr: true},
		{in: "60 * * * *", wantErr: true},
		{in: "0 5-2 * * *", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s, err := ParseSchedule(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseSchedule(%q) = %+v, want error", tt.in, s)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if s.Mode != tt.mode || s.Interval != tt.interval {
				t.Errorf("ParseSchedule(%q) = %+v", tt.in, s)
			}
		})
	}
}

func TestCronNext(t *testing.T) {
	s, err := ParseSchedule("30 2 * * *")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	if got, want := s.Cron.Next(from), time.Date(2026, 6, 2, 2, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
	mondays, _ := ParseSchedule("0 2 * * 1")
	// 2026-06-01 is a Monday and 02:00 has passed
	if got, want := mondays.Cron.Next(from), time.Date(2026, 6, 8, 2, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
}

func TestCronDayFieldsMatchEither(t *testing.T) {
	// with both day fields restricted a day matching either one fires
	s, err := ParseSchedule("0 0 1 * 1")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)
	want := []time.Time{
		time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 6, 22, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 6, 29, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, w := range want {
		got := s.Cron.Next(from)
		if !got.Equal(w) {
			t.Fatalf("Next(%v) = %v, want %v", from, got, w)
		}
		from = got
	}
}

func TestRunCron(t *testing.T) {
	s, _ := ParseSchedule("30 2 * * *")
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan time.Time, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, clock, func(context.Context) error {
			calls <- clock.Now()
			return nil
		})
	}()

	<-calls
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(30 * time.Minute)
	select {
	case at := <-calls:
		if want := time.Date(2026, 6, 1, 2, 30, 0, 0, time.UTC); !at.Equal(want) {
			t.Errorf("sweep ran at %v, want %v", at, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cron tick did not run a sweep")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestRunOnce(t *testing.T) {
	s, _ := ParseSchedule("once")
	calls := 0
	err := s.Run(context.Background(), clockwork.NewFakeClock(), func(context.Context) error {
		calls++
		return errors.New("ignored")
	})
	if err != nil || calls != 1 {
		t.Errorf("Run() = %v after %d calls, want nil after 1", err, calls)
	}
}

func TestRunInterval(t *testing.T) {
	s, _ := ParseSchedule("every 1h")
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, clock, func(context.Context) error {
			calls <- struct{}{}
			return nil
		})
	}()

	<-calls
	for i := 0; i < 2; i++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Hour)
		select {
		case <-calls:
		case <-time.After(5 * time.Second):
			t.Fatalf("tick %d did not run a sweep", i+1)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}
