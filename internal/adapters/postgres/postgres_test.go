package postgres

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"tracker/internal/domain"
	"tracker/internal/ports"
)

// openTestDB connects to TEST_DATABASE_URL and applies migrations. Tests
// using it are skipped when the variable is unset.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestRecordOutcomeCompletesOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	scanID := uuid.NewString()

	err := db.CreatePending(ctx, domain.PendingEvent{
		ScanID:    scanID,
		Domain:    "example.ca",
		Protocols: domain.AllProtocols,
		IssuedAt:  now,
		Deadline:  now.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu       sync.Mutex
		complete int
		wg       sync.WaitGroup
	)
	for _, p := range domain.AllProtocols {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := db.RecordOutcome(ctx, scanID, p, domain.ProtocolResult{Status: domain.StatusOK, Payload: json.RawMessage(`{}`), ReceivedAt: now})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if rec.Complete {
				complete++
			}
		}()
	}
	wg.Wait()
	if complete != 1 {
		t.Fatalf("%d callers saw completion, want exactly 1", complete)
	}

	rec, err := db.RecordOutcome(ctx, scanID, domain.ProtocolDNS, domain.ProtocolResult{Status: domain.StatusOK, ReceivedAt: now})
	if err != nil || rec.Accepted {
		t.Errorf("duplicate RecordOutcome = %+v, %v", rec, err)
	}
	if err := db.Finalize(ctx, scanID, map[string][]string{"spf": {"spf2"}}, now); err != nil {
		t.Fatal(err)
	}
	ev, err := db.GetEvent(ctx, scanID)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != domain.EventComplete || len(ev.Results) != 3 || ev.Tags["spf"][0] != "spf2" {
		t.Errorf("event = %+v", ev)
	}
}

func TestReplaceMxSnapshot(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	name := uuid.NewString() + ".example.ca"

	prev, err := db.ReplaceMxSnapshot(ctx, domain.MxSnapshot{Domain: name, Hosts: []domain.MxHost{{Host: "mx1.example.ca"}}, ObservedAt: time.Now()})
	if err != nil || prev != nil {
		t.Fatalf("first snapshot: prev=%v err=%v", prev, err)
	}
	prev, err = db.ReplaceMxSnapshot(ctx, domain.MxSnapshot{Domain: name, Hosts: []domain.MxHost{{Host: "mx2.example.ca", Preference: 5}}, ObservedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if prev == nil || len(prev.Hosts) != 1 || prev.Hosts[0].Host != "mx1.example.ca" {
		t.Errorf("prev = %+v", prev)
	}
}

func TestClaimNextSkipsClaimedJobs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	// a protocol name no other test uses keeps this queue isolated
	queue := domain.Protocol("test-" + uuid.NewString()[:8])

	id := uuid.NewString()
	if err := db.Insert(ctx, ports.QueuedJob{ID: id, Job: domain.ScanJob{ScanID: "s", Domain: "example.ca", Protocol: queue}, QueuedAt: now}); err != nil {
		t.Fatal(err)
	}
	job, found, err := db.ClaimNext(ctx, queue, now, time.Minute)
	if err != nil || !found || job.ID != id || job.Attempts != 1 {
		t.Fatalf("ClaimNext = %+v, %v, %v", job, found, err)
	}
	if _, found, _ := db.ClaimNext(ctx, queue, now.Add(30*time.Second), time.Minute); found {
		t.Error("job claimed twice within its lease")
	}
	job, found, err = db.ClaimNext(ctx, queue, now.Add(2*time.Minute), time.Minute)
	if err != nil || !found || job.Attempts != 2 {
		t.Errorf("reclaim = %+v, %v, %v", job, found, err)
	}

	if err := db.MarkCompleted(ctx, id, json.RawMessage(`{"ok":true}`), now); err != nil {
		t.Fatal(err)
	}
	pending, err := db.Undelivered(ctx, queue)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Undelivered = %v, %v", pending, err)
	}
	if err := db.MarkDelivered(ctx, id); err != nil {
		t.Fatal(err)
	}
	if pending, _ := db.Undelivered(ctx, queue); len(pending) != 0 {
		t.Errorf("delivered job still listed: %v", pending)
	}
}
