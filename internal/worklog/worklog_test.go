package worklog

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func testLedger(t *testing.T) (*Ledger, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return &Ledger{Store: store, Log: slog.New(slog.NewTextHandler(io.Discard, nil))}, store
}

func addEntry(t *testing.T, store *storage.MemoryStore, driverID string, start time.Time, minutes int, completed bool) {
	t.Helper()
	end := start.Add(time.Duration(minutes) * time.Minute)
	err := store.CreateWorkLog(context.Background(), &models.WorkLogEntry{
		ID: "wl-" + start.Format(time.RFC3339), DriverID: driverID,
		RideID: "ride-" + start.Format(time.RFC3339),
		StartedAt: start, EndedAt: &end, Completed: completed, CreatedAt: start,
	})
	if err != nil {
		t.Fatalf("CreateWorkLog: %v", err)
	}
}

func TestHasExceededLimit(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name     string
		minutes  int
		exceeded bool
	}{
		{"no work", 0, false},
		{"exactly the cap", 480, false},
		{"one over", 481, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger, store := testLedger(t)
			if tc.minutes > 0 {
				addEntry(t, store, "d1", now.Add(-10*time.Hour), tc.minutes, true)
			}
			got, err := ledger.HasExceededLimit(context.Background(), "d1", now)
			if err != nil {
				t.Fatalf("HasExceededLimit: %v", err)
			}
			if got != tc.exceeded {
				t.Fatalf("expected exceeded=%v for %d minutes", tc.exceeded, tc.minutes)
			}
		})
	}
}

func TestHasExceededLimitIgnoresOldAndUncompleted(t *testing.T) {
	now := time.Now()
	ledger, store := testLedger(t)

	addEntry(t, store, "d1", now.Add(-30*time.Hour), 600, true)  // outside the window
	addEntry(t, store, "d1", now.Add(-2*time.Hour), 600, false) // cancelled, uncounted

	got, err := ledger.HasExceededLimit(context.Background(), "d1", now)
	if err != nil {
		t.Fatalf("HasExceededLimit: %v", err)
	}
	if got {
		t.Fatal("old and uncompleted entries must not count toward the cap")
	}
}

func TestProvisionalEntryBlocksOutPlannedDuration(t *testing.T) {
	now := time.Now()
	e := ProvisionalEntry("r1", "d1", now, 45)

	if !e.Completed {
		t.Fatal("provisional entry must count toward the cap immediately")
	}
	if e.EndedAt == nil || !e.EndedAt.Equal(now.Add(45*time.Minute)) {
		t.Fatalf("expected end at +45m, got %v", e.EndedAt)
	}
	if e.RideID != "r1" || e.DriverID != "d1" {
		t.Fatalf("unexpected ids: %+v", e)
	}
}

func TestCompleteReconcilesActualTimes(t *testing.T) {
	ledger, store := testLedger(t)
	now := time.Now()
	ride := &models.Ride{ID: "r1", DriverID: "d1"}

	if err := store.CreateWorkLog(context.Background(), ProvisionalEntry("r1", "d1", now, 60)); err != nil {
		t.Fatalf("CreateWorkLog: %v", err)
	}
	started := now.Add(2 * time.Minute)
	if err := ledger.Start(context.Background(), ride, started); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ended := now.Add(40 * time.Minute)
	if err := ledger.Complete(context.Background(), ride, ended); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	e, err := store.WorkLogByRide(context.Background(), "r1")
	if err != nil {
		t.Fatalf("WorkLogByRide: %v", err)
	}
	if !e.StartedAt.Equal(started) || e.EndedAt == nil || !e.EndedAt.Equal(ended) || !e.Completed {
		t.Fatalf("entry not reconciled: %+v", e)
	}
}

func TestStartCreatesEntryForScheduledRide(t *testing.T) {
	ledger, store := testLedger(t)
	now := time.Now()
	ride := &models.Ride{ID: "r2", DriverID: "d1"}

	if err := ledger.Start(context.Background(), ride, now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e, err := store.WorkLogByRide(context.Background(), "r2")
	if err != nil {
		t.Fatalf("WorkLogByRide: %v", err)
	}
	if e.Completed {
		t.Fatal("a fresh entry must not count until completion")
	}
	if !e.StartedAt.Equal(now) {
		t.Fatalf("expected start %v, got %v", now, e.StartedAt)
	}
}

func TestCancelRemovesEntryFromTally(t *testing.T) {
	ledger, store := testLedger(t)
	now := time.Now()

	if err := store.CreateWorkLog(context.Background(), ProvisionalEntry("r1", "d1", now.Add(-time.Hour), 480)); err != nil {
		t.Fatalf("CreateWorkLog: %v", err)
	}
	if err := ledger.Cancel(context.Background(), "r1", now); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	e, err := store.WorkLogByRide(context.Background(), "r1")
	if err != nil {
		t.Fatalf("WorkLogByRide: %v", err)
	}
	if e.Completed {
		t.Fatal("cancelled entry must not count toward the cap")
	}

	exceeded, err := ledger.HasExceededLimit(context.Background(), "d1", now)
	if err != nil {
		t.Fatalf("HasExceededLimit: %v", err)
	}
	if exceeded {
		t.Fatal("cancelled work must free the cap")
	}
}

func TestCancelMissingEntryIsNoop(t *testing.T) {
	ledger, _ := testLedger(t)
	if err := ledger.Cancel(context.Background(), "never-started", time.Now()); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
