package directory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ride-dispatch/internal/faults"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

func ptr[T any](v T) *T { return &v }

const driverEmail = "d1@drivers.example"

func testDirectory(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.SaveDriver(context.Background(), &models.DriverProfile{
		ID: "d1", Email: driverEmail, VehicleType: "STANDARD", LicensePlate: "NS-123-AB",
	}); err != nil {
		t.Fatal(err)
	}
	return &Service{
		States: store,
		Users:  store,
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, store
}

func TestSetOnlineCreatesRecordLazily(t *testing.T) {
	s, store := testDirectory(t)
	ctx := context.Background()

	rec, err := s.SetOnline(ctx, driverEmail, true)
	if err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	if !rec.Online || rec.DriverID != "d1" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	st, err := store.GetState(ctx, "d1")
	if err != nil || !st.Online {
		t.Fatalf("record not persisted: %+v err=%v", st, err)
	}

	if rec, err = s.SetOnline(ctx, driverEmail, false); err != nil || rec.Online {
		t.Fatalf("going offline failed: %+v err=%v", rec, err)
	}
}

func TestSetOnlineTracksOnlineGauge(t *testing.T) {
	s, _ := testDirectory(t)
	ctx := context.Background()

	if _, err := s.SetOnline(ctx, driverEmail, true); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(observability.DriversOnline); got != 1 {
		t.Fatalf("gauge after going online = %v, want 1", got)
	}
	if _, err := s.SetOnline(ctx, driverEmail, false); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(observability.DriversOnline); got != 0 {
		t.Fatalf("gauge after going offline = %v, want 0", got)
	}
}

func TestSetOnlineUnknownDriver(t *testing.T) {
	s, _ := testDirectory(t)
	_, err := s.SetOnline(context.Background(), "ghost@drivers.example", true)
	if !faults.IsCode(err, faults.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestUpdateLocation(t *testing.T) {
	s, store := testDirectory(t)
	ctx := context.Background()

	rec, err := s.UpdateLocation(ctx, driverEmail, 45.25, 19.84)
	if err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	if rec.Lat == nil || *rec.Lat != 45.25 || rec.Lon == nil || *rec.Lon != 19.84 {
		t.Fatalf("position not recorded: %+v", rec)
	}
	// A location update alone does not flip the driver online.
	st, _ := store.GetState(ctx, "d1")
	if st.Online {
		t.Fatal("location update must not change the online flag")
	}
}

func TestMarkBusyAndRelease(t *testing.T) {
	s, store := testDirectory(t)
	ctx := context.Background()
	now := time.Now()
	if _, err := s.SetOnline(ctx, driverEmail, true); err != nil {
		t.Fatal(err)
	}

	if err := store.UpdateState(ctx, "d1", func(rec *models.DriverAvailability) error {
		MarkBusy(rec, 30, 45.24, 19.83, now)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	st, _ := store.GetState(ctx, "d1")
	if !st.Busy || st.CurrentRideEndsAt == nil || !st.CurrentRideEndsAt.Equal(now.Add(30*time.Minute)) {
		t.Fatalf("busy window wrong: %+v", st)
	}
	if st.CurrentRideEndLat == nil || *st.CurrentRideEndLat != 45.24 {
		t.Fatalf("end position wrong: %+v", st)
	}

	if err := s.Release(ctx, "d1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	st, _ = store.GetState(ctx, "d1")
	if st.Busy || st.CurrentRideEndsAt != nil || st.CurrentRideEndLat != nil {
		t.Fatalf("release must clear the busy assignment: %+v", st)
	}
	if !st.Online {
		t.Fatal("release must not take the driver offline")
	}
}

func TestReleaseAndClearSchedule(t *testing.T) {
	s, store := testDirectory(t)
	ctx := context.Background()
	if _, err := s.SetOnline(ctx, driverEmail, true); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateState(ctx, "d1", func(rec *models.DriverAvailability) error {
		SetNextScheduled(rec, time.Now().Add(time.Hour))
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.ReleaseAndClearSchedule(ctx, "d1"); err != nil {
		t.Fatalf("ReleaseAndClearSchedule: %v", err)
	}
	st, _ := store.GetState(ctx, "d1")
	if st.NextScheduledRideAt != nil {
		t.Fatalf("schedule slot must be cleared: %+v", st)
	}
}

func TestReleaseUnknownDriverIsNoop(t *testing.T) {
	s, _ := testDirectory(t)
	if err := s.Release(context.Background(), "ghost"); err != nil {
		t.Fatalf("release of unknown driver must be a no-op, got %v", err)
	}
	if err := s.Release(context.Background(), ""); err != nil {
		t.Fatalf("release with empty id must be a no-op, got %v", err)
	}
}

func TestNearbyDriversScansDirectoryWithoutGeoIndex(t *testing.T) {
	s, store := testDirectory(t)
	ctx := context.Background()

	// d1 ~1.1km away, d2 ~0.4km away, d3 well outside the radius, d4 online
	// but has never reported a position.
	fixtures := []struct {
		id       string
		lat, lon *float64
	}{
		{"d1", ptr(45.26), ptr(19.84)},
		{"d2", ptr(45.2535), ptr(19.84)},
		{"d3", ptr(46.10), ptr(19.66)},
		{"d4", nil, nil},
	}
	for _, f := range fixtures {
		if f.id != "d1" {
			if err := store.SaveDriver(ctx, &models.DriverProfile{
				ID: f.id, Email: f.id + "@drivers.example", VehicleType: "VAN",
			}); err != nil {
				t.Fatal(err)
			}
		}
		if err := store.SaveState(ctx, &models.DriverAvailability{
			DriverID: f.id, Online: true, Lat: f.lat, Lon: f.lon, UpdatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.NearbyDrivers(ctx, 45.25, 19.84, 5, 10)
	if err != nil {
		t.Fatalf("NearbyDrivers: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 drivers in radius, got %d: %+v", len(got), got)
	}
	if got[0].Email != "d2@drivers.example" || got[1].Email != driverEmail {
		t.Fatalf("not sorted closest first: %+v", got)
	}
	if got[0].DistanceKm <= 0 || got[0].DistanceKm >= got[1].DistanceKm {
		t.Fatalf("distances implausible: %+v", got)
	}

	limited, err := s.NearbyDrivers(ctx, 45.25, 19.84, 5, 1)
	if err != nil || len(limited) != 1 || limited[0].Email != "d2@drivers.example" {
		t.Fatalf("limit must keep the closest driver: %+v err=%v", limited, err)
	}
}

func TestOnlineDriversPaging(t *testing.T) {
	s, store := testDirectory(t)
	ctx := context.Background()

	for _, id := range []string{"d1", "d2", "d3"} {
		if id != "d1" {
			if err := store.SaveDriver(ctx, &models.DriverProfile{
				ID: id, Email: id + "@drivers.example", VehicleType: "VAN",
			}); err != nil {
				t.Fatal(err)
			}
		}
		if err := store.SaveState(ctx, &models.DriverAvailability{DriverID: id, Online: true, UpdatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	page0, err := s.OnlineDrivers(ctx, 0, 2)
	if err != nil || len(page0) != 2 {
		t.Fatalf("page 0: %d drivers, err=%v", len(page0), err)
	}
	page1, err := s.OnlineDrivers(ctx, 1, 2)
	if err != nil || len(page1) != 1 {
		t.Fatalf("page 1: %d drivers, err=%v", len(page1), err)
	}
	empty, err := s.OnlineDrivers(ctx, 5, 2)
	if err != nil || len(empty) != 0 {
		t.Fatalf("page past the end must be empty, got %d err=%v", len(empty), err)
	}
}
