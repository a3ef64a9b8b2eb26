package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/faults"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/worklog"
)

const (
	passengerEmail = "ana@example.com"
	coRiderEmail   = "marko@example.com"
	driverEmail    = "d1@drivers.example"
	strangerEmail  = "nobody@example.com"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func ptr[T any](v T) *T { return &v }

func testService(t *testing.T) (*Service, *storage.MemoryStore, *captureNotifier) {
	t.Helper()
	store := storage.NewMemoryStore()
	log := quiet()
	capture := &captureNotifier{}

	ctx := context.Background()
	if err := store.SaveUser(ctx, &models.User{ID: "u1", Email: passengerEmail}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveDriver(ctx, &models.DriverProfile{ID: "d1", Email: driverEmail, VehicleType: "STANDARD"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveState(ctx, &models.DriverAvailability{DriverID: "d1", Online: true, Busy: true,
		CurrentRideEndsAt: ptr(time.Now().Add(20 * time.Minute)), UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	s := &Service{
		Rides:     store,
		Users:     store,
		Directory: &directory.Service{States: store, Users: store, Log: log},
		Ledger:    &worklog.Ledger{Store: store, Log: log},
		Notify:    &notify.Sender{Channels: []notify.Notifier{capture}, Log: log},
		Log:       log,
	}
	return s, store, capture
}

type captureNotifier struct {
	notes []notify.Notification
}

func (c *captureNotifier) Notify(ctx context.Context, n notify.Notification) error {
	c.notes = append(c.notes, n)
	return nil
}

func seedRide(t *testing.T, store *storage.MemoryStore, status models.RideStatus) *models.Ride {
	t.Helper()
	route := routing.Fallback([]models.LocationPoint{
		{Address: "Bulevar oslobodjenja 1", Lat: 45.25, Lon: 19.84},
		{Address: "Zeleznicka 5", Lat: 45.24, Lon: 19.83},
	})
	ride := &models.Ride{
		ID:               "r1",
		CreatorEmail:     passengerEmail,
		DriverID:         "d1",
		DriverEmail:      driverEmail,
		Status:           status,
		VehicleType:      "STANDARD",
		Price:            pricing.OrderPrice("STANDARD", route.DistanceKm),
		DistanceKm:       pricing.RoundKm(route.DistanceKm),
		DurationMinutes:  route.DurationMinutes,
		RouteCoordinates: routing.SerializeRoute(route.Points),
		Stops: []models.RideStop{
			{SequenceIndex: 0, Address: "Bulevar oslobodjenja 1", Lat: 45.25, Lon: 19.84},
			{SequenceIndex: 1, Address: "Zeleznicka 5", Lat: 45.24, Lon: 19.83},
		},
		PassengerEmails: []string{passengerEmail, coRiderEmail},
		CreatedAt:       time.Now(),
	}
	if err := store.CreateRide(context.Background(), ride); err != nil {
		t.Fatal(err)
	}
	return ride
}

func TestStartRide(t *testing.T) {
	s, store, _ := testService(t)
	seedRide(t, store, models.StatusAccepted)
	now := time.Now()

	ride, err := s.Start(context.Background(), driverEmail, "r1", now)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ride.Status != models.StatusInProgress || ride.StartedAt == nil || !ride.StartedAt.Equal(now) {
		t.Fatalf("unexpected ride after start: %+v", ride)
	}

	entry, err := store.WorkLogByRide(context.Background(), "r1")
	if err != nil {
		t.Fatalf("WorkLogByRide: %v", err)
	}
	if !entry.StartedAt.Equal(now) {
		t.Fatalf("work log start %v, want %v", entry.StartedAt, now)
	}
}

func TestStartRequiresAssignedDriver(t *testing.T) {
	s, store, _ := testService(t)
	seedRide(t, store, models.StatusAccepted)

	_, err := s.Start(context.Background(), strangerEmail, "r1", time.Now())
	if !faults.IsCode(err, faults.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestStartFromInvalidStatus(t *testing.T) {
	for _, status := range []models.RideStatus{models.StatusInProgress, models.StatusCompleted, models.StatusCancelled} {
		s, store, _ := testService(t)
		seedRide(t, store, status)
		_, err := s.Start(context.Background(), driverEmail, "r1", time.Now())
		if !faults.IsCode(err, faults.CodeInvalidRideState) {
			t.Fatalf("status %s: expected INVALID_RIDE_STATE, got %v", status, err)
		}
	}
}

func TestRequestStop(t *testing.T) {
	s, store, _ := testService(t)
	seedRide(t, store, models.StatusInProgress)

	ride, err := s.RequestStop(context.Background(), coRiderEmail, "r1")
	if err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	if ride.Status != models.StatusStopRequested {
		t.Fatalf("status = %s, want STOP_REQUESTED", ride.Status)
	}
}

func TestRequestStopByDriver(t *testing.T) {
	s, store, _ := testService(t)
	seedRide(t, store, models.StatusInProgress)

	if _, err := s.RequestStop(context.Background(), driverEmail, "r1"); err != nil {
		t.Fatalf("the driver must be able to request a stop: %v", err)
	}
}

func TestRequestStopRejectsOutsiders(t *testing.T) {
	s, store, _ := testService(t)
	seedRide(t, store, models.StatusInProgress)

	_, err := s.RequestStop(context.Background(), strangerEmail, "r1")
	if !faults.IsCode(err, faults.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestRequestStopOnlyInProgress(t *testing.T) {
	s, store, _ := testService(t)
	seedRide(t, store, models.StatusAccepted)

	_, err := s.RequestStop(context.Background(), passengerEmail, "r1")
	if !faults.IsCode(err, faults.CodeInvalidRideState) {
		t.Fatalf("expected INVALID_RIDE_STATE, got %v", err)
	}
}

func TestCompleteRide(t *testing.T) {
	s, store, capture := testService(t)
	seedRide(t, store, models.StatusInProgress)
	ctx := context.Background()
	start := time.Now().Add(-30 * time.Minute)
	if err := store.CreateWorkLog(ctx, worklog.ProvisionalEntry("r1", "d1", start, 10)); err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	ride, err := s.Complete(ctx, driverEmail, "r1", now)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ride.Status != models.StatusCompleted || ride.CompletedAt == nil {
		t.Fatalf("unexpected ride after completion: %+v", ride)
	}

	st, _ := store.GetState(ctx, "d1")
	if st.Busy || st.CurrentRideEndsAt != nil {
		t.Fatalf("driver must be released: %+v", st)
	}

	entry, _ := store.WorkLogByRide(ctx, "r1")
	if entry.EndedAt == nil || !entry.EndedAt.Equal(now) || !entry.Completed {
		t.Fatalf("work log must close at the actual end time: %+v", entry)
	}

	completed := 0
	for _, n := range capture.notes {
		if n.Kind == notify.KindRideCompleted {
			completed++
		}
	}
	if completed != 2 {
		t.Fatalf("expected completion notifications for both passengers, got %d", completed)
	}
}

func TestStopEarlyReprices(t *testing.T) {
	s, store, _ := testService(t)
	full := seedRide(t, store, models.StatusStopRequested)
	ctx := context.Background()

	// Stop right at the pickup: almost no distance travelled.
	at := models.LocationPoint{Address: "Bulevar oslobodjenja 1", Lat: 45.25, Lon: 19.84}
	ride, err := s.StopEarly(ctx, driverEmail, "r1", at, time.Now())
	if err != nil {
		t.Fatalf("StopEarly: %v", err)
	}
	if ride.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", ride.Status)
	}
	if ride.DistanceKm >= full.DistanceKm {
		t.Fatalf("early stop must shorten the ride: %v >= %v", ride.DistanceKm, full.DistanceKm)
	}
	if !ride.Price.Equal(pricing.OrderPrice("STANDARD", 0)) {
		t.Fatalf("price = %s, want base fare %s", ride.Price, pricing.OrderPrice("STANDARD", 0))
	}
}

func TestStopEarlyRequiresStopRequest(t *testing.T) {
	s, store, _ := testService(t)
	seedRide(t, store, models.StatusInProgress)

	_, err := s.StopEarly(context.Background(), driverEmail, "r1",
		models.LocationPoint{Lat: 45.25, Lon: 19.84}, time.Now())
	if !faults.IsCode(err, faults.CodeInvalidRideState) {
		t.Fatalf("expected INVALID_RIDE_STATE, got %v", err)
	}
}

func TestCancelByPassengerAccepted(t *testing.T) {
	s, store, _ := testService(t)
	seedRide(t, store, models.StatusAccepted)
	ctx := context.Background()

	ride, err := s.Cancel(ctx, passengerEmail, "r1", "", time.Now())
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ride.Status != models.StatusCancelled || ride.CancelledBy != models.CancelledByPassenger {
		t.Fatalf("unexpected ride after cancel: %+v", ride)
	}

	st, _ := store.GetState(ctx, "d1")
	if st.Busy || st.NextScheduledRideAt != nil {
		t.Fatalf("cancellation must fully release the driver: %+v", st)
	}
}

func TestCancelScheduledWindow(t *testing.T) {
	now := time.Now()

	run := func(lead time.Duration, actor, reason string) error {
		s, store, _ := testService(t)
		ride := seedRide(t, store, models.StatusScheduled)
		ride.ScheduledAt = ptr(now.Add(lead))
		if err := store.UpdateRide(context.Background(), ride); err != nil {
			t.Fatal(err)
		}
		_, err := s.Cancel(context.Background(), actor, "r1", reason, now)
		return err
	}

	if err := run(10*time.Minute, passengerEmail, ""); err != nil {
		t.Fatalf("cancel at exactly 10 minutes before start must succeed: %v", err)
	}
	err := run(9*time.Minute+59*time.Second, passengerEmail, "")
	if !faults.IsCode(err, faults.CodeInvalidScheduleWindow) {
		t.Fatalf("expected INVALID_SCHEDULE_WINDOW, got %v", err)
	}
	// The driver is not bound by the lead-time rule but must give a reason.
	if err := run(time.Minute, driverEmail, "vehicle breakdown"); err != nil {
		t.Fatalf("driver cancel inside the window must succeed: %v", err)
	}
	err = run(time.Minute, driverEmail, "  ")
	if !faults.IsCode(err, faults.CodeValidation) {
		t.Fatalf("driver cancel without a reason: expected VALIDATION_ERROR, got %v", err)
	}
}

func TestCancelInProgressNeverAllowed(t *testing.T) {
	for _, status := range []models.RideStatus{models.StatusInProgress, models.StatusStopRequested} {
		for _, actor := range []string{passengerEmail, driverEmail} {
			s, store, _ := testService(t)
			seedRide(t, store, status)
			_, err := s.Cancel(context.Background(), actor, "r1", "reason", time.Now())
			if !faults.IsCode(err, faults.CodeInvalidRideState) {
				t.Fatalf("status %s actor %s: expected INVALID_RIDE_STATE, got %v", status, actor, err)
			}
		}
	}
}

func TestCancelReleasesWorkLog(t *testing.T) {
	s, store, _ := testService(t)
	seedRide(t, store, models.StatusAccepted)
	ctx := context.Background()
	if err := store.CreateWorkLog(ctx, worklog.ProvisionalEntry("r1", "d1", time.Now(), 480)); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Cancel(ctx, passengerEmail, "r1", "", time.Now()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	entry, _ := store.WorkLogByRide(ctx, "r1")
	if entry.Completed {
		t.Fatal("cancelled ride must not count toward the work cap")
	}
}

func TestCancelNotifiesOtherParticipants(t *testing.T) {
	s, store, capture := testService(t)
	seedRide(t, store, models.StatusAccepted)

	if _, err := s.Cancel(context.Background(), passengerEmail, "r1", "", time.Now()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	recipients := map[string]bool{}
	for _, n := range capture.notes {
		if n.Kind == notify.KindRideCancelled {
			recipients[n.Recipient] = true
		}
	}
	if !recipients[driverEmail] || !recipients[coRiderEmail] || recipients[passengerEmail] {
		t.Fatalf("unexpected cancellation recipients: %v", recipients)
	}
}

func TestPanicFlag(t *testing.T) {
	s, store, _ := testService(t)
	seedRide(t, store, models.StatusInProgress)

	ride, err := s.Panic(context.Background(), coRiderEmail, "r1")
	if err != nil {
		t.Fatalf("Panic: %v", err)
	}
	if !ride.Panic {
		t.Fatal("panic flag not set")
	}

	if _, err := s.Panic(context.Background(), strangerEmail, "r1"); !faults.IsCode(err, faults.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestActiveRideLookups(t *testing.T) {
	s, store, _ := testService(t)
	seedRide(t, store, models.StatusInProgress)
	ctx := context.Background()

	ride, err := s.ActiveRideForDriver(ctx, driverEmail)
	if err != nil || ride.ID != "r1" {
		t.Fatalf("ActiveRideForDriver: ride=%v err=%v", ride, err)
	}
	ride, err = s.ActiveRideForPassenger(ctx, coRiderEmail)
	if err != nil || ride.ID != "r1" {
		t.Fatalf("ActiveRideForPassenger: ride=%v err=%v", ride, err)
	}
	if _, err := s.ActiveRideForPassenger(ctx, strangerEmail); !faults.IsCode(err, faults.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestCompletedRideIsNotActive(t *testing.T) {
	s, store, _ := testService(t)
	ride := seedRide(t, store, models.StatusCompleted)
	ride.Price = decimal.NewFromInt(500)
	if err := store.UpdateRide(context.Background(), ride); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ActiveRideForDriver(context.Background(), driverEmail); !faults.IsCode(err, faults.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestDriverRideHistory(t *testing.T) {
	s, store, _ := testService(t)
	seedRide(t, store, models.StatusCompleted)

	rides, err := s.DriverRideHistory(context.Background(), driverEmail,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil || len(rides) != 1 {
		t.Fatalf("DriverRideHistory: rides=%d err=%v", len(rides), err)
	}
	if _, err := s.DriverRideHistory(context.Background(), strangerEmail,
		time.Now().Add(-time.Hour), time.Now()); !faults.IsCode(err, faults.CodeNotFound) {
		t.Fatalf("unknown driver: expected NOT_FOUND, got %v", err)
	}
}
