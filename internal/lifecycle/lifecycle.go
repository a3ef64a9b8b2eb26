// Package lifecycle drives ride state transitions after assignment: start,
// stop requests, early termination, completion and cancellation, keeping the
// driver directory and the work ledger consistent with each move.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/faults"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/worklog"
)

// MinCancelLead is how long before the scheduled start a passenger may still
// cancel a scheduled ride. Exactly the lead is allowed.
const MinCancelLead = 10 * time.Minute

type Service struct {
	Rides     storage.RideStore
	Users     storage.UserStore
	Directory *directory.Service
	Ledger    *worklog.Ledger
	Notify    *notify.Sender
	Fares     payments.FareHolder // optional
	Log       *slog.Logger
}

// Start moves an assigned ride to IN_PROGRESS. Only the assigned driver may
// start, and only from ACCEPTED or SCHEDULED.
func (s *Service) Start(ctx context.Context, driverEmail, rideID string, now time.Time) (*models.Ride, error) {
	ride, err := s.rideForDriver(ctx, driverEmail, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusAccepted && ride.Status != models.StatusScheduled {
		return nil, faults.Newf(faults.CodeInvalidRideState, "ride cannot be started from status %s", ride.Status)
	}

	ride.Status = models.StatusInProgress
	ride.StartedAt = &now
	if err := s.Rides.UpdateRide(ctx, ride); err != nil {
		return nil, err
	}
	if err := s.Ledger.Start(ctx, ride, now); err != nil {
		s.Log.Error("work log start failed", "ride_id", ride.ID, "error", err)
	}
	observability.RideTransitionsTotal.WithLabelValues(string(models.StatusInProgress)).Inc()
	s.Log.Info("ride started", "ride_id", ride.ID, "driver_id", ride.DriverID)
	return ride, nil
}

// RequestStop flags an in-progress ride for early termination. Either the
// driver or any passenger may request it; the driver then finishes the ride
// via StopEarly at the actual drop point.
func (s *Service) RequestStop(ctx context.Context, actorEmail, rideID string) (*models.Ride, error) {
	ride, err := s.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !isParticipant(ride, actorEmail) {
		return nil, faults.New(faults.CodeUnauthorized, "you are not part of this ride")
	}
	if ride.Status != models.StatusInProgress {
		return nil, faults.Newf(faults.CodeInvalidRideState, "stop can only be requested while the ride is in progress (status %s)", ride.Status)
	}

	ride.Status = models.StatusStopRequested
	if err := s.Rides.UpdateRide(ctx, ride); err != nil {
		return nil, err
	}
	observability.RideTransitionsTotal.WithLabelValues(string(models.StatusStopRequested)).Inc()
	s.Log.Info("ride stop requested", "ride_id", ride.ID, "by", actorEmail)
	return ride, nil
}

// StopEarly completes a STOP_REQUESTED ride at the given point. Distance is
// measured along the stored route polyline up to the point, falling back to
// straight-line pickup distance, and the fare is repriced accordingly.
func (s *Service) StopEarly(ctx context.Context, driverEmail, rideID string, at models.LocationPoint, now time.Time) (*models.Ride, error) {
	ride, err := s.rideForDriver(ctx, driverEmail, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusStopRequested {
		return nil, faults.Newf(faults.CodeInvalidRideState, "ride has no pending stop request (status %s)", ride.Status)
	}

	dist := routing.DistanceAlongRoute(ride.RouteCoordinates, at)
	if dist == 0 {
		if pickup, ok := ride.Pickup(); ok {
			dist = geo.HaversineKm(pickup.Lat, pickup.Lon, at.Lat, at.Lon)
		}
	}
	ride.DistanceKm = pricing.RoundKm(dist)
	ride.Price = pricing.OrderPrice(ride.VehicleType, dist)

	return s.finish(ctx, ride, now)
}

// Complete finishes an IN_PROGRESS or STOP_REQUESTED ride at full fare.
func (s *Service) Complete(ctx context.Context, driverEmail, rideID string, now time.Time) (*models.Ride, error) {
	ride, err := s.rideForDriver(ctx, driverEmail, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusInProgress && ride.Status != models.StatusStopRequested {
		return nil, faults.Newf(faults.CodeInvalidRideState, "ride cannot be completed from status %s", ride.Status)
	}
	return s.finish(ctx, ride, now)
}

func (s *Service) finish(ctx context.Context, ride *models.Ride, now time.Time) (*models.Ride, error) {
	ride.Status = models.StatusCompleted
	ride.CompletedAt = &now
	if err := s.Rides.UpdateRide(ctx, ride); err != nil {
		return nil, err
	}

	if err := s.Ledger.Complete(ctx, ride, now); err != nil {
		s.Log.Error("work log completion failed", "ride_id", ride.ID, "error", err)
	}
	if err := s.Directory.Release(ctx, ride.DriverID); err != nil {
		s.Log.Error("driver release failed", "ride_id", ride.ID, "driver_id", ride.DriverID, "error", err)
	}
	if s.Fares != nil && ride.PaymentHoldID != "" {
		if err := s.Fares.Capture(ctx, ride.PaymentHoldID); err != nil {
			s.Log.Warn("fare capture failed", "ride_id", ride.ID, "hold_id", ride.PaymentHoldID, "error", err)
		}
	}
	for _, p := range ride.PassengerEmails {
		s.Notify.RideCompleted(ctx, p, ride.ID)
	}
	observability.RideTransitionsTotal.WithLabelValues(string(models.StatusCompleted)).Inc()
	s.Log.Info("ride completed", "ride_id", ride.ID, "driver_id", ride.DriverID, "price", ride.Price)
	return ride, nil
}

// Cancel cancels a ride not yet in progress. Drivers must give a reason and
// may cancel ACCEPTED or SCHEDULED rides at any time; passengers may cancel
// ACCEPTED rides freely but SCHEDULED ones only up to 10 minutes before the
// scheduled start. In-progress rides (stop requests included) are never
// cancellable, only stoppable.
func (s *Service) Cancel(ctx context.Context, actorEmail, rideID, reason string, now time.Time) (*models.Ride, error) {
	ride, err := s.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}

	byDriver := ride.DriverEmail != "" && strings.EqualFold(ride.DriverEmail, actorEmail)
	if !byDriver && !ride.HasPassenger(actorEmail) {
		return nil, faults.New(faults.CodeUnauthorized, "you are not part of this ride")
	}

	switch ride.Status {
	case models.StatusAccepted:
		// always cancellable
	case models.StatusScheduled:
		if !byDriver {
			if ride.ScheduledAt != nil && now.After(ride.ScheduledAt.Add(-MinCancelLead)) {
				return nil, faults.New(faults.CodeInvalidScheduleWindow,
					"scheduled rides can be cancelled up to 10 minutes before the start")
			}
		}
	default:
		return nil, faults.Newf(faults.CodeInvalidRideState, "ride cannot be cancelled from status %s", ride.Status)
	}

	if byDriver && strings.TrimSpace(reason) == "" {
		return nil, faults.New(faults.CodeValidation, "cancellation reason is required")
	}

	ride.Status = models.StatusCancelled
	ride.CancelledAt = &now
	ride.CancellationReason = strings.TrimSpace(reason)
	if byDriver {
		ride.CancelledBy = models.CancelledByDriver
	} else {
		ride.CancelledBy = models.CancelledByPassenger
	}
	if err := s.Rides.UpdateRide(ctx, ride); err != nil {
		return nil, err
	}

	if err := s.Directory.ReleaseAndClearSchedule(ctx, ride.DriverID); err != nil {
		s.Log.Error("driver release failed", "ride_id", ride.ID, "driver_id", ride.DriverID, "error", err)
	}
	if err := s.Ledger.Cancel(ctx, ride.ID, now); err != nil {
		s.Log.Error("work log cancel failed", "ride_id", ride.ID, "error", err)
	}
	if s.Fares != nil && ride.PaymentHoldID != "" {
		if err := s.Fares.Release(ctx, ride.PaymentHoldID); err != nil {
			s.Log.Warn("fare release failed", "ride_id", ride.ID, "hold_id", ride.PaymentHoldID, "error", err)
		}
	}
	s.notifyCancelled(ctx, ride, actorEmail)
	observability.RideTransitionsTotal.WithLabelValues(string(models.StatusCancelled)).Inc()
	s.Log.Info("ride cancelled", "ride_id", ride.ID, "by", ride.CancelledBy, "reason", ride.CancellationReason)
	return ride, nil
}

// Panic flags a ride so dispatchers can intervene. Any participant may raise
// it at any point before the ride is terminal.
func (s *Service) Panic(ctx context.Context, actorEmail, rideID string) (*models.Ride, error) {
	ride, err := s.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !isParticipant(ride, actorEmail) {
		return nil, faults.New(faults.CodeUnauthorized, "you are not part of this ride")
	}
	if ride.Status.Terminal() {
		return nil, faults.Newf(faults.CodeInvalidRideState, "ride is already %s", ride.Status)
	}
	ride.Panic = true
	if err := s.Rides.UpdateRide(ctx, ride); err != nil {
		return nil, err
	}
	s.Log.Error("panic raised on ride", "ride_id", ride.ID, "by", actorEmail, "status", ride.Status)
	return ride, nil
}

// ActiveRideForDriver returns the driver's current non-terminal ride.
func (s *Service) ActiveRideForDriver(ctx context.Context, driverEmail string) (*models.Ride, error) {
	drv, err := s.Users.DriverByEmail(ctx, driverEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, faults.New(faults.CodeNotFound, "driver not found")
		}
		return nil, err
	}
	rides, err := s.Rides.RidesForDriver(ctx, drv.ID, models.ActiveStatuses())
	if err != nil {
		return nil, err
	}
	if len(rides) == 0 {
		return nil, faults.New(faults.CodeNotFound, "no active ride")
	}
	return rides[0], nil
}

// ActiveRideForPassenger returns the passenger's current non-terminal ride.
func (s *Service) ActiveRideForPassenger(ctx context.Context, email string) (*models.Ride, error) {
	rides, err := s.Rides.RidesForPassenger(ctx, email, models.ActiveStatuses())
	if err != nil {
		return nil, err
	}
	if len(rides) == 0 {
		return nil, faults.New(faults.CodeNotFound, "no active ride")
	}
	return rides[0], nil
}

// DriverRideHistory lists a driver's rides in [from, to].
func (s *Service) DriverRideHistory(ctx context.Context, driverEmail string, from, to time.Time) ([]*models.Ride, error) {
	drv, err := s.Users.DriverByEmail(ctx, driverEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, faults.New(faults.CodeNotFound, "driver not found")
		}
		return nil, err
	}
	return s.Rides.DriverRideHistory(ctx, drv.ID, from, to)
}

func (s *Service) getRide(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.Rides.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, faults.New(faults.CodeNotFound, "ride not found")
	}
	return ride, err
}

func (s *Service) rideForDriver(ctx context.Context, driverEmail, rideID string) (*models.Ride, error) {
	ride, err := s.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverEmail == "" || !strings.EqualFold(ride.DriverEmail, driverEmail) {
		return nil, faults.New(faults.CodeUnauthorized, "ride is assigned to another driver")
	}
	return ride, nil
}

func isParticipant(ride *models.Ride, email string) bool {
	if ride.DriverEmail != "" && strings.EqualFold(ride.DriverEmail, email) {
		return true
	}
	return ride.HasPassenger(email)
}

func (s *Service) notifyCancelled(ctx context.Context, ride *models.Ride, actorEmail string) {
	reason := ride.CancellationReason
	if reason == "" {
		reason = "cancelled by passenger"
	}
	if ride.DriverEmail != "" && !strings.EqualFold(ride.DriverEmail, actorEmail) {
		s.Notify.RideCancelled(ctx, ride.DriverEmail, ride.ID, reason)
	}
	for _, p := range ride.PassengerEmails {
		if strings.EqualFold(p, actorEmail) {
			continue
		}
		s.Notify.RideCancelled(ctx, p, ride.ID, reason)
	}
}
