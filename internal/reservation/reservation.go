// Package reservation orchestrates ride ordering: validation, routing,
// pricing, driver selection and the exclusively-locked assignment commit.
package reservation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/faults"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/worklog"
)

// MaxScheduleAhead bounds how far in advance a ride can be scheduled.
const MaxScheduleAhead = 5 * time.Hour

type Coordinator struct {
	Users    storage.UserStore
	Rides    storage.RideStore
	Reserver storage.Reserver
	Matcher  *matcher.Engine
	Planner  *routing.Planner
	Notify   *notify.Sender
	Fares    payments.FareHolder // optional
	Log      *slog.Logger
}

// Estimate is the response of the estimate-ride operation.
type Estimate struct {
	Price           decimal.Decimal        `json:"estimated_price"`
	DistanceKm      float64                `json:"distance_km"`
	DurationMinutes int                    `json:"estimated_duration_minutes"`
	VehicleType     string                 `json:"vehicle_type,omitempty"`
	RoutePoints     []models.LocationPoint `json:"route_points"`
}

// OrderResult is the response of a successful order-ride operation.
type OrderResult struct {
	RideID      string          `json:"ride_id"`
	Status      models.RideStatus `json:"status"`
	Price       decimal.Decimal `json:"estimated_price"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	DriverEmail string          `json:"assigned_driver_email"`
	Message     string          `json:"message"`
}

// EstimateRide prices a prospective ride without touching driver state.
func (c *Coordinator) EstimateRide(ctx context.Context, req models.RideRequest) (*Estimate, error) {
	if err := validateLocations(req); err != nil {
		return nil, err
	}
	route := c.Planner.Route(ctx, waypoints(req))
	return &Estimate{
		Price:           pricing.EstimatePrice(req.VehicleType, route.DistanceKm),
		DistanceKm:      pricing.RoundKm(route.DistanceKm),
		DurationMinutes: route.DurationMinutes,
		VehicleType:     req.VehicleType,
		RoutePoints:     route.Points,
	}, nil
}

// OrderRide runs the full reservation flow. The returned error always
// carries one of the stable business codes for expected failures; a
// NO_DRIVERS_AVAILABLE caused by losing the lock race is retryable by the
// caller, never retried here.
func (c *Coordinator) OrderRide(ctx context.Context, creatorEmail string, req models.RideRequest, now time.Time) (*OrderResult, error) {
	creator, err := c.Users.UserByEmail(ctx, creatorEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, faults.New(faults.CodeNotFound, "user not found")
		}
		return nil, err
	}
	if creator.Blocked {
		return nil, faults.New(faults.CodeUserBlocked, "your account is blocked")
	}

	if err := c.checkNoActiveRides(ctx, creatorEmail); err != nil {
		return nil, err
	}
	if err := validateScheduleTime(req.ScheduledAt, now); err != nil {
		return nil, err
	}
	if err := validateLocations(req); err != nil {
		return nil, err
	}

	route := c.Planner.Route(ctx, waypoints(req))
	price := pricing.OrderPrice(req.VehicleType, route.DistanceKm)

	matchStart := time.Now()
	driverID, err := c.Matcher.SelectDriver(ctx, req, now)
	observability.MatchLatency.Observe(time.Since(matchStart).Seconds())
	if err != nil {
		if faults.IsCode(err, faults.CodeNoActiveDrivers) {
			c.Notify.RideRejected(ctx, creatorEmail, "No active drivers available")
			observability.ReservationsTotal.WithLabelValues("no_active_drivers").Inc()
		}
		return nil, err
	}
	if driverID == "" {
		c.Notify.RideRejected(ctx, creatorEmail, "No drivers available for your request")
		observability.ReservationsTotal.WithLabelValues("no_drivers_available").Inc()
		return nil, faults.New(faults.CodeNoDriversAvailable, "currently there are no drivers available")
	}

	driver, err := c.Users.DriverByID(ctx, driverID)
	if err != nil {
		return nil, err
	}
	passengers := c.resolvePassengers(ctx, creatorEmail, req.PassengerEmails)

	ride := buildRide(creator, driver, passengers, req, price, route, now)

	err = c.Reserver.Reserve(ctx, driverID, func(tx storage.ReservationTx) error {
		rec := tx.Driver()
		if err := revalidate(rec, req.ScheduledAt, now); err != nil {
			return err
		}
		if req.ScheduledAt != nil {
			directory.SetNextScheduled(rec, *req.ScheduledAt)
		} else {
			directory.MarkBusy(rec, route.DurationMinutes, req.Dropoff.Lat, req.Dropoff.Lon, now)
		}
		if err := tx.CreateRide(ride); err != nil {
			return err
		}
		if req.ScheduledAt == nil {
			return tx.CreateWorkLog(worklog.ProvisionalEntry(ride.ID, driverID, now, route.DurationMinutes))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = faults.New(faults.CodeNoDriversAvailable, "driver became unavailable")
		}
		if faults.IsCode(err, faults.CodeNoDriversAvailable) {
			c.Notify.RideRejected(ctx, creatorEmail, "Driver became unavailable")
			observability.ReservationsTotal.WithLabelValues("lost_race").Inc()
		}
		return nil, err
	}
	observability.ReservationsTotal.WithLabelValues("reserved").Inc()

	if req.ScheduledAt == nil {
		c.holdFare(ctx, ride)
	}
	c.sendOrderNotifications(ctx, ride, creatorEmail)

	msg := "Ride ordered successfully."
	if ride.Status == models.StatusScheduled {
		msg = "Ride scheduled successfully."
	}
	return &OrderResult{
		RideID:      ride.ID,
		Status:      ride.Status,
		Price:       ride.Price,
		ScheduledAt: ride.ScheduledAt,
		DriverEmail: ride.DriverEmail,
		Message:     msg,
	}, nil
}

func (c *Coordinator) checkNoActiveRides(ctx context.Context, creatorEmail string) error {
	active, err := c.Rides.RidesForPassenger(ctx, creatorEmail, models.ConflictStatuses())
	if err != nil {
		return err
	}
	if len(active) > 0 {
		conflict := active[0]
		c.Log.Warn("order rejected, active ride exists",
			"creator", creatorEmail, "ride_id", conflict.ID, "status", conflict.Status)
		return faults.Newf(faults.CodeActiveRideConflict,
			"you cannot order a new ride while you have an active ride (id: %s, status: %s)",
			conflict.ID, conflict.Status)
	}
	return nil
}

func validateScheduleTime(scheduledAt *time.Time, now time.Time) error {
	if scheduledAt == nil {
		return nil
	}
	if !scheduledAt.After(now) {
		return faults.New(faults.CodeInvalidScheduleTime, "scheduled time must be in the future")
	}
	if scheduledAt.After(now.Add(MaxScheduleAhead)) {
		return faults.New(faults.CodeInvalidScheduleTime, "ride can be scheduled at most 5 hours in advance")
	}
	return nil
}

func validateLocations(req models.RideRequest) error {
	if strings.TrimSpace(req.Pickup.Address) == "" {
		return faults.New(faults.CodeValidation, "pickup address is required")
	}
	if strings.TrimSpace(req.Dropoff.Address) == "" {
		return faults.New(faults.CodeValidation, "dropoff address is required")
	}
	for _, s := range req.Stops {
		if strings.TrimSpace(s.Address) == "" {
			return faults.New(faults.CodeValidation, "stop address is required")
		}
	}
	return nil
}

// revalidate re-checks the locked, authoritative record: the snapshot used
// by matching may have raced another reservation.
func revalidate(rec *models.DriverAvailability, scheduledAt *time.Time, now time.Time) error {
	if !rec.Online {
		return faults.New(faults.CodeNoDriversAvailable, "driver became unavailable")
	}
	if rec.Busy && scheduledAt == nil {
		window := now.Add(matcher.DefaultWindowMinutes * time.Minute)
		if rec.CurrentRideEndsAt == nil || rec.CurrentRideEndsAt.After(window) {
			return faults.New(faults.CodeNoDriversAvailable, "driver became unavailable")
		}
	}
	return nil
}

func waypoints(req models.RideRequest) []models.LocationPoint {
	wps := make([]models.LocationPoint, 0, len(req.Stops)+2)
	wps = append(wps, req.Pickup)
	wps = append(wps, req.Stops...)
	wps = append(wps, req.Dropoff)
	return wps
}

func (c *Coordinator) resolvePassengers(ctx context.Context, creatorEmail string, extra []string) []string {
	out := []string{creatorEmail}
	for _, email := range extra {
		email = strings.TrimSpace(email)
		if email == "" || email == creatorEmail {
			continue
		}
		if _, err := c.Users.UserByEmail(ctx, email); err != nil {
			continue // unknown co-passengers are silently dropped
		}
		out = append(out, email)
	}
	return out
}

func buildRide(creator *models.User, driver *models.DriverProfile, passengers []string, req models.RideRequest, price decimal.Decimal, route routing.Route, now time.Time) *models.Ride {
	status := models.StatusAccepted
	if req.ScheduledAt != nil {
		status = models.StatusScheduled
	}
	r := &models.Ride{
		ID:               uuid.NewString(),
		CreatorEmail:     creator.Email,
		DriverID:         driver.ID,
		DriverEmail:      driver.Email,
		Status:           status,
		VehicleType:      req.VehicleType,
		BabyTransport:    req.BabyTransport,
		PetTransport:     req.PetTransport,
		ScheduledAt:      req.ScheduledAt,
		Price:            price,
		DistanceKm:       pricing.RoundKm(route.DistanceKm),
		DurationMinutes:  route.DurationMinutes,
		RouteCoordinates: routing.SerializeRoute(route.Points),
		CreatedAt:        now,
	}
	seq := 0
	addStop := func(p models.LocationPoint) {
		r.Stops = append(r.Stops, models.RideStop{SequenceIndex: seq, Address: p.Address, Lat: p.Lat, Lon: p.Lon})
		seq++
	}
	addStop(req.Pickup)
	for _, s := range req.Stops {
		addStop(s)
	}
	addStop(req.Dropoff)

	r.PassengerEmails = passengers
	return r
}

// holdFare places the manual-capture payment hold for an immediate ride.
// Best-effort: a failed hold never unwinds the committed reservation.
func (c *Coordinator) holdFare(ctx context.Context, ride *models.Ride) {
	if c.Fares == nil {
		return
	}
	holdID, err := c.Fares.Hold(ctx, ride.Price, "rsd")
	if err != nil {
		c.Log.Warn("fare hold failed", "ride_id", ride.ID, "error", err)
		return
	}
	ride.PaymentHoldID = holdID
	if err := c.Rides.UpdateRide(ctx, ride); err != nil {
		c.Log.Warn("storing fare hold id failed", "ride_id", ride.ID, "error", err)
	}
}

func (c *Coordinator) sendOrderNotifications(ctx context.Context, ride *models.Ride, creatorEmail string) {
	c.Notify.RideAssigned(ctx, ride.DriverEmail, ride.ID, ride.ScheduledAt)
	c.Notify.RideAccepted(ctx, creatorEmail, ride.ID)
	for _, p := range ride.PassengerEmails {
		if p == creatorEmail {
			continue
		}
		c.Notify.RideShared(ctx, p, ride.ID, creatorEmail)
	}
}
