// Package matcher selects a driver for a ride request from a snapshot of
// the availability directory. Selection is lock-free; the reservation path
// re-validates the chosen driver under its exclusive lock.
package matcher

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/faults"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// DefaultWindowMinutes is the reservation window: a busy driver whose ride
// ends within this horizon still qualifies for a new assignment.
const DefaultWindowMinutes = 10

// WorkLimiter answers whether a driver has hit the 24h work cap.
type WorkLimiter interface {
	HasExceededLimit(ctx context.Context, driverID string, now time.Time) (bool, error)
}

type Engine struct {
	States        storage.DriverStateStore
	Drivers       storage.UserStore
	Ledger        WorkLimiter
	WindowMinutes int // zero means DefaultWindowMinutes
}

type candidate struct {
	state   models.DriverAvailability
	profile *models.DriverProfile
}

// SelectDriver returns the chosen driver id, or "" when online drivers exist
// but none is eligible. Zero online drivers is the distinct NO_ACTIVE_DRIVERS
// failure.
func (e *Engine) SelectDriver(ctx context.Context, req models.RideRequest, now time.Time) (string, error) {
	online, err := e.States.AllOnline(ctx)
	if err != nil {
		return "", err
	}
	if len(online) == 0 {
		return "", faults.New(faults.CodeNoActiveDrivers, "currently there are no active drivers")
	}

	eligible, err := e.filterEligible(ctx, online, req, now)
	if err != nil {
		return "", err
	}
	if len(eligible) == 0 {
		return "", nil
	}

	var free, busy []candidate
	for _, c := range eligible {
		if c.state.Busy {
			busy = append(busy, c)
		} else {
			free = append(free, c)
		}
	}

	if id := closestFree(free, req.Pickup); id != "" {
		return id, nil
	}
	window := e.WindowMinutes
	if window <= 0 {
		window = DefaultWindowMinutes
	}
	return closestEndingSoon(busy, req.Pickup, now.Add(time.Duration(window)*time.Minute)), nil
}

func (e *Engine) filterEligible(ctx context.Context, online []models.DriverAvailability, req models.RideRequest, now time.Time) ([]candidate, error) {
	reqType := strings.TrimSpace(req.VehicleType)
	var out []candidate
	for _, st := range online {
		profile, err := e.Drivers.DriverByID(ctx, st.DriverID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // availability record without a registered driver
			}
			return nil, err
		}
		if st.NextScheduledRideAt != nil {
			continue // reserved for a future scheduled ride
		}
		exceeded, err := e.Ledger.HasExceededLimit(ctx, st.DriverID, now)
		if err != nil {
			return nil, err
		}
		if exceeded {
			continue
		}
		if reqType != "" && !strings.EqualFold(profile.VehicleType, reqType) {
			continue
		}
		if req.BabyTransport && !profile.BabyFriendly {
			continue
		}
		if req.PetTransport && !profile.PetFriendly {
			continue
		}
		out = append(out, candidate{state: st, profile: profile})
	}
	return out, nil
}

// closestFree picks the free driver nearest the pickup. Drivers without a
// known location sort infinitely far and are never chosen; ties keep the
// earliest candidate.
func closestFree(free []candidate, pickup models.LocationPoint) string {
	best := ""
	bestDist := math.Inf(1)
	for _, c := range free {
		d := distanceToPickup(c.state, pickup)
		if d < bestDist {
			bestDist = d
			best = c.state.DriverID
		}
	}
	return best
}

// closestEndingSoon picks among busy drivers whose current ride ends by the
// limit (inclusive), ranked by projected ride-end position.
func closestEndingSoon(busy []candidate, pickup models.LocationPoint, limit time.Time) string {
	best := ""
	bestDist := math.Inf(1)
	for _, c := range busy {
		endsAt := c.state.CurrentRideEndsAt
		if endsAt == nil || endsAt.After(limit) {
			continue
		}
		d := distanceFromRideEnd(c.state, pickup)
		if d < bestDist {
			bestDist = d
			best = c.state.DriverID
		}
	}
	return best
}

func distanceToPickup(st models.DriverAvailability, pickup models.LocationPoint) float64 {
	if st.Lat == nil || st.Lon == nil {
		return math.Inf(1)
	}
	return geo.HaversineKm(*st.Lat, *st.Lon, pickup.Lat, pickup.Lon)
}

func distanceFromRideEnd(st models.DriverAvailability, pickup models.LocationPoint) float64 {
	if st.CurrentRideEndLat != nil && st.CurrentRideEndLon != nil {
		return geo.HaversineKm(*st.CurrentRideEndLat, *st.CurrentRideEndLon, pickup.Lat, pickup.Lon)
	}
	return distanceToPickup(st, pickup)
}
