// Package directory owns the per-driver availability records: online and
// location updates coming from driver devices, and the busy/schedule/release
// transitions driven by the ride lifecycle.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/faults"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// LocationPublisher fans driver location updates out to the event bus.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, driverID string, lat, lon float64, online bool) error
}

type Service struct {
	States storage.DriverStateStore
	Users  storage.UserStore
	Geo    *geo.RedisGeo     // optional live map index
	Bus    LocationPublisher // optional
	Log    *slog.Logger
}

// SetOnline flips a driver's online flag, creating the availability record
// lazily on first contact.
func (s *Service) SetOnline(ctx context.Context, driverEmail string, online bool) (*models.DriverAvailability, error) {
	drv, err := s.Users.DriverByEmail(ctx, driverEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, faults.New(faults.CodeNotFound, "driver not found")
		}
		return nil, err
	}

	rec, err := s.stateOrNew(ctx, drv.ID)
	if err != nil {
		return nil, err
	}
	rec.Online = online
	rec.UpdatedAt = time.Now()
	if err := s.States.SaveState(ctx, rec); err != nil {
		return nil, err
	}
	if states, err := s.States.AllOnline(ctx); err == nil {
		observability.DriversOnline.Set(float64(len(states)))
	}

	if s.Geo != nil {
		if err := s.Geo.SetOnline(ctx, drv.ID, online); err != nil {
			s.Log.Warn("geo index online update failed", "driver_id", drv.ID, "error", err)
		}
	}
	return rec, nil
}

// UpdateLocation records the driver's current position and fans it out to
// the live map index and the location event bus. Both fan-outs are
// best-effort; the directory record is the source of truth.
func (s *Service) UpdateLocation(ctx context.Context, driverEmail string, lat, lon float64) (*models.DriverAvailability, error) {
	drv, err := s.Users.DriverByEmail(ctx, driverEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, faults.New(faults.CodeNotFound, "driver not found")
		}
		return nil, err
	}

	rec, err := s.stateOrNew(ctx, drv.ID)
	if err != nil {
		return nil, err
	}
	rec.Lat = &lat
	rec.Lon = &lon
	rec.UpdatedAt = time.Now()
	if err := s.States.SaveState(ctx, rec); err != nil {
		return nil, err
	}

	if s.Geo != nil {
		pos := geo.DriverPosition{DriverID: drv.ID, Lat: lat, Lon: lon, Online: rec.Online}
		if err := s.Geo.Upsert(ctx, pos); err != nil {
			s.Log.Warn("geo index update failed", "driver_id", drv.ID, "error", err)
		}
	}
	if s.Bus != nil {
		if err := s.Bus.PublishLocation(ctx, drv.ID, lat, lon, rec.Online); err != nil {
			s.Log.Warn("location publish failed", "driver_id", drv.ID, "error", err)
		}
	}
	return rec, nil
}

// StateFor returns the availability record for a driver email, synthesizing
// an offline record when none exists yet.
func (s *Service) StateFor(ctx context.Context, driverEmail string) (*models.DriverAvailability, error) {
	drv, err := s.Users.DriverByEmail(ctx, driverEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, faults.New(faults.CodeNotFound, "driver not found")
		}
		return nil, err
	}
	return s.stateOrNew(ctx, drv.ID)
}

// OnlineDriver pairs an availability record with the driver's vehicle info
// for the dispatcher map.
type OnlineDriver struct {
	State   models.DriverAvailability `json:"state"`
	Email   string                    `json:"email"`
	Vehicle string                    `json:"vehicle_type"`
	Plate   string                    `json:"license_plate,omitempty"`
}

// OnlineDrivers lists online drivers with vehicles, paged.
func (s *Service) OnlineDrivers(ctx context.Context, page, size int) ([]OnlineDriver, error) {
	if size <= 0 {
		return nil, nil
	}
	states, err := s.States.AllOnline(ctx)
	if err != nil {
		return nil, err
	}
	var all []OnlineDriver
	for _, st := range states {
		drv, err := s.Users.DriverByID(ctx, st.DriverID)
		if err != nil {
			continue // state without a registered driver is not listable
		}
		all = append(all, OnlineDriver{State: st, Email: drv.Email, Vehicle: drv.VehicleType, Plate: drv.LicensePlate})
	}
	offset := page * size
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + size
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// NearbyDriver is one hit of a radius query around a map point.
type NearbyDriver struct {
	Email      string  `json:"email"`
	Vehicle    string  `json:"vehicle_type"`
	Plate      string  `json:"license_plate,omitempty"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	DistanceKm float64 `json:"distance_km"`
}

// NearbyDrivers lists online drivers within radiusKm of the point, closest
// first. The redis GEO index answers when configured; otherwise the
// directory records are scanned directly.
func (s *Service) NearbyDrivers(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]NearbyDriver, error) {
	if limit <= 0 {
		return nil, nil
	}
	if s.Geo != nil {
		positions, err := s.Geo.Nearby(ctx, lat, lon, radiusKm, limit)
		if err == nil {
			return s.resolveNearby(ctx, lat, lon, positions), nil
		}
		s.Log.Warn("geo radius query failed, scanning directory", "error", err)
	}

	states, err := s.States.AllOnline(ctx)
	if err != nil {
		return nil, err
	}
	var positions []geo.DriverPosition
	for _, st := range states {
		if st.Lat == nil || st.Lon == nil {
			continue
		}
		if geo.HaversineKm(lat, lon, *st.Lat, *st.Lon) > radiusKm {
			continue
		}
		positions = append(positions, geo.DriverPosition{DriverID: st.DriverID, Lat: *st.Lat, Lon: *st.Lon, Online: true})
	}
	sort.Slice(positions, func(i, j int) bool {
		return geo.HaversineKm(lat, lon, positions[i].Lat, positions[i].Lon) <
			geo.HaversineKm(lat, lon, positions[j].Lat, positions[j].Lon)
	})
	if len(positions) > limit {
		positions = positions[:limit]
	}
	return s.resolveNearby(ctx, lat, lon, positions), nil
}

func (s *Service) resolveNearby(ctx context.Context, lat, lon float64, positions []geo.DriverPosition) []NearbyDriver {
	out := make([]NearbyDriver, 0, len(positions))
	for _, p := range positions {
		drv, err := s.Users.DriverByID(ctx, p.DriverID)
		if err != nil {
			continue // position without a registered driver is not listable
		}
		out = append(out, NearbyDriver{
			Email:      drv.Email,
			Vehicle:    drv.VehicleType,
			Plate:      drv.LicensePlate,
			Lat:        p.Lat,
			Lon:        p.Lon,
			DistanceKm: geo.HaversineKm(lat, lon, p.Lat, p.Lon),
		})
	}
	return out
}

// Release clears a driver's busy assignment after a completed ride.
func (s *Service) Release(ctx context.Context, driverID string) error {
	if driverID == "" {
		return nil
	}
	err := s.States.UpdateState(ctx, driverID, func(rec *models.DriverAvailability) error {
		releaseBusy(rec)
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// ReleaseAndClearSchedule fully frees the driver after a cancellation,
// including any future slot reservation.
func (s *Service) ReleaseAndClearSchedule(ctx context.Context, driverID string) error {
	if driverID == "" {
		return nil
	}
	err := s.States.UpdateState(ctx, driverID, func(rec *models.DriverAvailability) error {
		releaseBusy(rec)
		rec.NextScheduledRideAt = nil
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func releaseBusy(rec *models.DriverAvailability) {
	rec.Busy = false
	rec.CurrentRideEndsAt = nil
	rec.CurrentRideEndLat = nil
	rec.CurrentRideEndLon = nil
}

// MarkBusy applies an immediate-ride reservation to a locked record.
func MarkBusy(rec *models.DriverAvailability, durationMinutes int, endLat, endLon float64, now time.Time) {
	endsAt := now.Add(time.Duration(durationMinutes) * time.Minute)
	rec.Busy = true
	rec.CurrentRideEndsAt = &endsAt
	rec.CurrentRideEndLat = &endLat
	rec.CurrentRideEndLon = &endLon
}

// SetNextScheduled reserves a future slot on a locked record. The driver
// stays eligible for immediate rides in the interim.
func SetNextScheduled(rec *models.DriverAvailability, at time.Time) {
	rec.NextScheduledRideAt = &at
}

func (s *Service) stateOrNew(ctx context.Context, driverID string) (*models.DriverAvailability, error) {
	rec, err := s.States.GetState(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.DriverAvailability{DriverID: driverID, UpdatedAt: time.Now()}, nil
	}
	return rec, err
}
