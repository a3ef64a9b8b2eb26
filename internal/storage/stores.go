// Package storage defines the persistence capabilities consumed by the
// dispatch core, with in-memory and postgres implementations. Interfaces are
// deliberately narrow so services depend only on what they read or write.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("storage: not found")

// RideStore persists rides and their stop/passenger sets.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateRide(ctx context.Context, r *models.Ride) error
	RidesForPassenger(ctx context.Context, email string, statuses []models.RideStatus) ([]*models.Ride, error)
	RidesForDriver(ctx context.Context, driverID string, statuses []models.RideStatus) ([]*models.Ride, error)
	ScheduledRidesBetween(ctx context.Context, from, to time.Time) ([]*models.Ride, error)
	DriverRideHistory(ctx context.Context, driverID string, from, to time.Time) ([]*models.Ride, error)
}

// DriverStateStore holds the per-driver availability records.
type DriverStateStore interface {
	GetState(ctx context.Context, driverID string) (*models.DriverAvailability, error)
	AllOnline(ctx context.Context) ([]models.DriverAvailability, error)
	SaveState(ctx context.Context, rec *models.DriverAvailability) error
	// UpdateState applies fn to the record under an exclusive per-driver
	// lock and persists the result. fn returning an error aborts the write.
	UpdateState(ctx context.Context, driverID string, fn func(*models.DriverAvailability) error) error
}

// ReservationTx is the unit of work committed while a driver record is held
// under its exclusive lock. Mutations to Driver() and created rows become
// visible atomically, or not at all if the callback fails.
type ReservationTx interface {
	Driver() *models.DriverAvailability
	CreateRide(r *models.Ride) error
	CreateWorkLog(e *models.WorkLogEntry) error
}

// Reserver runs the reservation critical section: lock the chosen driver's
// record, hand the authoritative row to fn, and commit all writes together.
type Reserver interface {
	Reserve(ctx context.Context, driverID string, fn func(ReservationTx) error) error
}

// WorkLogStore persists the one-entry-per-ride work ledger rows.
type WorkLogStore interface {
	CreateWorkLog(ctx context.Context, e *models.WorkLogEntry) error
	WorkLogByRide(ctx context.Context, rideID string) (*models.WorkLogEntry, error)
	UpdateWorkLog(ctx context.Context, e *models.WorkLogEntry) error
	CompletedSince(ctx context.Context, driverID string, since time.Time) ([]models.WorkLogEntry, error)
}

// UserStore resolves passengers and driver profiles.
type UserStore interface {
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	DriverByID(ctx context.Context, id string) (*models.DriverProfile, error)
	DriverByEmail(ctx context.Context, email string) (*models.DriverProfile, error)
	SaveUser(ctx context.Context, u *models.User) error
	SaveDriver(ctx context.Context, d *models.DriverProfile) error
}
