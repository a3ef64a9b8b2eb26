package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LocationPoint is a named coordinate used for pickups, dropoffs and stops.
type LocationPoint struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// RideRequest is the transient order payload submitted by a passenger.
type RideRequest struct {
	Pickup          LocationPoint   `json:"pickup"`
	Dropoff         LocationPoint   `json:"dropoff"`
	Stops           []LocationPoint `json:"stops,omitempty"`
	VehicleType     string          `json:"vehicle_type,omitempty"` // empty matches any driver
	BabyTransport   bool            `json:"baby_transport"`
	PetTransport    bool            `json:"pet_transport"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	PassengerEmails []string        `json:"passenger_emails,omitempty"`
}

type RideStatus string

const (
	StatusScheduled     RideStatus = "SCHEDULED"
	StatusAccepted      RideStatus = "ACCEPTED"
	StatusInProgress    RideStatus = "IN_PROGRESS"
	StatusStopRequested RideStatus = "STOP_REQUESTED"
	StatusCompleted     RideStatus = "COMPLETED"
	StatusCancelled     RideStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ConflictStatuses are the statuses that block a passenger from ordering
// another ride.
func ConflictStatuses() []RideStatus {
	return []RideStatus{StatusAccepted, StatusScheduled, StatusInProgress}
}

// ActiveStatuses are the statuses shown as a driver's or passenger's
// current ride.
func ActiveStatuses() []RideStatus {
	return []RideStatus{StatusAccepted, StatusScheduled, StatusInProgress, StatusStopRequested}
}

const (
	CancelledByDriver    = "DRIVER"
	CancelledByPassenger = "PASSENGER"
)

// RideStop is one waypoint of a ride. Index 0 is the pickup and the highest
// index is the dropoff; indices are contiguous.
type RideStop struct {
	SequenceIndex int     `json:"sequence_index"`
	Address       string  `json:"address"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
}

type Ride struct {
	ID                 string          `json:"id"`
	CreatorEmail       string          `json:"creator_email"`
	DriverID           string          `json:"driver_id,omitempty"`
	DriverEmail        string          `json:"driver_email,omitempty"`
	Status             RideStatus      `json:"status"`
	VehicleType        string          `json:"vehicle_type,omitempty"`
	BabyTransport      bool            `json:"baby_transport"`
	PetTransport       bool            `json:"pet_transport"`
	ScheduledAt        *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CancelledBy        string          `json:"cancelled_by,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	Price              decimal.Decimal `json:"price"`
	DistanceKm         float64         `json:"distance_km"`
	DurationMinutes    int             `json:"duration_minutes"`
	Stops              []RideStop      `json:"stops"`
	PassengerEmails    []string        `json:"passenger_emails"` // creator always included
	RouteCoordinates   string          `json:"route_coordinates,omitempty"`
	LastReminderSentAt *time.Time      `json:"last_reminder_sent_at,omitempty"`
	Panic              bool            `json:"panic"`
	PaymentHoldID      string          `json:"payment_hold_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Pickup returns the first stop, if any.
func (r *Ride) Pickup() (RideStop, bool) {
	if len(r.Stops) == 0 {
		return RideStop{}, false
	}
	return r.Stops[0], true
}

// Dropoff returns the last stop, if any.
func (r *Ride) Dropoff() (RideStop, bool) {
	if len(r.Stops) == 0 {
		return RideStop{}, false
	}
	return r.Stops[len(r.Stops)-1], true
}

// HasPassenger reports whether the given email rides along (creator included).
func (r *Ride) HasPassenger(email string) bool {
	for _, p := range r.PassengerEmails {
		if p == email {
			return true
		}
	}
	return false
}

// DriverAvailability is the long-lived per-driver dispatch record. It is
// created lazily on the first status or location update and never deleted.
type DriverAvailability struct {
	DriverID            string     `json:"driver_id"`
	Online              bool       `json:"online"`
	Busy                bool       `json:"busy"`
	Lat                 *float64   `json:"lat,omitempty"`
	Lon                 *float64   `json:"lon,omitempty"`
	CurrentRideEndsAt   *time.Time `json:"current_ride_ends_at,omitempty"`
	CurrentRideEndLat   *float64   `json:"current_ride_end_lat,omitempty"`
	CurrentRideEndLon   *float64   `json:"current_ride_end_lon,omitempty"`
	NextScheduledRideAt *time.Time `json:"next_scheduled_ride_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// DriverProfile carries the static vehicle attributes used by matching.
type DriverProfile struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	VehicleType  string `json:"vehicle_type"`
	LicensePlate string `json:"license_plate,omitempty"`
	BabyFriendly bool   `json:"baby_friendly"`
	PetFriendly  bool   `json:"pet_friendly"`
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Blocked   bool   `json:"blocked"`
}

// WorkLogEntry records driver work time for one ride. Only completed entries
// count toward the 8-hour cap.
type WorkLogEntry struct {
	ID        string     `json:"id"`
	DriverID  string     `json:"driver_id"`
	RideID    string     `json:"ride_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Completed bool       `json:"completed"`
	CreatedAt time.Time  `json:"created_at"`
}
