// Package notify delivers ride notifications to participants. All sends are
// fire-and-forget: failures are logged per recipient and never roll back a
// committed state change.
package notify

import (
	"context"
	"log/slog"
	"time"
)

type Kind string

const (
	KindRideAssigned  Kind = "RIDE_ASSIGNED"
	KindRideAccepted  Kind = "RIDE_ACCEPTED"
	KindRideShared    Kind = "RIDE_SHARED"
	KindRideRejected  Kind = "RIDE_REJECTED"
	KindRideCompleted Kind = "RIDE_COMPLETED"
	KindRideCancelled Kind = "RIDE_CANCELLED"
	KindRideReminder  Kind = "RIDE_REMINDER"
)

type Notification struct {
	Kind        Kind       `json:"kind"`
	Recipient   string     `json:"recipient"`
	RideID      string     `json:"ride_id,omitempty"`
	Message     string     `json:"message"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Notifier is one delivery channel (websocket session, push endpoint, log).
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Sender fans a notification out to every configured channel, swallowing
// and logging channel failures.
type Sender struct {
	Channels []Notifier
	Log      *slog.Logger
}

func (s *Sender) Send(ctx context.Context, n Notification) {
	for _, ch := range s.Channels {
		if err := ch.Notify(ctx, n); err != nil {
			s.Log.Warn("notification send failed",
				"kind", n.Kind, "recipient", n.Recipient, "ride_id", n.RideID, "error", err)
		}
	}
}

func (s *Sender) RideAssigned(ctx context.Context, driverEmail, rideID string, scheduledAt *time.Time) {
	msg := "You have a new ride request"
	if scheduledAt != nil {
		msg = "You have a scheduled ride assigned"
	}
	s.Send(ctx, Notification{Kind: KindRideAssigned, Recipient: driverEmail, RideID: rideID, Message: msg, ScheduledAt: scheduledAt})
}

func (s *Sender) RideAccepted(ctx context.Context, creatorEmail, rideID string) {
	s.Send(ctx, Notification{Kind: KindRideAccepted, Recipient: creatorEmail, RideID: rideID,
		Message: "Your ride request has been accepted"})
}

func (s *Sender) RideShared(ctx context.Context, passengerEmail, rideID, creatorEmail string) {
	s.Send(ctx, Notification{Kind: KindRideShared, Recipient: passengerEmail, RideID: rideID,
		Message: "You have been added to a ride by " + creatorEmail})
}

func (s *Sender) RideRejected(ctx context.Context, creatorEmail, reason string) {
	s.Send(ctx, Notification{Kind: KindRideRejected, Recipient: creatorEmail, Message: reason})
}

func (s *Sender) RideCompleted(ctx context.Context, recipient, rideID string) {
	s.Send(ctx, Notification{Kind: KindRideCompleted, Recipient: recipient, RideID: rideID,
		Message: "Your ride has been completed"})
}

func (s *Sender) RideCancelled(ctx context.Context, recipient, rideID, reason string) {
	s.Send(ctx, Notification{Kind: KindRideCancelled, Recipient: recipient, RideID: rideID,
		Message: "Ride cancelled: " + reason})
}

func (s *Sender) RideReminder(ctx context.Context, recipient, rideID string, scheduledAt time.Time) {
	s.Send(ctx, Notification{Kind: KindRideReminder, Recipient: recipient, RideID: rideID,
		Message: "Your scheduled ride starts at " + scheduledAt.Format(time.RFC3339), ScheduledAt: &scheduledAt})
}

// LogNotifier writes notifications to the log; the default channel when no
// websocket or push endpoint is wired.
type LogNotifier struct {
	Log *slog.Logger
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.Log.Info("notification",
		"kind", n.Kind, "recipient", n.Recipient, "ride_id", n.RideID, "message", n.Message)
	return nil
}
