// Package reminder periodically notifies passengers of upcoming scheduled
// rides: a first reminder inside the final 15 minutes, repeated no more often
// than every 5 minutes until the ride starts.
package reminder

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	// DefaultPeriod is how often the scan runs.
	DefaultPeriod = time.Minute
	// lookAhead pads the reminder horizon by one tick so a ride at exactly
	// 15 minutes out is never missed between scans.
	lookAhead = 16 * time.Minute
	// firstReminderLead is the latest lead time that triggers the first send.
	firstReminderLead = 15 * time.Minute
	// repeatEvery throttles follow-up reminders per ride.
	repeatEvery = 5 * time.Minute
)

type Scheduler struct {
	Rides  storage.RideStore
	Notify *notify.Sender
	Period time.Duration // zero means DefaultPeriod
	Log    *slog.Logger
}

// Run ticks until ctx is cancelled. Scan failures are logged and the loop
// keeps going; a missed tick only delays a reminder by one period.
func (s *Scheduler) Run(ctx context.Context) {
	period := s.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	s.Log.Info("reminder scheduler started", "period", period)
	for {
		select {
		case <-ctx.Done():
			s.Log.Info("reminder scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Scan(ctx, time.Now()); err != nil {
				s.Log.Error("reminder scan failed", "error", err)
			}
		}
	}
}

// Scan sends due reminders for scheduled rides starting within the horizon.
func (s *Scheduler) Scan(ctx context.Context, now time.Time) error {
	rides, err := s.Rides.ScheduledRidesBetween(ctx, now, now.Add(lookAhead))
	if err != nil {
		return err
	}
	for _, ride := range rides {
		if ride.ScheduledAt == nil || !ride.ScheduledAt.After(now) {
			continue // overdue rides are the lifecycle's problem, not ours
		}
		if !s.due(ride, now) {
			continue
		}
		for _, p := range ride.PassengerEmails {
			s.Notify.RideReminder(ctx, p, ride.ID, *ride.ScheduledAt)
		}
		sentAt := now
		ride.LastReminderSentAt = &sentAt
		if err := s.Rides.UpdateRide(ctx, ride); err != nil {
			s.Log.Error("recording reminder send failed", "ride_id", ride.ID, "error", err)
			continue
		}
		observability.RemindersSentTotal.Inc()
		s.Log.Debug("reminder sent", "ride_id", ride.ID, "scheduled_at", ride.ScheduledAt)
	}
	return nil
}

// due applies the first-send and repeat-throttle rules. Both boundaries are
// inclusive: exactly 15 minutes out sends, exactly 5 minutes since the last
// send repeats.
func (s *Scheduler) due(ride *models.Ride, now time.Time) bool {
	if ride.LastReminderSentAt == nil {
		return !ride.ScheduledAt.After(now.Add(firstReminderLead))
	}
	return !now.Before(ride.LastReminderSentAt.Add(repeatEvery))
}
