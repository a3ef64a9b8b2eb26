// Package worklog keeps the rolling 24-hour worked-minutes ledger that
// enforces the 8-hour driver work cap. Entries are one-to-one with rides;
// only completed entries count toward the cap.
package worklog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// DefaultCapMinutes is the 8-hour work cap.
const DefaultCapMinutes = 480

type Ledger struct {
	Store      storage.WorkLogStore
	CapMinutes int // zero means DefaultCapMinutes
	Log        *slog.Logger
}

func (l *Ledger) cap() int64 {
	if l.CapMinutes > 0 {
		return int64(l.CapMinutes)
	}
	return DefaultCapMinutes
}

// HasExceededLimit sums completed entries in the trailing 24 hours.
// Exactly the cap is not exceeded; the comparison is strict.
func (l *Ledger) HasExceededLimit(ctx context.Context, driverID string, now time.Time) (bool, error) {
	entries, err := l.Store.CompletedSince(ctx, driverID, now.Add(-24*time.Hour))
	if err != nil {
		return false, err
	}
	var worked int64
	for _, e := range entries {
		if e.EndedAt == nil {
			continue
		}
		worked += int64(e.EndedAt.Sub(e.StartedAt) / time.Minute)
	}
	return worked > l.cap(), nil
}

// ProvisionalEntry builds the completed entry written at reservation time
// for an immediate ride. It blocks out [now, now+duration] against the cap
// until the lifecycle reconciles it with actual start/stop times.
func ProvisionalEntry(rideID, driverID string, now time.Time, durationMinutes int) *models.WorkLogEntry {
	end := now.Add(time.Duration(durationMinutes) * time.Minute)
	return &models.WorkLogEntry{
		ID:        uuid.NewString(),
		DriverID:  driverID,
		RideID:    rideID,
		StartedAt: now,
		EndedAt:   &end,
		Completed: true,
		CreatedAt: now,
	}
}

// Start stamps the actual start time on the ride's entry, creating it when
// the ride was scheduled and no provisional entry exists.
func (l *Ledger) Start(ctx context.Context, ride *models.Ride, startedAt time.Time) error {
	entry, err := l.findOrCreate(ctx, ride, startedAt)
	if err != nil {
		return err
	}
	entry.StartedAt = startedAt
	return l.Store.UpdateWorkLog(ctx, entry)
}

// Complete closes the entry with the actual end time and marks it counted.
func (l *Ledger) Complete(ctx context.Context, ride *models.Ride, endedAt time.Time) error {
	entry, err := l.findOrCreate(ctx, ride, endedAt)
	if err != nil {
		return err
	}
	entry.EndedAt = &endedAt
	entry.Completed = true
	if err := l.Store.UpdateWorkLog(ctx, entry); err != nil {
		return err
	}
	l.Log.Debug("work log completed", "ride_id", ride.ID, "started_at", entry.StartedAt, "ended_at", endedAt)
	return nil
}

// Cancel stamps the end time but leaves the entry uncounted, removing the
// ride from the 24h tally. Missing entries (scheduled rides never started)
// are a no-op.
func (l *Ledger) Cancel(ctx context.Context, rideID string, endedAt time.Time) error {
	entry, err := l.Store.WorkLogByRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	entry.Completed = false
	entry.EndedAt = &endedAt
	if err := l.Store.UpdateWorkLog(ctx, entry); err != nil {
		return err
	}
	l.Log.Debug("work log cancelled", "ride_id", rideID)
	return nil
}

func (l *Ledger) findOrCreate(ctx context.Context, ride *models.Ride, fallbackStart time.Time) (*models.WorkLogEntry, error) {
	entry, err := l.Store.WorkLogByRide(ctx, ride.ID)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	start := fallbackStart
	if ride.StartedAt != nil {
		start = *ride.StartedAt
	}
	entry = &models.WorkLogEntry{
		ID:        uuid.NewString(),
		DriverID:  ride.DriverID,
		RideID:    ride.ID,
		StartedAt: start,
		CreatedAt: time.Now(),
	}
	if err := l.Store.CreateWorkLog(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
