package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements all store interfaces on top of lib/pq. The
// reservation path relies on SELECT ... FOR UPDATE so ride, driver-state and
// work-log writes commit as one transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// execer lets insert helpers run against either the pool or a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- rides ---

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	return insertRide(ctx, p.db, r)
}

func insertRide(ctx context.Context, ex execer, r *models.Ride) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO rides(id, creator_email, driver_id, driver_email, status,
			vehicle_type, baby_transport, pet_transport, scheduled_at,
			started_at, completed_at, cancelled_at, cancelled_by,
			cancellation_reason, price, distance_km, duration_minutes,
			route_coordinates, last_reminder_sent_at, panic, payment_hold_id, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		r.ID, r.CreatorEmail, nullStr(r.DriverID), nullStr(r.DriverEmail), string(r.Status),
		nullStr(r.VehicleType), r.BabyTransport, r.PetTransport, r.ScheduledAt,
		r.StartedAt, r.CompletedAt, r.CancelledAt, nullStr(r.CancelledBy),
		nullStr(r.CancellationReason), r.Price.String(), r.DistanceKm, r.DurationMinutes,
		nullStr(r.RouteCoordinates), r.LastReminderSentAt, r.Panic, nullStr(r.PaymentHoldID), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	for _, s := range r.Stops {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO ride_stops(ride_id, sequence_index, address, lat, lon) VALUES($1,$2,$3,$4,$5)`,
			r.ID, s.SequenceIndex, s.Address, s.Lat, s.Lon); err != nil {
			return fmt.Errorf("insert ride stop: %w", err)
		}
	}
	for _, email := range r.PassengerEmails {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO ride_passengers(ride_id, email) VALUES($1,$2)`, r.ID, email); err != nil {
			return fmt.Errorf("insert ride passenger: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET status=$2, started_at=$3, completed_at=$4,
			cancelled_at=$5, cancelled_by=$6, cancellation_reason=$7,
			price=$8, distance_km=$9, last_reminder_sent_at=$10, panic=$11,
			payment_hold_id=$12
		WHERE id=$1`,
		r.ID, string(r.Status), r.StartedAt, r.CompletedAt,
		r.CancelledAt, nullStr(r.CancelledBy), nullStr(r.CancellationReason),
		r.Price.String(), r.DistanceKm, r.LastReminderSentAt, r.Panic,
		nullStr(r.PaymentHoldID))
	if err != nil {
		return fmt.Errorf("update ride: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	// The dropoff may be rewritten when a ride is stopped early.
	for _, s := range r.Stops {
		if _, err := p.db.ExecContext(ctx, `
			UPDATE ride_stops SET address=$3, lat=$4, lon=$5
			WHERE ride_id=$1 AND sequence_index=$2`,
			r.ID, s.SequenceIndex, s.Address, s.Lat, s.Lon); err != nil {
			return fmt.Errorf("update ride stop: %w", err)
		}
	}
	return nil
}

const rideColumns = `id, creator_email, driver_id, driver_email, status,
	vehicle_type, baby_transport, pet_transport, scheduled_at, started_at,
	completed_at, cancelled_at, cancelled_by, cancellation_reason, price,
	distance_km, duration_minutes, route_coordinates, last_reminder_sent_at,
	panic, payment_hold_id, created_at`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if err != nil {
		return nil, err
	}
	if err := p.loadRideChildren(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) RidesForPassenger(ctx context.Context, email string, statuses []models.RideStatus) ([]*models.Ride, error) {
	return p.queryRides(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE status = ANY($2) AND id IN (SELECT ride_id FROM ride_passengers WHERE email=$1)
		ORDER BY created_at`, email, statusArray(statuses))
}

func (p *PostgresStore) RidesForDriver(ctx context.Context, driverID string, statuses []models.RideStatus) ([]*models.Ride, error) {
	return p.queryRides(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE driver_id=$1 AND status = ANY($2)
		ORDER BY created_at`, driverID, statusArray(statuses))
}

func (p *PostgresStore) ScheduledRidesBetween(ctx context.Context, from, to time.Time) ([]*models.Ride, error) {
	return p.queryRides(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE status=$1 AND scheduled_at BETWEEN $2 AND $3
		ORDER BY scheduled_at`, string(models.StatusScheduled), from, to)
}

func (p *PostgresStore) DriverRideHistory(ctx context.Context, driverID string, from, to time.Time) ([]*models.Ride, error) {
	return p.queryRides(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE driver_id=$1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at`, driverID, from, to)
}

func (p *PostgresStore) queryRides(ctx context.Context, query string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rides: %w", err)
	}
	defer rows.Close()

	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range out {
		if err := p.loadRideChildren(ctx, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r                                             models.Ride
		driverID, driverEmail, vehicleType            sql.NullString
		cancelledBy, reason, routeCoords, holdID      sql.NullString
		price                                         string
		scheduledAt, startedAt, completedAt           sql.NullTime
		cancelledAt, lastReminderAt                   sql.NullTime
		status                                        string
	)
	err := row.Scan(&r.ID, &r.CreatorEmail, &driverID, &driverEmail, &status,
		&vehicleType, &r.BabyTransport, &r.PetTransport, &scheduledAt, &startedAt,
		&completedAt, &cancelledAt, &cancelledBy, &reason, &price,
		&r.DistanceKm, &r.DurationMinutes, &routeCoords, &lastReminderAt,
		&r.Panic, &holdID, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ride: %w", err)
	}
	r.Status = models.RideStatus(status)
	r.DriverID = driverID.String
	r.DriverEmail = driverEmail.String
	r.VehicleType = vehicleType.String
	r.CancelledBy = cancelledBy.String
	r.CancellationReason = reason.String
	r.RouteCoordinates = routeCoords.String
	r.PaymentHoldID = holdID.String
	r.ScheduledAt = timePtr(scheduledAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	r.LastReminderSentAt = timePtr(lastReminderAt)
	if r.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse ride price: %w", err)
	}
	return &r, nil
}

func (p *PostgresStore) loadRideChildren(ctx context.Context, r *models.Ride) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT sequence_index, address, lat, lon FROM ride_stops
		WHERE ride_id=$1 ORDER BY sequence_index`, r.ID)
	if err != nil {
		return fmt.Errorf("query ride stops: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s models.RideStop
		if err := rows.Scan(&s.SequenceIndex, &s.Address, &s.Lat, &s.Lon); err != nil {
			return err
		}
		r.Stops = append(r.Stops, s)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	prows, err := p.db.QueryContext(ctx,
		`SELECT email FROM ride_passengers WHERE ride_id=$1 ORDER BY email`, r.ID)
	if err != nil {
		return fmt.Errorf("query ride passengers: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var email string
		if err := prows.Scan(&email); err != nil {
			return err
		}
		r.PassengerEmails = append(r.PassengerEmails, email)
	}
	return prows.Err()
}

// --- driver states ---

const stateColumns = `driver_id, online, busy, lat, lon, current_ride_ends_at,
	current_ride_end_lat, current_ride_end_lon, next_scheduled_ride_at, updated_at`

func (p *PostgresStore) GetState(ctx context.Context, driverID string) (*models.DriverAvailability, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM driver_states WHERE driver_id=$1`, driverID)
	return scanState(row)
}

func (p *PostgresStore) AllOnline(ctx context.Context) ([]models.DriverAvailability, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM driver_states WHERE online ORDER BY driver_id`)
	if err != nil {
		return nil, fmt.Errorf("query online drivers: %w", err)
	}
	defer rows.Close()
	var out []models.DriverAvailability
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanState(row rowScanner) (*models.DriverAvailability, error) {
	var (
		s                    models.DriverAvailability
		lat, lon             sql.NullFloat64
		endLat, endLon       sql.NullFloat64
		endsAt, nextAt       sql.NullTime
	)
	err := row.Scan(&s.DriverID, &s.Online, &s.Busy, &lat, &lon,
		&endsAt, &endLat, &endLon, &nextAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan driver state: %w", err)
	}
	s.Lat = floatPtr(lat)
	s.Lon = floatPtr(lon)
	s.CurrentRideEndLat = floatPtr(endLat)
	s.CurrentRideEndLon = floatPtr(endLon)
	s.CurrentRideEndsAt = timePtr(endsAt)
	s.NextScheduledRideAt = timePtr(nextAt)
	return &s, nil
}

func (p *PostgresStore) SaveState(ctx context.Context, rec *models.DriverAvailability) error {
	return saveState(ctx, p.db, rec)
}

func saveState(ctx context.Context, ex execer, rec *models.DriverAvailability) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO driver_states(driver_id, online, busy, lat, lon,
			current_ride_ends_at, current_ride_end_lat, current_ride_end_lon,
			next_scheduled_ride_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (driver_id) DO UPDATE SET
			online=EXCLUDED.online, busy=EXCLUDED.busy,
			lat=EXCLUDED.lat, lon=EXCLUDED.lon,
			current_ride_ends_at=EXCLUDED.current_ride_ends_at,
			current_ride_end_lat=EXCLUDED.current_ride_end_lat,
			current_ride_end_lon=EXCLUDED.current_ride_end_lon,
			next_scheduled_ride_at=EXCLUDED.next_scheduled_ride_at,
			updated_at=now()`,
		rec.DriverID, rec.Online, rec.Busy, rec.Lat, rec.Lon,
		rec.CurrentRideEndsAt, rec.CurrentRideEndLat, rec.CurrentRideEndLon,
		rec.NextScheduledRideAt)
	if err != nil {
		return fmt.Errorf("save driver state: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateState(ctx context.Context, driverID string, fn func(*models.DriverAvailability) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := lockState(ctx, tx, driverID)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	if err := saveState(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func lockState(ctx context.Context, tx *sql.Tx, driverID string) (*models.DriverAvailability, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM driver_states WHERE driver_id=$1 FOR UPDATE`, driverID)
	return scanState(row)
}

// --- reservation ---

type pgReservationTx struct {
	ctx    context.Context
	tx     *sql.Tx
	driver *models.DriverAvailability
}

func (t *pgReservationTx) Driver() *models.DriverAvailability { return t.driver }

func (t *pgReservationTx) CreateRide(r *models.Ride) error {
	return insertRide(t.ctx, t.tx, r)
}

func (t *pgReservationTx) CreateWorkLog(e *models.WorkLogEntry) error {
	return insertWorkLog(t.ctx, t.tx, e)
}

func (p *PostgresStore) Reserve(ctx context.Context, driverID string, fn func(ReservationTx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := lockState(ctx, tx, driverID)
	if err != nil {
		return err
	}
	rtx := &pgReservationTx{ctx: ctx, tx: tx, driver: rec}
	if err := fn(rtx); err != nil {
		return err
	}
	if err := saveState(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// --- work logs ---

func (p *PostgresStore) CreateWorkLog(ctx context.Context, e *models.WorkLogEntry) error {
	return insertWorkLog(ctx, p.db, e)
}

func insertWorkLog(ctx context.Context, ex execer, e *models.WorkLogEntry) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO work_logs(id, driver_id, ride_id, started_at, ended_at, completed, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.DriverID, e.RideID, e.StartedAt, e.EndedAt, e.Completed, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert work log: %w", err)
	}
	return nil
}

func (p *PostgresStore) WorkLogByRide(ctx context.Context, rideID string) (*models.WorkLogEntry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, driver_id, ride_id, started_at, ended_at, completed, created_at
		FROM work_logs WHERE ride_id=$1`, rideID)
	return scanWorkLog(row)
}

func (p *PostgresStore) UpdateWorkLog(ctx context.Context, e *models.WorkLogEntry) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE work_logs SET started_at=$2, ended_at=$3, completed=$4 WHERE ride_id=$1`,
		e.RideID, e.StartedAt, e.EndedAt, e.Completed)
	if err != nil {
		return fmt.Errorf("update work log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CompletedSince(ctx context.Context, driverID string, since time.Time) ([]models.WorkLogEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, driver_id, ride_id, started_at, ended_at, completed, created_at
		FROM work_logs
		WHERE driver_id=$1 AND completed AND started_at >= $2`, driverID, since)
	if err != nil {
		return nil, fmt.Errorf("query work logs: %w", err)
	}
	defer rows.Close()
	var out []models.WorkLogEntry
	for rows.Next() {
		e, err := scanWorkLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanWorkLog(row rowScanner) (*models.WorkLogEntry, error) {
	var (
		e       models.WorkLogEntry
		endedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.DriverID, &e.RideID, &e.StartedAt, &endedAt, &e.Completed, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan work log: %w", err)
	}
	e.EndedAt = timePtr(endedAt)
	return &e, nil
}

// --- users and drivers ---

func (p *PostgresStore) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, blocked FROM users WHERE email=$1`,
		email).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func (p *PostgresStore) DriverByID(ctx context.Context, id string) (*models.DriverProfile, error) {
	return p.queryDriver(ctx, `WHERE id=$1`, id)
}

func (p *PostgresStore) DriverByEmail(ctx context.Context, email string) (*models.DriverProfile, error) {
	return p.queryDriver(ctx, `WHERE email=$1`, email)
}

func (p *PostgresStore) queryDriver(ctx context.Context, where string, arg any) (*models.DriverProfile, error) {
	var d models.DriverProfile
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, vehicle_type, license_plate,
			baby_friendly, pet_friendly
		FROM drivers `+where, arg).Scan(&d.ID, &d.Email, &d.FirstName,
		&d.LastName, &d.VehicleType, &d.LicensePlate, &d.BabyFriendly, &d.PetFriendly)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query driver: %w", err)
	}
	return &d, nil
}

func (p *PostgresStore) SaveUser(ctx context.Context, u *models.User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users(id, email, first_name, last_name, blocked)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (email) DO UPDATE SET
			first_name=EXCLUDED.first_name, last_name=EXCLUDED.last_name,
			blocked=EXCLUDED.blocked`,
		u.ID, u.Email, u.FirstName, u.LastName, u.Blocked)
	return err
}

func (p *PostgresStore) SaveDriver(ctx context.Context, d *models.DriverProfile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers(id, email, first_name, last_name, vehicle_type,
			license_plate, baby_friendly, pet_friendly)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			vehicle_type=EXCLUDED.vehicle_type, license_plate=EXCLUDED.license_plate,
			baby_friendly=EXCLUDED.baby_friendly, pet_friendly=EXCLUDED.pet_friendly`,
		d.ID, d.Email, d.FirstName, d.LastName, d.VehicleType,
		d.LicensePlate, d.BabyFriendly, d.PetFriendly)
	return err
}

// --- helpers ---

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func statusArray(statuses []models.RideStatus) any {
	ss := make([]string, 0, len(statuses))
	for _, s := range statuses {
		ss = append(ss, string(s))
	}
	return pq.Array(ss)
}
