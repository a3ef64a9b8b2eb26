package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is the in-process implementation of every store interface.
// It is the default when no postgres DSN is configured and carries the full
// locking semantics of the reservation path, so tests exercise the same
// contract as production.
type MemoryStore struct {
	mu             sync.RWMutex
	rides          map[string]*models.Ride
	states         map[string]*models.DriverAvailability
	worklogs       map[string]*models.WorkLogEntry // keyed by ride id
	users          map[string]*models.User         // keyed by email
	drivers        map[string]*models.DriverProfile
	driversByEmail map[string]string

	lockMu      sync.Mutex
	driverLocks map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:          make(map[string]*models.Ride),
		states:         make(map[string]*models.DriverAvailability),
		worklogs:       make(map[string]*models.WorkLogEntry),
		users:          make(map[string]*models.User),
		drivers:        make(map[string]*models.DriverProfile),
		driversByEmail: make(map[string]string),
		driverLocks:    make(map[string]*sync.Mutex),
	}
}

// driverLock returns the mutex guarding one driver's availability record.
// UpdateState and Reserve both take it, so a reservation in flight blocks
// concurrent state changes for the same driver and nothing else.
func (m *MemoryStore) driverLock(driverID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.driverLocks[driverID]
	if !ok {
		l = &sync.Mutex{}
		m.driverLocks[driverID] = l
	}
	return l
}

// --- rides ---

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = copyRide(r)
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRide(r), nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrNotFound
	}
	m.rides[r.ID] = copyRide(r)
	return nil
}

func (m *MemoryStore) RidesForPassenger(ctx context.Context, email string, statuses []models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.HasPassenger(email) && statusIn(r.Status, statuses) {
			out = append(out, copyRide(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) RidesForDriver(ctx context.Context, driverID string, statuses []models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.DriverID == driverID && statusIn(r.Status, statuses) {
			out = append(out, copyRide(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) ScheduledRidesBetween(ctx context.Context, from, to time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status != models.StatusScheduled || r.ScheduledAt == nil {
			continue
		}
		at := *r.ScheduledAt
		if !at.Before(from) && !at.After(to) {
			out = append(out, copyRide(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) DriverRideHistory(ctx context.Context, driverID string, from, to time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.DriverID != driverID {
			continue
		}
		if r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		out = append(out, copyRide(r))
	}
	return out, nil
}

// --- driver states ---

func (m *MemoryStore) GetState(ctx context.Context, driverID string) (*models.DriverAvailability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyState(s), nil
}

func (m *MemoryStore) AllOnline(ctx context.Context) ([]models.DriverAvailability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DriverAvailability
	for _, s := range m.states {
		if s.Online {
			out = append(out, *copyState(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveState(ctx context.Context, rec *models.DriverAvailability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[rec.DriverID] = copyState(rec)
	return nil
}

func (m *MemoryStore) UpdateState(ctx context.Context, driverID string, fn func(*models.DriverAvailability) error) error {
	l := m.driverLock(driverID)
	l.Lock()
	defer l.Unlock()

	rec, err := m.GetState(ctx, driverID)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now()
	return m.SaveState(ctx, rec)
}

// --- reservation ---

type memoryReservationTx struct {
	driver   *models.DriverAvailability
	rides    []*models.Ride
	worklogs []*models.WorkLogEntry
}

func (t *memoryReservationTx) Driver() *models.DriverAvailability { return t.driver }

func (t *memoryReservationTx) CreateRide(r *models.Ride) error {
	t.rides = append(t.rides, copyRide(r))
	return nil
}

func (t *memoryReservationTx) CreateWorkLog(e *models.WorkLogEntry) error {
	t.worklogs = append(t.worklogs, copyLog(e))
	return nil
}

func (m *MemoryStore) Reserve(ctx context.Context, driverID string, fn func(ReservationTx) error) error {
	l := m.driverLock(driverID)
	l.Lock()
	defer l.Unlock()

	rec, err := m.GetState(ctx, driverID)
	if err != nil {
		return err
	}

	tx := &memoryReservationTx{driver: rec}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tx.driver.UpdatedAt = time.Now()
	m.states[driverID] = copyState(tx.driver)
	for _, r := range tx.rides {
		m.rides[r.ID] = r
	}
	for _, e := range tx.worklogs {
		m.worklogs[e.RideID] = e
	}
	return nil
}

// --- work logs ---

func (m *MemoryStore) CreateWorkLog(ctx context.Context, e *models.WorkLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worklogs[e.RideID] = copyLog(e)
	return nil
}

func (m *MemoryStore) WorkLogByRide(ctx context.Context, rideID string) (*models.WorkLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.worklogs[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLog(e), nil
}

func (m *MemoryStore) UpdateWorkLog(ctx context.Context, e *models.WorkLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.worklogs[e.RideID]; !ok {
		return ErrNotFound
	}
	m.worklogs[e.RideID] = copyLog(e)
	return nil
}

func (m *MemoryStore) CompletedSince(ctx context.Context, driverID string, since time.Time) ([]models.WorkLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.WorkLogEntry
	for _, e := range m.worklogs {
		if e.DriverID != driverID || !e.Completed {
			continue
		}
		if e.StartedAt.Before(since) {
			continue
		}
		out = append(out, *copyLog(e))
	}
	return out, nil
}

// --- users and drivers ---

func (m *MemoryStore) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) DriverByID(ctx context.Context, id string) (*models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) DriverByEmail(ctx context.Context, email string) (*models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.driversByEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.drivers[id]
	return &cp, nil
}

func (m *MemoryStore) SaveUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.Email] = &cp
	return nil
}

func (m *MemoryStore) SaveDriver(ctx context.Context, d *models.DriverProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.drivers[d.ID] = &cp
	m.driversByEmail[d.Email] = d.ID
	return nil
}

// --- copies ---

func copyRide(r *models.Ride) *models.Ride {
	cp := *r
	cp.Stops = append([]models.RideStop(nil), r.Stops...)
	cp.PassengerEmails = append([]string(nil), r.PassengerEmails...)
	return &cp
}

func copyState(s *models.DriverAvailability) *models.DriverAvailability {
	cp := *s
	cp.Lat = copyFloat(s.Lat)
	cp.Lon = copyFloat(s.Lon)
	cp.CurrentRideEndLat = copyFloat(s.CurrentRideEndLat)
	cp.CurrentRideEndLon = copyFloat(s.CurrentRideEndLon)
	cp.CurrentRideEndsAt = copyTime(s.CurrentRideEndsAt)
	cp.NextScheduledRideAt = copyTime(s.NextScheduledRideAt)
	return &cp
}

func copyLog(e *models.WorkLogEntry) *models.WorkLogEntry {
	cp := *e
	cp.EndedAt = copyTime(e.EndedAt)
	return &cp
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, st := range set {
		if s == st {
			return true
		}
	}
	return false
}
