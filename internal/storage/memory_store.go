package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps all records in process memory. Records are stored and
// returned by value so callers never share a mutable reference with the
// store; a mutation counts only once UpdateRide/UpdateDriver commits it.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]models.Ride
	drivers  map[string]models.Driver
	sessions map[string]models.TrackingSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]models.Ride),
		drivers:  make(map[string]models.Driver),
		sessions: make(map[string]models.TrackingSession),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Version = 1
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r *models.Ride, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	r.Version = expectedVersion + 1
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) ListRides(ctx context.Context) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0, len(m.rides))
	for _, r := range m.rides {
		cp := r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RidesByDriver(ctx context.Context, driverUserID string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.DriverID == driverUserID {
			cp := r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	return m.activeRide(func(r models.Ride) bool { return r.RiderID == riderID })
}

func (m *MemoryStore) ActiveRideForDriver(ctx context.Context, driverUserID string) (*models.Ride, error) {
	return m.activeRide(func(r models.Ride) bool { return r.DriverID == driverUserID })
}

func (m *MemoryStore) activeRide(match func(models.Ride) bool) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Ride
	for _, r := range m.rides {
		if r.Status.Terminal() || !match(r) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			cp := r
			best = &cp
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Version = 1
	m.drivers[d.ID] = *d
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *MemoryStore) GetDriverByUserID(ctx context.Context, userID string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.drivers {
		if d.UserID == userID {
			cp := d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateDriver(ctx context.Context, d *models.Driver, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.drivers[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	d.Version = expectedVersion + 1
	m.drivers[d.ID] = *d
	return nil
}

func (m *MemoryStore) ListDriversByStatus(ctx context.Context, status models.DriverStatus) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Driver
	for _, d := range m.drivers {
		if d.Status == status {
			cp := d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *models.TrackingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.TrackingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) ActiveSessionByRide(ctx context.Context, rideID string) (*models.TrackingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.RideID == rideID && s.Status == models.SessionActive {
			cp := s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateSession(ctx context.Context, s *models.TrackingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) ListSessionsByRide(ctx context.Context, rideID string) ([]*models.TrackingSession, error) {
	return m.listSessions(func(s models.TrackingSession) bool { return s.RideID == rideID })
}

func (m *MemoryStore) ListSessionsByDriver(ctx context.Context, driverID string) ([]*models.TrackingSession, error) {
	return m.listSessions(func(s models.TrackingSession) bool { return s.DriverID == driverID })
}

func (m *MemoryStore) ListSessionsByRider(ctx context.Context, riderID string) ([]*models.TrackingSession, error) {
	return m.listSessions(func(s models.TrackingSession) bool { return s.RiderID == riderID })
}

func (m *MemoryStore) listSessions(match func(models.TrackingSession) bool) ([]*models.TrackingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TrackingSession
	for _, s := range m.sessions {
		if match(s) {
			cp := s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}
