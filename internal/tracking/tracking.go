// Package tracking owns the lifecycle of at most one active tracking
// session per ride, including the bilateral driver/rider acceptance flags.
package tracking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Manager creates, updates and ends tracking sessions. The mutex
// serializes session mutations so two concurrent EnsureActiveSession calls
// cannot both create an ACTIVE session for the same ride.
type Manager struct {
	store  storage.SessionStore
	logger *slog.Logger
	mu     sync.Mutex
}

func NewManager(store storage.SessionStore, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// EnsureActiveSession is idempotent: an existing ACTIVE session for the
// ride is returned (with the creator's acceptance flag set if the creator
// is the driver); otherwise a new ACTIVE session starts now, with the
// creator's acceptance flag set at creation.
func (m *Manager) EnsureActiveSession(ctx context.Context, ride *models.Ride, driver *models.Driver, riderID, createdBy string) (*models.TrackingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.ActiveSessionByRide(ctx, ride.ID)
	switch {
	case err == nil:
		changed := false
		if createdBy == models.CreatedByDriver && !existing.DriverAccepted {
			existing.DriverAccepted = true
			changed = true
		}
		if createdBy == models.CreatedByRider && !existing.RiderAccepted {
			existing.RiderAccepted = true
			changed = true
		}
		if changed {
			if err := m.store.UpdateSession(ctx, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	case errors.Is(err, storage.ErrNotFound):
		// fall through to create
	default:
		return nil, err
	}

	s := &models.TrackingSession{
		ID:        newID(),
		RideID:    ride.ID,
		DriverID:  driver.ID,
		RiderID:   riderID,
		StartTime: time.Now(),
		Status:    models.SessionActive,
		CreatedBy: createdBy,
	}
	switch createdBy {
	case models.CreatedByDriver:
		s.DriverAccepted = true
	case models.CreatedByRider:
		s.RiderAccepted = true
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	observability.ActiveSessions.Inc()
	m.logger.Info("tracking session started", "session_id", s.ID, "ride_id", ride.ID, "created_by", createdBy)
	return s, nil
}

// RiderAccept marks rider acceptance on the ride's ACTIVE session. The
// caller must match the session's recorded rider (or the ride's rider as
// fallback when the session predates the rider id).
func (m *Manager) RiderAccept(ctx context.Context, ride *models.Ride, riderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.ActiveSessionByRide(ctx, ride.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: no active session for ride %s", models.ErrNotFound, ride.ID)
	}
	if err != nil {
		return err
	}
	expected := s.RiderID
	if expected == "" {
		expected = ride.RiderID
	}
	if expected != "" && riderID != expected {
		return fmt.Errorf("%w: caller %s is not the session rider", models.ErrUnauthorized, riderID)
	}
	s.RiderAccepted = true
	return m.store.UpdateSession(ctx, s)
}

// EndActiveSession closes the ride's ACTIVE session with the given
// terminal status and end time now. No-op if none is active.
func (m *Manager) EndActiveSession(ctx context.Context, rideID string, final models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.ActiveSessionByRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !final.Terminal() {
		final = models.SessionEnded
	}
	now := time.Now()
	s.Status = final
	s.EndTime = &now
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return err
	}
	observability.ActiveSessions.Dec()
	m.logger.Info("tracking session ended", "session_id", s.ID, "ride_id", rideID, "status", final)
	return nil
}

// Summary is the lightweight polling view exposed to both parties.
type Summary struct {
	HasActive      bool                 `json:"has_active"`
	Status         models.SessionStatus `json:"status,omitempty"`
	DriverAccepted bool                 `json:"driver_accepted"`
	RiderAccepted  bool                 `json:"rider_accepted"`
}

// ActiveSummary reports whether an active session exists for the ride and,
// if so, its status and both acceptance flags.
func (m *Manager) ActiveSummary(ctx context.Context, rideID string) (Summary, error) {
	s, err := m.store.ActiveSessionByRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return Summary{}, nil
	}
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		HasActive:      true,
		Status:         s.Status,
		DriverAccepted: s.DriverAccepted,
		RiderAccepted:  s.RiderAccepted,
	}, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.TrackingSession, error) {
	s, err := m.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, id)
	}
	return s, err
}

func (m *Manager) ListByRide(ctx context.Context, rideID string) ([]*models.TrackingSession, error) {
	return m.store.ListSessionsByRide(ctx, rideID)
}

func (m *Manager) ListByDriver(ctx context.Context, driverID string) ([]*models.TrackingSession, error) {
	return m.store.ListSessionsByDriver(ctx, driverID)
}

func (m *Manager) ListByRider(ctx context.Context, riderID string) ([]*models.TrackingSession, error) {
	return m.store.ListSessionsByRider(ctx, riderID)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
