package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

// Sentinel errors shared by all store implementations. The coordinator maps
// ErrVersionConflict to an invalid-transition failure: the losing writer of
// a concurrent update sees it instead of clobbering the winner.
var (
	ErrNotFound        = errors.New("storage: not found")
	ErrVersionConflict = errors.New("storage: version conflict")
)

// RideStore defines persistence operations for rides. UpdateRide commits
// only if the stored version still equals expectedVersion, incrementing it
// on success.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateRide(ctx context.Context, r *models.Ride, expectedVersion int64) error
	ListRides(ctx context.Context) ([]*models.Ride, error)
	RidesByDriver(ctx context.Context, driverUserID string) ([]*models.Ride, error)
	ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error)
	ActiveRideForDriver(ctx context.Context, driverUserID string) (*models.Ride, error)
}

// DriverStore defines persistence operations for drivers, with the same
// optimistic version discipline as RideStore.
type DriverStore interface {
	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetDriverByUserID(ctx context.Context, userID string) (*models.Driver, error)
	UpdateDriver(ctx context.Context, d *models.Driver, expectedVersion int64) error
	ListDriversByStatus(ctx context.Context, status models.DriverStatus) ([]*models.Driver, error)
}

// SessionStore defines persistence operations for tracking sessions.
// Sessions are mutated only downstream of a ride transition or a
// single-session acceptance call, so they need no cross-entity guard.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.TrackingSession) error
	GetSession(ctx context.Context, id string) (*models.TrackingSession, error)
	ActiveSessionByRide(ctx context.Context, rideID string) (*models.TrackingSession, error)
	UpdateSession(ctx context.Context, s *models.TrackingSession) error
	ListSessionsByRide(ctx context.Context, rideID string) ([]*models.TrackingSession, error)
	ListSessionsByDriver(ctx context.Context, driverID string) ([]*models.TrackingSession, error)
	ListSessionsByRider(ctx context.Context, riderID string) ([]*models.TrackingSession, error)
}

// Store bundles the three stores a coordinator works against.
type Store interface {
	RideStore
	DriverStore
	SessionStore
}
