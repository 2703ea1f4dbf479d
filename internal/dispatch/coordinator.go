// Package dispatch owns the Ride and Driver state machines. Every
// state-changing operation reads, checks and writes as one atomic unit per
// ride (and per driver when the driver's status also changes): a keyed
// mutex linearizes same-entity operations in process, and the store's
// version predicate rejects any writer racing from outside the locks.
// Locks are always taken ride first, then driver.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/route"
	"github.com/example/ride-dispatch/internal/storage"
)

// Publisher is the best-effort event fan-out consumed by the coordinator.
type Publisher interface {
	Publish(channel string, payload any)
}

// Sessions is the tracking-session collaborator: sessions start when a
// ride is assigned and end when it goes terminal.
type Sessions interface {
	EnsureActiveSession(ctx context.Context, ride *models.Ride, driver *models.Driver, riderID, createdBy string) (*models.TrackingSession, error)
	EndActiveSession(ctx context.Context, rideID string, final models.SessionStatus) error
}

// Coordinator orchestrates ride booking, assignment and progress
// transitions. Estimator, Publisher, Sessions, Charger and Index are
// optional; a nil collaborator disables that side effect.
type Coordinator struct {
	Store     storage.Store
	Estimator route.Estimator
	Publisher Publisher
	Sessions  Sessions
	Charger   payments.Charger
	Index     geo.Index
	Logger    *slog.Logger

	rideLocks   keyedMutex
	driverLocks keyedMutex
}

// RideRequest is a booking request. Fare, when non-nil and non-negative,
// overrides the computed fare.
type RideRequest struct {
	RiderID     string
	VehicleType models.VehicleType
	Pickup      string
	Dropoff     string
	Fare        *float64
}

// RequestRide books a new ride in PENDING with no driver. With a dropoff
// present the route is estimated (falling back to fixed defaults when the
// estimator fails) and the fare computed; without one the ride is a
// request-for-quote placeholder with zero fare. The ride is broadcast on
// the global ride-request channel.
func (c *Coordinator) RequestRide(ctx context.Context, req RideRequest) (*models.Ride, error) {
	if req.RiderID == "" || req.VehicleType == "" || req.Pickup == "" {
		return nil, fmt.Errorf("%w: rider id, vehicle type and pickup are required", models.ErrValidation)
	}

	now := time.Now()
	ride := &models.Ride{
		ID:          newID(),
		RiderID:     req.RiderID,
		VehicleType: req.VehicleType,
		Pickup:      req.Pickup,
		Dropoff:     req.Dropoff,
		Status:      models.RidePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if req.Dropoff != "" {
		est := c.estimate(ctx, req.Pickup, req.Dropoff)
		ride.DistanceKm = &est.DistanceKm
		ride.DurationMin = &est.DurationMin
		if req.Fare != nil && *req.Fare >= 0 {
			ride.Fare = *req.Fare
		} else {
			ride.Fare = fare.Calculate(req.VehicleType, est.DistanceKm, est.DurationMin)
		}
	}

	if err := c.Store.CreateRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesRequested.Inc()
	c.publish(notify.ChannelRideRequests, ride)
	c.Logger.Info("ride requested", "ride_id", ride.ID, "rider_id", ride.RiderID, "vehicle_type", ride.VehicleType, "fare", ride.Fare)
	return ride, nil
}

// estimate calls the route estimator and substitutes the fixed defaults on
// any failure; route estimation never fails a booking.
func (c *Coordinator) estimate(ctx context.Context, pickup, dropoff string) route.Estimate {
	if c.Estimator == nil {
		return route.Fallback()
	}
	est, err := c.Estimator.Estimate(ctx, pickup, dropoff)
	if err != nil {
		observability.RouteFallbacks.Inc()
		c.Logger.Warn("route estimation degraded, using defaults", "pickup", pickup, "dropoff", dropoff, "error", err)
		return route.Fallback()
	}
	return est
}

// AssignDriver atomically claims a PENDING, unassigned ride for an
// AVAILABLE driver. Of two concurrent claims exactly one wins; the loser
// fails with an invalid-transition error.
func (c *Coordinator) AssignDriver(ctx context.Context, driverID, rideID string) (err error) {
	defer func() { observability.TransitionOutcome("assign", err) }()

	unlockRide := c.rideLocks.lock(rideID)
	defer unlockRide()
	unlockDriver := c.driverLocks.lock(driverID)
	defer unlockDriver()

	ride, err := c.getRide(ctx, rideID)
	if err != nil {
		return err
	}
	driver, err := c.getDriver(ctx, driverID)
	if err != nil {
		return err
	}

	if driver.Status != models.DriverAvailable || ride.Status != models.RidePending || ride.DriverID != "" {
		return fmt.Errorf("%w: cannot assign driver %s (status %s) to ride %s (status %s)",
			models.ErrInvalidTransition, driverID, driver.Status, rideID, ride.Status)
	}

	prev := *ride
	rideVer, driverVer := ride.Version, driver.Version
	ride.DriverID = driver.UserID
	ride.Status = models.RideAccepted
	driver.Status = models.DriverBusy

	if err := c.commitPair(ctx, ride, rideVer, driver, driverVer, prev); err != nil {
		return err
	}

	c.markUnavailable(ctx, driver.UserID)
	if c.Sessions != nil {
		if _, serr := c.Sessions.EnsureActiveSession(ctx, ride, driver, ride.RiderID, models.CreatedByDriver); serr != nil {
			c.Logger.Warn("tracking session start failed", "ride_id", rideID, "error", serr)
		}
	}
	c.holdFare(ctx, ride)
	c.publish(notify.ChannelRideUpdates(rideID), ride)
	c.Logger.Info("driver assigned", "ride_id", rideID, "driver_id", driverID)
	return nil
}

// DriverReject handles a driver declining a ride. From PENDING a reject by
// a never-assigned driver is a no-op success. From ACCEPTED, a reject by
// the assigned driver reverts the assignment: the ride returns to PENDING
// and is re-broadcast on the ride-request channel.
func (c *Coordinator) DriverReject(ctx context.Context, driverID, rideID string) (err error) {
	defer func() { observability.TransitionOutcome("reject", err) }()

	unlockRide := c.rideLocks.lock(rideID)
	defer unlockRide()
	unlockDriver := c.driverLocks.lock(driverID)
	defer unlockDriver()

	ride, err := c.getRide(ctx, rideID)
	if err != nil {
		return err
	}
	driver, err := c.getDriver(ctx, driverID)
	if err != nil {
		return err
	}

	if ride.Status == models.RidePending {
		// declining an offer that was never claimed
		return nil
	}
	if ride.Status != models.RideAccepted || ride.DriverID != driver.UserID {
		return fmt.Errorf("%w: driver %s cannot reject ride %s (status %s)",
			models.ErrInvalidTransition, driverID, rideID, ride.Status)
	}

	prev := *ride
	rideVer, driverVer := ride.Version, driver.Version
	ride.DriverID = ""
	ride.Status = models.RidePending
	driver.Status = models.DriverAvailable

	if err := c.commitPair(ctx, ride, rideVer, driver, driverVer, prev); err != nil {
		return err
	}

	c.markAvailable(ctx, driver)
	c.publish(notify.ChannelRideRequests, ride)
	c.publish(notify.ChannelRideUpdates(rideID), ride)
	c.Logger.Info("driver rejected ride", "ride_id", rideID, "driver_id", driverID)
	return nil
}

// RiderAccept records the rider's acknowledgment of the ride. Allowed only
// for the ride's own rider and only from PENDING or ACCEPTED; the
// canonical resulting status is ACCEPTED whether or not a driver is
// assigned yet.
func (c *Coordinator) RiderAccept(ctx context.Context, rideID, riderID string) (err error) {
	defer func() { observability.TransitionOutcome("rider_accept", err) }()

	unlock := c.rideLocks.lock(rideID)
	defer unlock()

	ride, err := c.getRide(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.RiderID != riderID {
		return fmt.Errorf("%w: caller %s is not the rider of ride %s", models.ErrUnauthorized, riderID, rideID)
	}
	if ride.Status != models.RidePending && ride.Status != models.RideAccepted {
		return fmt.Errorf("%w: rider cannot accept ride %s in status %s", models.ErrInvalidTransition, rideID, ride.Status)
	}

	ver := ride.Version
	ride.Status = models.RideAccepted
	if err := c.commitRide(ctx, ride, ver); err != nil {
		return err
	}
	c.publish(notify.ChannelRideUpdates(rideID), ride)
	return nil
}

// StartRide moves an ACCEPTED ride to IN_PROGRESS. Only the assigned,
// currently BUSY driver may start it.
func (c *Coordinator) StartRide(ctx context.Context, driverID, rideID string) (err error) {
	defer func() { observability.TransitionOutcome("start", err) }()

	unlockRide := c.rideLocks.lock(rideID)
	defer unlockRide()
	unlockDriver := c.driverLocks.lock(driverID)
	defer unlockDriver()

	ride, err := c.getRide(ctx, rideID)
	if err != nil {
		return err
	}
	driver, err := c.getDriver(ctx, driverID)
	if err != nil {
		return err
	}

	if driver.Status != models.DriverBusy || ride.Status != models.RideAccepted || ride.DriverID != driver.UserID {
		return fmt.Errorf("%w: driver %s cannot start ride %s (driver %s, ride %s)",
			models.ErrInvalidTransition, driverID, rideID, driver.Status, ride.Status)
	}

	ver := ride.Version
	ride.Status = models.RideInProgress
	if err := c.commitRide(ctx, ride, ver); err != nil {
		return err
	}
	c.publish(notify.ChannelRideUpdates(rideID), ride)
	c.Logger.Info("ride started", "ride_id", rideID, "driver_id", driverID)
	return nil
}

// CompleteRide finishes an IN_PROGRESS ride: the ride goes COMPLETED
// (terminal), the driver returns to AVAILABLE, the tracking session ends
// and any fare hold is captured.
func (c *Coordinator) CompleteRide(ctx context.Context, driverID, rideID string) (err error) {
	defer func() { observability.TransitionOutcome("complete", err) }()

	unlockRide := c.rideLocks.lock(rideID)
	defer unlockRide()
	unlockDriver := c.driverLocks.lock(driverID)
	defer unlockDriver()

	ride, err := c.getRide(ctx, rideID)
	if err != nil {
		return err
	}
	driver, err := c.getDriver(ctx, driverID)
	if err != nil {
		return err
	}

	if driver.Status != models.DriverBusy || ride.Status != models.RideInProgress || ride.DriverID != driver.UserID {
		return fmt.Errorf("%w: driver %s cannot complete ride %s (driver %s, ride %s)",
			models.ErrInvalidTransition, driverID, rideID, driver.Status, ride.Status)
	}

	prev := *ride
	rideVer, driverVer := ride.Version, driver.Version
	ride.Status = models.RideCompleted
	driver.Status = models.DriverAvailable

	if err := c.commitPair(ctx, ride, rideVer, driver, driverVer, prev); err != nil {
		return err
	}

	if c.Sessions != nil {
		if serr := c.Sessions.EndActiveSession(ctx, rideID, models.SessionEnded); serr != nil {
			c.Logger.Warn("tracking session end failed", "ride_id", rideID, "error", serr)
		}
	}
	c.markAvailable(ctx, driver)
	c.captureFare(ctx, ride)
	c.publish(notify.ChannelRideUpdates(rideID), ride)
	c.Logger.Info("ride completed", "ride_id", rideID, "driver_id", driverID, "fare", ride.Fare)
	return nil
}

// CancelRide cancels a ride from any non-terminal status. The ride's
// ACTIVE tracking session, if any, ends as CANCELLED first and any fare
// hold is released. An already-assigned driver stays BUSY: the upstream
// system never reverted the driver on cancellation and operators depend on
// resolving it out of band, so this keeps that behavior rather than
// inventing a release.
func (c *Coordinator) CancelRide(ctx context.Context, rideID string) (err error) {
	defer func() { observability.TransitionOutcome("cancel", err) }()

	unlock := c.rideLocks.lock(rideID)
	defer unlock()
	return c.cancelLocked(ctx, rideID)
}

func (c *Coordinator) cancelLocked(ctx context.Context, rideID string) error {
	ride, err := c.getRide(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.Status.Terminal() {
		return fmt.Errorf("%w: ride %s is already %s", models.ErrInvalidTransition, rideID, ride.Status)
	}

	if c.Sessions != nil {
		if serr := c.Sessions.EndActiveSession(ctx, rideID, models.SessionCancelled); serr != nil {
			c.Logger.Warn("tracking session end failed", "ride_id", rideID, "error", serr)
		}
	}

	ver := ride.Version
	ride.Status = models.RideCancelled
	if err := c.commitRide(ctx, ride, ver); err != nil {
		return err
	}
	c.releaseFare(ctx, ride)
	c.publish(notify.ChannelRideRequests, ride)
	c.publish(notify.ChannelRideUpdates(rideID), ride)
	c.Logger.Info("ride cancelled", "ride_id", rideID)
	return nil
}

// RelocateRide updates a PENDING ride's locations in place, re-estimates
// the route and recomputes the fare, leaving the ride PENDING.
func (c *Coordinator) RelocateRide(ctx context.Context, rideID, pickup, dropoff string) (_ *models.Ride, err error) {
	defer func() { observability.TransitionOutcome("relocate", err) }()

	if pickup == "" || dropoff == "" {
		return nil, fmt.Errorf("%w: pickup and dropoff are required", models.ErrValidation)
	}

	unlock := c.rideLocks.lock(rideID)
	defer unlock()

	ride, err := c.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.RidePending {
		return nil, fmt.Errorf("%w: ride %s cannot be relocated in status %s", models.ErrInvalidTransition, rideID, ride.Status)
	}

	est := c.estimate(ctx, pickup, dropoff)
	ver := ride.Version
	ride.Pickup = pickup
	ride.Dropoff = dropoff
	ride.DistanceKm = &est.DistanceKm
	ride.DurationMin = &est.DurationMin
	ride.Fare = fare.Calculate(ride.VehicleType, est.DistanceKm, est.DurationMin)
	ride.Status = models.RidePending

	if err := c.commitRide(ctx, ride, ver); err != nil {
		return nil, err
	}
	c.publish(notify.ChannelRideRequests, ride)
	c.Logger.Info("ride relocated", "ride_id", rideID, "pickup", pickup, "dropoff", dropoff)
	return ride, nil
}

// RebookRide cancels the old ride entirely and books a brand-new one with
// the new locations, preserving rider and vehicle type. A ride that is
// already terminal is left as is and only the new booking happens.
func (c *Coordinator) RebookRide(ctx context.Context, rideID, pickup, dropoff string) (_ *models.Ride, err error) {
	defer func() { observability.TransitionOutcome("rebook", err) }()

	if pickup == "" || dropoff == "" {
		return nil, fmt.Errorf("%w: pickup and dropoff are required", models.ErrValidation)
	}

	old, err := func() (*models.Ride, error) {
		unlock := c.rideLocks.lock(rideID)
		defer unlock()
		old, err := c.getRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if cerr := c.cancelLocked(ctx, rideID); cerr != nil && !errors.Is(cerr, models.ErrInvalidTransition) {
			return nil, cerr
		}
		return old, nil
	}()
	if err != nil {
		return nil, err
	}

	return c.RequestRide(ctx, RideRequest{
		RiderID:     old.RiderID,
		VehicleType: old.VehicleType,
		Pickup:      pickup,
		Dropoff:     dropoff,
	})
}

// commitPair writes the ride and the driver as one unit. Both entities are
// held under their keyed locks, so a version conflict means an out-of-band
// writer; the losing caller gets an invalid-transition error. A driver
// commit failure restores the pre-transition ride snapshot so the pair
// never half-applies.
func (c *Coordinator) commitPair(ctx context.Context, ride *models.Ride, rideVer int64, driver *models.Driver, driverVer int64, prevRide models.Ride) error {
	ride.UpdatedAt = time.Now()
	if err := c.Store.UpdateRide(ctx, ride, rideVer); err != nil {
		return casErr("ride", ride.ID, err)
	}
	if err := c.Store.UpdateDriver(ctx, driver, driverVer); err != nil {
		cur, gerr := c.Store.GetRide(ctx, ride.ID)
		if gerr == nil {
			if rerr := c.Store.UpdateRide(ctx, &prevRide, cur.Version); rerr != nil {
				c.Logger.Error("ride rollback failed", "ride_id", ride.ID, "error", rerr)
			}
		}
		return casErr("driver", driver.ID, err)
	}
	return nil
}

func (c *Coordinator) commitRide(ctx context.Context, ride *models.Ride, expectedVersion int64) error {
	ride.UpdatedAt = time.Now()
	return casErr("ride", ride.ID, c.Store.UpdateRide(ctx, ride, expectedVersion))
}

// casErr maps store errors onto the coordinator's error kinds: a version
// conflict is a lost race, reported as an invalid transition.
func casErr(kind, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrVersionConflict):
		return fmt.Errorf("%w: %s %s was modified concurrently", models.ErrInvalidTransition, kind, id)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s %s", models.ErrNotFound, kind, id)
	default:
		return err
	}
}

func (c *Coordinator) getRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := c.Store.GetRide(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: ride %s", models.ErrNotFound, id)
	}
	return r, err
}

func (c *Coordinator) getDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := c.Store.GetDriver(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	return d, err
}

func (c *Coordinator) publish(channel string, payload any) {
	if c.Publisher != nil {
		c.Publisher.Publish(channel, payload)
	}
}

func (c *Coordinator) markAvailable(ctx context.Context, d *models.Driver) {
	if c.Index == nil {
		return
	}
	if err := c.Index.MarkAvailable(ctx, *d); err != nil {
		c.Logger.Warn("driver index update failed", "driver_id", d.ID, "error", err)
	}
}

func (c *Coordinator) markUnavailable(ctx context.Context, userID string) {
	if c.Index == nil {
		return
	}
	if err := c.Index.MarkUnavailable(ctx, userID); err != nil {
		c.Logger.Warn("driver index update failed", "driver_user_id", userID, "error", err)
	}
}

func (c *Coordinator) holdFare(ctx context.Context, ride *models.Ride) {
	if c.Charger == nil || ride.Fare <= 0 {
		return
	}
	if err := c.Charger.Hold(ctx, ride.ID, toMinorUnits(ride.Fare), ride.RiderID); err != nil {
		observability.PaymentFailures.Inc()
		c.Logger.Warn("fare hold failed", "ride_id", ride.ID, "error", err)
	}
}

func (c *Coordinator) captureFare(ctx context.Context, ride *models.Ride) {
	if c.Charger == nil || ride.Fare <= 0 {
		return
	}
	if err := c.Charger.Capture(ctx, ride.ID); err != nil {
		observability.PaymentFailures.Inc()
		c.Logger.Warn("fare capture failed", "ride_id", ride.ID, "error", err)
		return
	}
	c.publish(notify.ChannelUserPayments(ride.RiderID), ride)
}

func (c *Coordinator) releaseFare(ctx context.Context, ride *models.Ride) {
	if c.Charger == nil || ride.Fare <= 0 {
		return
	}
	if err := c.Charger.Release(ctx, ride.ID); err != nil {
		observability.PaymentFailures.Inc()
		c.Logger.Warn("fare release failed", "ride_id", ride.ID, "error", err)
	}
}

func toMinorUnits(fare float64) int64 { return int64(fare*100 + 0.5) }

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
