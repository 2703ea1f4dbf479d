package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// RegisterDriver onboards a driver. New drivers start OFFLINE; the
// approval flag comes from the external onboarding flow and gates the
// transition to AVAILABLE.
func (c *Coordinator) RegisterDriver(ctx context.Context, d *models.Driver) (*models.Driver, error) {
	if d == nil || d.Name == "" || d.UserID == "" || d.VehicleType == "" || d.NumberPlate == "" {
		return nil, fmt.Errorf("%w: name, user id, vehicle type and number plate are required", models.ErrValidation)
	}
	if !d.VehicleType.Known() {
		return nil, fmt.Errorf("%w: unknown vehicle type %q", models.ErrValidation, d.VehicleType)
	}
	if _, err := c.Store.GetDriverByUserID(ctx, d.UserID); err == nil {
		return nil, fmt.Errorf("%w: driver with user id %s already exists", models.ErrValidation, d.UserID)
	}
	if d.ID == "" {
		d.ID = newID()
	}
	d.Status = models.DriverOffline
	if err := c.Store.CreateDriver(ctx, d); err != nil {
		return nil, fmt.Errorf("create driver: %w", err)
	}
	c.Logger.Info("driver registered", "driver_id", d.ID, "user_id", d.UserID, "approved", d.Approved)
	return d, nil
}

// SetDriverStatus moves a driver between OFFLINE and AVAILABLE. BUSY is
// owned by the assignment cycle and cannot be set directly; an unapproved
// driver cannot leave OFFLINE; a BUSY driver cannot go offline under an
// active assignment.
func (c *Coordinator) SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	unlock := c.driverLocks.lock(driverID)
	defer unlock()

	driver, err := c.getDriver(ctx, driverID)
	if err != nil {
		return err
	}

	switch status {
	case models.DriverAvailable:
		if !driver.Approved {
			return fmt.Errorf("%w: driver %s is not approved", models.ErrInvalidTransition, driverID)
		}
		if driver.Status == models.DriverBusy {
			return fmt.Errorf("%w: driver %s is busy", models.ErrInvalidTransition, driverID)
		}
	case models.DriverOffline:
		if driver.Status == models.DriverBusy {
			return fmt.Errorf("%w: driver %s has an active assignment", models.ErrInvalidTransition, driverID)
		}
	default:
		return fmt.Errorf("%w: status %s is not settable directly", models.ErrInvalidTransition, status)
	}

	ver := driver.Version
	driver.Status = status
	if err := casErr("driver", driverID, c.Store.UpdateDriver(ctx, driver, ver)); err != nil {
		return err
	}

	if status == models.DriverAvailable {
		c.markAvailable(ctx, driver)
	} else {
		c.markUnavailable(ctx, driver.UserID)
	}
	c.Logger.Info("driver status changed", "driver_id", driverID, "status", status)
	return nil
}

// AvailableDrivers lists the user ids of drivers currently open for
// dispatch, optionally filtered by vehicle type. The index answers when
// configured; otherwise the store is scanned.
func (c *Coordinator) AvailableDrivers(ctx context.Context, vt models.VehicleType) ([]string, error) {
	if c.Index != nil {
		return c.Index.Available(ctx, vt)
	}
	drivers, err := c.Store.ListDriversByStatus(ctx, models.DriverAvailable)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(drivers))
	for _, d := range drivers {
		if vt != "" && d.VehicleType != vt {
			continue
		}
		out = append(out, d.UserID)
	}
	return out, nil
}

// GetRide returns a ride by id.
func (c *Coordinator) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return c.getRide(ctx, rideID)
}

// ListRides returns all rides ordered by creation time.
func (c *Coordinator) ListRides(ctx context.Context) ([]*models.Ride, error) {
	return c.Store.ListRides(ctx)
}

// ActiveRideForRider returns the rider's most recent non-terminal ride.
func (c *Coordinator) ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	r, err := c.Store.ActiveRideForRider(ctx, riderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no active ride for rider %s", models.ErrNotFound, riderID)
	}
	return r, err
}

// ActiveRideForDriver returns the driver's most recent non-terminal ride.
func (c *Coordinator) ActiveRideForDriver(ctx context.Context, driverUserID string) (*models.Ride, error) {
	r, err := c.Store.ActiveRideForDriver(ctx, driverUserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no active ride for driver %s", models.ErrNotFound, driverUserID)
	}
	return r, err
}

// DriverRideHistory returns every ride assigned to the driver.
func (c *Coordinator) DriverRideHistory(ctx context.Context, driverUserID string) ([]*models.Ride, error) {
	return c.Store.RidesByDriver(ctx, driverUserID)
}

// DriverEarnings sums the fares of the driver's completed rides.
func (c *Coordinator) DriverEarnings(ctx context.Context, driverUserID string) (float64, error) {
	rides, err := c.Store.RidesByDriver(ctx, driverUserID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, r := range rides {
		if r.Status == models.RideCompleted {
			total += r.Fare
		}
	}
	return total, nil
}
