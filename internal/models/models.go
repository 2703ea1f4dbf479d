package models

import "time"

// VehicleType is the closed set of vehicle categories a ride can request.
type VehicleType string

const (
	VehicleBike VehicleType = "bike"
	VehicleCar  VehicleType = "car"
	VehicleAuto VehicleType = "auto"
)

// Known reports whether v is one of the registered vehicle types.
func (v VehicleType) Known() bool {
	switch v {
	case VehicleBike, VehicleCar, VehicleAuto:
		return true
	}
	return false
}

// RideStatus is the ride lifecycle state.
type RideStatus string

const (
	RidePending    RideStatus = "PENDING"
	RideAccepted   RideStatus = "ACCEPTED"
	RideInProgress RideStatus = "IN_PROGRESS"
	RideCompleted  RideStatus = "COMPLETED"
	RideCancelled  RideStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further transitions.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

type DriverStatus string

const (
	DriverOffline   DriverStatus = "OFFLINE"
	DriverAvailable DriverStatus = "AVAILABLE"
	DriverBusy      DriverStatus = "BUSY"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionEnded     SessionStatus = "ENDED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// Terminal reports whether the session status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionCancelled
}

// Creator tags recorded on a tracking session.
const (
	CreatedByRider  = "rider"
	CreatedByDriver = "driver"
	CreatedBySystem = "system"
)

// Ride is one transportation request from creation to a terminal outcome.
// DriverID holds the assigned driver's external user id, empty while the
// ride is unassigned. DistanceKm/DurationMin stay nil for a booking
// without a dropoff (a request-for-quote placeholder; fare defaults to 0).
type Ride struct {
	ID          string      `json:"id"`
	RiderID     string      `json:"rider_id"`
	VehicleType VehicleType `json:"vehicle_type"`
	Pickup      string      `json:"pickup_location"`
	Dropoff     string      `json:"dropoff_location,omitempty"`
	Fare        float64     `json:"fare"`
	DistanceKm  *float64    `json:"distance_km,omitempty"`
	DurationMin *float64    `json:"duration_min,omitempty"`
	DriverID    string      `json:"driver_id,omitempty"`
	Status      RideStatus  `json:"status"`

	// Version increments on every committed mutation; conditional store
	// updates use it to reject a stale writer.
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Driver persists across many rides; Status oscillates with each
// assignment cycle. UserID is the stable external identifier used as the
// foreign key on Ride.
type Driver struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Name        string       `json:"name"`
	VehicleType VehicleType  `json:"vehicle_type"`
	NumberPlate string       `json:"number_plate"`
	Approved    bool         `json:"approved"`
	Status      DriverStatus `json:"status"`
	Version     int64        `json:"-"`
}

// TrackingSession pairs 1:1 with an active ride assignment. It references
// its ride and driver by id only; callers look the records up when they
// need their fields.
type TrackingSession struct {
	ID             string        `json:"id"`
	RideID         string        `json:"ride_id"`
	DriverID       string        `json:"driver_id"`
	RiderID        string        `json:"rider_id"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	Status         SessionStatus `json:"status"`
	CreatedBy      string        `json:"created_by"`
	DriverAccepted bool          `json:"driver_accepted"`
	RiderAccepted  bool          `json:"rider_accepted"`
}
