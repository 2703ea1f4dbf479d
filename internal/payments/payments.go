// Package payments holds fare funds against a ride and settles them when
// the ride reaches a terminal state. All calls are best-effort from the
// coordinator's point of view: a payment failure never blocks a ride
// transition.
package payments

import "context"

// Charger is the payment collaborator consumed by the coordinator.
type Charger interface {
	// Hold reserves the fare amount (smallest currency unit) for a ride.
	Hold(ctx context.Context, rideID string, amount int64, customerID string) error
	// Capture settles a previously held amount after completion.
	Capture(ctx context.Context, rideID string) error
	// Release frees a held amount after cancellation.
	Release(ctx context.Context, rideID string) error
}

// NopCharger is used when no payment provider is configured.
type NopCharger struct{}

func (NopCharger) Hold(ctx context.Context, rideID string, amount int64, customerID string) error {
	return nil
}
func (NopCharger) Capture(ctx context.Context, rideID string) error { return nil }
func (NopCharger) Release(ctx context.Context, rideID string) error { return nil }
