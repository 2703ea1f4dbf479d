// Package notify fans ride state-change events out to interested
// observers. Publishing is strictly best-effort: a failed or slow sink is
// logged and counted but never affects the state transition that produced
// the event.
package notify

import "context"

// Channel names. Ride requests go to a single global channel; updates go
// to a per-ride channel; payment events to a per-user channel.
const ChannelRideRequests = "rideRequests"

func ChannelRideUpdates(rideID string) string { return "rideUpdates/" + rideID }

func ChannelUserPayments(userID string) string { return "payments/" + userID }

// Sink delivers an entity snapshot to one transport. Implementations
// return an error for accounting only; callers never act on it.
type Sink interface {
	Name() string
	Publish(ctx context.Context, channel string, payload any) error
}
