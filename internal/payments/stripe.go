package payments

import (
	"context"
	"fmt"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeCharger implements Charger on stripe PaymentIntents with
// capture_method=manual: Hold creates the intent, Capture finalizes it,
// Release cancels it. Intent ids are remembered per ride until settled.
type StripeCharger struct {
	Currency string

	mu      sync.Mutex
	intents map[string]string // ride id -> payment intent id
}

// NewStripeCharger initializes the stripe client with the given API key.
func NewStripeCharger(apiKey, currency string) *StripeCharger {
	stripe.Key = apiKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeCharger{Currency: currency, intents: make(map[string]string)}
}

func (s *StripeCharger) Hold(ctx context.Context, rideID string, amount int64, customerID string) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(s.Currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.intents[rideID] = pi.ID
	s.mu.Unlock()
	return nil
}

func (s *StripeCharger) Capture(ctx context.Context, rideID string) error {
	id, err := s.take(rideID)
	if err != nil {
		return err
	}
	_, err = paymentintent.Capture(id, nil)
	return err
}

func (s *StripeCharger) Release(ctx context.Context, rideID string) error {
	id, err := s.take(rideID)
	if err != nil {
		return err
	}
	_, err = paymentintent.Cancel(id, nil)
	return err
}

func (s *StripeCharger) take(rideID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.intents[rideID]
	if !ok {
		return "", fmt.Errorf("no payment hold for ride %s", rideID)
	}
	delete(s.intents, rideID)
	return id, nil
}
