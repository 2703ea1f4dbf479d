package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
)

type fakeMirror struct {
	failSRem                        int // number of times SRem fails before succeeding
	sremCalls, saddCalls, hsetCalls int
	added, removed                  []string
}

func (f *fakeMirror) SAdd(ctx context.Context, key, member string) error {
	f.saddCalls++
	f.added = append(f.added, member)
	return nil
}

func (f *fakeMirror) SRem(ctx context.Context, key, member string) error {
	f.sremCalls++
	if f.sremCalls <= f.failSRem {
		return errors.New("srem fail")
	}
	f.removed = append(f.removed, member)
	return nil
}

func (f *fakeMirror) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hsetCalls++
	return nil
}

func rideEvent(t *testing.T, ride models.Ride) notify.Event {
	t.Helper()
	b, err := json.Marshal(ride)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return notify.Event{Channel: notify.ChannelRideUpdates(ride.ID), Payload: b, Timestamp: time.Now()}
}

func TestApplyEventClaimRemovesDriver(t *testing.T) {
	f := &fakeMirror{}
	ev := rideEvent(t, models.Ride{ID: "r1", DriverID: "du1", Status: models.RideAccepted})

	if err := applyEvent(context.Background(), f, "drivers_available", ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(f.removed) != 1 || f.removed[0] != "du1" {
		t.Fatalf("expected du1 removed, got %v", f.removed)
	}
	if f.hsetCalls != 1 {
		t.Fatalf("expected status mirror write, got %d", f.hsetCalls)
	}
}

func TestApplyEventCompletionReturnsDriver(t *testing.T) {
	f := &fakeMirror{}
	ev := rideEvent(t, models.Ride{ID: "r1", DriverID: "du1", Status: models.RideCompleted})

	if err := applyEvent(context.Background(), f, "drivers_available", ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(f.added) != 1 || f.added[0] != "du1" {
		t.Fatalf("expected du1 returned, got %v", f.added)
	}
}

func TestApplyEventCancelLeavesSetAlone(t *testing.T) {
	f := &fakeMirror{}
	ev := rideEvent(t, models.Ride{ID: "r1", DriverID: "du1", Status: models.RideCancelled})

	if err := applyEvent(context.Background(), f, "drivers_available", ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if f.saddCalls != 0 || len(f.removed) != 0 {
		t.Fatalf("availability set must not change on cancel: %+v", f)
	}
}

func TestApplyEventIgnoresOtherChannels(t *testing.T) {
	f := &fakeMirror{}
	ev := notify.Event{Channel: notify.ChannelRideRequests, Payload: []byte(`{"id":"r1"}`), Timestamp: time.Now()}

	if err := applyEvent(context.Background(), f, "drivers_available", ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if f.hsetCalls != 0 || f.saddCalls != 0 || f.sremCalls != 0 {
		t.Fatalf("no redis writes expected: %+v", f)
	}
}

func TestApplyEventWithRetry(t *testing.T) {
	f := &fakeMirror{failSRem: 1}
	ev := rideEvent(t, models.Ride{ID: "r1", DriverID: "du1", Status: models.RideAccepted})

	start := time.Now()
	if err := applyEventWithRetry(context.Background(), f, "drivers_available", ev, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if f.sremCalls < 2 {
		t.Fatalf("expected a retry, got %d calls", f.sremCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("expected at least one backoff")
	}
}

func TestApplyEventWithRetryExhausted(t *testing.T) {
	f := &fakeMirror{failSRem: 5}
	ev := rideEvent(t, models.Ride{ID: "r1", DriverID: "du1", Status: models.RideAccepted})

	if err := applyEventWithRetry(context.Background(), f, "drivers_available", ev, 3, time.Millisecond); err == nil {
		t.Fatal("expected error after retries exhausted")
	}
}
