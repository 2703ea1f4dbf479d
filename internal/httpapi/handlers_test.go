package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/route"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

type stubEstimator struct{}

func (stubEstimator) Estimate(ctx context.Context, pickup, dropoff string) (route.Estimate, error) {
	return route.Estimate{DistanceKm: 10, DurationMin: 20}, nil
}

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	tm := tracking.NewManager(store, slog.Default())
	coord := &dispatch.Coordinator{
		Store:     store,
		Estimator: stubEstimator{},
		Sessions:  tm,
		Logger:    slog.Default(),
	}
	return NewServer(coord, tm, notify.NewWSRegistry(), slog.Default()), store
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestBookRide(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/rides", `{"rider_id":"r1","vehicle_type":"car","pickup":"A","dropoff":"B"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var ride models.Ride
	if err := json.Unmarshal(rec.Body.Bytes(), &ride); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ride.Status != models.RidePending || ride.Fare != 360 {
		t.Fatalf("unexpected ride %+v", ride)
	}
}

func TestBookRideValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/api/v1/rides", `{"vehicle_type":"car","pickup":"A"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetUnknownRide(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/api/v1/rides/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAssignEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	if err := store.CreateDriver(ctx, &models.Driver{ID: "d1", UserID: "du1", Name: "A", VehicleType: models.VehicleCar, NumberPlate: "P1", Approved: true, Status: models.DriverAvailable}); err != nil {
		t.Fatalf("seed driver: %v", err)
	}

	rec := doJSON(t, srv, "POST", "/api/v1/rides", `{"rider_id":"r1","vehicle_type":"car","pickup":"A","dropoff":"B"}`)
	var ride models.Ride
	json.Unmarshal(rec.Body.Bytes(), &ride)

	rec = doJSON(t, srv, "POST", "/api/v1/rides/"+ride.ID+"/assign", `{"driver_id":"d1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var updated models.Ride
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Status != models.RideAccepted || updated.DriverID != "du1" {
		t.Fatalf("ride not assigned: %+v", updated)
	}

	// a second claim on the same ride conflicts
	if err := store.CreateDriver(ctx, &models.Driver{ID: "d2", UserID: "du2", Name: "B", VehicleType: models.VehicleCar, NumberPlate: "P2", Approved: true, Status: models.DriverAvailable}); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	rec = doJSON(t, srv, "POST", "/api/v1/rides/"+ride.ID+"/assign", `{"driver_id":"d2"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRiderAcceptForbidden(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/api/v1/rides", `{"rider_id":"r1","vehicle_type":"car","pickup":"A","dropoff":"B"}`)
	var ride models.Ride
	json.Unmarshal(rec.Body.Bytes(), &ride)

	rec = doJSON(t, srv, "POST", "/api/v1/rides/"+ride.ID+"/rider-accept", `{"rider_id":"intruder"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestTrackingSummaryEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	store.CreateDriver(ctx, &models.Driver{ID: "d1", UserID: "du1", Name: "A", VehicleType: models.VehicleCar, NumberPlate: "P1", Approved: true, Status: models.DriverAvailable})

	rec := doJSON(t, srv, "POST", "/api/v1/rides", `{"rider_id":"r1","vehicle_type":"car","pickup":"A","dropoff":"B"}`)
	var ride models.Ride
	json.Unmarshal(rec.Body.Bytes(), &ride)
	doJSON(t, srv, "POST", "/api/v1/rides/"+ride.ID+"/assign", `{"driver_id":"d1"}`)

	rec = doJSON(t, srv, "GET", "/api/v1/rides/"+ride.ID+"/tracking", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sum tracking.Summary
	json.Unmarshal(rec.Body.Bytes(), &sum)
	if !sum.HasActive || !sum.DriverAccepted || sum.RiderAccepted {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
