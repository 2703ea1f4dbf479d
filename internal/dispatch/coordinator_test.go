package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/route"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

type fakeEstimator struct {
	est route.Estimate
	err error
}

func (f *fakeEstimator) Estimate(ctx context.Context, pickup, dropoff string) (route.Estimate, error) {
	if f.err != nil {
		return route.Estimate{}, f.err
	}
	return f.est, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakePublisher) Publish(channel string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, channel)
}

func (f *fakePublisher) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.events {
		if c == channel {
			n++
		}
	}
	return n
}

type fakeCharger struct {
	mu                     sync.Mutex
	holds, captures, frees int
}

func (f *fakeCharger) Hold(ctx context.Context, rideID string, amount int64, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds++
	return nil
}

func (f *fakeCharger) Capture(ctx context.Context, rideID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return nil
}

func (f *fakeCharger) Release(ctx context.Context, rideID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frees++
	return nil
}

type testEnv struct {
	coord    *Coordinator
	store    *storage.MemoryStore
	pub      *fakePublisher
	charger  *fakeCharger
	sessions *tracking.Manager
}

func newTestEnv(est route.Estimator) *testEnv {
	store := storage.NewMemoryStore()
	pub := &fakePublisher{}
	charger := &fakeCharger{}
	sessions := tracking.NewManager(store, slog.Default())
	coord := &Coordinator{
		Store:     store,
		Estimator: est,
		Publisher: pub,
		Sessions:  sessions,
		Charger:   charger,
		Index:     geo.NewMemoryIndex(),
		Logger:    slog.Default(),
	}
	return &testEnv{coord: coord, store: store, pub: pub, charger: charger, sessions: sessions}
}

func (e *testEnv) addDriver(t *testing.T, id, userID string, status models.DriverStatus) *models.Driver {
	t.Helper()
	d := &models.Driver{ID: id, UserID: userID, Name: "Driver " + id, VehicleType: models.VehicleCar, NumberPlate: "CAB-" + id, Approved: true, Status: status}
	if err := e.store.CreateDriver(context.Background(), d); err != nil {
		t.Fatalf("create driver: %v", err)
	}
	return d
}

func (e *testEnv) bookRide(t *testing.T, riderID string) *models.Ride {
	t.Helper()
	r, err := e.coord.RequestRide(context.Background(), RideRequest{
		RiderID: riderID, VehicleType: models.VehicleCar, Pickup: "A", Dropoff: "B",
	})
	if err != nil {
		t.Fatalf("request ride: %v", err)
	}
	return r
}

func TestRequestRideComputesFare(t *testing.T) {
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	r := env.bookRide(t, "r1")

	if r.Status != models.RidePending || r.DriverID != "" {
		t.Fatalf("new ride must be PENDING and unassigned, got %s/%q", r.Status, r.DriverID)
	}
	if r.Fare != 360 {
		t.Fatalf("expected fare 360, got %f", r.Fare)
	}
	if env.pub.count(notify.ChannelRideRequests) != 1 {
		t.Fatal("ride request not broadcast")
	}
}

func TestRequestRideFallsBackOnEstimatorFailure(t *testing.T) {
	env := newTestEnv(&fakeEstimator{err: errors.New("routing down")})
	r := env.bookRide(t, "r1")

	if *r.DistanceKm != route.FallbackDistanceKm || *r.DurationMin != route.FallbackDurationMin {
		t.Fatalf("expected fallback route, got %f/%f", *r.DistanceKm, *r.DurationMin)
	}
	if r.Fare != 215 {
		t.Fatalf("expected fare 215, got %f", r.Fare)
	}
}

func TestRequestRideWithoutDropoff(t *testing.T) {
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	r, err := env.coord.RequestRide(context.Background(), RideRequest{
		RiderID: "r1", VehicleType: models.VehicleBike, Pickup: "A",
	})
	if err != nil {
		t.Fatalf("request ride: %v", err)
	}
	if r.Fare != 0 || r.DistanceKm != nil || r.DurationMin != nil {
		t.Fatalf("quote placeholder must have zero fare and no route, got %+v", r)
	}
}

func TestRequestRideExplicitFare(t *testing.T) {
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	f := 99.0
	r, err := env.coord.RequestRide(context.Background(), RideRequest{
		RiderID: "r1", VehicleType: models.VehicleCar, Pickup: "A", Dropoff: "B", Fare: &f,
	})
	if err != nil {
		t.Fatalf("request ride: %v", err)
	}
	if r.Fare != 99.0 {
		t.Fatalf("explicit fare ignored, got %f", r.Fare)
	}
}

func TestRequestRideValidation(t *testing.T) {
	env := newTestEnv(nil)
	_, err := env.coord.RequestRide(context.Background(), RideRequest{VehicleType: models.VehicleCar, Pickup: "A"})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAssignDriver(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	d := env.addDriver(t, "d1", "du1", models.DriverAvailable)
	r := env.bookRide(t, "r1")

	if err := env.coord.AssignDriver(ctx, d.ID, r.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}

	got, _ := env.store.GetRide(ctx, r.ID)
	if got.Status != models.RideAccepted || got.DriverID != "du1" {
		t.Fatalf("ride not claimed: %s/%q", got.Status, got.DriverID)
	}
	gotD, _ := env.store.GetDriver(ctx, d.ID)
	if gotD.Status != models.DriverBusy {
		t.Fatalf("driver not busy: %s", gotD.Status)
	}
	if env.pub.count(notify.ChannelRideUpdates(r.ID)) != 1 {
		t.Fatal("per-ride update not published")
	}
	sum, _ := env.sessions.ActiveSummary(ctx, r.ID)
	if !sum.HasActive || !sum.DriverAccepted {
		t.Fatalf("tracking session not started by assignment: %+v", sum)
	}
	if env.charger.holds != 1 {
		t.Fatalf("expected 1 fare hold, got %d", env.charger.holds)
	}
}

func TestAssignDriverSecondClaimFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	d1 := env.addDriver(t, "d1", "du1", models.DriverAvailable)
	d2 := env.addDriver(t, "d2", "du2", models.DriverAvailable)
	r := env.bookRide(t, "r1")

	if err := env.coord.AssignDriver(ctx, d1.ID, r.ID); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if err := env.coord.AssignDriver(ctx, d2.ID, r.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	gotD2, _ := env.store.GetDriver(ctx, d2.ID)
	if gotD2.Status != models.DriverAvailable {
		t.Fatalf("losing driver must stay available, got %s", gotD2.Status)
	}
}

func TestAssignDriverConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	d1 := env.addDriver(t, "d1", "du1", models.DriverAvailable)
	d2 := env.addDriver(t, "d2", "du2", models.DriverAvailable)
	r := env.bookRide(t, "r1")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i, id := range []string{d1.ID, d2.ID} {
		go func(i int, driverID string) {
			defer wg.Done()
			errs[i] = env.coord.AssignDriver(ctx, driverID, r.ID)
		}(i, id)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, models.ErrInvalidTransition) {
			t.Fatalf("loser must fail with invalid transition, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	got, _ := env.store.GetRide(ctx, r.ID)
	if got.DriverID != "du1" && got.DriverID != "du2" {
		t.Fatalf("ride assigned to unknown driver %q", got.DriverID)
	}
	busy := 0
	for _, id := range []string{d1.ID, d2.ID} {
		d, _ := env.store.GetDriver(ctx, id)
		if d.Status == models.DriverBusy {
			busy++
		}
	}
	if busy != 1 {
		t.Fatalf("expected exactly one busy driver, got %d", busy)
	}
}

func TestDriverRejectNoopFromPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	d := env.addDriver(t, "d1", "du1", models.DriverAvailable)
	r := env.bookRide(t, "r1")

	if err := env.coord.DriverReject(ctx, d.ID, r.ID); err != nil {
		t.Fatalf("reject from pending must succeed: %v", err)
	}
	got, _ := env.store.GetRide(ctx, r.ID)
	if got.Status != models.RidePending {
		t.Fatalf("ride must stay pending, got %s", got.Status)
	}
}

func TestDriverRejectRevertsAssignment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	d := env.addDriver(t, "d1", "du1", models.DriverAvailable)
	r := env.bookRide(t, "r1")
	if err := env.coord.AssignDriver(ctx, d.ID, r.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	requestsBefore := env.pub.count(notify.ChannelRideRequests)

	if err := env.coord.DriverReject(ctx, d.ID, r.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, _ := env.store.GetRide(ctx, r.ID)
	if got.Status != models.RidePending || got.DriverID != "" {
		t.Fatalf("assignment not reverted: %s/%q", got.Status, got.DriverID)
	}
	gotD, _ := env.store.GetDriver(ctx, d.ID)
	if gotD.Status != models.DriverAvailable {
		t.Fatalf("driver not freed: %s", gotD.Status)
	}
	if env.pub.count(notify.ChannelRideRequests) != requestsBefore+1 {
		t.Fatal("ride not re-broadcast on the request channel")
	}
}

func TestDriverRejectByWrongDriver(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	d1 := env.addDriver(t, "d1", "du1", models.DriverAvailable)
	d2 := env.addDriver(t, "d2", "du2", models.DriverAvailable)
	r := env.bookRide(t, "r1")
	_ = env.coord.AssignDriver(ctx, d1.ID, r.ID)

	if err := env.coord.DriverReject(ctx, d2.ID, r.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestRiderAccept(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	r := env.bookRide(t, "r1")

	// rider acknowledgment works from PENDING with no driver assigned
	if err := env.coord.RiderAccept(ctx, r.ID, "r1"); err != nil {
		t.Fatalf("rider accept: %v", err)
	}
	got, _ := env.store.GetRide(ctx, r.ID)
	if got.Status != models.RideAccepted {
		t.Fatalf("expected ACCEPTED, got %s", got.Status)
	}
}

func TestRiderAcceptUnauthorized(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	r := env.bookRide(t, "r1")

	err := env.coord.RiderAccept(ctx, r.ID, "someone-else")
	if !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	got, _ := env.store.GetRide(ctx, r.ID)
	if got.Status != models.RidePending {
		t.Fatalf("status must be unchanged, got %s", got.Status)
	}
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	d := env.addDriver(t, "d1", "du1", models.DriverAvailable)
	r := env.bookRide(t, "r1")

	if err := env.coord.AssignDriver(ctx, d.ID, r.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := env.coord.StartRide(ctx, d.ID, r.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, _ := env.store.GetRide(ctx, r.ID)
	if got.Status != models.RideInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", got.Status)
	}

	if err := env.coord.CompleteRide(ctx, d.ID, r.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = env.store.GetRide(ctx, r.ID)
	if got.Status != models.RideCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	gotD, _ := env.store.GetDriver(ctx, d.ID)
	if gotD.Status != models.DriverAvailable {
		t.Fatalf("driver not freed after completion: %s", gotD.Status)
	}
	sum, _ := env.sessions.ActiveSummary(ctx, r.ID)
	if sum.HasActive {
		t.Fatal("tracking session still active after completion")
	}
	if env.charger.captures != 1 {
		t.Fatalf("expected fare capture, got %d", env.charger.captures)
	}

	earnings, _ := env.coord.DriverEarnings(ctx, "du1")
	if earnings != got.Fare {
		t.Fatalf("expected earnings %f, got %f", got.Fare, earnings)
	}
}

func TestStartRideRequiresAssignedDriver(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	d1 := env.addDriver(t, "d1", "du1", models.DriverAvailable)
	d2 := env.addDriver(t, "d2", "du2", models.DriverAvailable)
	r := env.bookRide(t, "r1")
	_ = env.coord.AssignDriver(ctx, d1.ID, r.ID)

	if err := env.coord.StartRide(ctx, d2.ID, r.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	d := env.addDriver(t, "d1", "du1", models.DriverAvailable)
	r := env.bookRide(t, "r1")
	_ = env.coord.AssignDriver(ctx, d.ID, r.ID)

	if err := env.coord.CompleteRide(ctx, d.ID, r.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCancelRideIsTerminal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	r := env.bookRide(t, "r1")

	if err := env.coord.CancelRide(ctx, r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := env.coord.CancelRide(ctx, r.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("cancel of cancelled ride must fail, got %v", err)
	}
}

func TestCancelCompletedRideFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	d := env.addDriver(t, "d1", "du1", models.DriverAvailable)
	r := env.bookRide(t, "r1")
	_ = env.coord.AssignDriver(ctx, d.ID, r.ID)
	_ = env.coord.StartRide(ctx, d.ID, r.ID)
	_ = env.coord.CompleteRide(ctx, d.ID, r.ID)

	if err := env.coord.CancelRide(ctx, r.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("cancel of completed ride must fail, got %v", err)
	}
}

// Cancelling an assigned ride deliberately leaves the driver BUSY; the
// upstream system behaves this way and freeing the driver is an explicit,
// separate decision. This test pins the behavior.
func TestCancelLeavesDriverBusy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	d := env.addDriver(t, "d1", "du1", models.DriverAvailable)
	r := env.bookRide(t, "r1")
	_ = env.coord.AssignDriver(ctx, d.ID, r.ID)

	if err := env.coord.CancelRide(ctx, r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	gotD, _ := env.store.GetDriver(ctx, d.ID)
	if gotD.Status != models.DriverBusy {
		t.Fatalf("expected driver to stay BUSY, got %s", gotD.Status)
	}
	// the session ends as CANCELLED before the ride is cancelled
	sessions, _ := env.sessions.ListByRide(ctx, r.ID)
	if len(sessions) != 1 || sessions[0].Status != models.SessionCancelled {
		t.Fatalf("expected one CANCELLED session, got %+v", sessions)
	}
	if env.charger.frees != 1 {
		t.Fatalf("expected fare hold release, got %d", env.charger.frees)
	}
}

func TestRelocateRideRecomputesFare(t *testing.T) {
	ctx := context.Background()
	est := &fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}}
	env := newTestEnv(est)
	r := env.bookRide(t, "r1")

	est.est = route.Estimate{DistanceKm: 2, DurationMin: 5}
	got, err := env.coord.RelocateRide(ctx, r.ID, "C", "D")
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	want := 70 + 25*2.0 + 2*5.0
	if got.Fare != want {
		t.Fatalf("expected fare %f, got %f", want, got.Fare)
	}
	if got.Pickup != "C" || got.Dropoff != "D" || got.Status != models.RidePending {
		t.Fatalf("relocation not applied: %+v", got)
	}
}

func TestRelocateNonPendingFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	d := env.addDriver(t, "d1", "du1", models.DriverAvailable)
	r := env.bookRide(t, "r1")
	_ = env.coord.AssignDriver(ctx, d.ID, r.ID)

	if _, err := env.coord.RelocateRide(ctx, r.ID, "C", "D"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestRebookRide(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(&fakeEstimator{est: route.Estimate{DistanceKm: 10, DurationMin: 20}})
	r := env.bookRide(t, "r1")

	nr, err := env.coord.RebookRide(ctx, r.ID, "C", "D")
	if err != nil {
		t.Fatalf("rebook: %v", err)
	}
	if nr.ID == r.ID {
		t.Fatal("rebook must create a new ride")
	}
	if nr.RiderID != r.RiderID || nr.VehicleType != r.VehicleType {
		t.Fatalf("rider/vehicle not preserved: %+v", nr)
	}
	old, _ := env.store.GetRide(ctx, r.ID)
	if old.Status != models.RideCancelled {
		t.Fatalf("old ride must be cancelled, got %s", old.Status)
	}
}

func TestRegisterDriverAndStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(nil)

	d, err := env.coord.RegisterDriver(ctx, &models.Driver{
		UserID: "du1", Name: "Asha", VehicleType: models.VehicleAuto, NumberPlate: "AU-01", Approved: false,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.Status != models.DriverOffline {
		t.Fatalf("new driver must start OFFLINE, got %s", d.Status)
	}

	// unapproved drivers cannot leave OFFLINE
	if err := env.coord.SetDriverStatus(ctx, d.ID, models.DriverAvailable); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	got, _ := env.store.GetDriver(ctx, d.ID)
	got.Approved = true
	if err := env.store.UpdateDriver(ctx, got, got.Version); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := env.coord.SetDriverStatus(ctx, d.ID, models.DriverAvailable); err != nil {
		t.Fatalf("go available: %v", err)
	}
	ids, _ := env.coord.AvailableDrivers(ctx, models.VehicleAuto)
	if len(ids) != 1 || ids[0] != "du1" {
		t.Fatalf("expected [du1], got %v", ids)
	}

	// BUSY is owned by the assignment cycle
	if err := env.coord.SetDriverStatus(ctx, d.ID, models.DriverBusy); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestDuplicateDriverRegistration(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(nil)
	_, err := env.coord.RegisterDriver(ctx, &models.Driver{UserID: "du1", Name: "A", VehicleType: models.VehicleCar, NumberPlate: "P1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = env.coord.RegisterDriver(ctx, &models.Driver{UserID: "du1", Name: "B", VehicleType: models.VehicleCar, NumberPlate: "P2"})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
