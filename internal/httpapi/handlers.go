package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/tracking"
)

// Server exposes the dispatch coordinator over HTTP plus a websocket
// endpoint for subscribing to notification channels.
type Server struct {
	Coordinator *dispatch.Coordinator
	Tracking    *tracking.Manager
	WSReg       *notify.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(coord *dispatch.Coordinator, tm *tracking.Manager, wsreg *notify.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{Coordinator: coord, Tracking: tm, WSReg: wsreg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides", s.handleBookRide).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/assign", s.handleAssign).Methods("POST")
	api.HandleFunc("/rides/{id}/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/rides/{id}/rider-accept", s.handleRiderAccept).Methods("POST")
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/rides/{id}/relocate", s.handleRelocate).Methods("POST")
	api.HandleFunc("/rides/{id}/rebook", s.handleRebook).Methods("POST")
	api.HandleFunc("/rides/{id}/tracking", s.handleTrackingSummary).Methods("GET")
	api.HandleFunc("/rides/{id}/tracking/accept", s.handleTrackingAccept).Methods("POST")
	api.HandleFunc("/rides/{id}/sessions", s.handleRideSessions).Methods("GET")

	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/riders/{id}/active-ride", s.handleRiderActiveRide).Methods("GET")
	api.HandleFunc("/riders/{id}/sessions", s.handleRiderSessions).Methods("GET")

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods("POST")
	api.HandleFunc("/drivers/available", s.handleAvailableDrivers).Methods("GET")
	api.HandleFunc("/drivers/{id}/status", s.handleDriverStatus).Methods("POST")
	api.HandleFunc("/drivers/{id}/active-ride", s.handleDriverActiveRide).Methods("GET")
	api.HandleFunc("/drivers/{id}/rides", s.handleDriverRides).Methods("GET")
	api.HandleFunc("/drivers/{id}/earnings", s.handleDriverEarnings).Methods("GET")
	api.HandleFunc("/drivers/{id}/sessions", s.handleDriverSessions).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{channel:.+}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type bookRideBody struct {
	RiderID     string   `json:"rider_id"`
	VehicleType string   `json:"vehicle_type"`
	Pickup      string   `json:"pickup"`
	Dropoff     string   `json:"dropoff"`
	Fare        *float64 `json:"fare,omitempty"`
}

func (s *Server) handleBookRide(w http.ResponseWriter, r *http.Request) {
	var body bookRideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, errInvalidBody(err))
		return
	}
	ride, err := s.Coordinator.RequestRide(r.Context(), dispatch.RideRequest{
		RiderID:     body.RiderID,
		VehicleType: models.VehicleType(body.VehicleType),
		Pickup:      body.Pickup,
		Dropoff:     body.Dropoff,
		Fare:        body.Fare,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.Coordinator.ListRides(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Coordinator.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type driverActionBody struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.Coordinator.AssignDriver)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.Coordinator.DriverReject)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.Coordinator.StartRide)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.Coordinator.CompleteRide)
}

// driverTransition factors the common shape of the driver-initiated ride
// transitions: decode the driver id, apply, return the refreshed ride.
func (s *Server) driverTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, driverID, rideID string) error) {
	var body driverActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, errInvalidBody(err))
		return
	}
	rideID := mux.Vars(r)["id"]
	if err := op(r.Context(), body.DriverID, rideID); err != nil {
		writeErr(w, err)
		return
	}
	s.respondWithRide(w, r, rideID)
}

func (s *Server) handleRiderAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RiderID string `json:"rider_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, errInvalidBody(err))
		return
	}
	rideID := mux.Vars(r)["id"]
	if err := s.Coordinator.RiderAccept(r.Context(), rideID, body.RiderID); err != nil {
		writeErr(w, err)
		return
	}
	s.respondWithRide(w, r, rideID)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	if err := s.Coordinator.CancelRide(r.Context(), rideID); err != nil {
		writeErr(w, err)
		return
	}
	s.respondWithRide(w, r, rideID)
}

type relocateBody struct {
	Pickup  string `json:"pickup"`
	Dropoff string `json:"dropoff"`
}

func (s *Server) handleRelocate(w http.ResponseWriter, r *http.Request) {
	var body relocateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, errInvalidBody(err))
		return
	}
	ride, err := s.Coordinator.RelocateRide(r.Context(), mux.Vars(r)["id"], body.Pickup, body.Dropoff)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRebook(w http.ResponseWriter, r *http.Request) {
	var body relocateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, errInvalidBody(err))
		return
	}
	ride, err := s.Coordinator.RebookRide(r.Context(), mux.Vars(r)["id"], body.Pickup, body.Dropoff)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleTrackingSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Tracking.ActiveSummary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleTrackingAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RiderID string `json:"rider_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, errInvalidBody(err))
		return
	}
	rideID := mux.Vars(r)["id"]
	ride, err := s.Coordinator.GetRide(r.Context(), rideID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.Tracking.RiderAccept(r.Context(), ride, body.RiderID); err != nil {
		writeErr(w, err)
		return
	}
	sum, err := s.Tracking.ActiveSummary(r.Context(), rideID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleRideSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Tracking.ListByRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.Tracking.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRiderSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Tracking.ListByRider(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleDriverSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Tracking.ListByDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleRiderActiveRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Coordinator.ActiveRideForRider(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeErr(w, errInvalidBody(err))
		return
	}
	out, err := s.Coordinator.RegisterDriver(r.Context(), &d)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, errInvalidBody(err))
		return
	}
	if err := s.Coordinator.SetDriverStatus(r.Context(), mux.Vars(r)["id"], models.DriverStatus(body.Status)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailableDrivers(w http.ResponseWriter, r *http.Request) {
	vt := models.VehicleType(r.URL.Query().Get("vehicle_type"))
	ids, err := s.Coordinator.AvailableDrivers(r.Context(), vt)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleDriverActiveRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Coordinator.ActiveRideForDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDriverRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.Coordinator.DriverRideHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleDriverEarnings(w http.ResponseWriter, r *http.Request) {
	total, err := s.Coordinator.DriverEarnings(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"earnings": total})
}

var upgrader = websocket.Upgrader{}

// handleWS subscribes the connection to a notification channel, for
// example rideRequests or rideUpdates/<ride id>. The read loop exists only
// to detect the peer closing.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	session := s.WSReg.Subscribe(channel, conn)
	go func() {
		defer func() {
			s.WSReg.Unsubscribe(channel, session)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) respondWithRide(w http.ResponseWriter, r *http.Request, rideID string) {
	ride, err := s.Coordinator.GetRide(r.Context(), rideID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errInvalidBody(err error) error {
	return errors.Join(models.ErrValidation, err)
}

// writeErr maps the coordinator's error kinds onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, models.ErrUnauthorized):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
