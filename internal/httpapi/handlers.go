package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/faults"
	"github.com/example/ride-dispatch/internal/models"
)

const identityHeader = "X-User-Email"

func (s *Server) handleEstimateRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, faults.New(faults.CodeValidation, "invalid request body"))
		return
	}
	est, err := s.Reservations.EstimateRide(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleOrderRide(w http.ResponseWriter, r *http.Request) {
	email, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, faults.New(faults.CodeValidation, "invalid request body"))
		return
	}
	res, err := s.Reservations.OrderRide(r.Context(), email, req, time.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(email, rideID string) (*models.Ride, error) {
		return s.Lifecycle.Start(r.Context(), email, rideID, time.Now())
	})
}

func (s *Server) handleRequestStop(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(email, rideID string) (*models.Ride, error) {
		return s.Lifecycle.RequestStop(r.Context(), email, rideID)
	})
}

func (s *Server) handleStopEarly(w http.ResponseWriter, r *http.Request) {
	email, ok := s.identity(w, r)
	if !ok {
		return
	}
	var body models.LocationPoint
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, faults.New(faults.CodeValidation, "invalid request body"))
		return
	}
	ride, err := s.Lifecycle.StopEarly(r.Context(), email, mux.Vars(r)["id"], body, time.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(email, rideID string) (*models.Ride, error) {
		return s.Lifecycle.Complete(r.Context(), email, rideID, time.Now())
	})
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	email, ok := s.identity(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	// empty body means no reason; only driver cancellations require one
	_ = json.NewDecoder(r.Body).Decode(&body)
	ride, err := s.Lifecycle.Cancel(r.Context(), email, mux.Vars(r)["id"], body.Reason, time.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(email, rideID string) (*models.Ride, error) {
		return s.Lifecycle.Panic(r.Context(), email, rideID)
	})
}

func (s *Server) handlePassengerActiveRide(w http.ResponseWriter, r *http.Request) {
	email, ok := s.identity(w, r)
	if !ok {
		return
	}
	ride, err := s.Lifecycle.ActiveRideForPassenger(r.Context(), email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDriverActiveRide(w http.ResponseWriter, r *http.Request) {
	email, ok := s.identity(w, r)
	if !ok {
		return
	}
	ride, err := s.Lifecycle.ActiveRideForDriver(r.Context(), email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDriverHistory(w http.ResponseWriter, r *http.Request) {
	email, ok := s.identity(w, r)
	if !ok {
		return
	}
	from, err := parseTimeParam(r, "from", time.Now().AddDate(0, -1, 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseTimeParam(r, "to", time.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rides, err := s.Lifecycle.DriverRideHistory(r.Context(), email, from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	email, ok := s.identity(w, r)
	if !ok {
		return
	}
	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, faults.New(faults.CodeValidation, "invalid request body"))
		return
	}
	rec, err := s.Directory.SetOnline(r.Context(), email, body.Online)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	email, ok := s.identity(w, r)
	if !ok {
		return
	}
	var body struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, faults.New(faults.CodeValidation, "invalid request body"))
		return
	}
	rec, err := s.Directory.UpdateLocation(r.Context(), email, body.Lat, body.Lon)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleOnlineDrivers(w http.ResponseWriter, r *http.Request) {
	page := intParam(r, "page", 0)
	size := intParam(r, "size", 50)
	drivers, err := s.Directory.OnlineDrivers(r.Context(), page, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if drivers == nil {
		drivers = []directory.OnlineDriver{}
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	lat, err := floatParam(r, "lat")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lon, err := floatParam(r, "lon")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius := 5.0
	if v := r.URL.Query().Get("radius_km"); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil || f <= 0 {
			s.writeError(w, r, faults.New(faults.CodeValidation, "invalid radius_km"))
			return
		}
		radius = f
	}
	drivers, err := s.Directory.NearbyDrivers(r.Context(), lat, lon, radius, intParam(r, "limit", 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if drivers == nil {
		drivers = []directory.NearbyDriver{}
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(email, rideID string) (*models.Ride, error)) {
	email, ok := s.identity(w, r)
	if !ok {
		return
	}
	ride, err := fn(email, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	email := r.Header.Get(identityHeader)
	if email == "" {
		s.writeError(w, r, faults.New(faults.CodeUnauthorized, "missing "+identityHeader+" header"))
		return "", false
	}
	return email, true
}

type errorBody struct {
	Code    faults.Code `json:"code"`
	Message string      `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := faults.CodeOf(err)
	if code == "" {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: "internal error"})
		return
	}
	writeJSON(w, statusForCode(code), errorBody{Code: code, Message: err.Error()})
}

func statusForCode(code faults.Code) int {
	switch code {
	case faults.CodeNotFound:
		return http.StatusNotFound
	case faults.CodeUnauthorized, faults.CodeUserBlocked:
		return http.StatusForbidden
	case faults.CodeValidation, faults.CodeInvalidScheduleTime, faults.CodeInvalidScheduleWindow:
		return http.StatusBadRequest
	case faults.CodeActiveRideConflict, faults.CodeInvalidRideState:
		return http.StatusConflict
	case faults.CodeNoActiveDrivers, faults.CodeNoDriversAvailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseTimeParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, faults.Newf(faults.CodeValidation, "invalid %s: expected RFC3339", name)
	}
	return t, nil
}

func floatParam(r *http.Request, name string) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, faults.Newf(faults.CodeValidation, "missing %s", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, faults.Newf(faults.CodeValidation, "invalid %s", name)
	}
	return f, nil
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return def
	}
	return i
}
