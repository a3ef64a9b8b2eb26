// Package httpapi exposes the dispatch core over REST plus a websocket
// notification endpoint. Authentication is delegated to the edge proxy; the
// caller identity arrives in the X-User-Email header.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/reservation"
)

type Server struct {
	Reservations *reservation.Coordinator
	Lifecycle    *lifecycle.Service
	Directory    *directory.Service
	WSReg        *notify.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(res *reservation.Coordinator, lc *lifecycle.Service, dir *directory.Service, wsreg *notify.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Reservations: res,
		Lifecycle:    lc,
		Directory:    dir,
		WSReg:        wsreg,
		logger:       logger,
		mux:          mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides/estimate", s.handleEstimateRide).Methods("POST")
	api.HandleFunc("/rides", s.handleOrderRide).Methods("POST")
	api.HandleFunc("/rides/active", s.handlePassengerActiveRide).Methods("GET")
	api.HandleFunc("/rides/{id}/start", s.handleStartRide).Methods("POST")
	api.HandleFunc("/rides/{id}/request-stop", s.handleRequestStop).Methods("POST")
	api.HandleFunc("/rides/{id}/stop", s.handleStopEarly).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.handleCompleteRide).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/rides/{id}/panic", s.handlePanic).Methods("POST")

	api.HandleFunc("/drivers/status", s.handleDriverStatus).Methods("PUT")
	api.HandleFunc("/drivers/location", s.handleDriverLocation).Methods("PUT")
	api.HandleFunc("/drivers/online", s.handleOnlineDrivers).Methods("GET")
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods("GET")
	api.HandleFunc("/drivers/active-ride", s.handleDriverActiveRide).Methods("GET")
	api.HandleFunc("/drivers/history", s.handleDriverHistory).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{email}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]
	if email == "" {
		http.Error(w, "email required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "email", email, "error", err)
		return
	}
	s.WSReg.Add(email, conn)
	s.logger.Debug("websocket session opened", "email", email)

	// Reader loop exists only to detect disconnects; clients never send.
	go func() {
		defer s.WSReg.Remove(email)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
