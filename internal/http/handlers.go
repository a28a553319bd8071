package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/tracking"
)

const maxBodyBytes = 1 << 20

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Server struct {
	Dispatch *dispatch.Coordinator
	Rides    *rides.Service
	Fleet    *fleet.Service
	Tracking *tracking.Controller
	WSReg    *notify.Registry
	Checks   []Check

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d *dispatch.Coordinator, r *rides.Service, f *fleet.Service, t *tracking.Controller, ws *notify.Registry, logger *slog.Logger, checks ...Check) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Dispatch: d, Rides: r, Fleet: f, Tracking: t, WSReg: ws, Checks: checks, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{request_id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{request_id}/offers", s.handleRequestOffers).Methods(http.MethodGet)
	api.HandleFunc("/requests/{request_id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/requests/{request_id}/decline", s.handleDecline).Methods(http.MethodPost)
	api.HandleFunc("/requests/{request_id}/cancel", s.handleCancelRequest).Methods(http.MethodPost)

	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/verify-otp", s.handleVerifyOTP).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/reset-otp", s.handleResetOTP).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/complete", s.handleCompleteRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancelRide).Methods(http.MethodPost)

	api.HandleFunc("/drivers/{driver_id}/online", s.handleDriverOnline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/offline", s.handleDriverOffline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/tracking", s.handleTrackingSession).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestBody struct {
	RiderID      string          `json:"rider_id"`
	Pickup       models.Place    `json:"pickup"`
	Destination  models.Place    `json:"destination"`
	RideType     models.RideType `json:"ride_type"`
	FareEstimate *models.Fare    `json:"fare_estimate,omitempty"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !s.decode(w, r, &body) {
		return
	}
	req, err := s.Dispatch.CreateRequest(r.Context(), dispatch.CreateCommand{
		RiderID:      body.RiderID,
		Pickup:       body.Pickup,
		Destination:  body.Destination,
		RideType:     body.RideType,
		FareEstimate: body.FareEstimate,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Dispatch.Get(mux.Vars(r)["request_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRequestOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.Dispatch.Offers(mux.Vars(r)["request_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

type driverBody struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body driverBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.DriverID == "" {
		s.writeError(w, r, errBadRequest("driver_id required"))
		return
	}
	requestID := mux.Vars(r)["request_id"]
	if err := s.Dispatch.HandleAccept(r.Context(), requestID, body.DriverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.Dispatch.Get(requestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Rides.Get(req.RideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req, "ride": ride})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var body driverBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.DriverID == "" {
		s.writeError(w, r, errBadRequest("driver_id required"))
		return
	}
	if err := s.Dispatch.HandleDecline(r.Context(), mux.Vars(r)["request_id"], body.DriverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type riderBody struct {
	RiderID string `json:"rider_id"`
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var body riderBody
	if !s.decode(w, r, &body) {
		return
	}
	requestID := mux.Vars(r)["request_id"]
	if err := s.Dispatch.Cancel(r.Context(), requestID, body.RiderID); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.Dispatch.Get(requestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.Get(mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type verifyBody struct {
	DriverID string `json:"driver_id"`
	Code     string `json:"code"`
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.Code == "" {
		s.writeError(w, r, errBadRequest("code required"))
		return
	}
	ride, err := s.Rides.VerifyOTP(r.Context(), mux.Vars(r)["ride_id"], body.DriverID, body.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// handleResetOTP answers the rider with the fresh code; the driver never
// sees it.
func (s *Server) handleResetOTP(w http.ResponseWriter, r *http.Request) {
	var body riderBody
	if !s.decode(w, r, &body) {
		return
	}
	code, err := s.Rides.ResetOTP(r.Context(), mux.Vars(r)["ride_id"], body.RiderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	var body driverBody
	if !s.decode(w, r, &body) {
		return
	}
	ride, err := s.Rides.Complete(r.Context(), mux.Vars(r)["ride_id"], body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type actorBody struct {
	ActorID string `json:"actor_id"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !s.decode(w, r, &body) {
		return
	}
	ride, err := s.Rides.Cancel(r.Context(), mux.Vars(r)["ride_id"], body.ActorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	var cmd fleet.OnlineCommand
	if !s.decode(w, r, &cmd) {
		return
	}
	cmd.DriverID = mux.Vars(r)["driver_id"]
	cad, err := s.Fleet.GoOnline(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cad)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	cad, err := s.Fleet.GoOffline(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cad)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if !s.decode(w, r, &sample) {
		return
	}
	sample.DriverID = mux.Vars(r)["driver_id"]
	cad, err := s.Fleet.UpdateLocation(r.Context(), sample)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cad)
}

func (s *Server) handleTrackingSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Tracking.Session(mux.Vars(r)["driver_id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no tracking session"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for _, c := range s.Checks {
		if err := c.Fn(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", "failed", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

const (
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// handleWS holds a driver or rider session open until the client goes away.
// Inbound frames are discarded; they only keep the read deadline fresh.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", id, "error", err)
		return
	}
	sess := s.WSReg.Add(id, conn)
	s.logger.Info("websocket connected", "user_id", id)
	defer func() {
		s.WSReg.Remove(id, sess)
		_ = conn.Close()
		s.logger.Info("websocket disconnected", "user_id", id)
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func errBadRequest(msg string) error { return badRequest{msg: msg} }

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, errBadRequest(fmt.Sprintf("invalid body: %v", err)))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "path", r.URL.Path, "http_request_id", correlationID(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
