package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/otp"
)

var (
	ErrRideNotFound       = errors.New("ride not found")
	ErrWrongDriver        = errors.New("ride assigned to another driver")
	ErrNotParticipant     = errors.New("actor is not part of the ride")
	ErrRideNotAwaitingOTP = errors.New("ride is not awaiting otp")
	ErrRideNotInProgress  = errors.New("ride is not in progress")
	ErrNotCancellable     = errors.New("ride not cancellable")
)

const (
	sideEffectTimeout = 5 * time.Second
	defaultRetention  = time.Hour
)

// Codes is the pickup-code handshake.
type Codes interface {
	GenerateCode(rideID string) (string, error)
	VerifyCode(rideID, code string) error
	Reset(rideID string) (string, error)
	Remaining(rideID string) int
	Invalidate(rideID string)
	Forget(rideID string)
}

// Tracker receives ride phase transitions.
type Tracker interface {
	RideAccepted(driverID, rideID string) models.Cadence
	RideStarted(driverID, rideID string) models.Cadence
	Approaching(driverID, rideID string) bool
	RideEnded(driverID, rideID string) models.Cadence
	ApproachRadius() float64
}

type Store interface {
	SaveRide(ctx context.Context, r models.Ride) error
}

type Deps struct {
	Codes    Codes
	Tracker  Tracker
	Drivers  geo.Geo
	Notifier notify.Notifier
	Store    Store // optional
	Executor func(func())
	Logger   *slog.Logger
	Now      func() time.Time

	// Retention is how long a completed or cancelled ride stays readable.
	Retention time.Duration
}

type entry struct {
	mu   sync.Mutex
	ride models.Ride
}

// Service owns materialized rides from acceptance to completion or
// cancellation. Each ride has its own lock; verify, complete and cancel on
// the same ride are serialized.
type Service struct {
	codes     Codes
	tracker   Tracker
	drivers   geo.Geo
	notifier  notify.Notifier
	store     Store
	exec      func(func())
	logger    *slog.Logger
	now       func() time.Time
	retention time.Duration

	mu       sync.RWMutex
	rides    map[string]*entry
	byDriver map[string]string
	// finished rides in the order they ended, swept once retention passes
	finished []ended
}

type ended struct {
	rideID string
	at     time.Time
}

func NewService(deps Deps) *Service {
	s := &Service{
		codes:     deps.Codes,
		tracker:   deps.Tracker,
		drivers:   deps.Drivers,
		notifier:  deps.Notifier,
		store:     deps.Store,
		exec:      deps.Executor,
		logger:    deps.Logger,
		now:       deps.Now,
		retention: deps.Retention,
		rides:     make(map[string]*entry),
		byDriver:  make(map[string]string),
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.exec == nil {
		s.exec = func(f func()) { go f() }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.retention <= 0 {
		s.retention = defaultRetention
	}
	return s
}

// Materialize creates the ride for an accepted request and issues its pickup
// code. The driver is expected to be on_ride already.
func (s *Service) Materialize(req models.RideRequest, driverID string) (models.Ride, error) {
	id := uuid.NewString()
	code, err := s.codes.GenerateCode(id)
	if err != nil {
		return models.Ride{}, fmt.Errorf("issue pickup code: %w", err)
	}
	now := s.now().UTC()
	r := models.Ride{
		ID:          id,
		RequestID:   req.ID,
		RiderID:     req.RiderID,
		DriverID:    driverID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		RideType:    req.RideType,
		OTPCode:     code,
		Phase:       models.PhaseAwaitingOTP,
		Fare:        req.EstimatedFare,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e := &entry{ride: r}
	e.mu.Lock()
	s.mu.Lock()
	s.sweep(now)
	s.rides[id] = e
	s.byDriver[driverID] = id
	s.mu.Unlock()
	s.tracker.RideAccepted(driverID, id)
	e.mu.Unlock()

	s.logger.Info("ride materialized", "ride_id", id, "request_id", req.ID, "driver_id", driverID, "rider_id", req.RiderID)

	s.run(
		s.save(r),
		s.notify(r, notify.RideAccepted, notify.RoleRider, map[string]any{"driver_id": driverID}),
		s.notify(r, notify.RideAccepted, notify.RoleDriver, map[string]any{"pickup": r.Pickup, "destination": r.Destination}),
		s.notify(r, notify.OTPReady, notify.RoleRider, map[string]any{"code": code}),
	)
	return r, nil
}

// VerifyOTP starts the ride when the driver submits the rider's code.
func (s *Service) VerifyOTP(_ context.Context, rideID, driverID, code string) (models.Ride, error) {
	e, err := s.lookup(rideID)
	if err != nil {
		return models.Ride{}, err
	}
	e.mu.Lock()
	r := e.ride
	switch {
	case r.DriverID != driverID:
		e.mu.Unlock()
		return r, ErrWrongDriver
	case r.Phase == models.PhaseCancelled:
		// cancellation revoked the code
		e.mu.Unlock()
		return r, otp.ErrExpired
	case r.Phase != models.PhaseAwaitingOTP:
		e.mu.Unlock()
		return r, fmt.Errorf("%w: ride is %s", ErrRideNotAwaitingOTP, r.Phase)
	}

	if err := s.codes.VerifyCode(rideID, code); err != nil {
		e.mu.Unlock()
		s.logger.Info("otp rejected", "ride_id", rideID, "driver_id", driverID, "error", err, "remaining", s.codes.Remaining(rideID))
		if errors.Is(err, otp.ErrAttemptsExhausted) {
			s.run(s.notify(r, notify.OTPReady, notify.RoleRider, map[string]any{"exhausted": true}))
		}
		return r, err
	}
	now := s.now().UTC()
	e.ride.Phase = models.PhaseInProgress
	e.ride.StartedAt = now
	e.ride.UpdatedAt = now
	r = e.ride
	// under the ride lock so a quick Complete cannot end tracking first
	s.tracker.RideStarted(driverID, rideID)
	e.mu.Unlock()

	s.logger.Info("ride started", "ride_id", rideID, "driver_id", driverID)
	s.run(
		s.save(r),
		s.notify(r, notify.RideStarted, notify.RoleRider, nil),
		s.notify(r, notify.RideStarted, notify.RoleDriver, nil),
	)
	return r, nil
}

// ResetOTP issues a fresh code on the rider's request while the ride still
// awaits pickup.
func (s *Service) ResetOTP(_ context.Context, rideID, riderID string) (string, error) {
	e, err := s.lookup(rideID)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ride.RiderID != riderID {
		return "", ErrNotParticipant
	}
	if e.ride.Phase != models.PhaseAwaitingOTP {
		return "", fmt.Errorf("%w: ride is %s", ErrRideNotAwaitingOTP, e.ride.Phase)
	}
	code, err := s.codes.Reset(rideID)
	if err != nil {
		return "", fmt.Errorf("reset pickup code: %w", err)
	}
	e.ride.OTPCode = code
	e.ride.UpdatedAt = s.now().UTC()
	r := e.ride
	s.logger.Info("otp reset", "ride_id", rideID, "rider_id", riderID)
	s.run(s.save(r), s.notify(r, notify.OTPReady, notify.RoleRider, map[string]any{"code": code}))
	return code, nil
}

// Complete finishes an in-progress ride and frees the driver.
func (s *Service) Complete(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	e, err := s.lookup(rideID)
	if err != nil {
		return models.Ride{}, err
	}
	e.mu.Lock()
	if e.ride.DriverID != driverID {
		r := e.ride
		e.mu.Unlock()
		return r, ErrWrongDriver
	}
	if e.ride.Phase != models.PhaseInProgress {
		r := e.ride
		e.mu.Unlock()
		return r, fmt.Errorf("%w: ride is %s", ErrRideNotInProgress, r.Phase)
	}
	now := s.now().UTC()
	e.ride.Phase = models.PhaseCompleted
	e.ride.CompletedAt = now
	e.ride.UpdatedAt = now
	r := e.ride
	e.mu.Unlock()

	s.release(ctx, r)
	s.codes.Forget(rideID)
	observability.RidesFinished.WithLabelValues(string(models.PhaseCompleted)).Inc()
	s.logger.Info("ride completed", "ride_id", rideID, "driver_id", driverID)
	s.run(
		s.save(r),
		s.notify(r, notify.RideCompleted, notify.RoleRider, map[string]any{"fare": r.Fare}),
		s.notify(r, notify.RideCompleted, notify.RoleDriver, map[string]any{"fare": r.Fare}),
	)
	return r, nil
}

// Cancel aborts a ride before pickup. Repeating it is a no-op; a cancel that
// races an OTP verification wins if it takes the ride lock first.
func (s *Service) Cancel(ctx context.Context, rideID, actorID string) (models.Ride, error) {
	e, err := s.lookup(rideID)
	if err != nil {
		return models.Ride{}, err
	}
	e.mu.Lock()
	r := e.ride
	switch {
	case actorID != r.RiderID && actorID != r.DriverID:
		e.mu.Unlock()
		return r, ErrNotParticipant
	case r.Phase == models.PhaseCancelled:
		e.mu.Unlock()
		return r, nil
	case r.Phase != models.PhaseAwaitingOTP:
		e.mu.Unlock()
		return r, fmt.Errorf("%w: ride is %s", ErrNotCancellable, r.Phase)
	}
	s.codes.Invalidate(rideID)
	now := s.now().UTC()
	e.ride.Phase = models.PhaseCancelled
	e.ride.CancelledBy = actorID
	e.ride.CancelledAt = now
	e.ride.UpdatedAt = now
	r = e.ride
	e.mu.Unlock()

	s.release(ctx, r)
	observability.RidesFinished.WithLabelValues(string(models.PhaseCancelled)).Inc()
	s.logger.Info("ride cancelled", "ride_id", rideID, "cancelled_by", actorID)
	payload := map[string]any{"cancelled_by": actorID}
	s.run(
		s.save(r),
		s.notify(r, notify.RideCancelled, notify.RoleRider, payload),
		s.notify(r, notify.RideCancelled, notify.RoleDriver, payload),
	)
	return r, nil
}

// ObserveLocation switches an in-progress ride to the approaching cadence once
// the driver is close to the destination.
func (s *Service) ObserveLocation(_ context.Context, sample models.LocationSample) {
	s.mu.RLock()
	id, ok := s.byDriver[sample.DriverID]
	e := s.rides[id]
	s.mu.RUnlock()
	if !ok || e == nil {
		return
	}
	e.mu.Lock()
	r := e.ride
	e.mu.Unlock()
	if r.Phase != models.PhaseInProgress {
		return
	}
	if geo.Distance(sample.Loc, r.Destination.Coord) <= s.tracker.ApproachRadius() {
		if s.tracker.Approaching(r.DriverID, r.ID) {
			s.logger.Info("ride approaching destination", "ride_id", r.ID, "driver_id", r.DriverID)
		}
	}
}

func (s *Service) Get(rideID string) (models.Ride, error) {
	e, err := s.lookup(rideID)
	if err != nil {
		return models.Ride{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ride, nil
}

// ActiveRideForDriver returns the driver's ride while it awaits pickup or is
// under way.
func (s *Service) ActiveRideForDriver(driverID string) (models.Ride, bool) {
	s.mu.RLock()
	id, ok := s.byDriver[driverID]
	e := s.rides[id]
	s.mu.RUnlock()
	if !ok || e == nil {
		return models.Ride{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ride, true
}

// release returns the driver to the pool after the ride ends.
func (s *Service) release(ctx context.Context, r models.Ride) {
	s.mu.Lock()
	if s.byDriver[r.DriverID] == r.ID {
		delete(s.byDriver, r.DriverID)
	}
	s.finished = append(s.finished, ended{rideID: r.ID, at: r.UpdatedAt})
	s.mu.Unlock()

	ok, err := s.drivers.CompareAndSetStatus(ctx, r.DriverID, models.DriverOnRide, models.DriverAvailable)
	switch {
	case err != nil:
		s.logger.Error("driver release failed", "ride_id", r.ID, "driver_id", r.DriverID, "error", err)
	case !ok:
		s.logger.Warn("driver not on_ride at ride end", "ride_id", r.ID, "driver_id", r.DriverID)
	}
	s.tracker.RideEnded(r.DriverID, r.ID)
}

// sweep drops rides that ended more than the retention ago. Callers hold s.mu.
func (s *Service) sweep(now time.Time) {
	n := 0
	for _, f := range s.finished {
		if now.Sub(f.at) < s.retention {
			break
		}
		delete(s.rides, f.rideID)
		s.codes.Forget(f.rideID)
		n++
	}
	if n > 0 {
		s.finished = s.finished[n:]
		s.logger.Debug("finished rides pruned", "count", n)
	}
}

func (s *Service) lookup(rideID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rides[rideID]
	if !ok {
		return nil, ErrRideNotFound
	}
	return e, nil
}

func (s *Service) run(fns ...func(context.Context)) {
	for _, f := range fns {
		if f == nil {
			continue
		}
		s.exec(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
			defer cancel()
			f(ctx)
		})
	}
}

func (s *Service) notify(r models.Ride, kind notify.Kind, role notify.Role, payload map[string]any) func(context.Context) {
	recipient := r.RiderID
	if role == notify.RoleDriver {
		recipient = r.DriverID
	}
	ev := notify.Event{
		Kind:      kind,
		Recipient: recipient,
		Role:      role,
		RequestID: r.RequestID,
		RideID:    r.ID,
		DriverID:  r.DriverID,
		RiderID:   r.RiderID,
		Payload:   payload,
		At:        s.now().UTC(),
	}
	return func(ctx context.Context) {
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.logger.Debug("notification not delivered", "kind", kind, "ride_id", r.ID, "error", err)
		}
	}
}

func (s *Service) save(r models.Ride) func(context.Context) {
	if s.store == nil {
		return nil
	}
	return func(ctx context.Context) {
		if err := s.store.SaveRide(ctx, r); err != nil {
			s.logger.Error("persist ride failed", "ride_id", r.ID, "error", err)
		}
	}
}
