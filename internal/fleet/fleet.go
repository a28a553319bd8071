package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/tracking"
)

var (
	ErrDriverOnRide  = errors.New("driver is on a ride")
	ErrInvalidDriver = errors.New("invalid driver update")
)

type Tracker interface {
	DriverOnline(driverID string) models.Cadence
	DriverOffline(driverID string) models.Cadence
	Cadence(driverID string) models.Cadence
	Report(ctx context.Context, sample models.LocationSample) error
}

// RideObserver sees every accepted sample so ride progress can react to it.
type RideObserver interface {
	ObserveLocation(ctx context.Context, sample models.LocationSample)
}

// Rejoiner returns an offline driver to dispatch. It reports the status it
// set, or "" when the driver was not offline.
type Rejoiner interface {
	Rejoin(ctx context.Context, driverID string) (models.DriverStatus, error)
}

type OnlineCommand struct {
	DriverID  string            `json:"driver_id"`
	Loc       models.Coord      `json:"loc"`
	Rating    float64           `json:"rating"`
	RideTypes []models.RideType `json:"ride_types"`
}

func (c OnlineCommand) validate() error {
	switch {
	case c.DriverID == "":
		return fmt.Errorf("%w: driver_id required", ErrInvalidDriver)
	case !c.Loc.Valid():
		return fmt.Errorf("%w: location out of range", ErrInvalidDriver)
	case c.Rating < 0 || c.Rating > 5:
		return fmt.Errorf("%w: rating must be within 0..5", ErrInvalidDriver)
	case len(c.RideTypes) == 0:
		return fmt.Errorf("%w: at least one ride type required", ErrInvalidDriver)
	}
	for _, rt := range c.RideTypes {
		if !rt.Valid() {
			return fmt.Errorf("%w: unknown ride type %q", ErrInvalidDriver, rt)
		}
	}
	return nil
}

// Service is the driver heartbeat surface: availability toggles and
// location updates.
type Service struct {
	drivers geo.Geo
	tracker Tracker
	rides   RideObserver
	offers  Rejoiner
	logger  *slog.Logger
}

// NewService wires the heartbeat surface. offers may be nil, in which case an
// offline driver always comes back available.
func NewService(drivers geo.Geo, tracker Tracker, rides RideObserver, offers Rejoiner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{drivers: drivers, tracker: tracker, rides: rides, offers: offers, logger: logger}
}

// GoOnline registers the driver and makes them available for offers. A
// driver already engaged in an offer or a ride keeps that state, and one who
// went offline while holding an offer gets the offer back.
func (s *Service) GoOnline(ctx context.Context, cmd OnlineCommand) (models.Cadence, error) {
	if err := cmd.validate(); err != nil {
		return models.Cadence{}, err
	}
	d := models.Driver{ID: cmd.DriverID, Loc: cmd.Loc, Rating: cmd.Rating, RideTypes: cmd.RideTypes, Status: models.DriverOffline}
	if err := s.drivers.Upsert(ctx, d); err != nil {
		return models.Cadence{}, fmt.Errorf("register driver: %w", err)
	}
	st, err := s.rejoin(ctx, cmd.DriverID)
	if err != nil {
		return models.Cadence{}, fmt.Errorf("set driver available: %w", err)
	}
	if st == "" {
		cur, err := s.drivers.Get(ctx, cmd.DriverID)
		if err != nil {
			return models.Cadence{}, fmt.Errorf("load driver: %w", err)
		}
		if cur.Status != models.DriverAvailable {
			s.logger.Info("driver reconnected while engaged", "driver_id", cmd.DriverID, "status", cur.Status)
			return s.tracker.Cadence(cmd.DriverID), nil
		}
	}
	s.logger.Info("driver online", "driver_id", cmd.DriverID, "status", st)
	return s.tracker.DriverOnline(cmd.DriverID), nil
}

func (s *Service) rejoin(ctx context.Context, driverID string) (models.DriverStatus, error) {
	if s.offers != nil {
		return s.offers.Rejoin(ctx, driverID)
	}
	ok, err := s.drivers.CompareAndSetStatus(ctx, driverID, models.DriverOffline, models.DriverAvailable)
	if err != nil || !ok {
		return "", err
	}
	return models.DriverAvailable, nil
}

// GoOffline withdraws the driver from dispatch. A driver holding a pending
// offer may still answer it; one on a ride must finish it first.
func (s *Service) GoOffline(ctx context.Context, driverID string) (models.Cadence, error) {
	for _, from := range []models.DriverStatus{models.DriverAvailable, models.DriverOfferPending} {
		ok, err := s.drivers.CompareAndSetStatus(ctx, driverID, from, models.DriverOffline)
		if err != nil {
			return models.Cadence{}, fmt.Errorf("set driver offline: %w", err)
		}
		if ok {
			s.logger.Info("driver offline", "driver_id", driverID, "from", from)
			return s.tracker.DriverOffline(driverID), nil
		}
	}
	cur, err := s.drivers.Get(ctx, driverID)
	if err != nil {
		return models.Cadence{}, fmt.Errorf("load driver: %w", err)
	}
	if cur.Status == models.DriverOnRide {
		return models.Cadence{}, ErrDriverOnRide
	}
	return s.tracker.DriverOffline(driverID), nil
}

// UpdateLocation accepts a sample from a tracking driver, refreshes the
// index and returns the cadence the driver should keep reporting at.
func (s *Service) UpdateLocation(ctx context.Context, sample models.LocationSample) (models.Cadence, error) {
	if sample.DriverID == "" || !sample.Loc.Valid() {
		return models.Cadence{}, fmt.Errorf("%w: driver_id and a valid location required", ErrInvalidDriver)
	}
	if err := s.tracker.Report(ctx, sample); err != nil {
		if errors.Is(err, tracking.ErrNotTracking) {
			return models.Cadence{}, err
		}
		s.logger.Warn("location sample not recorded", "driver_id", sample.DriverID, "error", err)
	}
	if err := s.drivers.Upsert(ctx, models.Driver{ID: sample.DriverID, Loc: sample.Loc}); err != nil {
		return models.Cadence{}, fmt.Errorf("update driver location: %w", err)
	}
	if s.rides != nil {
		s.rides.ObserveLocation(ctx, sample)
	}
	return s.tracker.Cadence(sample.DriverID), nil
}
