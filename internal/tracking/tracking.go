package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrNotTracking = errors.New("driver is not tracking")

type Phase string

const (
	PhaseOffline     Phase = "offline"
	PhaseAvailable   Phase = "available"
	PhaseEnRoute     Phase = "en_route"
	PhaseInProgress  Phase = "in_progress"
	PhaseApproaching Phase = "approaching"
)

var cadences = map[Phase]models.Cadence{
	PhaseOffline:     {Profile: models.ProfileIdle},
	PhaseAvailable:   {Profile: models.ProfileAvailable, Interval: 30 * time.Second, AccuracyMeters: 100, DistanceFilterMeters: 50},
	PhaseEnRoute:     {Profile: models.ProfileActiveRide, Interval: 10 * time.Second, AccuracyMeters: 50, DistanceFilterMeters: 20},
	PhaseInProgress:  {Profile: models.ProfileActiveRide, Interval: 10 * time.Second, AccuracyMeters: 50, DistanceFilterMeters: 20},
	PhaseApproaching: {Profile: models.ProfileActiveRide, Interval: 3 * time.Second, AccuracyMeters: 20, DistanceFilterMeters: 5},
}

// CadenceFor looks up the reporting cadence of a phase; unknown phases are idle.
func CadenceFor(p Phase) models.Cadence {
	if c, ok := cadences[p]; ok {
		return c
	}
	return cadences[PhaseOffline]
}

// SampleSink receives every accepted location sample.
type SampleSink interface {
	RecordSample(ctx context.Context, s models.LocationSample) error
}

// MultiSink records to every sink, returning the joined failures.
type MultiSink []SampleSink

func (m MultiSink) RecordSample(ctx context.Context, s models.LocationSample) error {
	var errs []error
	for _, sink := range m {
		if err := sink.RecordSample(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Config struct {
	// ApproachRadiusM is the distance to destination under which an in-progress
	// ride switches to the approaching cadence.
	ApproachRadiusM float64
}

type Deps struct {
	Sink     SampleSink
	Notifier notify.Notifier
	Executor func(func())
	Logger   *slog.Logger
	Now      func() time.Time
}

// Controller maps driver and ride phases to reporting cadences. It holds no
// position data and makes no dispatch decisions.
type Controller struct {
	cfg      Config
	sink     SampleSink
	notifier notify.Notifier
	exec     func(func())
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*models.TrackingSession
}

func NewController(cfg Config, deps Deps) *Controller {
	if cfg.ApproachRadiusM <= 0 {
		cfg.ApproachRadiusM = 500
	}
	c := &Controller{
		cfg:      cfg,
		sink:     deps.Sink,
		notifier: deps.Notifier,
		exec:     deps.Executor,
		logger:   deps.Logger,
		now:      deps.Now,
		sessions: make(map[string]*models.TrackingSession),
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.exec == nil {
		c.exec = func(f func()) { go f() }
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Controller) ApproachRadius() float64 { return c.cfg.ApproachRadiusM }

func (c *Controller) DriverOnline(driverID string) models.Cadence {
	return c.switchTo(driverID, "", PhaseAvailable, nil)
}

// DriverOffline idles the driver and forgets their session.
func (c *Controller) DriverOffline(driverID string) models.Cadence {
	cad := c.switchTo(driverID, "", PhaseOffline, nil)
	c.mu.Lock()
	if s, ok := c.sessions[driverID]; ok && Phase(s.Phase) == PhaseOffline {
		delete(c.sessions, driverID)
	}
	c.mu.Unlock()
	return cad
}

func (c *Controller) RideAccepted(driverID, rideID string) models.Cadence {
	return c.switchTo(driverID, rideID, PhaseEnRoute, nil)
}

func (c *Controller) RideStarted(driverID, rideID string) models.Cadence {
	return c.switchTo(driverID, rideID, PhaseInProgress, nil)
}

// Approaching tightens the cadence for the final stretch. It only applies to
// the driver's in-progress ride and reports whether the phase changed.
func (c *Controller) Approaching(driverID, rideID string) bool {
	changed := false
	c.switchTo(driverID, rideID, PhaseApproaching, func(s *models.TrackingSession) bool {
		changed = s.RideID == rideID && Phase(s.Phase) == PhaseInProgress
		return changed
	})
	return changed
}

// RideEnded returns the driver to the available cadence unless they already
// went offline.
func (c *Controller) RideEnded(driverID, rideID string) models.Cadence {
	return c.switchTo(driverID, "", PhaseAvailable, func(s *models.TrackingSession) bool {
		return Phase(s.Phase) != PhaseOffline && (s.RideID == "" || s.RideID == rideID)
	})
}

func (c *Controller) Cadence(driverID string) models.Cadence {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[driverID]; ok {
		return s.Cadence
	}
	return CadenceFor(PhaseOffline)
}

func (c *Controller) Session(driverID string) (models.TrackingSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[driverID]
	if !ok {
		return models.TrackingSession{}, false
	}
	return *s, true
}

// Report accepts a sample from a tracking driver and forwards it to the sink.
func (c *Controller) Report(ctx context.Context, sample models.LocationSample) error {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = c.now().UTC()
	}
	c.mu.Lock()
	s, ok := c.sessions[sample.DriverID]
	if !ok || s.Profile == models.ProfileIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotTracking, sample.DriverID)
	}
	s.LastReportAt = sample.RecordedAt
	if sample.RideID == "" {
		sample.RideID = s.RideID
	}
	c.mu.Unlock()

	observability.LocationSamples.Inc()
	if c.sink == nil {
		return nil
	}
	if err := c.sink.RecordSample(ctx, sample); err != nil {
		return fmt.Errorf("record sample for %s: %w", sample.DriverID, err)
	}
	return nil
}

// switchTo moves the driver's session to phase. guard, when set, sees the
// current session under the lock and can veto the switch. Only unguarded
// switches to a tracking phase open a session.
func (c *Controller) switchTo(driverID, rideID string, phase Phase, guard func(*models.TrackingSession) bool) models.Cadence {
	c.mu.Lock()
	s, ok := c.sessions[driverID]
	if !ok {
		// an untracked driver is already offline, and no guard passes for one
		if phase == PhaseOffline || guard != nil {
			c.mu.Unlock()
			return CadenceFor(PhaseOffline)
		}
		s = &models.TrackingSession{DriverID: driverID, Phase: string(PhaseOffline), Cadence: CadenceFor(PhaseOffline), Profile: models.ProfileIdle}
		c.sessions[driverID] = s
	}
	if guard != nil && !guard(s) {
		cur := s.Cadence
		c.mu.Unlock()
		return cur
	}
	prev := Phase(s.Phase)
	if prev == phase && s.RideID == rideID {
		cur := s.Cadence
		c.mu.Unlock()
		return cur
	}
	cad := CadenceFor(phase)
	s.Phase = string(phase)
	s.RideID = rideID
	s.Profile = cad.Profile
	s.Cadence = cad
	c.mu.Unlock()

	switch {
	case prev == PhaseOffline && phase != PhaseOffline:
		observability.DriversOnline.Inc()
	case prev != PhaseOffline && phase == PhaseOffline:
		observability.DriversOnline.Dec()
	}
	observability.CadenceSwitches.WithLabelValues(string(phase)).Inc()
	c.logger.Debug("cadence switched", "driver_id", driverID, "ride_id", rideID, "from", prev, "to", phase, "interval", cad.Interval)

	ev := notify.Event{
		Kind:      notify.CadenceChanged,
		Recipient: driverID,
		Role:      notify.RoleDriver,
		DriverID:  driverID,
		RideID:    rideID,
		Payload: map[string]any{
			"phase":                  phase,
			"profile":                cad.Profile,
			"interval_seconds":       cad.Interval.Seconds(),
			"accuracy_meters":        cad.AccuracyMeters,
			"distance_filter_meters": cad.DistanceFilterMeters,
		},
		At: c.now().UTC(),
	}
	c.exec(func() {
		if err := c.notifier.Notify(context.Background(), ev); err != nil {
			c.logger.Debug("cadence notification not delivered", "driver_id", driverID, "error", err)
		}
	})
	return cad
}
