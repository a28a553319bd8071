package rides

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/tracking"
)

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Notify(_ context.Context, ev notify.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) find(kind notify.Kind, role notify.Role) (notify.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind && ev.Role == role {
			return ev, true
		}
	}
	return notify.Event{}, false
}

type rideStore struct {
	mu    sync.Mutex
	rides map[string]models.Ride
}

func (s *rideStore) SaveRide(_ context.Context, r models.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rides[r.ID] = r
	return nil
}

// gatedTracker holds RideStarted until released.
type gatedTracker struct {
	*tracking.Controller
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTracker) RideStarted(driverID, rideID string) models.Cadence {
	close(g.entered)
	<-g.release
	return g.Controller.RideStarted(driverID, rideID)
}

type fixture struct {
	svc     *Service
	drivers *geo.Index
	tracker *tracking.Controller
	events  *eventLog
	store   *rideStore
}

var destination = models.Place{Coord: models.Coord{Lat: 12.9352, Lon: 77.6245}}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	inline := func(f func()) { f() }
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		drivers: geo.NewIndex(),
		events:  &eventLog{},
		store:   &rideStore{rides: make(map[string]models.Ride)},
	}
	f.tracker = tracking.NewController(tracking.Config{}, tracking.Deps{Executor: inline, Logger: quiet})
	f.svc = NewService(Deps{
		Codes:    otp.New(0),
		Tracker:  f.tracker,
		Drivers:  f.drivers,
		Notifier: f.events,
		Store:    f.store,
		Executor: inline,
		Logger:   quiet,
	})
	if err := f.drivers.Upsert(context.Background(), models.Driver{ID: "D1", Status: models.DriverOnRide}); err != nil {
		t.Fatal(err)
	}
	f.tracker.DriverOnline("D1")
	return f
}

func (f *fixture) materialize(t *testing.T) models.Ride {
	t.Helper()
	req := models.RideRequest{ID: "req-1", RiderID: "R1", Destination: destination, RideType: models.RideTypeCar}
	r, err := f.svc.Materialize(req, "D1")
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (f *fixture) driverStatus(t *testing.T) models.DriverStatus {
	t.Helper()
	d, err := f.drivers.Get(context.Background(), "D1")
	if err != nil {
		t.Fatal(err)
	}
	return d.Status
}

func TestMaterializeIssuesCodeToRider(t *testing.T) {
	f := newFixture(t)
	r := f.materialize(t)

	if r.Phase != models.PhaseAwaitingOTP || len(r.OTPCode) != 4 {
		t.Fatalf("unexpected ride %+v", r)
	}
	ev, ok := f.events.find(notify.OTPReady, notify.RoleRider)
	if !ok || ev.Payload["code"] != r.OTPCode || ev.Recipient != "R1" {
		t.Fatalf("expected otp_ready to rider, got %+v", ev)
	}
	if _, ok := f.events.find(notify.OTPReady, notify.RoleDriver); ok {
		t.Fatal("driver must never receive the code")
	}
	if s, _ := f.tracker.Session("D1"); s.Phase != string(tracking.PhaseEnRoute) {
		t.Fatalf("expected en_route tracking, got %s", s.Phase)
	}
	if got, ok := f.svc.ActiveRideForDriver("D1"); !ok || got.ID != r.ID {
		t.Fatal("expected active ride for driver")
	}
	if f.store.rides[r.ID].Phase != models.PhaseAwaitingOTP {
		t.Fatal("expected ride persisted")
	}
}

func TestVerifyOTPStartsRide(t *testing.T) {
	f := newFixture(t)
	r := f.materialize(t)

	if _, err := f.svc.VerifyOTP(context.Background(), r.ID, "D2", r.OTPCode); !errors.Is(err, ErrWrongDriver) {
		t.Fatalf("expected ErrWrongDriver, got %v", err)
	}
	got, err := f.svc.VerifyOTP(context.Background(), r.ID, "D1", r.OTPCode)
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != models.PhaseInProgress || got.StartedAt.IsZero() {
		t.Fatalf("unexpected ride %+v", got)
	}
	if s, _ := f.tracker.Session("D1"); s.Phase != string(tracking.PhaseInProgress) {
		t.Fatalf("expected in_progress tracking, got %s", s.Phase)
	}
	if _, err := f.svc.VerifyOTP(context.Background(), r.ID, "D1", r.OTPCode); !errors.Is(err, ErrRideNotAwaitingOTP) {
		t.Fatalf("expected ErrRideNotAwaitingOTP, got %v", err)
	}
}

func TestExhaustedCodeNeedsReset(t *testing.T) {
	f := newFixture(t)
	r := f.materialize(t)
	wrong := "0000"
	if r.OTPCode == wrong {
		wrong = "1111"
	}
	for i := 0; i < otp.MaxAttempts-1; i++ {
		if _, err := f.svc.VerifyOTP(context.Background(), r.ID, "D1", wrong); !errors.Is(err, otp.ErrMismatch) {
			t.Fatalf("attempt %d: expected mismatch, got %v", i+1, err)
		}
	}
	if _, err := f.svc.VerifyOTP(context.Background(), r.ID, "D1", wrong); !errors.Is(err, otp.ErrAttemptsExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if _, err := f.svc.VerifyOTP(context.Background(), r.ID, "D1", r.OTPCode); !errors.Is(err, otp.ErrAttemptsExhausted) {
		t.Fatalf("expected correct code rejected after exhaustion, got %v", err)
	}

	if _, err := f.svc.ResetOTP(context.Background(), r.ID, "R2"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	code, err := f.svc.ResetOTP(context.Background(), r.ID, "R1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.VerifyOTP(context.Background(), r.ID, "D1", code); err != nil {
		t.Fatalf("fresh code must verify, got %v", err)
	}
}

func TestCompleteFreesDriver(t *testing.T) {
	f := newFixture(t)
	r := f.materialize(t)

	if _, err := f.svc.Complete(context.Background(), r.ID, "D1"); !errors.Is(err, ErrRideNotInProgress) {
		t.Fatalf("expected ErrRideNotInProgress before pickup, got %v", err)
	}
	_, _ = f.svc.VerifyOTP(context.Background(), r.ID, "D1", r.OTPCode)
	got, err := f.svc.Complete(context.Background(), r.ID, "D1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != models.PhaseCompleted {
		t.Fatalf("expected completed, got %s", got.Phase)
	}
	if f.driverStatus(t) != models.DriverAvailable {
		t.Fatalf("expected driver available, got %s", f.driverStatus(t))
	}
	if s, _ := f.tracker.Session("D1"); s.Profile != models.ProfileAvailable {
		t.Fatalf("expected available cadence, got %s", s.Profile)
	}
	if _, ok := f.svc.ActiveRideForDriver("D1"); ok {
		t.Fatal("completed ride must not stay active")
	}
}

func TestCancelIsIdempotentAndRevokesCode(t *testing.T) {
	f := newFixture(t)
	r := f.materialize(t)

	if _, err := f.svc.Cancel(context.Background(), r.ID, "stranger"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	got, err := f.svc.Cancel(context.Background(), r.ID, "R1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != models.PhaseCancelled || got.CancelledBy != "R1" {
		t.Fatalf("unexpected ride %+v", got)
	}
	if _, err := f.svc.Cancel(context.Background(), r.ID, "D1"); err != nil {
		t.Fatalf("second cancel must be ok, got %v", err)
	}
	if f.driverStatus(t) != models.DriverAvailable {
		t.Fatalf("expected driver available, got %s", f.driverStatus(t))
	}
	if _, err := f.svc.VerifyOTP(context.Background(), r.ID, "D1", r.OTPCode); !errors.Is(err, otp.ErrExpired) {
		t.Fatalf("expected code revoked by cancel, got %v", err)
	}
	if _, ok := f.events.find(notify.RideCancelled, notify.RoleDriver); !ok {
		t.Fatal("expected driver told about the cancel")
	}
}

func TestCancelAfterStartIsRejected(t *testing.T) {
	f := newFixture(t)
	r := f.materialize(t)
	_, _ = f.svc.VerifyOTP(context.Background(), r.ID, "D1", r.OTPCode)
	if _, err := f.svc.Cancel(context.Background(), r.ID, "R1"); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestCancelRacingVerifyHasOneOutcome(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		r := f.materialize(t)
		var wg sync.WaitGroup
		var verifyErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, verifyErr = f.svc.VerifyOTP(context.Background(), r.ID, "D1", r.OTPCode)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = f.svc.Cancel(context.Background(), r.ID, "R1")
		}()
		wg.Wait()

		got, _ := f.svc.Get(r.ID)
		switch got.Phase {
		case models.PhaseCancelled:
			if cancelErr != nil || !errors.Is(verifyErr, otp.ErrExpired) {
				t.Fatalf("cancel won but verify=%v cancel=%v", verifyErr, cancelErr)
			}
		case models.PhaseInProgress:
			if verifyErr != nil || !errors.Is(cancelErr, ErrNotCancellable) {
				t.Fatalf("verify won but verify=%v cancel=%v", verifyErr, cancelErr)
			}
		default:
			t.Fatalf("unexpected phase %s", got.Phase)
		}
	}
}

func TestObserveLocationSwitchesToApproaching(t *testing.T) {
	f := newFixture(t)
	r := f.materialize(t)
	_, _ = f.svc.VerifyOTP(context.Background(), r.ID, "D1", r.OTPCode)

	far := models.LocationSample{DriverID: "D1", Loc: models.Coord{Lat: 12.9716, Lon: 77.5946}}
	f.svc.ObserveLocation(context.Background(), far)
	if s, _ := f.tracker.Session("D1"); s.Phase != string(tracking.PhaseInProgress) {
		t.Fatalf("far sample must not switch cadence, got %s", s.Phase)
	}
	near := models.LocationSample{DriverID: "D1", Loc: models.Coord{Lat: 12.9370, Lon: 77.6245}}
	f.svc.ObserveLocation(context.Background(), near)
	if s, _ := f.tracker.Session("D1"); s.Phase != string(tracking.PhaseApproaching) {
		t.Fatalf("expected approaching, got %s", s.Phase)
	}
}

func TestUnknownRide(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Get("nope"); !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("expected ErrRideNotFound, got %v", err)
	}
}

func TestCompleteWaitsForStartedCadence(t *testing.T) {
	f := newFixture(t)
	gate := &gatedTracker{Controller: f.tracker, entered: make(chan struct{}), release: make(chan struct{})}
	f.svc.tracker = gate
	r := f.materialize(t)

	verified := make(chan error, 1)
	go func() {
		_, err := f.svc.VerifyOTP(context.Background(), r.ID, "D1", r.OTPCode)
		verified <- err
	}()
	<-gate.entered

	completed := make(chan error, 1)
	go func() {
		_, err := f.svc.Complete(context.Background(), r.ID, "D1")
		completed <- err
	}()
	select {
	case err := <-completed:
		t.Fatalf("complete returned before the ride reached in_progress tracking: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate.release)

	if err := <-verified; err != nil {
		t.Fatal(err)
	}
	if err := <-completed; err != nil {
		t.Fatal(err)
	}
	s, _ := f.tracker.Session("D1")
	if s.Phase != string(tracking.PhaseAvailable) || s.RideID != "" {
		t.Fatalf("expected available cadence after completion, got %+v", s)
	}
}

func TestFinishedRidesArePrunedAfterRetention(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	f.svc.retention = time.Hour

	first := f.materialize(t)
	if _, err := f.svc.Cancel(context.Background(), first.ID, "R1"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(30 * time.Minute)
	second := f.materialize(t)
	if got, err := f.svc.Get(first.ID); err != nil || got.Phase != models.PhaseCancelled {
		t.Fatalf("cancelled ride must stay readable within retention, got %+v %v", got, err)
	}

	now = now.Add(31 * time.Minute)
	f.materialize(t)
	if _, err := f.svc.Get(first.ID); !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("expected cancelled ride pruned, got %v", err)
	}
	if _, err := f.svc.Get(second.ID); err != nil {
		t.Fatalf("live ride must not be pruned, got %v", err)
	}
	if n := len(f.svc.finished); n != 0 {
		t.Fatalf("expected empty finished queue, got %d", n)
	}
}
