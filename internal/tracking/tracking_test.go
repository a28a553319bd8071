package tracking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
)

type sampleLog struct {
	mu      sync.Mutex
	samples []models.LocationSample
	err     error
}

func (l *sampleLog) RecordSample(_ context.Context, s models.LocationSample) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples = append(l.samples, s)
	return l.err
}

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

func newController(sink SampleSink, events *eventLog) *Controller {
	return NewController(Config{}, Deps{
		Sink:     sink,
		Notifier: events,
		Executor: func(f func()) { f() },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestCadenceTable(t *testing.T) {
	cases := []struct {
		phase    Phase
		profile  models.CadenceProfile
		interval time.Duration
		accuracy float64
		filter   float64
	}{
		{PhaseOffline, models.ProfileIdle, 0, 0, 0},
		{PhaseAvailable, models.ProfileAvailable, 30 * time.Second, 100, 50},
		{PhaseEnRoute, models.ProfileActiveRide, 10 * time.Second, 50, 20},
		{PhaseInProgress, models.ProfileActiveRide, 10 * time.Second, 50, 20},
		{PhaseApproaching, models.ProfileActiveRide, 3 * time.Second, 20, 5},
	}
	for _, tc := range cases {
		got := CadenceFor(tc.phase)
		if got.Profile != tc.profile || got.Interval != tc.interval || got.AccuracyMeters != tc.accuracy || got.DistanceFilterMeters != tc.filter {
			t.Fatalf("%s: unexpected cadence %+v", tc.phase, got)
		}
	}
}

func TestRideLifecycleSwitchesProfiles(t *testing.T) {
	events := &eventLog{}
	c := newController(nil, events)

	if got := c.Cadence("D1"); got.Profile != models.ProfileIdle {
		t.Fatalf("unknown driver must be idle, got %s", got.Profile)
	}
	c.DriverOnline("D1")
	c.RideAccepted("D1", "ride-1")
	if s, _ := c.Session("D1"); s.Phase != string(PhaseEnRoute) || s.RideID != "ride-1" {
		t.Fatalf("unexpected session %+v", s)
	}
	c.RideStarted("D1", "ride-1")
	if !c.Approaching("D1", "ride-1") {
		t.Fatal("expected switch to approaching")
	}
	if got := c.Cadence("D1"); got.Interval != 3*time.Second {
		t.Fatalf("expected 3s cadence, got %s", got.Interval)
	}
	if c.Approaching("D1", "ride-1") {
		t.Fatal("approaching twice must be a no-op")
	}
	c.RideEnded("D1", "ride-1")
	s, _ := c.Session("D1")
	if s.Profile != models.ProfileAvailable || s.RideID != "" {
		t.Fatalf("expected available without ride, got %+v", s)
	}
	if len(events.events) != 5 {
		t.Fatalf("expected 5 cadence_changed events, got %d", len(events.events))
	}
	for _, ev := range events.events {
		if ev.Kind != notify.CadenceChanged || ev.Recipient != "D1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestApproachingRequiresInProgressRide(t *testing.T) {
	c := newController(nil, &eventLog{})
	c.DriverOnline("D1")
	c.RideAccepted("D1", "ride-1")
	if c.Approaching("D1", "ride-1") {
		t.Fatal("awaiting-otp ride must not switch to approaching")
	}
	c.RideStarted("D1", "ride-1")
	if c.Approaching("D1", "ride-2") {
		t.Fatal("a different ride must not switch the session")
	}
}

func TestRideEndedKeepsOfflineDriverIdle(t *testing.T) {
	c := newController(nil, &eventLog{})
	c.DriverOnline("D1")
	c.DriverOffline("D1")
	c.RideEnded("D1", "ride-1")
	if got := c.Cadence("D1"); got.Profile != models.ProfileIdle {
		t.Fatalf("expected idle, got %s", got.Profile)
	}
}

func TestOfflineDropsSession(t *testing.T) {
	events := &eventLog{}
	c := newController(&sampleLog{}, events)
	c.DriverOnline("D1")
	c.RideAccepted("D1", "ride-1")
	c.DriverOffline("D1")

	if _, ok := c.Session("D1"); ok {
		t.Fatal("offline driver must not keep a session")
	}
	c.RideEnded("D1", "ride-1")
	c.Approaching("D1", "ride-1")
	c.DriverOffline("D1")
	if n := len(c.sessions); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
	if len(events.events) != 3 {
		t.Fatalf("expected online, en_route and offline switches only, got %d", len(events.events))
	}
	err := c.Report(context.Background(), models.LocationSample{DriverID: "D1", Loc: models.Coord{Lat: 1, Lon: 1}})
	if !errors.Is(err, ErrNotTracking) {
		t.Fatalf("expected ErrNotTracking after offline, got %v", err)
	}

	if cad := c.DriverOnline("D1"); cad.Profile != models.ProfileAvailable {
		t.Fatalf("expected available after coming back, got %s", cad.Profile)
	}
	if s, ok := c.Session("D1"); !ok || s.Phase != string(PhaseAvailable) {
		t.Fatalf("expected fresh available session, got %+v %v", s, ok)
	}
}

func TestReportForwardsSamples(t *testing.T) {
	sink := &sampleLog{}
	c := newController(sink, &eventLog{})

	err := c.Report(context.Background(), models.LocationSample{DriverID: "D1", Loc: models.Coord{Lat: 1, Lon: 1}})
	if !errors.Is(err, ErrNotTracking) {
		t.Fatalf("expected ErrNotTracking for idle driver, got %v", err)
	}

	c.DriverOnline("D1")
	c.RideAccepted("D1", "ride-1")
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := c.Report(context.Background(), models.LocationSample{DriverID: "D1", Loc: models.Coord{Lat: 1, Lon: 1}, RecordedAt: at}); err != nil {
		t.Fatal(err)
	}
	if len(sink.samples) != 1 || sink.samples[0].RideID != "ride-1" {
		t.Fatalf("expected sample tagged with ride, got %+v", sink.samples)
	}
	if s, _ := c.Session("D1"); !s.LastReportAt.Equal(at) {
		t.Fatalf("expected last report %s, got %s", at, s.LastReportAt)
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	ok, bad := &sampleLog{}, &sampleLog{err: errors.New("kafka down")}
	err := MultiSink{bad, ok}.RecordSample(context.Background(), models.LocationSample{DriverID: "D1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(ok.samples) != 1 {
		t.Fatal("healthy sink must still record")
	}
}
