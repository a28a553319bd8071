package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

type Kind string

const (
	OfferSent        Kind = "offer_sent"
	OfferWithdrawn   Kind = "offer_withdrawn"
	RideAccepted     Kind = "ride_accepted"
	RequestExpired   Kind = "request_expired"
	RequestCancelled Kind = "request_cancelled"
	OTPReady         Kind = "otp_ready"
	RideStarted      Kind = "ride_started"
	RideCompleted    Kind = "ride_completed"
	RideCancelled    Kind = "ride_cancelled"
	CadenceChanged   Kind = "cadence_changed"
)

type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

// Event is one message addressed to a single recipient. Emitters that need to
// reach both parties send two events.
type Event struct {
	Kind      Kind           `json:"kind"`
	Recipient string         `json:"recipient"`
	Role      Role           `json:"role"`
	RequestID string         `json:"request_id,omitempty"`
	RideID    string         `json:"ride_id,omitempty"`
	DriverID  string         `json:"driver_id,omitempty"`
	RiderID   string         `json:"rider_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// Notifier delivers events. Delivery is best-effort: callers never roll back
// state because a notification failed.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

type Sink struct {
	Name     string
	Notifier Notifier
}

// Fanout delivers each event to every sink, logging and counting failures per sink.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Notify(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Notifier.Notify(ctx, ev); err != nil {
			if errors.Is(err, ErrNoSession) {
				continue
			}
			observability.NotifyFailures.WithLabelValues(s.Name).Inc()
			f.logger.Warn("notification failed", "sink", s.Name, "kind", ev.Kind, "recipient", ev.Recipient, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
