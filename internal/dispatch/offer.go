package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrOfferResolved = errors.New("offer already resolved")

// offer is a single driver's time-boxed chance at a request. It leaves
// pending exactly once.
type offer struct {
	models.Offer
}

func newOffer(requestID, driverID string, seq int, now time.Time, ttl time.Duration) *offer {
	return &offer{models.Offer{
		RequestID: requestID,
		DriverID:  driverID,
		Seq:       seq,
		SentAt:    now,
		Deadline:  now.Add(ttl),
		Status:    models.OfferPending,
	}}
}

func (o *offer) pending() bool { return o.Status == models.OfferPending }

// resolve moves a pending offer to a terminal status. A second call fails with
// ErrOfferResolved and leaves the first outcome in place.
func (o *offer) resolve(to models.OfferStatus, at time.Time) error {
	if !o.pending() {
		return fmt.Errorf("%w: request %s driver %s is %s", ErrOfferResolved, o.RequestID, o.DriverID, o.Status)
	}
	switch to {
	case models.OfferAccepted, models.OfferDeclined, models.OfferExpired, models.OfferWithdrawn:
	default:
		return fmt.Errorf("invalid offer transition to %q", to)
	}
	o.Status = to
	o.ResolvedAt = at
	observability.OffersResolved.WithLabelValues(string(to)).Inc()
	return nil
}
