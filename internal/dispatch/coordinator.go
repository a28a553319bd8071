package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
)

const (
	sideEffectTimeout = 5 * time.Second
	driverOpTimeout   = 2 * time.Second
)

// expiry reasons recorded on the request
const (
	reasonNoCandidates = "no_candidates"
	reasonExhausted    = "candidates_exhausted"
	reasonMaxAttempts  = "max_attempts"
	reasonBudget       = "budget_elapsed"
	reasonShutdown     = "shutdown"
)

type Config struct {
	OfferTimeout  time.Duration
	Budget        time.Duration
	MaxAttempts   int
	SearchRadiusM float64
	TombstoneTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = 15 * time.Second
	}
	if c.Budget <= 0 {
		c.Budget = 120 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.SearchRadiusM <= 0 {
		c.SearchRadiusM = 5000
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 10 * time.Minute
	}
	return c
}

type Ranker interface {
	Rank(ctx context.Context, pickup models.Coord, rt models.RideType, radiusM float64) ([]matcher.Candidate, error)
}

type RouteResolver interface {
	Route(ctx context.Context, from, to models.Coord, rt models.RideType) eta.Route
}

// RideMaterializer turns an accepted request into a Ride. It is called while
// the request is locked and must not call back into the Coordinator.
type RideMaterializer interface {
	Materialize(req models.RideRequest, driverID string) (models.Ride, error)
}

type Store interface {
	SaveRequest(ctx context.Context, req models.RideRequest) error
	SaveOffer(ctx context.Context, off models.Offer) error
}

type Deps struct {
	Ranker   Ranker
	Drivers  geo.Geo
	Router   RouteResolver
	Rides    RideMaterializer
	Notifier notify.Notifier
	Store    Store // optional
	Clock    Clock
	// Executor runs side effects after the request lock is released.
	// Defaults to one goroutine per effect.
	Executor func(func())
	Logger   *slog.Logger
}

type CreateCommand struct {
	RiderID     string
	Pickup      models.Place
	Destination models.Place
	RideType    models.RideType
	// FareEstimate overrides the priced estimate when set.
	FareEstimate *models.Fare
}

func (cmd CreateCommand) validate() error {
	switch {
	case strings.TrimSpace(cmd.RiderID) == "":
		return fmt.Errorf("%w: rider_id required", ErrInvalidRequest)
	case !cmd.Pickup.Valid():
		return fmt.Errorf("%w: pickup out of range", ErrInvalidRequest)
	case !cmd.Destination.Valid():
		return fmt.Errorf("%w: destination out of range", ErrInvalidRequest)
	case !cmd.RideType.Valid():
		return fmt.Errorf("%w: unknown ride_type %q", ErrInvalidRequest, cmd.RideType)
	}
	return nil
}

type effect func(ctx context.Context)

// owner is the single mutation point of one RideRequest. Every signal that
// targets the request takes mu.
type owner struct {
	mu          sync.Mutex
	req         models.RideRequest
	offer       *offer
	history     []*offer
	offerTimer  Timer
	budgetTimer Timer
	done        bool
}

func (o *owner) snapshot() models.RideRequest {
	r := o.req
	r.Candidates = append([]string(nil), o.req.Candidates...)
	return r
}

func (o *owner) offers() []models.Offer {
	out := make([]models.Offer, len(o.history))
	for i, off := range o.history {
		out[i] = off.Offer
	}
	return out
}

func (o *owner) wasOffered(driverID string) bool {
	for _, off := range o.history {
		if off.DriverID == driverID {
			return true
		}
	}
	return false
}

type tombstone struct {
	req    models.RideRequest
	offers []models.Offer
	until  time.Time
}

// Coordinator drives each ride request through its sequential offer
// protocol. Active requests live in a registry keyed by id; finished ones
// are kept as tombstones for a while so late signals resolve as no-ops.
type Coordinator struct {
	cfg      Config
	ranker   Ranker
	drivers  geo.Geo
	router   RouteResolver
	rides    RideMaterializer
	notifier notify.Notifier
	store    Store
	clock    Clock
	exec     func(func())
	logger   *slog.Logger

	mu       sync.Mutex
	active   map[string]*owner
	byRider  map[string]string
	finished map[string]tombstone
	// held maps a driver to the request whose offer they were last sent
	held   map[string]*owner
	closed bool
}

func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		ranker:   deps.Ranker,
		drivers:  deps.Drivers,
		router:   deps.Router,
		rides:    deps.Rides,
		notifier: deps.Notifier,
		store:    deps.Store,
		clock:    deps.Clock,
		exec:     deps.Executor,
		logger:   deps.Logger,
		active:   make(map[string]*owner),
		byRider:  make(map[string]string),
		finished: make(map[string]tombstone),
		held:     make(map[string]*owner),
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.clock == nil {
		c.clock = RealClock
	}
	if c.exec == nil {
		c.exec = func(f func()) { go f() }
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// CreateRequest prices and ranks a new request, then offers it to the first
// claimable candidate before returning. The returned snapshot is valid even
// alongside ErrNoDriversAvailable.
func (c *Coordinator) CreateRequest(ctx context.Context, cmd CreateCommand) (models.RideRequest, error) {
	if err := cmd.validate(); err != nil {
		return models.RideRequest{}, err
	}
	id := uuid.NewString()
	if err := c.reserveRider(cmd.RiderID, id); err != nil {
		return models.RideRequest{}, err
	}

	route := eta.StraightLine(cmd.Pickup.Coord, cmd.Destination.Coord, cmd.RideType.Vehicle())
	if c.router != nil {
		route = c.router.Route(ctx, cmd.Pickup.Coord, cmd.Destination.Coord, cmd.RideType)
	}
	fare := pricing.Estimate(route.DistanceMeters, route.Duration, cmd.RideType)
	if cmd.FareEstimate != nil {
		fare = *cmd.FareEstimate
	}

	cands, err := c.ranker.Rank(ctx, cmd.Pickup.Coord, cmd.RideType, c.cfg.SearchRadiusM)
	if err != nil {
		c.logger.Error("candidate ranking failed", "request_id", id, "rider_id", cmd.RiderID, "error", err)
		cands = nil
	}

	now := c.clock.Now()
	o := &owner{req: models.RideRequest{
		ID:              id,
		RiderID:         cmd.RiderID,
		Pickup:          cmd.Pickup,
		Destination:     cmd.Destination,
		RideType:        cmd.RideType,
		EstimatedFare:   fare,
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.Duration.Seconds(),
		Polyline:        route.Polyline,
		RouteDegraded:   route.Degraded,
		Status:          models.RequestSearching,
		Candidates:      matcher.IDs(cands),
		MaxAttempts:     c.cfg.MaxAttempts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}}
	observability.RequestsCreated.Inc()

	o.mu.Lock()
	var effs []effect
	if len(cands) == 0 {
		effs = c.expire(o, reasonNoCandidates)
	} else {
		if !c.register(o) {
			o.mu.Unlock()
			c.releaseRider(cmd.RiderID, id)
			return models.RideRequest{}, ErrShuttingDown
		}
		o.budgetTimer = c.clock.AfterFunc(c.cfg.Budget, func() { c.onBudget(o) })
		effs = c.dispatchNext(o)
	}
	snap, done := o.snapshot(), o.done
	effs = append(effs, c.saveRequest(snap))
	o.mu.Unlock()

	if done {
		c.retire(o, snap)
	}
	c.flush(effs)

	c.logger.Info("ride request created", "request_id", id, "rider_id", cmd.RiderID, "ride_type", cmd.RideType,
		"candidates", len(snap.Candidates), "status", snap.Status, "route_degraded", route.Degraded)
	if snap.Status == models.RequestExpired {
		return snap, ErrNoDriversAvailable
	}
	return snap, nil
}

// HandleAccept commits the pending offer held by driverID.
func (c *Coordinator) HandleAccept(ctx context.Context, requestID, driverID string) error {
	o, tomb, ok := c.lookup(requestID)
	if !ok {
		if tomb != nil {
			c.absorbed("accept", requestID, driverID, "request finished")
			return ErrAlreadyResolved
		}
		return ErrRequestNotFound
	}

	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		c.absorbed("accept", requestID, driverID, "request finished")
		return ErrAlreadyResolved
	}
	off := o.offer
	if off == nil || !off.pending() || off.DriverID != driverID {
		offered := o.wasOffered(driverID)
		o.mu.Unlock()
		if offered {
			c.absorbed("accept", requestID, driverID, "offer already resolved")
			return ErrAlreadyResolved
		}
		c.absorbed("accept", requestID, driverID, "not the offered driver")
		return ErrNotAssignedToDriver
	}

	from, err := c.claimForRide(ctx, driverID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	ride, err := c.rides.Materialize(o.snapshot(), driverID)
	if err != nil {
		if _, rerr := c.setDriverStatus(driverID, models.DriverOnRide, from); rerr != nil {
			c.logger.Error("driver rollback failed", "request_id", requestID, "driver_id", driverID, "error", rerr)
		}
		o.mu.Unlock()
		return fmt.Errorf("materialize ride for request %s: %w", requestID, err)
	}

	now := c.clock.Now()
	if err := off.resolve(models.OfferAccepted, now); err != nil {
		// unreachable while the lock is held; pending was checked above
		c.logger.Error("offer transition rejected", "request_id", requestID, "driver_id", driverID, "error", err)
	}
	c.unhold(driverID, o)
	stopTimer(o.offerTimer)
	stopTimer(o.budgetTimer)
	o.req.Status = models.RequestAccepted
	o.req.DriverID = driverID
	o.req.RideID = ride.ID
	o.req.UpdatedAt = now
	o.done = true
	c.recordFinish(models.RequestAccepted, o.req.CreatedAt, now)

	snap := o.snapshot()
	effs := []effect{c.saveOffer(off.Offer), c.saveRequest(snap)}
	o.mu.Unlock()

	c.retire(o, snap)
	c.flush(effs)
	c.logger.Info("offer accepted", "request_id", requestID, "driver_id", driverID, "ride_id", ride.ID, "attempt", snap.AttemptCount+1)
	return nil
}

// claimForRide moves the driver to on_ride. A driver who toggled offline while
// holding the offer is still claimable since they just accepted.
func (c *Coordinator) claimForRide(ctx context.Context, driverID string) (models.DriverStatus, error) {
	for _, from := range []models.DriverStatus{models.DriverOfferPending, models.DriverOffline} {
		ok, err := c.setDriverStatusCtx(ctx, driverID, from, models.DriverOnRide)
		if err != nil {
			return "", fmt.Errorf("claim driver %s: %w", driverID, err)
		}
		if ok {
			return from, nil
		}
	}
	return "", fmt.Errorf("%w: driver %s status changed", ErrNotAssignedToDriver, driverID)
}

// HandleDecline resolves the pending offer if driverID holds it and moves to
// the next candidate. Every other case is a no-op.
func (c *Coordinator) HandleDecline(_ context.Context, requestID, driverID string) error {
	o, _, ok := c.lookup(requestID)
	if !ok {
		c.absorbed("decline", requestID, driverID, "request finished")
		return nil
	}
	o.mu.Lock()
	if o.done || o.offer == nil || !o.offer.pending() || o.offer.DriverID != driverID {
		o.mu.Unlock()
		c.absorbed("decline", requestID, driverID, "no pending offer for driver")
		return nil
	}
	c.logger.Info("offer declined", "request_id", requestID, "driver_id", driverID)
	effs := c.advance(o, models.OfferDeclined)
	snap, done := o.snapshot(), o.done
	effs = append(effs, c.saveRequest(snap))
	o.mu.Unlock()

	if done {
		c.retire(o, snap)
	}
	c.flush(effs)
	return nil
}

// Cancel is the rider aborting a request that has not been accepted yet.
func (c *Coordinator) Cancel(_ context.Context, requestID, riderID string) error {
	o, tomb, ok := c.lookup(requestID)
	if !ok {
		if tomb == nil {
			return ErrRequestNotFound
		}
		return cancelOutcome(tomb.RiderID, tomb.Status, riderID)
	}

	o.mu.Lock()
	if o.req.RiderID != riderID || o.done {
		rid, st := o.req.RiderID, o.req.Status
		o.mu.Unlock()
		return cancelOutcome(rid, st, riderID)
	}
	now := c.clock.Now()
	effs := c.withdraw(o, "rider_cancelled")
	stopTimer(o.budgetTimer)
	o.req.Status = models.RequestCancelled
	o.req.FailureReason = "rider_cancelled"
	o.req.UpdatedAt = now
	o.done = true
	c.recordFinish(models.RequestCancelled, o.req.CreatedAt, now)

	snap := o.snapshot()
	effs = append(effs, c.saveRequest(snap), c.notifyEffect(notify.Event{
		Kind:      notify.RequestCancelled,
		Recipient: snap.RiderID,
		Role:      notify.RoleRider,
		RequestID: snap.ID,
		RiderID:   snap.RiderID,
	}))
	o.mu.Unlock()

	c.retire(o, snap)
	c.flush(effs)
	c.logger.Info("ride request cancelled", "request_id", requestID, "rider_id", riderID)
	return nil
}

func cancelOutcome(ownerID string, st models.RequestStatus, riderID string) error {
	switch {
	case ownerID != riderID:
		return ErrNotRequestOwner
	case st == models.RequestCancelled:
		return nil
	case st.Terminal():
		return ErrNotCancellable
	}
	return nil
}

// Get returns the current or last-known state of a request.
func (c *Coordinator) Get(requestID string) (models.RideRequest, error) {
	o, tomb, ok := c.lookup(requestID)
	if !ok {
		if tomb == nil {
			return models.RideRequest{}, ErrRequestNotFound
		}
		return *tomb, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot(), nil
}

// Offers returns every offer made for a request, in dispatch order.
func (c *Coordinator) Offers(requestID string) ([]models.Offer, error) {
	c.mu.Lock()
	o, ok := c.active[requestID]
	t, finished := c.finished[requestID]
	c.mu.Unlock()
	switch {
	case ok:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.offers(), nil
	case finished:
		return append([]models.Offer(nil), t.offers...), nil
	}
	return nil, ErrRequestNotFound
}

// Shutdown stops every timer, withdraws pending offers and refuses new requests.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.closed = true
	owners := make([]*owner, 0, len(c.active))
	for _, o := range c.active {
		owners = append(owners, o)
	}
	c.mu.Unlock()

	for _, o := range owners {
		o.mu.Lock()
		if o.done {
			o.mu.Unlock()
			continue
		}
		effs := c.withdraw(o, reasonShutdown)
		effs = append(effs, c.expire(o, reasonShutdown)...)
		snap := o.snapshot()
		effs = append(effs, c.saveRequest(snap))
		o.mu.Unlock()
		c.retire(o, snap)
		c.flush(effs)
	}
	c.logger.Info("dispatch coordinator stopped", "withdrawn", len(owners))
}

// ActiveCount reports requests still searching for a driver.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Coordinator) onOfferDeadline(o *owner, seq int) {
	o.mu.Lock()
	if o.done || o.offer == nil || o.offer.Seq != seq || !o.offer.pending() {
		reqID := o.req.ID
		o.mu.Unlock()
		c.absorbed("deadline", reqID, "", "offer already resolved")
		return
	}
	c.logger.Info("offer expired", "request_id", o.req.ID, "driver_id", o.offer.DriverID, "seq", seq)
	effs := c.advance(o, models.OfferExpired)
	snap, done := o.snapshot(), o.done
	effs = append(effs, c.saveRequest(snap))
	o.mu.Unlock()

	if done {
		c.retire(o, snap)
	}
	c.flush(effs)
}

func (c *Coordinator) onBudget(o *owner) {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return
	}
	effs := c.withdraw(o, reasonBudget)
	effs = append(effs, c.expire(o, reasonBudget)...)
	snap := o.snapshot()
	effs = append(effs, c.saveRequest(snap))
	o.mu.Unlock()

	c.retire(o, snap)
	c.flush(effs)
}

// advance resolves the pending offer as declined or expired, frees the driver
// and dispatches the next candidate. Caller holds o.mu.
func (c *Coordinator) advance(o *owner, status models.OfferStatus) []effect {
	off := o.offer
	if err := off.resolve(status, c.clock.Now()); err != nil {
		c.logger.Warn("offer transition rejected", "request_id", off.RequestID, "driver_id", off.DriverID, "to", status, "error", err)
		return nil
	}
	stopTimer(o.offerTimer)
	o.offerTimer = nil
	c.unhold(off.DriverID, o)
	c.releaseDriver(o.req.ID, off.DriverID)

	effs := []effect{c.saveOffer(off.Offer)}
	if status == models.OfferExpired {
		effs = append(effs, c.notifyEffect(notify.Event{
			Kind:      notify.OfferWithdrawn,
			Recipient: off.DriverID,
			Role:      notify.RoleDriver,
			RequestID: off.RequestID,
			DriverID:  off.DriverID,
			Payload:   map[string]any{"reason": "expired"},
		}))
	}
	o.req.AttemptCount++
	o.req.CurrentIndex++
	o.req.Status = models.RequestSearching
	o.req.UpdatedAt = c.clock.Now()
	return append(effs, c.dispatchNext(o)...)
}

// dispatchNext offers the request to the next claimable candidate, or expires
// it. Candidates whose status CAS fails are skipped without using an attempt.
// Caller holds o.mu.
func (c *Coordinator) dispatchNext(o *owner) []effect {
	for {
		switch {
		case c.clock.Now().Sub(o.req.CreatedAt) >= c.cfg.Budget:
			return c.expire(o, reasonBudget)
		case o.req.AttemptCount >= o.req.MaxAttempts:
			return c.expire(o, reasonMaxAttempts)
		case o.req.CurrentIndex >= len(o.req.Candidates):
			return c.expire(o, reasonExhausted)
		}
		driverID := o.req.Candidates[o.req.CurrentIndex]
		ok, err := c.setDriverStatus(driverID, models.DriverAvailable, models.DriverOfferPending)
		if err == nil && ok {
			return c.sendOffer(o, driverID)
		}
		observability.CandidatesSkipped.Inc()
		c.logger.Info("candidate skipped", "request_id", o.req.ID, "driver_id", driverID, "error", err)
		o.req.CurrentIndex++
	}
}

func (c *Coordinator) sendOffer(o *owner, driverID string) []effect {
	now := c.clock.Now()
	seq := len(o.history) + 1
	off := newOffer(o.req.ID, driverID, seq, now, c.cfg.OfferTimeout)
	o.offer = off
	o.history = append(o.history, off)
	c.hold(driverID, o)
	o.req.Status = models.RequestDriverAssigned
	o.req.UpdatedAt = now
	o.offerTimer = c.clock.AfterFunc(c.cfg.OfferTimeout, func() { c.onOfferDeadline(o, seq) })
	observability.OffersSent.Inc()
	c.logger.Info("offer sent", "request_id", o.req.ID, "driver_id", driverID, "seq", seq, "deadline", off.Deadline)

	return []effect{
		c.saveOffer(off.Offer),
		c.notifyEffect(notify.Event{
			Kind:      notify.OfferSent,
			Recipient: driverID,
			Role:      notify.RoleDriver,
			RequestID: o.req.ID,
			DriverID:  driverID,
			RiderID:   o.req.RiderID,
			Payload: map[string]any{
				"deadline":        off.Deadline,
				"pickup":          o.req.Pickup,
				"destination":     o.req.Destination,
				"ride_type":       o.req.RideType,
				"fare":            o.req.EstimatedFare,
				"distance_meters": o.req.DistanceMeters,
			},
		}),
	}
}

// withdraw pulls a pending offer when the request ends for reasons other than
// the driver's answer. Caller holds o.mu.
func (c *Coordinator) withdraw(o *owner, reason string) []effect {
	stopTimer(o.offerTimer)
	o.offerTimer = nil
	off := o.offer
	if off == nil || !off.pending() {
		return nil
	}
	if err := off.resolve(models.OfferWithdrawn, c.clock.Now()); err != nil {
		c.logger.Warn("offer transition rejected", "request_id", off.RequestID, "driver_id", off.DriverID, "error", err)
		return nil
	}
	c.unhold(off.DriverID, o)
	c.releaseDriver(o.req.ID, off.DriverID)
	return []effect{
		c.saveOffer(off.Offer),
		c.notifyEffect(notify.Event{
			Kind:      notify.OfferWithdrawn,
			Recipient: off.DriverID,
			Role:      notify.RoleDriver,
			RequestID: off.RequestID,
			DriverID:  off.DriverID,
			Payload:   map[string]any{"reason": reason},
		}),
	}
}

// expire ends the request with NoDriversAvailable. Caller holds o.mu.
func (c *Coordinator) expire(o *owner, reason string) []effect {
	now := c.clock.Now()
	stopTimer(o.offerTimer)
	stopTimer(o.budgetTimer)
	o.req.Status = models.RequestExpired
	o.req.FailureReason = reason
	o.req.UpdatedAt = now
	o.done = true
	c.recordFinish(models.RequestExpired, o.req.CreatedAt, now)
	c.logger.Info("ride request expired", "request_id", o.req.ID, "rider_id", o.req.RiderID, "reason", reason,
		"attempts", o.req.AttemptCount)
	return []effect{c.notifyEffect(notify.Event{
		Kind:      notify.RequestExpired,
		Recipient: o.req.RiderID,
		Role:      notify.RoleRider,
		RequestID: o.req.ID,
		RiderID:   o.req.RiderID,
		Payload:   map[string]any{"reason": reason, "error": ErrNoDriversAvailable.Error()},
	})}
}

func (c *Coordinator) recordFinish(st models.RequestStatus, created, now time.Time) {
	observability.RequestsFinished.WithLabelValues(string(st)).Inc()
	observability.DispatchLatency.Observe(now.Sub(created).Seconds())
}

// releaseDriver hands an offered driver back to the pool unless they went
// offline meanwhile.
func (c *Coordinator) releaseDriver(requestID, driverID string) {
	ok, err := c.setDriverStatus(driverID, models.DriverOfferPending, models.DriverAvailable)
	switch {
	case err != nil:
		c.logger.Error("driver release failed", "request_id", requestID, "driver_id", driverID, "error", err)
	case !ok:
		c.logger.Info("driver not released, status changed", "request_id", requestID, "driver_id", driverID)
	}
}

// Rejoin brings an offline driver back into dispatch. A driver whose offer is
// still pending returns to offer_pending so no other request can claim them
// while it runs; any other offline driver becomes available. It reports the
// status set, or "" when the driver was not offline.
func (c *Coordinator) Rejoin(ctx context.Context, driverID string) (models.DriverStatus, error) {
	c.mu.Lock()
	o := c.held[driverID]
	c.mu.Unlock()

	to := models.DriverAvailable
	if o != nil {
		// resolution happens under o.mu, so the offer cannot lapse between the
		// check and the status change
		o.mu.Lock()
		defer o.mu.Unlock()
		if off := o.offer; !o.done && off != nil && off.pending() && off.DriverID == driverID {
			to = models.DriverOfferPending
		}
	}
	ok, err := c.setDriverStatusCtx(ctx, driverID, models.DriverOffline, to)
	if err != nil {
		return "", fmt.Errorf("rejoin driver %s: %w", driverID, err)
	}
	if !ok {
		return "", nil
	}
	if to == models.DriverOfferPending {
		c.logger.Info("driver rejoined holding offer", "request_id", o.req.ID, "driver_id", driverID)
	}
	return to, nil
}

// hold records that driverID was sent o's current offer. Caller holds o.mu.
func (c *Coordinator) hold(driverID string, o *owner) {
	c.mu.Lock()
	c.held[driverID] = o
	c.mu.Unlock()
}

// unhold forgets driverID's offer from o once it resolves. Caller holds o.mu.
func (c *Coordinator) unhold(driverID string, o *owner) {
	c.mu.Lock()
	if c.held[driverID] == o {
		delete(c.held, driverID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) setDriverStatus(driverID string, from, to models.DriverStatus) (bool, error) {
	return c.setDriverStatusCtx(context.Background(), driverID, from, to)
}

func (c *Coordinator) setDriverStatusCtx(ctx context.Context, driverID string, from, to models.DriverStatus) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, driverOpTimeout)
	defer cancel()
	return c.drivers.CompareAndSetStatus(ctx, driverID, from, to)
}

func (c *Coordinator) absorbed(signal, requestID, driverID, why string) {
	observability.AbsorbedRaces.WithLabelValues(signal).Inc()
	c.logger.Info("absorbed stale signal", "signal", signal, "request_id", requestID, "driver_id", driverID,
		"reason", why, "at", c.clock.Now())
}

func (c *Coordinator) reserveRider(riderID, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrShuttingDown
	}
	if cur, ok := c.byRider[riderID]; ok {
		return fmt.Errorf("%w: %s", ErrActiveRequest, cur)
	}
	c.byRider[riderID] = requestID
	return nil
}

func (c *Coordinator) releaseRider(riderID, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byRider[riderID] == requestID {
		delete(c.byRider, riderID)
	}
}

func (c *Coordinator) register(o *owner) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.active[o.req.ID] = o
	return true
}

// retire moves a finished request from the registry to the tombstones. The
// owner lock must not be held.
func (c *Coordinator) retire(o *owner, snap models.RideRequest) {
	o.mu.Lock()
	offers := o.offers()
	o.mu.Unlock()

	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, snap.ID)
	if c.byRider[snap.RiderID] == snap.ID {
		delete(c.byRider, snap.RiderID)
	}
	for id, t := range c.finished {
		if now.After(t.until) {
			delete(c.finished, id)
		}
	}
	c.finished[snap.ID] = tombstone{req: snap, offers: offers, until: now.Add(c.cfg.TombstoneTTL)}
}

func (c *Coordinator) lookup(requestID string) (*owner, *models.RideRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.active[requestID]; ok {
		return o, nil, true
	}
	if t, ok := c.finished[requestID]; ok && !c.clock.Now().After(t.until) {
		r := t.req
		return nil, &r, false
	}
	return nil, nil, false
}

func (c *Coordinator) flush(effs []effect) {
	for _, f := range effs {
		if f == nil {
			continue
		}
		c.exec(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
			defer cancel()
			f(ctx)
		})
	}
}

func (c *Coordinator) notifyEffect(ev notify.Event) effect {
	ev.At = c.clock.Now()
	return func(ctx context.Context) {
		if err := c.notifier.Notify(ctx, ev); err != nil {
			c.logger.Debug("notification not delivered", "kind", ev.Kind, "recipient", ev.Recipient, "error", err)
		}
	}
}

func (c *Coordinator) saveRequest(req models.RideRequest) effect {
	if c.store == nil {
		return nil
	}
	return func(ctx context.Context) {
		if err := c.store.SaveRequest(ctx, req); err != nil {
			c.logger.Error("persist request failed", "request_id", req.ID, "error", err)
		}
	}
}

func (c *Coordinator) saveOffer(off models.Offer) effect {
	if c.store == nil {
		return nil
	}
	return func(ctx context.Context) {
		if err := c.store.SaveOffer(ctx, off); err != nil {
			c.logger.Error("persist offer failed", "request_id", off.RequestID, "driver_id", off.DriverID, "error", err)
		}
	}
}
