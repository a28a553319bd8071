package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("record not found")

// TripStore persists requests, offer resolutions, rides and location
// samples. Writes are upserts keyed by id so callers may save the same record
// repeatedly as it moves through its states. Saves may land out of order: a
// snapshot older than the stored one is dropped, and a resolved offer is never
// reopened.
type TripStore interface {
	SaveRequest(ctx context.Context, r models.RideRequest) error
	SaveOffer(ctx context.Context, o models.Offer) error
	SaveRide(ctx context.Context, r models.Ride) error
	RecordSample(ctx context.Context, s models.LocationSample) error
	Close() error
}

type offerKey struct {
	requestID string
	seq       int
}

// samplesPerDriver caps the in-memory location history.
const samplesPerDriver = 500

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]models.RideRequest
	offers   map[offerKey]models.Offer
	rides    map[string]models.Ride
	samples  map[string][]models.LocationSample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]models.RideRequest),
		offers:   make(map[offerKey]models.Offer),
		rides:    make(map[string]models.Ride),
		samples:  make(map[string][]models.LocationSample),
	}
}

func (m *MemoryStore) SaveRequest(_ context.Context, r models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.requests[r.ID]; ok && r.UpdatedAt.Before(cur.UpdatedAt) {
		return nil
	}
	r.Candidates = append([]string(nil), r.Candidates...)
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) SaveOffer(_ context.Context, o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := offerKey{o.RequestID, o.Seq}
	if cur, ok := m.offers[k]; ok && cur.Status != models.OfferPending {
		return nil
	}
	m.offers[k] = o
	return nil
}

func (m *MemoryStore) SaveRide(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rides[r.ID]; ok && r.UpdatedAt.Before(cur.UpdatedAt) {
		return nil
	}
	r.OTPCode = ""
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) RecordSample(_ context.Context, s models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.samples[s.DriverID], s)
	if len(h) > samplesPerDriver {
		h = h[len(h)-samplesPerDriver:]
	}
	m.samples[s.DriverID] = h
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Request(id string) (models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.RideRequest{}, ErrNotFound
	}
	return r, nil
}

// Offers returns the offers of a request in dispatch order.
func (m *MemoryStore) Offers(requestID string) []models.Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for k, o := range m.offers {
		if k.requestID == requestID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *MemoryStore) Ride(id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) Samples(driverID string) []models.LocationSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.LocationSample(nil), m.samples[driverID]...)
}
