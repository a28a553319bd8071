package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrUnknownDriver = errors.New("unknown driver")

// Geo is the driver index shared by ranking, dispatch and the fleet surface.
// Location reads may be stale; status changes go through CompareAndSetStatus
// and must be strongly consistent.
type Geo interface {
	Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]models.Driver, error)
	// Upsert refreshes location, rating, ride types and last-seen. A new driver
	// starts in d.Status (offline when empty); an existing driver keeps its status.
	Upsert(ctx context.Context, d models.Driver) error
	Get(ctx context.Context, id string) (models.Driver, error)
	CompareAndSetStatus(ctx context.Context, id string, from, to models.DriverStatus) (bool, error)
}

type entry struct {
	mu sync.Mutex
	d  models.Driver
}

// Index is the in-memory Geo. Each driver record has its own lock so status
// CAS on one driver never contends with another.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]*entry
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]*entry), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	e, ok := g.drivers[d.ID]
	if !ok {
		if d.Status == "" {
			d.Status = models.DriverOffline
		}
		d.Updated = g.now()
		d.RideTypes = append([]models.RideType(nil), d.RideTypes...)
		g.drivers[d.ID] = &entry{d: d}
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.d.Loc = d.Loc
	if d.Rating > 0 {
		e.d.Rating = d.Rating
	}
	if len(d.RideTypes) > 0 {
		e.d.RideTypes = append([]models.RideType(nil), d.RideTypes...)
	}
	e.d.Updated = g.now()
	return nil
}

func (g *Index) Get(_ context.Context, id string) (models.Driver, error) {
	e, ok := g.lookup(id)
	if !ok {
		return models.Driver{}, ErrUnknownDriver
	}
	return e.snapshot(), nil
}

func (g *Index) CompareAndSetStatus(_ context.Context, id string, from, to models.DriverStatus) (bool, error) {
	e, ok := g.lookup(id)
	if !ok {
		return false, ErrUnknownDriver
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.d.Status != from {
		return false, nil
	}
	e.d.Status = to
	e.d.Updated = g.now()
	return true, nil
}

// Nearby returns drivers within radiusM, closest first. A non-positive radius
// means unbounded. Status is not filtered here; ranking owns eligibility.
func (g *Index) Nearby(_ context.Context, lat, lon, radiusM float64, limit int) ([]models.Driver, error) {
	g.mu.RLock()
	entries := make([]*entry, 0, len(g.drivers))
	for _, e := range g.drivers {
		entries = append(entries, e)
	}
	g.mu.RUnlock()

	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(entries))
	for _, e := range entries {
		d := e.snapshot()
		dist := Haversine(lat, lon, d.Loc.Lat, d.Loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].d.ID < arr[j].d.ID
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out, nil
}

func (g *Index) lookup(id string) (*entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.drivers[id]
	return e, ok
}

func (e *entry) snapshot() models.Driver {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.d
	d.RideTypes = append([]models.RideType(nil), e.d.RideTypes...)
	return d
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over Coords.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
