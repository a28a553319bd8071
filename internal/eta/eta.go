package eta

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var ErrRoutingUnavailable = errors.New("routing unavailable")

// Route is what the routing provider returns for an origin/destination pair.
// Degraded marks a straight-line estimate used in place of a provider answer.
type Route struct {
	DistanceMeters float64       `json:"distance_meters"`
	Duration       time.Duration `json:"duration"`
	Polyline       string        `json:"polyline,omitempty"`
	Degraded       bool          `json:"degraded"`
}

// Client is the routing provider contract (OSRM, Google Directions).
type Client interface {
	GetRoute(ctx context.Context, from, to models.Coord) (Route, error)
}

// SpeedProfile is the average speed and traffic multiplier of a vehicle class.
type SpeedProfile struct {
	SpeedMps float64
	Traffic  float64
}

// RoadDetourFactor scales great-circle distance to an approximate road distance.
const RoadDetourFactor = 1.25

// two-wheelers filter through traffic, four-wheelers sit in it
var profiles = map[models.VehicleClass]SpeedProfile{
	models.VehicleTwoWheeler:   {SpeedMps: 8.3, Traffic: 1.1},
	models.VehicleThreeWheeler: {SpeedMps: 6.9, Traffic: 1.25},
	models.VehicleFourWheeler:  {SpeedMps: 9.7, Traffic: 1.45},
}

const defaultSpeedMps = 8.0 // ~28.8 km/h default city speed

// ProfileFor returns the speed profile for a vehicle class, falling back to
// the default city speed with no traffic adjustment.
func ProfileFor(v models.VehicleClass) SpeedProfile {
	if p, ok := profiles[v]; ok {
		return p
	}
	return SpeedProfile{SpeedMps: defaultSpeedMps, Traffic: 1}
}

// StraightLine estimates a route from great-circle distance and the vehicle's speed profile.
func StraightLine(from, to models.Coord, v models.VehicleClass) Route {
	p := ProfileFor(v)
	d := geo.Distance(from, to) * RoadDetourFactor
	secs := d / p.SpeedMps * p.Traffic
	return Route{DistanceMeters: d, Duration: time.Duration(secs * float64(time.Second)), Degraded: true}
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
