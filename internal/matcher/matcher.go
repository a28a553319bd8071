package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is a ranked driver with the pickup ETA that placed it.
type Candidate struct {
	DriverID string        `json:"driver_id"`
	ETA      time.Duration `json:"eta"`
	Distance float64       `json:"distance_meters"`
	Rating   float64       `json:"rating"`
}

type Ranker struct {
	Geo  geo.Geo
	TopN int
}

// Rank queries the driver index around pickup and returns eligible drivers
// closest-ETA-first. An empty result is not an error.
func (r *Ranker) Rank(ctx context.Context, pickup models.Coord, rt models.RideType, radiusM float64) ([]Candidate, error) {
	// ask the index for more than TopN since status/type filtering happens here
	drivers, err := r.Geo.Nearby(ctx, pickup.Lat, pickup.Lon, radiusM, 0)
	if err != nil {
		return nil, fmt.Errorf("nearby drivers: %w", err)
	}
	out := RankDrivers(drivers, pickup, rt)
	if r.TopN > 0 && len(out) > r.TopN {
		out = out[:r.TopN]
	}
	return out, nil
}

// RankDrivers keeps available drivers that serve rt and orders them by
// straight-line pickup ETA, then higher rating, then lower id.
func RankDrivers(drivers []models.Driver, pickup models.Coord, rt models.RideType) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if d.Status != models.DriverAvailable || !d.Supports(rt) {
			continue
		}
		route := eta.StraightLine(d.Loc, pickup, rt.Vehicle())
		out = append(out, Candidate{DriverID: d.ID, ETA: route.Duration, Distance: route.DistanceMeters, Rating: d.Rating})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ETA != out[j].ETA {
			return out[i].ETA < out[j].ETA
		}
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out
}

// IDs returns the candidate driver ids in rank order.
func IDs(cands []Candidate) []string {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.DriverID
	}
	return ids
}
