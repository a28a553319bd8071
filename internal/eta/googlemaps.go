package eta

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
)

// GoogleMapsClient resolves routes through the Google Directions API.
type GoogleMapsClient struct {
	client *maps.Client
}

func NewGoogleMapsClient(apiKey string) (*GoogleMapsClient, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMapsClient{client: client}, nil
}

func (g *GoogleMapsClient) GetRoute(ctx context.Context, from, to models.Coord) (Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return Route{}, fmt.Errorf("%w: maps api error: %v", ErrRoutingUnavailable, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, fmt.Errorf("%w: no route found", ErrRoutingUnavailable)
	}
	leg := routes[0].Legs[0]
	return Route{
		DistanceMeters: float64(leg.Distance.Meters),
		Duration:       leg.Duration,
		Polyline:       routes[0].OverviewPolyline.Points,
	}, nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}
