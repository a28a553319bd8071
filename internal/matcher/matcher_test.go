package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var pickup = models.Coord{Lat: 12.9716, Lon: 77.5946}

func driver(id string, dLat float64, rating float64, status models.DriverStatus, types ...models.RideType) models.Driver {
	return models.Driver{ID: id, Loc: models.Coord{Lat: pickup.Lat + dLat, Lon: pickup.Lon}, Rating: rating, Status: status, RideTypes: types}
}

func TestRankOrdersByETA(t *testing.T) {
	got := RankDrivers([]models.Driver{
		driver("far", 0.02, 5, models.DriverAvailable, models.RideTypeCar),
		driver("near", 0.005, 3, models.DriverAvailable, models.RideTypeCar),
		driver("mid", 0.01, 4, models.DriverAvailable, models.RideTypeCar),
	}, pickup, models.RideTypeCar)
	want := []string{"near", "mid", "far"}
	ids := IDs(got)
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestChooseHigherRatingIfETAEqual(t *testing.T) {
	got := RankDrivers([]models.Driver{
		driver("A", 0.01, 4.0, models.DriverAvailable, models.RideTypeCar),
		driver("B", 0.01, 5.0, models.DriverAvailable, models.RideTypeCar),
		driver("C", 0.01, 5.0, models.DriverAvailable, models.RideTypeCar),
	}, pickup, models.RideTypeCar)
	if len(got) != 3 || got[0].DriverID != "B" || got[1].DriverID != "C" || got[2].DriverID != "A" {
		t.Fatalf("expected B, C, A; got %v", IDs(got))
	}
}

func TestFiltersStatusAndRideType(t *testing.T) {
	got := RankDrivers([]models.Driver{
		driver("busy", 0.001, 5, models.DriverOnRide, models.RideTypeCar),
		driver("pending", 0.001, 5, models.DriverOfferPending, models.RideTypeCar),
		driver("offline", 0.001, 5, models.DriverOffline, models.RideTypeCar),
		driver("bike", 0.001, 5, models.DriverAvailable, models.RideTypeBike),
		driver("ok", 0.01, 3, models.DriverAvailable, models.RideTypeCar, models.RideTypeXL),
	}, pickup, models.RideTypeCar)
	if len(got) != 1 || got[0].DriverID != "ok" {
		t.Fatalf("expected only ok, got %v", IDs(got))
	}
}

func TestEmptyInputIsNotAnError(t *testing.T) {
	r := &Ranker{Geo: geo.NewIndex(), TopN: 5}
	got, err := r.Rank(context.Background(), pickup, models.RideTypeAuto, 3000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %v", IDs(got))
	}
}

func TestRankTruncatesToTopN(t *testing.T) {
	idx := geo.NewIndex()
	for i, id := range []string{"d1", "d2", "d3", "d4"} {
		_ = idx.Upsert(context.Background(), driver(id, float64(i+1)*0.001, 4.5, models.DriverAvailable, models.RideTypeAuto))
	}
	r := &Ranker{Geo: idx, TopN: 2}
	got, err := r.Rank(context.Background(), pickup, models.RideTypeAuto, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != "d1" || got[1].DriverID != "d2" {
		t.Fatalf("expected [d1 d2], got %v", IDs(got))
	}
	if got[0].ETA <= 0 {
		t.Fatalf("expected positive eta, got %s", got[0].ETA)
	}
}

type failingGeo struct{ geo.Geo }

func (failingGeo) Nearby(context.Context, float64, float64, float64, int) ([]models.Driver, error) {
	return nil, errors.New("index down")
}

func TestRankPropagatesIndexFailure(t *testing.T) {
	r := &Ranker{Geo: failingGeo{}}
	if _, err := r.Rank(context.Background(), pickup, models.RideTypeCar, 1000); err == nil {
		t.Fatal("expected error from failing index")
	}
}
