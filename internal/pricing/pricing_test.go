package pricing

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestEstimateComponents(t *testing.T) {
	f := Estimate(10000, 20*time.Minute, models.RideTypeCar)
	if f.Base != 50 || f.Distance != 140 || f.Time != 40 {
		t.Fatalf("unexpected components: %+v", f)
	}
	if f.Total != 230 {
		t.Fatalf("expected total 230, got %v", f.Total)
	}
	if f.Currency != Currency {
		t.Fatalf("expected currency %s, got %s", Currency, f.Currency)
	}
}

func TestEstimateAppliesMinimum(t *testing.T) {
	f := Estimate(100, 30*time.Second, models.RideTypeXL)
	if f.Total != 120 {
		t.Fatalf("expected minimum fare 120, got %v", f.Total)
	}
}

func TestEstimateOrdersRideTypes(t *testing.T) {
	d, dur := 8000.0, 25*time.Minute
	bike := Estimate(d, dur, models.RideTypeBike).Total
	auto := Estimate(d, dur, models.RideTypeAuto).Total
	car := Estimate(d, dur, models.RideTypeCar).Total
	xl := Estimate(d, dur, models.RideTypeXL).Total
	if !(bike < auto && auto < car && car < xl) {
		t.Fatalf("expected bike < auto < car < xl, got %v %v %v %v", bike, auto, car, xl)
	}
}

func TestEstimateClampsNegativeInput(t *testing.T) {
	f := Estimate(-5, -time.Minute, models.RideTypeAuto)
	if f.Distance != 0 || f.Time != 0 {
		t.Fatalf("expected zeroed components, got %+v", f)
	}
}
