package pricing

import (
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const Currency = "INR"

// Tariff is the base fare plus per-km and per-minute rates of a ride type.
type Tariff struct {
	Base   float64
	PerKm  float64
	PerMin float64
	// Minimum fare charged regardless of distance.
	Minimum float64
}

var tariffs = map[models.RideType]Tariff{
	models.RideTypeBike: {Base: 20, PerKm: 6, PerMin: 1, Minimum: 30},
	models.RideTypeAuto: {Base: 30, PerKm: 11, PerMin: 1.5, Minimum: 40},
	models.RideTypeCar:  {Base: 50, PerKm: 14, PerMin: 2, Minimum: 80},
	models.RideTypeXL:   {Base: 80, PerKm: 18, PerMin: 2.5, Minimum: 120},
}

// TariffFor returns the tariff of rt, falling back to the car tariff.
func TariffFor(rt models.RideType) Tariff {
	if t, ok := tariffs[rt]; ok {
		return t
	}
	return tariffs[models.RideTypeCar]
}

// Estimate prices a trip from route distance and duration. Totals are rounded
// up to the next whole unit.
func Estimate(distanceMeters float64, duration time.Duration, rt models.RideType) models.Fare {
	t := TariffFor(rt)
	if distanceMeters < 0 {
		distanceMeters = 0
	}
	if duration < 0 {
		duration = 0
	}
	dist := round2(distanceMeters / 1000 * t.PerKm)
	tm := round2(duration.Minutes() * t.PerMin)
	total := math.Ceil(t.Base + dist + tm)
	if total < t.Minimum {
		total = t.Minimum
	}
	return models.Fare{Base: t.Base, Distance: dist, Time: tm, Total: total, Currency: Currency}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
