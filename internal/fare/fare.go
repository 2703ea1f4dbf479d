package fare

import "github.com/example/ride-dispatch/internal/models"

// Tariff is the pricing record for one vehicle type.
type Tariff struct {
	Base      float64
	PerKm     float64
	PerMinute float64
}

// Static registry built once at package init; read-only thereafter.
// An unrecognized vehicle type falls back to the car tariff.
var tariffs = map[models.VehicleType]Tariff{
	models.VehicleBike: {Base: 20.0, PerKm: 10.0, PerMinute: 0.8},
	models.VehicleAuto: {Base: 40.0, PerKm: 15.0, PerMinute: 1.2},
	models.VehicleCar:  {Base: 70.0, PerKm: 25.0, PerMinute: 2.0},
}

// TariffFor returns the tariff for the given vehicle type, defaulting to
// the car tariff for unknown types.
func TariffFor(vt models.VehicleType) Tariff {
	if t, ok := tariffs[vt]; ok {
		return t
	}
	return tariffs[models.VehicleCar]
}

// Calculate computes the fare for a trip: base + perKm*distance +
// perMinute*duration. Pure and side-effect free.
func Calculate(vt models.VehicleType, distanceKm, durationMin float64) float64 {
	t := TariffFor(vt)
	return t.Base + t.PerKm*distanceKm + t.PerMinute*durationMin
}
