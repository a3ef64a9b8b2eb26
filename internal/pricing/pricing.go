// Package pricing computes ride fares from the vehicle-type tariff table.
package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Tariff is the fare schedule for one vehicle type. Amounts are in RSD.
type Tariff struct {
	VehicleType string
	BasePrice   decimal.Decimal
	PricePerKm  decimal.Decimal
}

var perKm = decimal.NewFromInt(120)

var tariffs = map[string]Tariff{
	"STANDARD": {VehicleType: "STANDARD", BasePrice: decimal.NewFromInt(200), PricePerKm: perKm},
	"VAN":      {VehicleType: "VAN", BasePrice: decimal.NewFromInt(300), PricePerKm: perKm},
	"LUX":      {VehicleType: "LUX", BasePrice: decimal.NewFromInt(500), PricePerKm: perKm},
}

// TariffFor returns the tariff for a vehicle type, falling back to STANDARD
// for unknown types.
func TariffFor(vehicleType string) Tariff {
	if t, ok := tariffs[strings.ToUpper(strings.TrimSpace(vehicleType))]; ok {
		return t
	}
	return tariffs["STANDARD"]
}

// OrderPrice is the fare charged when ordering: base(vehicleType) plus the
// per-km component, rounded half-up to 2 decimals. An unset vehicle type is
// priced as STANDARD on this path.
func OrderPrice(vehicleType string, distanceKm float64) decimal.Decimal {
	t := TariffFor(vehicleType)
	return price(t.BasePrice, t.PricePerKm, distanceKm)
}

// EstimatePrice is the fare shown on the estimate path. Unlike OrderPrice,
// an unset vehicle type contributes no base fare here; the two paths
// deliberately disagree and must stay that way.
func EstimatePrice(vehicleType string, distanceKm float64) decimal.Decimal {
	if strings.TrimSpace(vehicleType) == "" {
		return price(decimal.Zero, perKm, distanceKm)
	}
	t := TariffFor(vehicleType)
	return price(t.BasePrice, t.PricePerKm, distanceKm)
}

func price(base, rate decimal.Decimal, distanceKm float64) decimal.Decimal {
	return base.Add(rate.Mul(decimal.NewFromFloat(distanceKm))).Round(2)
}

// RoundKm normalizes a distance to 3 decimals, half-up.
func RoundKm(km float64) float64 {
	f, _ := decimal.NewFromFloat(km).Round(3).Float64()
	return f
}
