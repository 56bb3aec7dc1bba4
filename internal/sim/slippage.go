// Package sim turns orders into fills against replayed bar data. Fill
// prices come from the bar close adjusted by a pluggable slippage
// model; nothing here ever peeks at a future bar.
package sim

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/pkg/types"
)

var bpsDenominator = decimal.NewFromInt(10000)

// Model computes the fractional price adjustment for one order against
// the bar it executes on. The simulator applies the fraction
// direction-aware: buys pay up, sells receive less.
type Model interface {
	Fraction(order *types.Order, bar types.Bar) decimal.Decimal
}

// FixedFraction applies a constant slippage in basis points.
type FixedFraction struct {
	BasisPoints decimal.Decimal
}

// NewFixedFraction creates a fixed slippage model.
func NewFixedFraction(bps decimal.Decimal) *FixedFraction {
	return &FixedFraction{BasisPoints: bps}
}

// Fraction returns the fixed fraction regardless of order or bar.
func (f *FixedFraction) Fraction(order *types.Order, bar types.Bar) decimal.Decimal {
	return f.BasisPoints.Div(bpsDenominator)
}

// VolumeWeighted scales slippage with the order's participation in the
// bar's volume using a square-root impact model.
type VolumeWeighted struct {
	BaseBps      decimal.Decimal
	ImpactFactor decimal.Decimal
}

// NewVolumeWeighted creates a volume-weighted slippage model.
func NewVolumeWeighted(baseBps, impactFactor decimal.Decimal) *VolumeWeighted {
	return &VolumeWeighted{BaseBps: baseBps, ImpactFactor: impactFactor}
}

// Fraction returns base slippage plus impact = k * sqrt(participation).
func (v *VolumeWeighted) Fraction(order *types.Order, bar types.Bar) decimal.Decimal {
	base := v.BaseBps.Div(bpsDenominator)
	if !bar.Volume.IsPositive() {
		return base
	}

	participation, _ := order.Quantity.Div(bar.Volume).Float64()
	impact := v.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(participation)))
	return base.Add(impact)
}

// NewModel creates a slippage model from config. Unknown model names
// fall back to 10 bps fixed.
func NewModel(config types.SlippageConfig) Model {
	switch config.Model {
	case "fixed":
		return NewFixedFraction(config.FixedBps)
	case "volume_weighted":
		return NewVolumeWeighted(config.FixedBps, config.ImpactFactor)
	default:
		return NewFixedFraction(decimal.NewFromInt(10))
	}
}
