package risk

import (
	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/pkg/types"
	"github.com/tradeforge/replay/pkg/utils"
)

// Sizer converts a signal into a target quantity in the signal's
// direction. A flat signal always targets zero. Observe feeds the
// sizer every bar so volatility-aware policies can maintain state;
// Reset clears that state between runs.
type Sizer interface {
	Observe(bar types.Bar)
	Target(signal *types.Signal, equity decimal.Decimal) decimal.Decimal
	Reset()
}

// NewSizer builds the sizing policy selected by the config. The config
// is assumed validated; unknown policies surface as ConfigErrors.
func NewSizer(config types.SizingConfig) (Sizer, error) {
	switch config.Policy {
	case types.SizingFixedQuantity:
		return &fixedQuantitySizer{quantity: config.FixedQuantity}, nil
	case types.SizingPercentOfEquity:
		return &percentOfEquitySizer{fraction: config.EquityFraction}, nil
	case types.SizingVolatilityScaled:
		window := config.VolWindow
		if window < 2 {
			window = 20
		}
		target := config.VolTarget
		if !target.IsPositive() {
			target = decimal.NewFromFloat(0.02)
		}
		return &volatilityScaledSizer{
			fraction:  config.EquityFraction,
			window:    window,
			volTarget: target,
			closes:    make(map[string][]decimal.Decimal),
		}, nil
	default:
		return nil, &types.ConfigError{Field: "sizing.policy", Reason: "unknown sizing policy " + string(config.Policy)}
	}
}

// fixedQuantitySizer targets a constant quantity regardless of equity.
type fixedQuantitySizer struct {
	quantity decimal.Decimal
}

func (s *fixedQuantitySizer) Observe(types.Bar) {}

func (s *fixedQuantitySizer) Target(signal *types.Signal, _ decimal.Decimal) decimal.Decimal {
	if signal.Direction == types.DirectionFlat {
		return decimal.Zero
	}
	return s.quantity
}

func (s *fixedQuantitySizer) Reset() {}

// percentOfEquitySizer targets a fixed fraction of current equity at
// the signal's reference price.
type percentOfEquitySizer struct {
	fraction decimal.Decimal
}

func (s *percentOfEquitySizer) Observe(types.Bar) {}

func (s *percentOfEquitySizer) Target(signal *types.Signal, equity decimal.Decimal) decimal.Decimal {
	if signal.Direction == types.DirectionFlat || !signal.Price.IsPositive() {
		return decimal.Zero
	}
	return equity.Mul(s.fraction).Div(signal.Price)
}

func (s *percentOfEquitySizer) Reset() {}

// volatilityScaledSizer scales the percent-of-equity target inversely
// with realized per-bar volatility: calm symbols take the full
// fraction, turbulent ones less. The percent-of-equity target is the
// hard cap; warmup falls back to it.
type volatilityScaledSizer struct {
	fraction  decimal.Decimal
	window    int
	volTarget decimal.Decimal
	closes    map[string][]decimal.Decimal
}

func (s *volatilityScaledSizer) Observe(bar types.Bar) {
	window := append(s.closes[bar.Symbol], bar.Close)
	if len(window) > s.window+1 {
		window = window[1:]
	}
	s.closes[bar.Symbol] = window
}

func (s *volatilityScaledSizer) Target(signal *types.Signal, equity decimal.Decimal) decimal.Decimal {
	if signal.Direction == types.DirectionFlat || !signal.Price.IsPositive() {
		return decimal.Zero
	}

	limit := equity.Mul(s.fraction).Div(signal.Price)

	window := s.closes[signal.Symbol]
	if len(window) < s.window+1 {
		return limit
	}

	vol := utils.CalculateStdDev(utils.CalculateReturns(window))
	if !vol.IsPositive() {
		return limit
	}

	scaled := limit.Mul(s.volTarget).Div(vol)
	return utils.MinDecimal(scaled, limit)
}

func (s *volatilityScaledSizer) Reset() {
	s.closes = make(map[string][]decimal.Decimal)
}
