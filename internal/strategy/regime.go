package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/pkg/types"
	"github.com/tradeforge/replay/pkg/utils"
)

// RegimeFiltered wraps a source with a volatility regime gate. While
// realized volatility over the window stays at or below the cap, the
// inner source's direction passes through; above it, the filter forces
// flat (risk-off). During warmup no opinion forms at all.
type RegimeFiltered struct {
	directionState
	inner     Source
	volWindow int
	maxVol    decimal.Decimal
	closes    map[string][]decimal.Decimal
}

// NewRegimeFiltered wraps inner with the default gate (window 20,
// per-bar volatility cap 0.05).
func NewRegimeFiltered(inner Source) *RegimeFiltered {
	return &RegimeFiltered{
		directionState: newDirectionState("regime_" + inner.Name()),
		inner:          inner,
		volWindow:      20,
		maxVol:         decimal.NewFromFloat(0.05),
		closes:         make(map[string][]decimal.Decimal),
	}
}

// Name returns the filtered strategy's name.
func (s *RegimeFiltered) Name() string { return s.directionState.name }

// Configure reads regime_vol_window and regime_max_vol, then passes
// the set to the inner source.
func (s *RegimeFiltered) Configure(params types.ParameterSet) error {
	s.volWindow = params.Int("regime_vol_window", s.volWindow)
	if v, ok := params.Get("regime_max_vol"); ok {
		s.maxVol = decimal.NewFromFloat(v)
	}

	if s.volWindow < 2 {
		return &types.ConfigError{Field: "regime_vol_window", Reason: "must be at least 2"}
	}
	if !s.maxVol.IsPositive() {
		return &types.ConfigError{Field: "regime_max_vol", Reason: "must be positive"}
	}

	return s.inner.Configure(params)
}

// OnBar feeds the inner source, computes realized volatility, and gates.
func (s *RegimeFiltered) OnBar(bar types.Bar) (*types.Signal, error) {
	if _, err := s.inner.OnBar(bar); err != nil {
		return nil, fmt.Errorf("regime inner %s: %w", s.inner.Name(), err)
	}

	window := append(s.closes[bar.Symbol], bar.Close)
	if len(window) > s.volWindow+1 {
		window = window[1:]
	}
	s.closes[bar.Symbol] = window

	// Both the regime and the inner source must be warmed up.
	if len(window) < s.volWindow+1 {
		return nil, nil
	}
	innerDir := s.inner.CurrentDirection(bar.Symbol)
	if innerDir == "" {
		return nil, nil
	}

	vol := utils.CalculateStdDev(utils.CalculateReturns(window))

	dir := innerDir
	if vol.GreaterThan(s.maxVol) {
		dir = types.DirectionFlat
	}

	strength := decimal.NewFromInt(1)
	if dir != types.DirectionFlat && !s.maxVol.IsZero() {
		// Calmer regimes score higher.
		strength = decimal.NewFromInt(1).Sub(vol.Div(s.maxVol))
	}

	return s.gate(bar, dir, strength), nil
}

// CurrentDirection returns the filter's own gated direction.
func (s *RegimeFiltered) CurrentDirection(symbol string) types.Direction {
	return s.directionState.CurrentDirection(symbol)
}

// TrackedSymbols counts the filter's state plus the inner source's.
func (s *RegimeFiltered) TrackedSymbols() int {
	return s.directionState.TrackedSymbols() + s.inner.TrackedSymbols()
}

// Reset clears the gate, the volatility buffers, and the inner source.
func (s *RegimeFiltered) Reset() {
	s.directionState.reset()
	s.closes = make(map[string][]decimal.Decimal)
	s.inner.Reset()
}
