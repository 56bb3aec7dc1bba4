package strategy

import (
	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/pkg/types"
)

// Momentum trades lookback returns against a symmetric threshold: long
// above +threshold, short below -threshold, flat inside the band. A
// flat signal asks the risk layer for a full exit.
type Momentum struct {
	directionState
	lookback  int
	threshold decimal.Decimal
	closes    map[string][]decimal.Decimal
}

// NewMomentum creates an unconfigured momentum source with defaults
// lookback 10 and threshold 0.02.
func NewMomentum() *Momentum {
	return &Momentum{
		directionState: newDirectionState("momentum"),
		lookback:       10,
		threshold:      decimal.NewFromFloat(0.02),
		closes:         make(map[string][]decimal.Decimal),
	}
}

// Name returns the strategy name.
func (s *Momentum) Name() string { return "momentum" }

// Configure reads lookback and threshold.
func (s *Momentum) Configure(params types.ParameterSet) error {
	s.lookback = params.Int("lookback", s.lookback)
	if v, ok := params.Get("threshold"); ok {
		s.threshold = decimal.NewFromFloat(v)
	}

	if s.lookback < 1 {
		return &types.ConfigError{Field: "lookback", Reason: "must be at least 1"}
	}
	if !s.threshold.IsPositive() {
		return &types.ConfigError{Field: "threshold", Reason: "must be positive"}
	}
	return nil
}

// OnBar computes the lookback return and emits on direction change.
func (s *Momentum) OnBar(bar types.Bar) (*types.Signal, error) {
	window := append(s.closes[bar.Symbol], bar.Close)
	// Keep lookback+1 closes so the oldest is exactly lookback bars back.
	if len(window) > s.lookback+1 {
		window = window[1:]
	}
	s.closes[bar.Symbol] = window

	if len(window) < s.lookback+1 {
		return nil, nil
	}

	past := window[0]
	if past.IsZero() {
		return nil, nil
	}
	ret := bar.Close.Sub(past).Div(past)

	var dir types.Direction
	switch {
	case ret.GreaterThan(s.threshold):
		dir = types.DirectionLong
	case ret.LessThan(s.threshold.Neg()):
		dir = types.DirectionShort
	default:
		dir = types.DirectionFlat
	}

	strength := decimal.Zero
	if dir != types.DirectionFlat {
		strength = ret.Abs().Div(s.threshold)
	}

	return s.gate(bar, dir, strength), nil
}

// Reset clears direction state and the close buffers.
func (s *Momentum) Reset() {
	s.directionState.reset()
	s.closes = make(map[string][]decimal.Decimal)
}
