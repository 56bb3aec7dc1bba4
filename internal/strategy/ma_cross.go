package strategy

import (
	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/pkg/types"
	"github.com/tradeforge/replay/pkg/utils"
)

// MACross trades moving average crossovers: long while the fast SMA is
// above the slow one, short while below. No opinion forms until the
// slow window is full, and an exact tie keeps the previous direction.
type MACross struct {
	directionState
	fastWindow int
	slowWindow int
	averages   map[string]*maPair
}

type maPair struct {
	fast *utils.SMA
	slow *utils.SMA
}

// NewMACross creates an unconfigured crossover source with default
// windows 10/30.
func NewMACross() *MACross {
	return &MACross{
		directionState: newDirectionState("ma_cross"),
		fastWindow:     10,
		slowWindow:     30,
		averages:       make(map[string]*maPair),
	}
}

// Name returns the strategy name.
func (s *MACross) Name() string { return "ma_cross" }

// Configure reads fast_window and slow_window.
func (s *MACross) Configure(params types.ParameterSet) error {
	s.fastWindow = params.Int("fast_window", s.fastWindow)
	s.slowWindow = params.Int("slow_window", s.slowWindow)

	if s.fastWindow < 1 {
		return &types.ConfigError{Field: "fast_window", Reason: "must be at least 1"}
	}
	if s.slowWindow <= s.fastWindow {
		return &types.ConfigError{Field: "slow_window", Reason: "must be greater than fast_window"}
	}
	return nil
}

// OnBar updates both averages and emits a signal on direction change.
func (s *MACross) OnBar(bar types.Bar) (*types.Signal, error) {
	pair, ok := s.averages[bar.Symbol]
	if !ok {
		pair = &maPair{
			fast: utils.NewSMA(s.fastWindow),
			slow: utils.NewSMA(s.slowWindow),
		}
		s.averages[bar.Symbol] = pair
	}

	fast := pair.fast.Add(bar.Close)
	slow := pair.slow.Add(bar.Close)

	if !pair.slow.Ready() {
		return nil, nil
	}

	var dir types.Direction
	switch fast.Cmp(slow) {
	case 1:
		dir = types.DirectionLong
	case -1:
		dir = types.DirectionShort
	default:
		return nil, nil
	}

	strength := decimal.Zero
	if !slow.IsZero() {
		strength = fast.Sub(slow).Abs().Div(slow)
	}

	return s.gate(bar, dir, strength), nil
}

// Reset clears direction state and all indicator windows.
func (s *MACross) Reset() {
	s.directionState.reset()
	s.averages = make(map[string]*maPair)
}
