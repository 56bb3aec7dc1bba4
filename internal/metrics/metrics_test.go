package metrics

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/pkg/types"
)

func point(offset int, equity float64) types.EquityPoint {
	return types.EquityPoint{
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(offset) * time.Hour),
		Equity:    decimal.NewFromFloat(equity),
	}
}

func closedTrade(pnl float64) types.Trade {
	return types.Trade{RealizedPnL: decimal.NewFromFloat(pnl)}
}

func TestCalculateTradeStatistics(t *testing.T) {
	result := &types.RunResult{
		Trades: []types.Trade{
			closedTrade(10),
			closedTrade(30),
			closedTrade(-20),
			{RealizedPnL: decimal.NewFromInt(99), Open: true}, // open trades don't count
		},
		EquityCurve: []types.EquityPoint{point(0, 10000), point(1, 10020)},
	}

	m := Calculate(result, decimal.NewFromInt(10000))

	if m.TotalTrades != 3 {
		t.Errorf("expected 3 closed trades, got %d", m.TotalTrades)
	}
	if m.WinningTrades != 2 || m.LosingTrades != 1 {
		t.Errorf("expected 2 wins / 1 loss, got %d/%d", m.WinningTrades, m.LosingTrades)
	}
	if math.Abs(m.WinRate-2.0/3.0) > 1e-9 {
		t.Errorf("win rate: got %f", m.WinRate)
	}
	if math.Abs(m.AvgWin-20) > 1e-9 {
		t.Errorf("avg win: expected 20, got %f", m.AvgWin)
	}
	if math.Abs(m.AvgLoss-20) > 1e-9 {
		t.Errorf("avg loss: expected 20, got %f", m.AvgLoss)
	}
	if math.Abs(m.ProfitFactor-2) > 1e-9 {
		t.Errorf("profit factor: expected 2, got %f", m.ProfitFactor)
	}
	// Expectancy: 2/3*20 - 1/3*20 = 6.66...
	if math.Abs(m.Expectancy-20.0/3.0) > 1e-9 {
		t.Errorf("expectancy: got %f", m.Expectancy)
	}
	if math.Abs(m.TotalReturn-0.002) > 1e-9 {
		t.Errorf("total return: expected 0.002, got %f", m.TotalReturn)
	}
}

func TestCalculateMaxDrawdown(t *testing.T) {
	result := &types.RunResult{
		EquityCurve: []types.EquityPoint{
			point(0, 10000),
			point(1, 12000),
			point(2, 9000), // 25% off the 12000 peak
			point(3, 11000),
		},
	}

	m := Calculate(result, decimal.NewFromInt(10000))
	if math.Abs(m.MaxDrawdown-0.25) > 1e-9 {
		t.Errorf("max drawdown: expected 0.25, got %f", m.MaxDrawdown)
	}
}

func TestCalculateEmptyResult(t *testing.T) {
	m := Calculate(&types.RunResult{}, decimal.NewFromInt(10000))
	if m.TotalTrades != 0 || m.TotalReturn != 0 || m.SharpeRatio != 0 {
		t.Errorf("empty result should produce zero metrics: %+v", m)
	}
	if m := Calculate(nil, decimal.NewFromInt(10000)); m.TotalTrades != 0 {
		t.Error("nil result should produce zero metrics")
	}
}

func TestSharpeFlatCurveIsZero(t *testing.T) {
	result := &types.RunResult{
		EquityCurve: []types.EquityPoint{point(0, 10000), point(1, 10000), point(2, 10000)},
	}
	m := Calculate(result, decimal.NewFromInt(10000))
	if m.SharpeRatio != 0 {
		t.Errorf("flat curve must not divide by zero: sharpe %f", m.SharpeRatio)
	}
}

func TestObjectiveByName(t *testing.T) {
	m := types.PerformanceMetrics{
		TotalReturn:      0.5,
		SharpeRatio:      1.2,
		AnnualizedReturn: 0.4,
		MaxDrawdown:      0.2,
	}

	for name, want := range map[string]float64{
		"total_return": 0.5,
		"sharpe":       1.2,
		"calmar":       2.0,
	} {
		objective, err := ObjectiveByName(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got := objective(m); math.Abs(got-want) > 1e-9 {
			t.Errorf("%s: expected %f, got %f", name, want, got)
		}
	}

	_, err := ObjectiveByName("alpha")
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for unknown objective, got %v", err)
	}
}
