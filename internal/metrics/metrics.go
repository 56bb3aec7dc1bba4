// Package metrics summarizes completed runs into performance numbers
// for scoring and display. Everything here is derived after the fact;
// the replay pipeline never reads a metric.
package metrics

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/pkg/types"
)

const periodsPerYear = 252

// Calculate derives performance metrics from one run result. Trade
// statistics count closed round trips only; still-open trades
// contribute to equity but not to win/loss counts.
func Calculate(result *types.RunResult, initialCapital decimal.Decimal) types.PerformanceMetrics {
	m := types.PerformanceMetrics{}
	if result == nil {
		return m
	}

	var wins, losses int
	var totalWins, totalLosses decimal.Decimal
	for _, trade := range result.Trades {
		if trade.Open {
			continue
		}
		m.TotalTrades++
		if trade.RealizedPnL.IsPositive() {
			wins++
			totalWins = totalWins.Add(trade.RealizedPnL)
		} else if trade.RealizedPnL.IsNegative() {
			losses++
			totalLosses = totalLosses.Add(trade.RealizedPnL.Abs())
		}
	}
	m.WinningTrades = wins
	m.LosingTrades = losses

	if m.TotalTrades > 0 {
		m.WinRate = float64(wins) / float64(m.TotalTrades)
	}
	if wins > 0 {
		m.AvgWin = toFloat(totalWins) / float64(wins)
	}
	if losses > 0 {
		m.AvgLoss = toFloat(totalLosses) / float64(losses)
	}
	if !totalLosses.IsZero() {
		m.ProfitFactor = toFloat(totalWins.Div(totalLosses))
	}
	// Expectancy: win% * avgWin - loss% * avgLoss.
	if m.TotalTrades > 0 {
		m.Expectancy = m.WinRate*m.AvgWin - (1-m.WinRate)*m.AvgLoss
	}

	curve := result.EquityCurve
	if len(curve) == 0 || initialCapital.IsZero() {
		return m
	}

	finalEquity := curve[len(curve)-1].Equity
	m.FinalEquity = toFloat(finalEquity)
	m.TotalReturn = toFloat(finalEquity.Sub(initialCapital).Div(initialCapital))

	returns := periodReturns(curve)
	if len(returns) > 0 {
		m.AnnualizedReturn = mean(returns) * periodsPerYear
	}
	if len(returns) > 1 {
		if sd := stdDev(returns); sd > 0 {
			m.SharpeRatio = mean(returns) / sd * math.Sqrt(periodsPerYear)
		}
		if dd := downsideDeviation(returns); dd > 0 {
			m.SortinoRatio = mean(returns) / dd * math.Sqrt(periodsPerYear)
		}
	}

	m.MaxDrawdown = maxDrawdown(curve)
	return m
}

// Objective scores a run's metrics; higher is better.
type Objective func(types.PerformanceMetrics) float64

// ObjectiveByName resolves an objective function. Unknown names are
// ConfigErrors.
func ObjectiveByName(name string) (Objective, error) {
	switch name {
	case "total_return":
		return func(m types.PerformanceMetrics) float64 { return m.TotalReturn }, nil
	case "sharpe":
		return func(m types.PerformanceMetrics) float64 { return m.SharpeRatio }, nil
	case "calmar":
		return func(m types.PerformanceMetrics) float64 {
			if m.MaxDrawdown == 0 {
				return m.AnnualizedReturn
			}
			return m.AnnualizedReturn / m.MaxDrawdown
		}, nil
	default:
		return nil, &types.ConfigError{Field: "objective", Reason: fmt.Sprintf("unknown objective %q", name)}
	}
}

// periodReturns converts the equity curve into simple per-bar returns.
func periodReturns(curve []types.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		returns = append(returns, toFloat(curve[i].Equity.Sub(prev).Div(prev)))
	}
	return returns
}

func maxDrawdown(curve []types.EquityPoint) float64 {
	peak := curve[0].Equity
	maxDD := decimal.Zero
	for _, point := range curve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(point.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return toFloat(maxDD)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// downsideDeviation is the standard deviation of negative returns only.
func downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	return stdDev(negative)
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
