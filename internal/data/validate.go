// Package data provides historical bar loading, validation, and
// caching for the replay engine.
package data

import (
	"time"

	"github.com/tradeforge/replay/pkg/types"
)

// ValidateBar rejects bars the replay must never feed downstream:
// non-positive prices, negative volume, and OHLC ranges that do not
// contain their own open and close.
func ValidateBar(bar types.Bar, index int) error {
	if bar.Symbol == "" {
		return &types.DataError{Index: index, Reason: "missing symbol"}
	}
	if bar.Timestamp.IsZero() {
		return &types.DataError{Symbol: bar.Symbol, Index: index, Reason: "missing timestamp"}
	}
	if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
		return &types.DataError{Symbol: bar.Symbol, Index: index, Reason: "non-positive price"}
	}
	if bar.Volume.IsNegative() {
		return &types.DataError{Symbol: bar.Symbol, Index: index, Reason: "negative volume"}
	}
	if bar.High.LessThan(bar.Low) {
		return &types.DataError{Symbol: bar.Symbol, Index: index, Reason: "high below low"}
	}
	if bar.High.LessThan(bar.Open) || bar.High.LessThan(bar.Close) {
		return &types.DataError{Symbol: bar.Symbol, Index: index, Reason: "high below open or close"}
	}
	if bar.Low.GreaterThan(bar.Open) || bar.Low.GreaterThan(bar.Close) {
		return &types.DataError{Symbol: bar.Symbol, Index: index, Reason: "low above open or close"}
	}
	return nil
}

// ValidateSeries validates every bar and requires strictly increasing
// timestamps per symbol. Interleaved symbols are fine; a stalled or
// rewound clock within one symbol is not.
func ValidateSeries(bars []types.Bar) error {
	last := make(map[string]time.Time)
	for i, bar := range bars {
		if err := ValidateBar(bar, i); err != nil {
			return err
		}
		if prev, ok := last[bar.Symbol]; ok && !bar.Timestamp.After(prev) {
			return &types.DataError{Symbol: bar.Symbol, Index: i, Reason: "timestamp not increasing"}
		}
		last[bar.Symbol] = bar.Timestamp
	}
	return nil
}

// Window returns the bars whose timestamps fall in [start, end],
// preserving order. A zero start or end leaves that side unbounded.
func Window(bars []types.Bar, start, end time.Time) []types.Bar {
	var out []types.Bar
	for _, bar := range bars {
		if !start.IsZero() && bar.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out
}

// SplitByRatio splits a series into leading and trailing portions at
// ratio (0 < ratio < 1) of its length. The split point lands between
// bars, so the two windows never share a bar.
func SplitByRatio(bars []types.Bar, ratio float64) (train, test []types.Bar) {
	if len(bars) == 0 {
		return nil, nil
	}
	cut := int(float64(len(bars)) * ratio)
	if cut < 0 {
		cut = 0
	}
	if cut > len(bars) {
		cut = len(bars)
	}
	return append([]types.Bar(nil), bars[:cut]...), append([]types.Bar(nil), bars[cut:]...)
}

// TimeRange returns the first and last timestamps of a series.
func TimeRange(bars []types.Bar) (start, end time.Time) {
	for _, bar := range bars {
		if start.IsZero() || bar.Timestamp.Before(start) {
			start = bar.Timestamp
		}
		if bar.Timestamp.After(end) {
			end = bar.Timestamp
		}
	}
	return start, end
}
