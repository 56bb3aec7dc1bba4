// Package types provides configuration types for the replay engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunConfig is the complete configuration for one backtest run. It is
// handed to the coordinator as a plain value; nothing in the core reads
// files or environment variables.
type RunConfig struct {
	Strategy       string          `json:"strategy"`
	Params         ParameterSet    `json:"params"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	CommissionRate decimal.Decimal `json:"commissionRate"`
	Slippage       SlippageConfig  `json:"slippage"`
	Sizing         SizingConfig    `json:"sizing"`
	MinQuantity    decimal.Decimal `json:"minQuantity"`
	MaxEventLog    int             `json:"maxEventLog,omitempty"`
}

// SlippageConfig selects and tunes the fill price adjustment model.
type SlippageConfig struct {
	Model        string          `json:"model"` // "fixed", "volume_weighted"
	FixedBps     decimal.Decimal `json:"fixedBps,omitempty"`
	ImpactFactor decimal.Decimal `json:"impactFactor,omitempty"`
}

// SizingPolicy selects how the risk manager converts a signal into a
// target quantity.
type SizingPolicy string

const (
	SizingFixedQuantity    SizingPolicy = "fixed_quantity"
	SizingPercentOfEquity  SizingPolicy = "percent_of_equity"
	SizingVolatilityScaled SizingPolicy = "volatility_scaled"
)

// SizingConfig configures the position sizing policy.
type SizingConfig struct {
	Policy         SizingPolicy    `json:"policy"`
	FixedQuantity  decimal.Decimal `json:"fixedQuantity,omitempty"`
	EquityFraction decimal.Decimal `json:"equityFraction,omitempty"`
	VolWindow      int             `json:"volWindow,omitempty"`
	VolTarget      decimal.Decimal `json:"volTarget,omitempty"`
}

// SweepConfig configures an optimization sweep over a parameter grid.
type SweepConfig struct {
	Run              RunConfig     `json:"run"`
	Objective        string        `json:"objective"` // "total_return", "sharpe", "calmar"
	Workers          int           `json:"workers"`
	IterationTimeout time.Duration `json:"iterationTimeout"`
}

// DefaultRunConfig returns a run configuration with conservative
// defaults; callers override what they need.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Strategy:       "ma_cross",
		Params:         NewParameterSet(nil),
		InitialCapital: decimal.NewFromInt(10000),
		CommissionRate: decimal.NewFromFloat(0.001),
		Slippage: SlippageConfig{
			Model:    "fixed",
			FixedBps: decimal.NewFromInt(5),
		},
		Sizing: SizingConfig{
			Policy:        SizingFixedQuantity,
			FixedQuantity: decimal.NewFromInt(1),
		},
		MinQuantity: decimal.NewFromFloat(0.0001),
	}
}

// Validate rejects configurations that can never produce a meaningful
// run. Returned errors are ConfigErrors.
func (c RunConfig) Validate() error {
	if c.Strategy == "" {
		return &ConfigError{Field: "strategy", Reason: "strategy name is required"}
	}
	if !c.InitialCapital.IsPositive() {
		return &ConfigError{Field: "initialCapital", Reason: "initial capital must be positive"}
	}
	if c.CommissionRate.IsNegative() {
		return &ConfigError{Field: "commissionRate", Reason: "commission rate cannot be negative"}
	}
	if c.MinQuantity.IsNegative() {
		return &ConfigError{Field: "minQuantity", Reason: "minimum quantity cannot be negative"}
	}
	switch c.Sizing.Policy {
	case SizingFixedQuantity:
		if !c.Sizing.FixedQuantity.IsPositive() {
			return &ConfigError{Field: "sizing.fixedQuantity", Reason: "fixed quantity must be positive"}
		}
	case SizingPercentOfEquity, SizingVolatilityScaled:
		if !c.Sizing.EquityFraction.IsPositive() {
			return &ConfigError{Field: "sizing.equityFraction", Reason: "equity fraction must be positive"}
		}
	case "":
		return &ConfigError{Field: "sizing.policy", Reason: "sizing policy is required"}
	default:
		return &ConfigError{Field: "sizing.policy", Reason: "unknown sizing policy " + string(c.Sizing.Policy)}
	}
	return nil
}
