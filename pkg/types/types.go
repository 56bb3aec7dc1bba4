// Package types provides shared type definitions for the replay engine.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is a strategy's desired exposure for a symbol.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusExpired  OrderStatus = "expired"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Bar represents a single candlestick for one symbol.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Signal is a directional opinion for a symbol at a point in time.
// RuleID identifies the underlying decision and is the idempotency key
// downstream: one rule id maps to at most one order, ever.
type Signal struct {
	ID        string          `json:"id"`
	Strategy  string          `json:"strategy"`
	Symbol    string          `json:"symbol"`
	Direction Direction       `json:"direction"`
	Strength  decimal.Decimal `json:"strength"`
	Price     decimal.Decimal `json:"price"`
	RuleID    string          `json:"ruleId"`
	Timestamp time.Time       `json:"timestamp"`
}

// RuleID builds the idempotency key for one directional decision.
// The group counter increments only when the direction flips for that
// symbol, so repeated same-direction signals collapse onto one key.
func RuleID(strategy, symbol string, direction Direction, group int) string {
	return fmt.Sprintf("%s:%s:%s:%d", strategy, symbol, direction, group)
}

// Order represents a request to trade. Quantity is always positive; the
// side carries direction.
type Order struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Type       OrderType       `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limitPrice,omitempty"`
	RuleID     string          `json:"ruleId"`
	Status     OrderStatus     `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Fill is the simulated execution of an order against market data.
type Fill struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Trade is one round-trip position: opened by a fill, closed by an
// opposite-side fill. Exit fields are zero while the trade is open.
// Exit price always comes from the closing order's actual fill.
type Trade struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Side        PositionSide    `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	EntryTime   time.Time       `json:"entryTime"`
	ExitPrice   decimal.Decimal `json:"exitPrice,omitempty"`
	ExitTime    time.Time       `json:"exitTime,omitempty"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	Commission  decimal.Decimal `json:"commission"`
	RuleID      string          `json:"ruleId"`
	Open        bool            `json:"open"`
}

// Position is the net exposure for one symbol.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// Rejection records a signal or order dropped by the pipeline, with the
// reason it was dropped. Nothing is rejected silently.
type Rejection struct {
	RuleID    string    `json:"ruleId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Rejection reasons recorded by the risk manager and simulator.
const (
	RejectDuplicateRuleID    = "duplicate_rule_id"
	RejectInsufficientCash   = "insufficient_cash"
	RejectBelowMinQuantity   = "below_min_quantity"
	RejectZeroQuantity       = "zero_quantity"
	RejectLimitNotMarketable = "limit_not_marketable"
)

// EquityPoint is one sample of the portfolio's equity curve.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Cash      decimal.Decimal `json:"cash"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// PortfolioSnapshot is the portfolio state published after each fill.
type PortfolioSnapshot struct {
	Timestamp     time.Time       `json:"timestamp"`
	Cash          decimal.Decimal `json:"cash"`
	Equity        decimal.Decimal `json:"equity"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	OpenPositions int             `json:"openPositions"`
}

// RunStatus is the coordinator's state machine.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunResult is the complete output of one backtest run. Every slice is
// owned by the result; nothing aliases live component state.
type RunResult struct {
	RunID          string          `json:"runId"`
	Status         RunStatus       `json:"status"`
	Strategy       string          `json:"strategy"`
	Trades         []Trade         `json:"trades"`
	EquityCurve    []EquityPoint   `json:"equityCurve"`
	FinalPositions []Position      `json:"finalPositions"`
	FinalCash      decimal.Decimal `json:"finalCash"`
	RealizedPnL    decimal.Decimal `json:"realizedPnl"`
	Commissions    decimal.Decimal `json:"commissions"`
	Rejections     []Rejection     `json:"rejections"`
	Warnings       int             `json:"warnings"`
	BarsProcessed  int             `json:"barsProcessed"`
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     time.Time       `json:"finishedAt"`
}

// RunProgress is an observational progress sample emitted during a run.
type RunProgress struct {
	RunID         string          `json:"runId"`
	BarsProcessed int             `json:"barsProcessed"`
	TotalBars     int             `json:"totalBars"`
	Equity        decimal.Decimal `json:"equity"`
	PercentDone   float64         `json:"percentDone"`
}

// PerformanceMetrics summarizes a completed run for scoring and display.
type PerformanceMetrics struct {
	TotalReturn      float64 `json:"totalReturn"`
	AnnualizedReturn float64 `json:"annualizedReturn"`
	SharpeRatio      float64 `json:"sharpeRatio"`
	SortinoRatio     float64 `json:"sortinoRatio"`
	MaxDrawdown      float64 `json:"maxDrawdown"`
	WinRate          float64 `json:"winRate"`
	ProfitFactor     float64 `json:"profitFactor"`
	Expectancy       float64 `json:"expectancy"`
	AvgWin           float64 `json:"avgWin"`
	AvgLoss          float64 `json:"avgLoss"`
	TotalTrades      int     `json:"totalTrades"`
	WinningTrades    int     `json:"winningTrades"`
	LosingTrades     int     `json:"losingTrades"`
	FinalEquity      float64 `json:"finalEquity"`
}

// Opposite returns the other order side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// SideFor maps a direction onto the order side that increases exposure
// in that direction.
func SideFor(d Direction) OrderSide {
	if d == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}
