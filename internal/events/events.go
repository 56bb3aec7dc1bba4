// Package events provides the typed event vocabulary and the synchronous
// bus the backtest pipeline runs on.
package events

import (
	"time"

	"github.com/tradeforge/replay/pkg/types"
)

// EventType identifies the kind of event
type EventType string

const (
	EventTypeBar             EventType = "bar"
	EventTypeSignal          EventType = "signal"
	EventTypeOrder           EventType = "order"
	EventTypeFill            EventType = "fill"
	EventTypeTradeOpen       EventType = "trade_open"
	EventTypeTradeClose      EventType = "trade_close"
	EventTypePortfolioUpdate EventType = "portfolio_update"
)

// Event is the envelope every bus message implements. Events are
// immutable once published; the bus assigns the sequence number, which
// totally orders delivery within a run.
type Event interface {
	GetType() EventType
	GetSequence() uint64
	GetTimestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	Type      EventType `json:"type"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// GetType returns the event type
func (e *BaseEvent) GetType() EventType { return e.Type }

// GetSequence returns the bus-assigned sequence number
func (e *BaseEvent) GetSequence() uint64 { return e.Sequence }

// GetTimestamp returns the event timestamp
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }

func (e *BaseEvent) setSequence(n uint64) { e.Sequence = n }

// sequencer is satisfied by every event embedding BaseEvent; the bus
// uses it to stamp sequence numbers at publish time.
type sequencer interface {
	setSequence(n uint64)
}

// BarEvent carries one market data bar
type BarEvent struct {
	BaseEvent
	Bar types.Bar `json:"bar"`
}

// NewBarEvent creates a bar event stamped with the bar's timestamp.
func NewBarEvent(bar types.Bar) *BarEvent {
	return &BarEvent{
		BaseEvent: BaseEvent{Type: EventTypeBar, Timestamp: bar.Timestamp},
		Bar:       bar,
	}
}

// SignalEvent carries a strategy signal
type SignalEvent struct {
	BaseEvent
	Signal *types.Signal `json:"signal"`
}

// NewSignalEvent creates a signal event.
func NewSignalEvent(signal *types.Signal) *SignalEvent {
	return &SignalEvent{
		BaseEvent: BaseEvent{Type: EventTypeSignal, Timestamp: signal.Timestamp},
		Signal:    signal,
	}
}

// OrderEvent carries an order emitted by the risk manager
type OrderEvent struct {
	BaseEvent
	Order *types.Order `json:"order"`
}

// NewOrderEvent creates an order event.
func NewOrderEvent(order *types.Order) *OrderEvent {
	return &OrderEvent{
		BaseEvent: BaseEvent{Type: EventTypeOrder, Timestamp: order.CreatedAt},
		Order:     order,
	}
}

// FillEvent carries a simulated execution
type FillEvent struct {
	BaseEvent
	Fill *types.Fill `json:"fill"`
}

// NewFillEvent creates a fill event.
func NewFillEvent(fill *types.Fill) *FillEvent {
	return &FillEvent{
		BaseEvent: BaseEvent{Type: EventTypeFill, Timestamp: fill.Timestamp},
		Fill:      fill,
	}
}

// TradeOpenEvent announces a position opened or increased by a fill
type TradeOpenEvent struct {
	BaseEvent
	Trade types.Trade `json:"trade"`
}

// NewTradeOpenEvent creates a trade open event.
func NewTradeOpenEvent(trade types.Trade) *TradeOpenEvent {
	return &TradeOpenEvent{
		BaseEvent: BaseEvent{Type: EventTypeTradeOpen, Timestamp: trade.EntryTime},
		Trade:     trade,
	}
}

// TradeCloseEvent announces a position reduced or flattened by a fill.
// The trade carries the realized outcome derived from the closing fill.
type TradeCloseEvent struct {
	BaseEvent
	Trade types.Trade `json:"trade"`
}

// NewTradeCloseEvent creates a trade close event.
func NewTradeCloseEvent(trade types.Trade) *TradeCloseEvent {
	return &TradeCloseEvent{
		BaseEvent: BaseEvent{Type: EventTypeTradeClose, Timestamp: trade.ExitTime},
		Trade:     trade,
	}
}

// PortfolioUpdateEvent carries the portfolio state after a fill applied
type PortfolioUpdateEvent struct {
	BaseEvent
	Snapshot types.PortfolioSnapshot `json:"snapshot"`
}

// NewPortfolioUpdateEvent creates a portfolio update event.
func NewPortfolioUpdateEvent(snapshot types.PortfolioSnapshot) *PortfolioUpdateEvent {
	return &PortfolioUpdateEvent{
		BaseEvent: BaseEvent{Type: EventTypePortfolioUpdate, Timestamp: snapshot.Timestamp},
		Snapshot:  snapshot,
	}
}
