// Package portfolio tracks cash, positions, realized PnL, the trade
// ledger, and the equity curve for one backtest run. It consumes fill
// and trade events from the bus and publishes a portfolio snapshot
// after every applied fill. All accessors return copies.
package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/internal/events"
	"github.com/tradeforge/replay/pkg/types"
	"github.com/tradeforge/replay/pkg/utils"
	"go.uber.org/zap"
)

// position is the internal per-symbol exposure record. Quantity is
// always positive; the side carries direction.
type position struct {
	side     types.PositionSide
	quantity decimal.Decimal
	avgCost  decimal.Decimal
	openedAt time.Time
}

// Portfolio owns all money state for one run. Realized PnL is tracked
// gross of commissions; commissions accumulate separately, so
// cash + book value == initial capital + realized PnL - commissions
// holds exactly at every step.
type Portfolio struct {
	mu     sync.RWMutex
	logger *zap.Logger
	bus    *events.Bus

	initialCapital decimal.Decimal
	cash           decimal.Decimal
	positions      map[string]*position
	marks          map[string]decimal.Decimal
	realizedPnL    decimal.Decimal
	commissions    decimal.Decimal

	trades     map[string]types.Trade
	tradeOrder []string
	// one aggregate open trade per symbol, mirroring the simulator's
	// exposure book
	openTrades map[string]string

	equityCurve []types.EquityPoint
	peakEquity  decimal.Decimal
}

// New creates a portfolio holding the configured initial capital.
func New(logger *zap.Logger, bus *events.Bus, initialCapital decimal.Decimal) *Portfolio {
	return &Portfolio{
		logger:         logger,
		bus:            bus,
		initialCapital: initialCapital,
		cash:           initialCapital,
		positions:      make(map[string]*position),
		marks:          make(map[string]decimal.Decimal),
		trades:         make(map[string]types.Trade),
		openTrades:     make(map[string]string),
		peakEquity:     initialCapital,
	}
}

// Subscribe registers the portfolio's handlers on the bus. It must be
// the first component subscribed so marks update before anything else
// reacts to a bar.
func (p *Portfolio) Subscribe() error {
	if _, err := p.bus.Subscribe(events.EventTypeBar, p.handleBar); err != nil {
		return err
	}
	if _, err := p.bus.Subscribe(events.EventTypeFill, p.handleFill); err != nil {
		return err
	}
	if _, err := p.bus.Subscribe(events.EventTypeTradeOpen, p.handleTradeOpen); err != nil {
		return err
	}
	_, err := p.bus.Subscribe(events.EventTypeTradeClose, p.handleTradeClose)
	return err
}

func (p *Portfolio) handleBar(event events.Event) error {
	ev, ok := event.(*events.BarEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T on bar subscription", event)
	}

	p.mu.Lock()
	p.marks[ev.Bar.Symbol] = ev.Bar.Close
	p.mu.Unlock()
	return nil
}

func (p *Portfolio) handleFill(event events.Event) error {
	ev, ok := event.(*events.FillEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T on fill subscription", event)
	}

	p.ApplyFill(ev.Fill)
	return nil
}

// ApplyFill applies one fill's cash and position mechanics. The
// simulator splits reversal orders, so a single fill either opens or
// increases one side, or reduces an existing opposite-side position,
// never both.
func (p *Portfolio) ApplyFill(fill *types.Fill) {
	p.mu.Lock()

	notional := fill.Quantity.Mul(fill.Price)
	pos := p.positions[fill.Symbol]

	switch {
	case fill.Side == types.OrderSideBuy && (pos == nil || pos.side == types.PositionSideLong):
		// Open or increase a long.
		p.cash = p.cash.Sub(notional).Sub(fill.Commission)
		p.increase(fill, types.PositionSideLong)

	case fill.Side == types.OrderSideSell && (pos == nil || pos.side == types.PositionSideShort):
		// Open or increase a short; proceeds credit cash.
		p.cash = p.cash.Add(notional).Sub(fill.Commission)
		p.increase(fill, types.PositionSideShort)

	case fill.Side == types.OrderSideSell:
		// Close long.
		p.cash = p.cash.Add(notional).Sub(fill.Commission)
		p.realizedPnL = p.realizedPnL.Add(fill.Price.Sub(pos.avgCost).Mul(fill.Quantity))
		p.reduce(fill.Symbol, fill.Quantity)

	default:
		// Cover short.
		p.cash = p.cash.Sub(notional).Sub(fill.Commission)
		p.realizedPnL = p.realizedPnL.Add(pos.avgCost.Sub(fill.Price).Mul(fill.Quantity))
		p.reduce(fill.Symbol, fill.Quantity)
	}

	p.commissions = p.commissions.Add(fill.Commission)
	snapshot := p.snapshotLocked(fill.Timestamp)
	p.mu.Unlock()

	p.logger.Debug("fill applied",
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.String("quantity", fill.Quantity.String()),
		zap.String("price", fill.Price.String()),
	)

	if p.bus != nil {
		_ = p.bus.Publish(events.NewPortfolioUpdateEvent(snapshot))
	}
}

// increase must hold the lock.
func (p *Portfolio) increase(fill *types.Fill, side types.PositionSide) {
	pos := p.positions[fill.Symbol]
	if pos == nil {
		p.positions[fill.Symbol] = &position{
			side:     side,
			quantity: fill.Quantity,
			avgCost:  fill.Price,
			openedAt: fill.Timestamp,
		}
		return
	}

	total := pos.quantity.Add(fill.Quantity)
	cost := pos.quantity.Mul(pos.avgCost).Add(fill.Quantity.Mul(fill.Price))
	pos.avgCost = cost.Div(total)
	pos.quantity = total
}

// reduce must hold the lock.
func (p *Portfolio) reduce(symbol string, quantity decimal.Decimal) {
	pos := p.positions[symbol]
	pos.quantity = pos.quantity.Sub(quantity)
	if !pos.quantity.IsPositive() {
		delete(p.positions, symbol)
	}
}

func (p *Portfolio) handleTradeOpen(event events.Event) error {
	ev, ok := event.(*events.TradeOpenEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T on trade open subscription", event)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	trade := ev.Trade
	// An increase re-announces the aggregate open trade under the same
	// ID; only the first announcement extends the ledger order.
	if _, seen := p.trades[trade.ID]; !seen {
		p.tradeOrder = append(p.tradeOrder, trade.ID)
	}
	p.trades[trade.ID] = trade
	p.openTrades[trade.Symbol] = trade.ID
	return nil
}

func (p *Portfolio) handleTradeClose(event events.Event) error {
	ev, ok := event.(*events.TradeCloseEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T on trade close subscription", event)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	trade := ev.Trade
	p.trades[trade.ID] = trade
	p.tradeOrder = append(p.tradeOrder, trade.ID)

	// Shrink or retire the symbol's open trade by the closed quantity.
	if openID, ok := p.openTrades[trade.Symbol]; ok {
		open := p.trades[openID]
		open.Quantity = open.Quantity.Sub(trade.Quantity)
		if open.Quantity.IsPositive() {
			p.trades[openID] = open
		} else {
			delete(p.trades, openID)
			delete(p.openTrades, trade.Symbol)
			for i, id := range p.tradeOrder {
				if id == openID {
					p.tradeOrder = append(p.tradeOrder[:i], p.tradeOrder[i+1:]...)
					break
				}
			}
		}
	}
	return nil
}

// AppendEquityPoint samples the equity curve. The coordinator calls it
// exactly once per bar, after the bar's cascade completes.
func (p *Portfolio) AppendEquityPoint(ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.equityLocked()
	if equity.GreaterThan(p.peakEquity) {
		p.peakEquity = equity
	}

	drawdown := decimal.Zero
	if p.peakEquity.IsPositive() {
		drawdown = p.peakEquity.Sub(equity).Div(p.peakEquity)
	}

	p.equityCurve = append(p.equityCurve, types.EquityPoint{
		Timestamp: ts,
		Equity:    equity,
		Cash:      p.cash,
		Drawdown:  drawdown,
	})
}

// equityLocked marks open positions to the last seen close. Shorts
// contribute their liability.
func (p *Portfolio) equityLocked() decimal.Decimal {
	equity := p.cash
	for symbol, pos := range p.positions {
		mark, ok := p.marks[symbol]
		if !ok {
			mark = pos.avgCost
		}
		value := pos.quantity.Mul(mark)
		if pos.side == types.PositionSideShort {
			// Short proceeds already sit in cash; covering costs the
			// marked value.
			value = value.Neg()
		}
		equity = equity.Add(value)
	}
	return equity
}

func (p *Portfolio) snapshotLocked(ts time.Time) types.PortfolioSnapshot {
	return types.PortfolioSnapshot{
		Timestamp:     ts,
		Cash:          p.cash,
		Equity:        p.equityLocked(),
		RealizedPnL:   p.realizedPnL,
		OpenPositions: len(p.positions),
	}
}

// Cash returns available cash.
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// Equity returns cash plus the mark-to-market value of open positions.
func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equityLocked()
}

// RealizedPnL returns accumulated realized PnL, gross of commissions.
func (p *Portfolio) RealizedPnL() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realizedPnL
}

// Commissions returns total commissions paid.
func (p *Portfolio) Commissions() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.commissions
}

// NetQuantity returns the signed net quantity for a symbol: positive
// long, negative short, zero flat. The risk manager sizes orders as
// deltas against it.
func (p *Portfolio) NetQuantity(symbol string) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return decimal.Zero
	}
	if pos.side == types.PositionSideShort {
		return pos.quantity.Neg()
	}
	return pos.quantity
}

// Positions returns copies of all open positions, marked to the last
// seen close.
func (p *Portfolio) Positions() []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	symbols := make([]string, 0, len(p.positions))
	for symbol := range p.positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	out := make([]types.Position, 0, len(p.positions))
	for _, symbol := range symbols {
		pos := p.positions[symbol]
		mark, ok := p.marks[symbol]
		if !ok {
			mark = pos.avgCost
		}
		unrealized := mark.Sub(pos.avgCost).Mul(pos.quantity)
		if pos.side == types.PositionSideShort {
			unrealized = pos.avgCost.Sub(mark).Mul(pos.quantity)
		}
		out = append(out, types.Position{
			Symbol:        symbol,
			Side:          pos.side,
			Quantity:      pos.quantity,
			AvgEntryPrice: pos.avgCost,
			CurrentPrice:  mark,
			UnrealizedPnL: unrealized,
			OpenedAt:      pos.openedAt,
		})
	}
	return out
}

// BookValue returns the signed sum of quantity times average cost over
// all open positions.
func (p *Portfolio) BookValue() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	book := decimal.Zero
	for _, pos := range p.positions {
		value := pos.quantity.Mul(pos.avgCost)
		if pos.side == types.PositionSideShort {
			value = value.Neg()
		}
		book = book.Add(value)
	}
	return book
}

// Trades returns the trade ledger in announcement order: closed round
// trips plus any still-open trades.
func (p *Portfolio) Trades() []types.Trade {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.Trade, 0, len(p.tradeOrder))
	for _, id := range p.tradeOrder {
		out = append(out, p.trades[id])
	}
	return out
}

// EquityCurve returns a copy of the equity curve.
func (p *Portfolio) EquityCurve() []types.EquityPoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]types.EquityPoint(nil), p.equityCurve...)
}

// MaxDrawdown returns the largest peak-to-trough decline over the
// equity curve so far, as a fraction of the peak.
func (p *Portfolio) MaxDrawdown() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	equity := make([]decimal.Decimal, len(p.equityCurve))
	for i, point := range p.equityCurve {
		equity[i] = point.Equity
	}
	return utils.CalculateMaxDrawdown(equity)
}

// Len reports the number of open positions plus ledger trades plus
// equity points; zero means the portfolio is indistinguishable from a
// fresh one apart from cash.
func (p *Portfolio) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.positions) + len(p.trades) + len(p.equityCurve)
}

// Reset restores cash to the initial capital and clears positions,
// PnL, commissions, trades, marks, and the equity curve.
func (p *Portfolio) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cash = p.initialCapital
	p.positions = make(map[string]*position)
	p.marks = make(map[string]decimal.Decimal)
	p.realizedPnL = decimal.Zero
	p.commissions = decimal.Zero
	p.trades = make(map[string]types.Trade)
	p.tradeOrder = nil
	p.openTrades = make(map[string]string)
	p.equityCurve = nil
	p.peakEquity = p.initialCapital
}
