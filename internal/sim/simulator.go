package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/internal/events"
	"github.com/tradeforge/replay/pkg/types"
	"go.uber.org/zap"
)

// exposure is the simulator's book entry for one symbol: the aggregate
// open trade all same-direction fills merge into.
type exposure struct {
	tradeID         string
	side            types.PositionSide
	quantity        decimal.Decimal
	avgEntry        decimal.Decimal
	entryTime       time.Time
	ruleID          string
	entryCommission decimal.Decimal
}

// Simulator fills orders against the bar currently being replayed. A
// reversal order is split into a closing fill and an opening fill, so
// no single fill ever both closes one side and opens the other. Fill
// and trade IDs are sequential per run, which keeps results for
// identical inputs byte-identical.
type Simulator struct {
	mu     sync.Mutex
	logger *zap.Logger
	bus    *events.Bus

	slippage       Model
	commissionRate decimal.Decimal

	currentBars map[string]types.Bar
	book        map[string]*exposure
	rejections  []types.Rejection
	fillSeq     int
	tradeSeq    int
}

// NewSimulator creates a simulator for one run.
func NewSimulator(logger *zap.Logger, bus *events.Bus, slippage Model, commissionRate decimal.Decimal) *Simulator {
	return &Simulator{
		logger:         logger,
		bus:            bus,
		slippage:       slippage,
		commissionRate: commissionRate,
		currentBars:    make(map[string]types.Bar),
		book:           make(map[string]*exposure),
	}
}

// Subscribe registers the simulator on the bus for bar and order
// events.
func (s *Simulator) Subscribe() error {
	if _, err := s.bus.Subscribe(events.EventTypeBar, s.handleBar); err != nil {
		return err
	}
	_, err := s.bus.Subscribe(events.EventTypeOrder, s.handleOrder)
	return err
}

func (s *Simulator) handleBar(event events.Event) error {
	ev, ok := event.(*events.BarEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T on bar subscription", event)
	}

	s.mu.Lock()
	s.currentBars[ev.Bar.Symbol] = ev.Bar
	s.mu.Unlock()
	return nil
}

func (s *Simulator) handleOrder(event events.Event) error {
	ev, ok := event.(*events.OrderEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T on order subscription", event)
	}
	return s.OnOrder(ev.Order)
}

// OnOrder executes one order against the symbol's current bar and
// publishes the resulting fill and trade events. Limit orders that are
// not marketable against the bar close are rejected, not queued.
func (s *Simulator) OnOrder(order *types.Order) error {
	if order == nil {
		return fmt.Errorf("nil order")
	}

	s.mu.Lock()

	bar, ok := s.currentBars[order.Symbol]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no market data for %s", order.Symbol)
	}

	price, filled := s.fillPrice(order, bar)
	if !filled {
		order.Status = types.OrderStatusRejected
		s.rejections = append(s.rejections, types.Rejection{
			RuleID:    order.RuleID,
			Reason:    types.RejectLimitNotMarketable,
			Timestamp: bar.Timestamp,
		})
		s.mu.Unlock()
		s.logger.Debug("limit order not marketable",
			zap.String("orderId", order.ID),
			zap.String("limit", order.LimitPrice.String()),
			zap.String("close", bar.Close.String()),
		)
		return nil
	}

	var out []events.Event

	pos := s.book[order.Symbol]
	switch {
	case pos == nil || sameDirection(pos.side, order.Side):
		out = s.open(order, order.Quantity, price, bar.Timestamp)

	case order.Quantity.LessThanOrEqual(pos.quantity):
		out = s.close(order, order.Quantity, price, bar.Timestamp)

	default:
		// Reversal: close the full exposure first, then open the
		// remainder on the other side with its own fill and trade.
		remainder := order.Quantity.Sub(pos.quantity)
		out = s.close(order, pos.quantity, price, bar.Timestamp)
		out = append(out, s.open(order, remainder, price, bar.Timestamp)...)
	}

	order.Status = types.OrderStatusFilled
	s.mu.Unlock()

	for _, ev := range out {
		if err := s.bus.Publish(ev); err != nil {
			return err
		}
	}
	return nil
}

// fillPrice resolves the execution price for an order against a bar.
// Market orders fill at the close adjusted by slippage; limit orders
// fill at the limit price when the close makes them marketable.
func (s *Simulator) fillPrice(order *types.Order, bar types.Bar) (decimal.Decimal, bool) {
	if order.Type == types.OrderTypeLimit {
		if order.Side == types.OrderSideBuy && bar.Close.LessThanOrEqual(order.LimitPrice) {
			return order.LimitPrice, true
		}
		if order.Side == types.OrderSideSell && bar.Close.GreaterThanOrEqual(order.LimitPrice) {
			return order.LimitPrice, true
		}
		return decimal.Zero, false
	}

	fraction := s.slippage.Fraction(order, bar)
	if order.Side == types.OrderSideBuy {
		return bar.Close.Mul(decimal.NewFromInt(1).Add(fraction)), true
	}
	return bar.Close.Mul(decimal.NewFromInt(1).Sub(fraction)), true
}

// open must hold the lock. It emits an opening fill and re-announces
// the symbol's aggregate open trade under its stable ID.
func (s *Simulator) open(order *types.Order, quantity, price decimal.Decimal, ts time.Time) []events.Event {
	commission := quantity.Mul(price).Mul(s.commissionRate)
	fill := s.newFill(order, quantity, price, commission, ts)

	side := types.PositionSideLong
	if order.Side == types.OrderSideSell {
		side = types.PositionSideShort
	}

	pos := s.book[order.Symbol]
	if pos == nil {
		s.tradeSeq++
		pos = &exposure{
			tradeID:   fmt.Sprintf("trade-%d", s.tradeSeq),
			side:      side,
			quantity:  quantity,
			avgEntry:  price,
			entryTime: ts,
			ruleID:    order.RuleID,
		}
		s.book[order.Symbol] = pos
	} else {
		total := pos.quantity.Add(quantity)
		cost := pos.quantity.Mul(pos.avgEntry).Add(quantity.Mul(price))
		pos.avgEntry = cost.Div(total)
		pos.quantity = total
	}
	pos.entryCommission = pos.entryCommission.Add(commission)

	trade := types.Trade{
		ID:         pos.tradeID,
		Symbol:     order.Symbol,
		Side:       pos.side,
		Quantity:   pos.quantity,
		EntryPrice: pos.avgEntry,
		EntryTime:  pos.entryTime,
		Commission: pos.entryCommission,
		RuleID:     pos.ruleID,
		Open:       true,
	}

	s.logger.Debug("position opened",
		zap.String("tradeId", pos.tradeID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(pos.side)),
		zap.String("quantity", pos.quantity.String()),
	)

	return []events.Event{events.NewFillEvent(fill), events.NewTradeOpenEvent(trade)}
}

// close must hold the lock. It emits a closing fill and a trade close
// record under a fresh ID carrying the realized outcome. The exit
// price is the closing fill's actual price; the entry commission is
// attributed pro rata to the closed quantity.
func (s *Simulator) close(order *types.Order, quantity, price decimal.Decimal, ts time.Time) []events.Event {
	pos := s.book[order.Symbol]

	exitCommission := quantity.Mul(price).Mul(s.commissionRate)
	fill := s.newFill(order, quantity, price, exitCommission, ts)

	var pnl decimal.Decimal
	if pos.side == types.PositionSideLong {
		pnl = price.Sub(pos.avgEntry).Mul(quantity)
	} else {
		pnl = pos.avgEntry.Sub(price).Mul(quantity)
	}

	entryShare := pos.entryCommission.Mul(quantity).Div(pos.quantity)

	s.tradeSeq++
	trade := types.Trade{
		ID:          fmt.Sprintf("trade-%d", s.tradeSeq),
		Symbol:      order.Symbol,
		Side:        pos.side,
		Quantity:    quantity,
		EntryPrice:  pos.avgEntry,
		EntryTime:   pos.entryTime,
		ExitPrice:   price,
		ExitTime:    ts,
		RealizedPnL: pnl,
		Commission:  entryShare.Add(exitCommission),
		RuleID:      pos.ruleID,
	}

	pos.quantity = pos.quantity.Sub(quantity)
	pos.entryCommission = pos.entryCommission.Sub(entryShare)
	if !pos.quantity.IsPositive() {
		delete(s.book, order.Symbol)
	}

	s.logger.Debug("position closed",
		zap.String("tradeId", trade.ID),
		zap.String("symbol", order.Symbol),
		zap.String("quantity", quantity.String()),
		zap.String("pnl", pnl.String()),
	)

	return []events.Event{events.NewFillEvent(fill), events.NewTradeCloseEvent(trade)}
}

// newFill must hold the lock.
func (s *Simulator) newFill(order *types.Order, quantity, price, commission decimal.Decimal, ts time.Time) *types.Fill {
	s.fillSeq++
	return &types.Fill{
		ID:         fmt.Sprintf("fill-%d", s.fillSeq),
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   quantity,
		Price:      price,
		Commission: commission,
		Timestamp:  ts,
	}
}

func sameDirection(side types.PositionSide, orderSide types.OrderSide) bool {
	if side == types.PositionSideLong {
		return orderSide == types.OrderSideBuy
	}
	return orderSide == types.OrderSideSell
}

// Rejections returns a copy of the recorded rejections.
func (s *Simulator) Rejections() []types.Rejection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Rejection(nil), s.rejections...)
}

// FillCount returns the number of fills produced so far.
func (s *Simulator) FillCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fillSeq
}

// OpenExposures returns the number of symbols with open exposure. A
// fresh or reset simulator reports zero.
func (s *Simulator) OpenExposures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.book)
}

// Reset clears the book, the cached bars, the rejections, and the id
// counters.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentBars = make(map[string]types.Bar)
	s.book = make(map[string]*exposure)
	s.rejections = nil
	s.fillSeq = 0
	s.tradeSeq = 0
}
