package portfolio_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/internal/events"
	"github.com/tradeforge/replay/internal/portfolio"
	"github.com/tradeforge/replay/pkg/types"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func fill(side types.OrderSide, qty, price, commission float64) *types.Fill {
	return &types.Fill{
		ID:         "fill-test",
		OrderID:    "ord-test",
		Symbol:     "BTC/USDT",
		Side:       side,
		Quantity:   dec(qty),
		Price:      dec(price),
		Commission: dec(commission),
		Timestamp:  t0,
	}
}

func newPortfolio(capital float64) *portfolio.Portfolio {
	return portfolio.New(zap.NewNop(), nil, dec(capital))
}

func TestBuyThenSellRealizesPnL(t *testing.T) {
	p := newPortfolio(10000)

	p.ApplyFill(fill(types.OrderSideBuy, 2, 100, 1))
	if !p.Cash().Equal(dec(10000 - 200 - 1)) {
		t.Errorf("Cash after buy: got %s", p.Cash())
	}
	if !p.NetQuantity("BTC/USDT").Equal(dec(2)) {
		t.Errorf("Net quantity after buy: got %s", p.NetQuantity("BTC/USDT"))
	}

	p.ApplyFill(fill(types.OrderSideSell, 2, 110, 1))
	if !p.RealizedPnL().Equal(dec(20)) {
		t.Errorf("Realized PnL: expected 20, got %s", p.RealizedPnL())
	}
	if !p.Commissions().Equal(dec(2)) {
		t.Errorf("Commissions: expected 2, got %s", p.Commissions())
	}
	if !p.NetQuantity("BTC/USDT").IsZero() {
		t.Errorf("Expected flat after round trip, got %s", p.NetQuantity("BTC/USDT"))
	}
}

func TestAverageCostOnIncrease(t *testing.T) {
	p := newPortfolio(10000)

	p.ApplyFill(fill(types.OrderSideBuy, 1, 100, 0))
	p.ApplyFill(fill(types.OrderSideBuy, 1, 110, 0))

	positions := p.Positions()
	if len(positions) != 1 {
		t.Fatalf("Expected 1 position, got %d", len(positions))
	}
	if !positions[0].AvgEntryPrice.Equal(dec(105)) {
		t.Errorf("Average cost: expected 105, got %s", positions[0].AvgEntryPrice)
	}
	if !positions[0].Quantity.Equal(dec(2)) {
		t.Errorf("Quantity: expected 2, got %s", positions[0].Quantity)
	}
}

func TestShortRoundTrip(t *testing.T) {
	p := newPortfolio(10000)

	p.ApplyFill(fill(types.OrderSideSell, 1, 100, 0))
	if !p.Cash().Equal(dec(10100)) {
		t.Errorf("Cash after short sale: got %s", p.Cash())
	}
	if !p.NetQuantity("BTC/USDT").Equal(dec(-1)) {
		t.Errorf("Net quantity: expected -1, got %s", p.NetQuantity("BTC/USDT"))
	}

	// Cover below entry: profit.
	p.ApplyFill(fill(types.OrderSideBuy, 1, 90, 0))
	if !p.RealizedPnL().Equal(dec(10)) {
		t.Errorf("Short PnL: expected 10, got %s", p.RealizedPnL())
	}
	if !p.Cash().Equal(dec(10010)) {
		t.Errorf("Cash after cover: got %s", p.Cash())
	}
}

func TestConservation(t *testing.T) {
	p := newPortfolio(10000)

	p.ApplyFill(fill(types.OrderSideBuy, 3, 100, 1.5))
	p.ApplyFill(fill(types.OrderSideSell, 1, 105, 0.5))
	p.ApplyFill(fill(types.OrderSideBuy, 2, 95, 1))

	// cash + book == initial + realized - commissions, exactly.
	lhs := p.Cash().Add(p.BookValue())
	rhs := dec(10000).Add(p.RealizedPnL()).Sub(p.Commissions())
	if !lhs.Equal(rhs) {
		t.Errorf("Conservation violated: cash+book=%s, initial+pnl-comm=%s", lhs, rhs)
	}
}

func TestEquityMarksToLastClose(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.BusConfig{})
	p := portfolio.New(zap.NewNop(), bus, dec(1000))
	if err := p.Subscribe(); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	p.ApplyFill(fill(types.OrderSideBuy, 2, 100, 0))

	bar := types.Bar{
		Symbol: "BTC/USDT", Timestamp: t0.Add(time.Hour),
		Open: dec(100), High: dec(120), Low: dec(100), Close: dec(120), Volume: dec(10),
	}
	if err := bus.Publish(events.NewBarEvent(bar)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// 800 cash + 2 * 120 marked.
	if !p.Equity().Equal(dec(1040)) {
		t.Errorf("Equity: expected 1040, got %s", p.Equity())
	}

	p.AppendEquityPoint(bar.Timestamp)
	curve := p.EquityCurve()
	if len(curve) != 1 {
		t.Fatalf("Expected 1 equity point, got %d", len(curve))
	}
	if !curve[0].Equity.Equal(dec(1040)) {
		t.Errorf("Curve equity: expected 1040, got %s", curve[0].Equity)
	}
}

func TestMaxDrawdownOverCurve(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.BusConfig{})
	p := portfolio.New(zap.NewNop(), bus, dec(1000))
	if err := p.Subscribe(); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !p.MaxDrawdown().IsZero() {
		t.Errorf("Fresh portfolio drawdown: expected 0, got %s", p.MaxDrawdown())
	}

	// All cash into 10 units, so equity is 10x the close.
	p.ApplyFill(fill(types.OrderSideBuy, 10, 100, 0))

	// Peak 1200 at the second close, trough 900 right after.
	for i, close := range []float64{100, 120, 90, 110} {
		bar := types.Bar{
			Symbol: "BTC/USDT", Timestamp: t0.Add(time.Duration(i+1) * time.Hour),
			Open: dec(close), High: dec(close), Low: dec(close), Close: dec(close), Volume: dec(10),
		}
		if err := bus.Publish(events.NewBarEvent(bar)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		p.AppendEquityPoint(bar.Timestamp)
	}

	if !p.MaxDrawdown().Equal(dec(0.25)) {
		t.Errorf("Max drawdown: expected 0.25, got %s", p.MaxDrawdown())
	}
}

func TestTradeLedgerTracksOpenAndClose(t *testing.T) {
	p := newPortfolio(10000)

	open := types.Trade{
		ID: "trade-1", Symbol: "BTC/USDT", Side: types.PositionSideLong,
		Quantity: dec(2), EntryPrice: dec(100), EntryTime: t0,
		RuleID: "s:BTC/USDT:long:1", Open: true,
	}
	bus := events.NewBus(zap.NewNop(), events.BusConfig{})
	p2 := portfolio.New(zap.NewNop(), bus, dec(10000))
	if err := p2.Subscribe(); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(events.NewTradeOpenEvent(open)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := p2.Trades(); len(got) != 1 || !got[0].Open {
		t.Fatalf("Expected 1 open trade, got %+v", got)
	}

	closed := types.Trade{
		ID: "trade-2", Symbol: "BTC/USDT", Side: types.PositionSideLong,
		Quantity: dec(2), EntryPrice: dec(100), EntryTime: t0,
		ExitPrice: dec(110), ExitTime: t0.Add(time.Hour),
		RealizedPnL: dec(20), Commission: dec(1),
		RuleID: "s:BTC/USDT:long:1", Open: false,
	}
	if err := bus.Publish(events.NewTradeCloseEvent(closed)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := p2.Trades()
	if len(got) != 1 {
		t.Fatalf("Expected only the closed trade after full close, got %d", len(got))
	}
	if got[0].Open || !got[0].ExitPrice.Equal(dec(110)) {
		t.Errorf("Closed trade malformed: %+v", got[0])
	}
	if p != nil && p.Len() != 0 {
		t.Errorf("Untouched portfolio should report empty state")
	}
}

func TestPartialCloseShrinksOpenTrade(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.BusConfig{})
	p := portfolio.New(zap.NewNop(), bus, dec(10000))
	if err := p.Subscribe(); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	open := types.Trade{
		ID: "trade-1", Symbol: "BTC/USDT", Side: types.PositionSideLong,
		Quantity: dec(3), EntryPrice: dec(100), EntryTime: t0, Open: true,
	}
	_ = bus.Publish(events.NewTradeOpenEvent(open))

	closed := types.Trade{
		ID: "trade-2", Symbol: "BTC/USDT", Side: types.PositionSideLong,
		Quantity: dec(1), EntryPrice: dec(100), EntryTime: t0,
		ExitPrice: dec(105), ExitTime: t0.Add(time.Hour), RealizedPnL: dec(5),
	}
	_ = bus.Publish(events.NewTradeCloseEvent(closed))

	got := p.Trades()
	if len(got) != 2 {
		t.Fatalf("Expected open remainder plus closed trade, got %d", len(got))
	}
	if !got[0].Open || !got[0].Quantity.Equal(dec(2)) {
		t.Errorf("Open remainder: expected quantity 2, got %+v", got[0])
	}
	if got[1].Open {
		t.Errorf("Second ledger entry should be closed")
	}
}

func TestResetRestoresInitialState(t *testing.T) {
	p := newPortfolio(5000)
	p.ApplyFill(fill(types.OrderSideBuy, 1, 100, 1))
	p.AppendEquityPoint(t0)

	p.Reset()

	if !p.Cash().Equal(dec(5000)) {
		t.Errorf("Cash after reset: got %s", p.Cash())
	}
	if p.Len() != 0 {
		t.Errorf("Expected empty state after reset, got %d tracked objects", p.Len())
	}
	if !p.RealizedPnL().IsZero() || !p.Commissions().IsZero() {
		t.Errorf("PnL/commissions survived reset")
	}
}
