// Package risk converts admissible signals into orders. It is the
// pipeline's gatekeeper: it deduplicates signals by rule id, sizes the
// position through a pluggable policy, validates the debit side
// against available cash, and records a reason for everything it
// drops. Its Reset clears the processed-rule-id set — the single most
// load-bearing reset call in the system.
package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/internal/events"
	"github.com/tradeforge/replay/internal/portfolio"
	"github.com/tradeforge/replay/pkg/types"
	"go.uber.org/zap"
)

// Manager is the risk/order layer for one run.
type Manager struct {
	mu     sync.Mutex
	logger *zap.Logger
	bus    *events.Bus

	portfolio      *portfolio.Portfolio
	sizer          Sizer
	commissionRate decimal.Decimal
	minQuantity    decimal.Decimal

	processed  map[string]struct{}
	rejections []types.Rejection
	registry   *OrderRegistry
	orderSeq   int
}

// NewManager creates a risk manager bound to one run's portfolio.
func NewManager(logger *zap.Logger, bus *events.Bus, pf *portfolio.Portfolio, sizer Sizer, commissionRate, minQuantity decimal.Decimal) *Manager {
	return &Manager{
		logger:         logger,
		bus:            bus,
		portfolio:      pf,
		sizer:          sizer,
		commissionRate: commissionRate,
		minQuantity:    minQuantity,
		processed:      make(map[string]struct{}),
		registry:       NewOrderRegistry(),
	}
}

// Subscribe registers the manager on the bus. It must subscribe to
// SIGNAL before anything that re-publishes on it.
func (m *Manager) Subscribe() error {
	if _, err := m.bus.Subscribe(events.EventTypeBar, m.handleBar); err != nil {
		return err
	}
	_, err := m.bus.Subscribe(events.EventTypeSignal, m.handleSignal)
	return err
}

func (m *Manager) handleBar(event events.Event) error {
	ev, ok := event.(*events.BarEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T on bar subscription", event)
	}

	m.mu.Lock()
	m.sizer.Observe(ev.Bar)
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleSignal(event events.Event) error {
	ev, ok := event.(*events.SignalEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T on signal subscription", event)
	}

	order, err := m.OnSignal(ev.Signal)
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}
	if err := m.bus.Publish(events.NewOrderEvent(order)); err != nil {
		return err
	}

	// Publish is depth-first, so the simulator has already resolved
	// the order; record it again with its final status.
	m.registry.Add(order)
	return nil
}

// OnSignal applies the full admission pipeline to one signal and
// returns the resulting order, or nil when the signal is rejected.
// Every rejection is recorded with a reason; sizing and validation
// failures are recovered locally and never surface as errors.
func (m *Manager) OnSignal(signal *types.Signal) (*types.Order, error) {
	if signal == nil {
		return nil, fmt.Errorf("nil signal")
	}
	if signal.RuleID == "" {
		return nil, &types.ValidationError{Kind: "signal", Reason: "missing rule id"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.processed[signal.RuleID]; seen {
		m.reject(signal, types.RejectDuplicateRuleID)
		return nil, nil
	}
	m.processed[signal.RuleID] = struct{}{}

	equity := m.portfolio.Equity()
	target := m.sizer.Target(signal, equity)

	// The order is the delta between current net exposure and the
	// target exposure in the signal's direction; FLAT targets zero.
	targetSigned := target
	switch signal.Direction {
	case types.DirectionShort:
		targetSigned = target.Neg()
	case types.DirectionFlat:
		targetSigned = decimal.Zero
	}

	delta := targetSigned.Sub(m.portfolio.NetQuantity(signal.Symbol))
	if delta.IsZero() {
		m.reject(signal, types.RejectZeroQuantity)
		return nil, nil
	}

	side := types.OrderSideBuy
	quantity := delta
	if delta.IsNegative() {
		side = types.OrderSideSell
		quantity = delta.Neg()
	}

	// Validate the debit side against cash; oversized buys clamp to
	// the maximum affordable quantity (deterministic truncation).
	if side == types.OrderSideBuy && signal.Price.IsPositive() {
		unitCost := signal.Price.Mul(decimal.NewFromInt(1).Add(m.commissionRate))
		cost := quantity.Mul(unitCost)
		cash := m.portfolio.Cash()
		if cost.GreaterThan(cash) {
			clamped := cash.Div(unitCost).Truncate(8)
			if clamped.LessThan(m.minQuantity) || !clamped.IsPositive() {
				m.reject(signal, types.RejectInsufficientCash)
				return nil, nil
			}
			m.logger.Debug("order clamped to affordable quantity",
				zap.String("ruleId", signal.RuleID),
				zap.String("requested", quantity.String()),
				zap.String("clamped", clamped.String()),
			)
			quantity = clamped
		}
	}

	if quantity.LessThan(m.minQuantity) {
		m.reject(signal, types.RejectBelowMinQuantity)
		return nil, nil
	}

	m.orderSeq++
	order := &types.Order{
		ID:        fmt.Sprintf("ord-%d", m.orderSeq),
		Symbol:    signal.Symbol,
		Side:      side,
		Type:      types.OrderTypeMarket,
		Quantity:  quantity,
		RuleID:    signal.RuleID,
		Status:    types.OrderStatusPending,
		CreatedAt: signal.Timestamp,
	}
	m.registry.Add(order)

	m.logger.Debug("order emitted",
		zap.String("orderId", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("quantity", order.Quantity.String()),
		zap.String("ruleId", order.RuleID),
	)

	return order, nil
}

// reject must hold the lock.
func (m *Manager) reject(signal *types.Signal, reason string) {
	m.rejections = append(m.rejections, types.Rejection{
		RuleID:    signal.RuleID,
		Reason:    reason,
		Timestamp: signal.Timestamp,
	})
	m.logger.Debug("signal rejected",
		zap.String("ruleId", signal.RuleID),
		zap.String("reason", reason),
	)
}

// Rejections returns a copy of the recorded rejections.
func (m *Manager) Rejections() []types.Rejection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Rejection(nil), m.rejections...)
}

// Registry returns the order registry for this run.
func (m *Manager) Registry() *OrderRegistry {
	return m.registry
}

// ProcessedCount returns the size of the processed-rule-id set. A
// fresh or reset manager reports zero; anything else at run start is a
// state leak.
func (m *Manager) ProcessedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}

// Reset clears the processed-rule-id set, the rejection list, the
// order registry, the order counter, and the sizer's state.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processed = make(map[string]struct{})
	m.rejections = nil
	m.orderSeq = 0
	m.registry.Reset()
	m.sizer.Reset()
}
