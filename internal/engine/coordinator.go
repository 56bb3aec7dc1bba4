// Package engine drives one backtest run: it owns the bar loop, wires
// the pipeline components onto a fresh bus, enforces run isolation, and
// assembles the result. Identical configuration and bars produce
// identical results on every invocation.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/internal/data"
	"github.com/tradeforge/replay/internal/events"
	"github.com/tradeforge/replay/internal/portfolio"
	"github.com/tradeforge/replay/internal/risk"
	"github.com/tradeforge/replay/internal/sim"
	"github.com/tradeforge/replay/internal/strategy"
	"github.com/tradeforge/replay/internal/telemetry"
	"github.com/tradeforge/replay/pkg/types"
	"go.uber.org/zap"
)

// ProgressFunc observes run progress. It is called between bars and
// must not influence results.
type ProgressFunc func(types.RunProgress)

// Coordinator replays a bar stream through the pipeline. A coordinator
// is reusable: each Run constructs a fresh bus and fresh component
// instances, and resets everything when it finishes.
type Coordinator struct {
	mu     sync.Mutex
	logger *zap.Logger
	config types.RunConfig
	source strategy.Source

	status     types.RunStatus
	runID      string
	progress   types.RunProgress
	progressFn ProgressFunc
	result     *types.RunResult
}

// runState is the full set of mutable state owned by one run.
type runState struct {
	bus       *events.Bus
	portfolio *portfolio.Portfolio
	risk      *risk.Manager
	sim       *sim.Simulator
}

// New creates a coordinator for one strategy instance. The config is
// validated once here; Run never starts with a bad config.
func New(logger *zap.Logger, config types.RunConfig, source strategy.Source) (*Coordinator, error) {
	if source == nil {
		return nil, &types.ConfigError{Field: "strategy", Reason: "nil signal source"}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Coordinator{
		logger: logger,
		config: config,
		source: source,
		status: types.RunStatusIdle,
	}, nil
}

// OnProgress registers the progress callback. It must be set before
// Run is called.
func (c *Coordinator) OnProgress(fn ProgressFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progressFn = fn
}

// Run replays the bar stream and returns the assembled result. A
// second call while a run is in flight errors without touching run
// state. Failures return no partial results.
func (c *Coordinator) Run(ctx context.Context, bars []types.Bar) (*types.RunResult, error) {
	c.mu.Lock()
	if c.status == types.RunStatusRunning {
		c.mu.Unlock()
		return nil, fmt.Errorf("run %s already in progress", c.runID)
	}
	runID := uuid.New().String()
	c.status = types.RunStatusRunning
	c.runID = runID
	c.result = nil
	c.progress = types.RunProgress{RunID: runID, TotalBars: len(bars)}
	progressFn := c.progressFn
	c.mu.Unlock()

	startedAt := time.Now()
	c.logger.Info("run started",
		zap.String("runId", runID),
		zap.String("strategy", c.config.Strategy),
		zap.Int("bars", len(bars)),
	)

	state, err := c.newRunState()
	if err != nil {
		return nil, c.fail(runID, state, err)
	}

	// The injected source is the one component that outlives runs; it
	// must come in clean and leave clean.
	c.source.Reset()

	if err := preflight(state, c.source); err != nil {
		return nil, c.fail(runID, state, err)
	}
	if err := c.subscribe(state); err != nil {
		return nil, c.fail(runID, state, err)
	}

	lastSeen := make(map[string]time.Time)
	processed := 0
	for i, bar := range bars {
		// Cancellation lands between bars, never mid-cascade: no
		// signal is left resolved into an order without its fill.
		select {
		case <-ctx.Done():
			return nil, c.fail(runID, state, ctx.Err())
		default:
		}

		if err := data.ValidateBar(bar, i); err != nil {
			return nil, c.fail(runID, state, err)
		}
		if prev, ok := lastSeen[bar.Symbol]; ok && !bar.Timestamp.After(prev) {
			return nil, c.fail(runID, state, &types.DataError{
				Symbol: bar.Symbol, Index: i, Reason: "timestamp not increasing",
			})
		}
		lastSeen[bar.Symbol] = bar.Timestamp

		if err := state.bus.Publish(events.NewBarEvent(bar)); err != nil {
			return nil, c.fail(runID, state, err)
		}
		state.portfolio.AppendEquityPoint(bar.Timestamp)
		processed++

		equity := state.portfolio.Equity()
		telemetry.BarsProcessedTotal.Inc()
		telemetry.RunEquity.WithLabelValues(runID).Set(equityFloat(equity))

		sample := types.RunProgress{
			RunID:         runID,
			BarsProcessed: processed,
			TotalBars:     len(bars),
			Equity:        equity,
			PercentDone:   float64(processed) / float64(len(bars)) * 100,
		}
		c.mu.Lock()
		c.progress = sample
		c.mu.Unlock()
		if progressFn != nil {
			progressFn(sample)
		}
	}

	result := c.assemble(runID, state, processed, startedAt)
	c.teardown(state)

	c.mu.Lock()
	c.status = types.RunStatusCompleted
	c.result = result
	c.mu.Unlock()

	telemetry.RunsTotal.WithLabelValues(string(types.RunStatusCompleted)).Inc()
	telemetry.RunEquity.DeleteLabelValues(runID)
	c.logger.Info("run completed",
		zap.String("runId", runID),
		zap.Int("bars", processed),
		zap.Int("trades", len(result.Trades)),
		zap.String("finalCash", result.FinalCash.String()),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	)

	return result, nil
}

// newRunState builds fresh component instances wired to a fresh bus.
func (c *Coordinator) newRunState() (*runState, error) {
	bus := events.NewBus(c.logger, events.BusConfig{LogCapacity: c.config.MaxEventLog})
	pf := portfolio.New(c.logger, bus, c.config.InitialCapital)

	sizer, err := risk.NewSizer(c.config.Sizing)
	if err != nil {
		return nil, err
	}
	manager := risk.NewManager(c.logger, bus, pf, sizer, c.config.CommissionRate, c.config.MinQuantity)
	simulator := sim.NewSimulator(c.logger, bus, sim.NewModel(c.config.Slippage), c.config.CommissionRate)

	return &runState{bus: bus, portfolio: pf, risk: manager, sim: simulator}, nil
}

// preflight verifies that no mutable state survived from a previous
// run. A violation aborts before the first bar.
func preflight(state *runState, source strategy.Source) error {
	if state.bus.Sequence() != 0 || state.bus.LogLen() != 0 {
		return &types.StateLeakError{Component: "bus", Reason: "non-empty event log at run start"}
	}
	if state.risk.ProcessedCount() != 0 {
		return &types.StateLeakError{Component: "risk", Reason: "non-empty rule id set at run start"}
	}
	if state.portfolio.Len() != 0 {
		return &types.StateLeakError{Component: "portfolio", Reason: "portfolio state at run start"}
	}
	if state.sim.OpenExposures() != 0 {
		return &types.StateLeakError{Component: "sim", Reason: "open exposure at run start"}
	}
	if source.TrackedSymbols() != 0 {
		return &types.StateLeakError{Component: "strategy", Reason: "tracked symbols at run start"}
	}
	return nil
}

// subscribe wires the components in fixed order. The risk manager must
// hold its SIGNAL subscription before the source starts publishing.
func (c *Coordinator) subscribe(state *runState) error {
	if err := state.portfolio.Subscribe(); err != nil {
		return err
	}
	if err := state.risk.Subscribe(); err != nil {
		return err
	}
	if err := state.sim.Subscribe(); err != nil {
		return err
	}

	// Strategy adapter: last on BAR, so the simulator already holds
	// the bar when a nested signal cascades into an order.
	if _, err := state.bus.Subscribe(events.EventTypeBar, func(event events.Event) error {
		ev, ok := event.(*events.BarEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T on bar subscription", event)
		}
		signal, err := c.source.OnBar(ev.Bar)
		if err != nil {
			return err
		}
		if signal == nil {
			return nil
		}
		telemetry.SignalsTotal.WithLabelValues(signal.Strategy).Inc()
		return state.bus.Publish(events.NewSignalEvent(signal))
	}); err != nil {
		return err
	}

	// Observational counters; nothing in the pipeline reads them.
	if _, err := state.bus.Subscribe(events.EventTypeOrder, func(event events.Event) error {
		if ev, ok := event.(*events.OrderEvent); ok {
			telemetry.OrdersTotal.WithLabelValues(string(ev.Order.Side)).Inc()
		}
		return nil
	}); err != nil {
		return err
	}
	if _, err := state.bus.Subscribe(events.EventTypeFill, func(event events.Event) error {
		if ev, ok := event.(*events.FillEvent); ok {
			telemetry.FillsTotal.WithLabelValues(string(ev.Fill.Side)).Inc()
		}
		return nil
	}); err != nil {
		return err
	}
	_, err := state.bus.Subscribe(events.EventTypeTradeClose, func(event events.Event) error {
		if ev, ok := event.(*events.TradeCloseEvent); ok {
			result := "loss"
			if ev.Trade.RealizedPnL.IsPositive() {
				result = "win"
			}
			telemetry.TradesTotal.WithLabelValues(result).Inc()
		}
		return nil
	})
	return err
}

// assemble builds the result from copies; nothing in it aliases live
// component state.
func (c *Coordinator) assemble(runID string, state *runState, processed int, startedAt time.Time) *types.RunResult {
	rejections := append(state.risk.Rejections(), state.sim.Rejections()...)
	for _, rejection := range rejections {
		telemetry.RejectionsTotal.WithLabelValues(rejection.Reason).Inc()
	}

	return &types.RunResult{
		RunID:          runID,
		Status:         types.RunStatusCompleted,
		Strategy:       c.config.Strategy,
		Trades:         state.portfolio.Trades(),
		EquityCurve:    state.portfolio.EquityCurve(),
		FinalPositions: state.portfolio.Positions(),
		FinalCash:      state.portfolio.Cash(),
		RealizedPnL:    state.portfolio.RealizedPnL(),
		Commissions:    state.portfolio.Commissions(),
		Rejections:     rejections,
		Warnings:       state.bus.Warnings(),
		BarsProcessed:  processed,
		StartedAt:      startedAt,
		FinishedAt:     time.Now(),
	}
}

// teardown resets every component and the bus, leaving nothing for the
// next run to inherit.
func (c *Coordinator) teardown(state *runState) {
	if state == nil {
		return
	}
	c.source.Reset()
	state.risk.Reset()
	state.sim.Reset()
	state.portfolio.Reset()
	state.bus.Reset()
}

// fail tears the run down with status FAILED and no partial results.
func (c *Coordinator) fail(runID string, state *runState, err error) error {
	c.teardown(state)

	c.mu.Lock()
	c.status = types.RunStatusFailed
	c.result = nil
	c.mu.Unlock()

	telemetry.RunsTotal.WithLabelValues(string(types.RunStatusFailed)).Inc()
	telemetry.RunEquity.DeleteLabelValues(runID)
	c.logger.Warn("run failed",
		zap.String("runId", runID),
		zap.Error(err),
	)
	return err
}

// Status returns the coordinator's current state.
func (c *Coordinator) Status() types.RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// RunID returns the identifier of the current or most recent run.
func (c *Coordinator) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Progress returns the latest progress sample.
func (c *Coordinator) Progress() types.RunProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Result returns a copy of the completed run's result, or nil when no
// run has completed.
func (c *Coordinator) Result() *types.RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.result == nil {
		return nil
	}
	out := *c.result
	out.Trades = append([]types.Trade(nil), c.result.Trades...)
	out.EquityCurve = append([]types.EquityPoint(nil), c.result.EquityCurve...)
	out.FinalPositions = append([]types.Position(nil), c.result.FinalPositions...)
	out.Rejections = append([]types.Rejection(nil), c.result.Rejections...)
	return &out
}

// Config returns the run configuration.
func (c *Coordinator) Config() types.RunConfig {
	return c.config
}

func equityFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
