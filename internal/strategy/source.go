// Package strategy provides the signal sources that drive the replay
// pipeline. A source turns bars into directional signals, gated so that
// only direction changes emit: repeated same-direction bars are silent.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/pkg/types"
	"github.com/tradeforge/replay/pkg/utils"
	"go.uber.org/zap"
)

// Source is the signal source contract. Variants are concrete types
// selected through the registry and composed at construction; there is
// no subclassing. Configure consumes the immutable parameter set once,
// at run start. Reset must clear every piece of per-run state: carrying
// direction state into a new run inflates trade counts.
type Source interface {
	Name() string
	Configure(params types.ParameterSet) error
	OnBar(bar types.Bar) (*types.Signal, error)
	CurrentDirection(symbol string) types.Direction
	TrackedSymbols() int
	Reset()
}

// directionState is the per-symbol gating state shared by all variants.
// A signal is emitted only when the computed direction differs from the
// current one; the group counter increments on each change, making
// rule ids unique per directional decision and stable across repeats.
type directionState struct {
	name    string
	current map[string]types.Direction
	groups  map[string]int
}

func newDirectionState(name string) directionState {
	return directionState{
		name:    name,
		current: make(map[string]types.Direction),
		groups:  make(map[string]int),
	}
}

// gate applies direction-change gating. It returns nil when the
// direction is unchanged, and otherwise advances the group counter,
// updates the current direction, and builds the signal with its
// rule id. A first-seen flat direction updates state silently: there
// is nothing to exit.
func (d *directionState) gate(bar types.Bar, dir types.Direction, strength decimal.Decimal) *types.Signal {
	if dir == "" {
		return nil
	}

	current, seen := d.current[bar.Symbol]
	if seen && current == dir {
		return nil
	}
	if !seen && dir == types.DirectionFlat {
		d.current[bar.Symbol] = dir
		return nil
	}

	d.groups[bar.Symbol]++
	d.current[bar.Symbol] = dir

	return &types.Signal{
		ID:        utils.GenerateID("sig"),
		Strategy:  d.name,
		Symbol:    bar.Symbol,
		Direction: dir,
		Strength:  utils.ClampDecimal(strength, decimal.Zero, decimal.NewFromInt(1)),
		Price:     bar.Close,
		RuleID:    types.RuleID(d.name, bar.Symbol, dir, d.groups[bar.Symbol]),
		Timestamp: bar.Timestamp,
	}
}

// CurrentDirection returns the gated direction for a symbol, or the
// empty direction when the symbol has produced no opinion yet.
func (d *directionState) CurrentDirection(symbol string) types.Direction {
	return d.current[symbol]
}

// TrackedSymbols returns how many symbols carry direction state. A
// fresh or reset source tracks zero.
func (d *directionState) TrackedSymbols() int {
	return len(d.current)
}

func (d *directionState) reset() {
	d.current = make(map[string]types.Direction)
	d.groups = make(map[string]int)
}

// Factory builds one fresh, unconfigured source instance.
type Factory func() Source

// Registry maps strategy names to source factories. Each Create call
// returns an independent instance, so parallel runs never share a
// source.
type Registry struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in variants registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
	}

	r.Register("ma_cross", func() Source { return NewMACross() })
	r.Register("ema_cross", func() Source { return NewEMACross() })
	r.Register("momentum", func() Source { return NewMomentum() })
	r.Register("composite", func() Source {
		return NewComposite("composite", []WeightedSource{
			{Source: NewMACross(), Weight: decimal.NewFromInt(1)},
			{Source: NewMomentum(), Weight: decimal.NewFromInt(1)},
		})
	})
	r.Register("regime_filtered", func() Source {
		return NewRegimeFiltered(NewMACross())
	})

	return r
}

// Register adds a factory under a name, replacing any previous one.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds and configures a fresh source. Unknown names and bad
// parameters surface as ConfigErrors.
func (r *Registry) Create(name string, params types.ParameterSet) (Source, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &types.ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", name)}
	}

	src := factory()
	if err := src.Configure(params); err != nil {
		return nil, err
	}

	r.logger.Debug("strategy created",
		zap.String("strategy", name),
		zap.Int("params", params.Len()),
	)

	return src, nil
}

// List returns the registered strategy names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
