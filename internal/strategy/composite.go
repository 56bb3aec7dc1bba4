package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/pkg/types"
)

// WeightedSource is one composite member and its vote weight.
type WeightedSource struct {
	Source Source
	Weight decimal.Decimal
}

// Composite combines child sources by signed weighted vote. Children
// are fed every bar but never publish: only the composite's own
// direction state gates emission. A vote at or beyond the threshold
// goes long/short; anything weaker goes flat once any child has an
// opinion.
type Composite struct {
	directionState
	name      string
	children  []WeightedSource
	threshold decimal.Decimal
}

// NewComposite creates a composite over the given children. Weights
// may be overridden at configure time via weight_<child-name>.
func NewComposite(name string, children []WeightedSource) *Composite {
	return &Composite{
		directionState: newDirectionState(name),
		name:           name,
		children:       children,
		threshold:      decimal.NewFromFloat(0.5),
	}
}

// Name returns the composite's name.
func (s *Composite) Name() string { return s.name }

// Configure reads vote_threshold and per-child weights, then passes
// the full set to every child.
func (s *Composite) Configure(params types.ParameterSet) error {
	if len(s.children) == 0 {
		return &types.ConfigError{Field: "composite", Reason: "requires at least one child source"}
	}

	if v, ok := params.Get("vote_threshold"); ok {
		s.threshold = decimal.NewFromFloat(v)
	}
	if !s.threshold.IsPositive() {
		return &types.ConfigError{Field: "vote_threshold", Reason: "must be positive"}
	}

	for i := range s.children {
		child := &s.children[i]
		if v, ok := params.Get(fmt.Sprintf("weight_%s", child.Source.Name())); ok {
			child.Weight = decimal.NewFromFloat(v)
		}
		if child.Weight.IsNegative() {
			return &types.ConfigError{
				Field:  fmt.Sprintf("weight_%s", child.Source.Name()),
				Reason: "must not be negative",
			}
		}
		if err := child.Source.Configure(params); err != nil {
			return err
		}
	}
	return nil
}

// OnBar feeds every child, tallies the vote, and emits on change.
func (s *Composite) OnBar(bar types.Bar) (*types.Signal, error) {
	score := decimal.Zero
	totalWeight := decimal.Zero
	opinions := 0

	for _, child := range s.children {
		if _, err := child.Source.OnBar(bar); err != nil {
			return nil, fmt.Errorf("composite child %s: %w", child.Source.Name(), err)
		}

		switch child.Source.CurrentDirection(bar.Symbol) {
		case types.DirectionLong:
			score = score.Add(child.Weight)
			opinions++
		case types.DirectionShort:
			score = score.Sub(child.Weight)
			opinions++
		case types.DirectionFlat:
			opinions++
		default:
			// Child still warming up; it abstains.
		}
		totalWeight = totalWeight.Add(child.Weight)
	}

	if opinions == 0 {
		return nil, nil
	}

	var dir types.Direction
	switch {
	case score.GreaterThanOrEqual(s.threshold):
		dir = types.DirectionLong
	case score.LessThanOrEqual(s.threshold.Neg()):
		dir = types.DirectionShort
	default:
		dir = types.DirectionFlat
	}

	strength := decimal.Zero
	if !totalWeight.IsZero() {
		strength = score.Abs().Div(totalWeight)
	}

	return s.gate(bar, dir, strength), nil
}

// CurrentDirection returns the composite's own gated direction.
func (s *Composite) CurrentDirection(symbol string) types.Direction {
	return s.directionState.CurrentDirection(symbol)
}

// TrackedSymbols counts the composite's state plus every child's, so a
// state-leak check sees the whole tree.
func (s *Composite) TrackedSymbols() int {
	count := s.directionState.TrackedSymbols()
	for _, child := range s.children {
		count += child.Source.TrackedSymbols()
	}
	return count
}

// Reset clears the composite and every child.
func (s *Composite) Reset() {
	s.directionState.reset()
	for _, child := range s.children {
		child.Source.Reset()
	}
}
