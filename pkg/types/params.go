package types

import (
	"encoding/json"
	"sort"
)

// ParameterSet is an immutable mapping of parameter name to value.
// Strategies consume it once at configure time, copying values into
// typed fields; nothing reads it mid-run and nothing can mutate it
// after construction.
type ParameterSet struct {
	values map[string]float64
}

// NewParameterSet copies the given values into an immutable set.
func NewParameterSet(values map[string]float64) ParameterSet {
	cp := make(map[string]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return ParameterSet{values: cp}
}

// Get returns the named value and whether it is present.
func (p ParameterSet) Get(name string) (float64, bool) {
	v, ok := p.values[name]
	return v, ok
}

// Float returns the named value, or fallback when absent.
func (p ParameterSet) Float(name string, fallback float64) float64 {
	if v, ok := p.values[name]; ok {
		return v
	}
	return fallback
}

// Int returns the named value truncated to int, or fallback when absent.
func (p ParameterSet) Int(name string, fallback int) int {
	if v, ok := p.values[name]; ok {
		return int(v)
	}
	return fallback
}

// Len returns the number of parameters in the set.
func (p ParameterSet) Len() int {
	return len(p.values)
}

// Names returns the parameter names in sorted order.
func (p ParameterSet) Names() []string {
	names := make([]string, 0, len(p.values))
	for k := range p.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// With returns a new set extending this one with the given values.
// Collisions take the new value; neither input is mutated.
func (p ParameterSet) With(values map[string]float64) ParameterSet {
	cp := make(map[string]float64, len(p.values)+len(values))
	for k, v := range p.values {
		cp[k] = v
	}
	for k, v := range values {
		cp[k] = v
	}
	return ParameterSet{values: cp}
}

// Map returns a copy of the underlying values.
func (p ParameterSet) Map() map[string]float64 {
	cp := make(map[string]float64, len(p.values))
	for k, v := range p.values {
		cp[k] = v
	}
	return cp
}

// MarshalJSON renders the set as a plain JSON object.
func (p ParameterSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.values)
}

// UnmarshalJSON replaces the set with the decoded object.
func (p *ParameterSet) UnmarshalJSON(data []byte) error {
	var values map[string]float64
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*p = NewParameterSet(values)
	return nil
}
